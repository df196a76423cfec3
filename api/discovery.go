package api

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// SRVScheme prefixes server targets resolved through DNS SRV records, as in
// srv+https://_recovery._tcp.example.org.
const SRVScheme = "srv+"

// DefaultResolver is used when resolv.conf cannot be read.
const DefaultResolver = "127.0.0.53:53"

// ResolveServer turns a server target into a base URL. Plain URLs are
// returned as they are. srv+ targets are looked up at resolver, or at the
// system resolver when empty, and the record with the lowest priority and
// highest weight wins.
func ResolveServer(ctx context.Context, target, resolver string) (string, error) {
	if !strings.HasPrefix(target, SRVScheme) {
		return target, nil
	}
	scheme, name, ok := strings.Cut(strings.TrimPrefix(target, SRVScheme), "://")
	if !ok || name == "" {
		return "", interfaces.Errorf(interfaces.KindMalformedRequest, "invalid SRV target %q", target)
	}

	if resolver == "" {
		resolver = systemResolver()
	}

	records, err := lookupSRV(ctx, dns.Fqdn(name), resolver)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", interfaces.Errorf(interfaces.KindLedgerUnavailable, "no SRV records for %s", name)
	}

	slices.SortStableFunc(records, func(a, b *dns.SRV) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		return int(b.Weight) - int(a.Weight)
	})
	best := records[0]
	host := strings.TrimSuffix(best.Target, ".")
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(int(best.Port)))), nil
}

func systemResolver() string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return DefaultResolver
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port)
}

func lookupSRV(ctx context.Context, name, resolver string) ([]*dns.SRV, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeSRV)
	m.RecursionDesired = true

	c := new(dns.Client)
	in, _, err := c.ExchangeContext(ctx, m, resolver)
	if err != nil {
		return nil, interfaces.Errorf(interfaces.KindLedgerUnavailable, "SRV lookup of %s: %v", name, err)
	}
	if in.Rcode != dns.RcodeSuccess && in.Rcode != dns.RcodeNameError {
		return nil, interfaces.Errorf(interfaces.KindLedgerUnavailable, "SRV lookup of %s: %s", name, dns.RcodeToString[in.Rcode])
	}

	records := make([]*dns.SRV, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	return records, nil
}
