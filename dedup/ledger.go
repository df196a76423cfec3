// Package dedup suppresses duplicate ledger calls.
//
// Ledger wraps any interfaces.Ledger. Identical concurrent calls, keyed by
// method and canonical arguments, share a single in-flight call. Successful
// reads are additionally memoized for a short TTL; any write touching an
// account drops the memoized reads for that account.
package dedup

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 2 * time.Second
)

var readMethods = []string{"getCommitment", "getThreshold", "getRecoveryRequest", "getApprovalCount"}

// Ledger is an interfaces.Ledger that coalesces identical calls.
//
// A coalesced call runs with the context of the caller that started it.
type Ledger struct {
	inner interfaces.Ledger
	group singleflight.Group
	cache *expirable.LRU[string, any]
	log   *slog.Logger

	// writes counts invalidations. A read that overlaps one is not memoized.
	cacheMu sync.Mutex
	writes  uint64
}

// NewLedger wraps inner. A zero ttl disables read memoization; in-flight
// calls are still coalesced.
func NewLedger(inner interfaces.Ledger, size int, ttl time.Duration, log *slog.Logger) *Ledger {
	l := &Ledger{inner: inner, log: log}
	if ttl > 0 {
		if size <= 0 {
			size = DefaultCacheSize
		}
		l.cache = expirable.NewLRU[string, any](size, nil, ttl)
	}
	return l
}

// callKey canonicalizes a call. Arguments are rendered in their canonical
// lowercase hex form, so textual variants of one identity share a key.
func callKey(method string, args ...string) string {
	return method + "(" + strings.Join(args, ",") + ")"
}

func proofKey(proof interfaces.InclusionProof) string {
	return "[" + strings.Join(proof.Strings(), ",") + "]"
}

func read[T any](ctx context.Context, l *Ledger, key string, fn func(context.Context) (T, error)) (T, error) {
	if l.cache != nil {
		if v, ok := l.cache.Get(key); ok {
			return v.(T), nil
		}
	}

	gen := l.generation()
	v, err, shared := l.group.Do(key, func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if shared {
		l.log.Debug("Coalesced ledger read", slog.String("call", key))
	}
	l.memoize(key, v, gen)
	return v.(T), nil
}

func (l *Ledger) generation() uint64 {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	return l.writes
}

// memoize caches v unless a write was observed since gen.
func (l *Ledger) memoize(key string, v any, gen uint64) {
	if l.cache == nil {
		return
	}
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if l.writes != gen {
		l.log.Debug("Ledger read overlapped a write, not memoized", slog.String("call", key))
		return
	}
	l.cache.Add(key, v)
}

func (l *Ledger) write(ctx context.Context, key string, accounts []interfaces.Address, fn func(context.Context) (interfaces.TxResult, error)) (interfaces.TxResult, error) {
	v, err, shared := l.group.Do(key, func() (any, error) {
		res, err := fn(ctx)
		l.invalidate(accounts...)
		return res, err
	})
	if shared {
		l.log.Debug("Coalesced ledger write", slog.String("call", key))
	}
	res, _ := v.(interfaces.TxResult)
	return res, err
}

// invalidate drops memoized reads of accounts. In-flight reads of those
// accounts are forgotten, so later callers do not join them.
func (l *Ledger) invalidate(accounts ...interfaces.Address) {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	l.writes++
	for _, account := range accounts {
		for _, method := range readMethods {
			key := callKey(method, account.String())
			l.group.Forget(key)
			if l.cache != nil {
				l.cache.Remove(key)
			}
		}
	}
}

func (l *Ledger) SetupGuardians(ctx context.Context, account interfaces.Address, commitment interfaces.Commitment, threshold uint32) (interfaces.TxResult, error) {
	key := callKey("setupGuardians", account.String(), commitment.String(), strconv.FormatUint(uint64(threshold), 10))
	return l.write(ctx, key, []interfaces.Address{account}, func(ctx context.Context) (interfaces.TxResult, error) {
		return l.inner.SetupGuardians(ctx, account, commitment, threshold)
	})
}

func (l *Ledger) GetCommitment(ctx context.Context, account interfaces.Address) (interfaces.Commitment, error) {
	return read(ctx, l, callKey("getCommitment", account.String()), func(ctx context.Context) (interfaces.Commitment, error) {
		return l.inner.GetCommitment(ctx, account)
	})
}

func (l *Ledger) GetThreshold(ctx context.Context, account interfaces.Address) (uint32, error) {
	return read(ctx, l, callKey("getThreshold", account.String()), func(ctx context.Context) (uint32, error) {
		return l.inner.GetThreshold(ctx, account)
	})
}

func (l *Ledger) InitiateRecovery(ctx context.Context, oldAccount, newAccount interfaces.Address) (interfaces.TxResult, error) {
	key := callKey("initiateRecovery", oldAccount.String(), newAccount.String())
	return l.write(ctx, key, []interfaces.Address{oldAccount}, func(ctx context.Context) (interfaces.TxResult, error) {
		return l.inner.InitiateRecovery(ctx, oldAccount, newAccount)
	})
}

func (l *Ledger) SubmitApproval(ctx context.Context, oldAccount, guardian interfaces.Address, sig interfaces.Signature, proof interfaces.InclusionProof) (interfaces.TxResult, error) {
	key := callKey("submitApproval", oldAccount.String(), guardian.String(), sig.String(), proofKey(proof))
	return l.write(ctx, key, []interfaces.Address{oldAccount}, func(ctx context.Context) (interfaces.TxResult, error) {
		return l.inner.SubmitApproval(ctx, oldAccount, guardian, sig, proof)
	})
}

func (l *Ledger) FinalizeRecovery(ctx context.Context, oldAccount interfaces.Address) (interfaces.TxResult, error) {
	accounts := []interfaces.Address{oldAccount}
	if l.cache != nil {
		// The new account inherits the guardian configuration.
		if v, ok := l.cache.Peek(callKey("getRecoveryRequest", oldAccount.String())); ok {
			accounts = append(accounts, v.(interfaces.RecoveryRequest).NewAccount)
		}
	}
	return l.write(ctx, callKey("finalizeRecovery", oldAccount.String()), accounts, func(ctx context.Context) (interfaces.TxResult, error) {
		return l.inner.FinalizeRecovery(ctx, oldAccount)
	})
}

func (l *Ledger) GetRecoveryRequest(ctx context.Context, oldAccount interfaces.Address) (interfaces.RecoveryRequest, error) {
	return read(ctx, l, callKey("getRecoveryRequest", oldAccount.String()), func(ctx context.Context) (interfaces.RecoveryRequest, error) {
		return l.inner.GetRecoveryRequest(ctx, oldAccount)
	})
}

func (l *Ledger) GetApprovalCount(ctx context.Context, oldAccount interfaces.Address) (uint32, error) {
	return read(ctx, l, callKey("getApprovalCount", oldAccount.String()), func(ctx context.Context) (uint32, error) {
		return l.inner.GetApprovalCount(ctx, oldAccount)
	})
}

var _ interfaces.Ledger = (*Ledger)(nil)
