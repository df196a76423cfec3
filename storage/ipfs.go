package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// IPFSArchive publishes guardian backups to an IPFS node. Backups are the
// portable form of a guardian record and carry no secrets, but callers that
// want confidentiality should publish an encrypted envelope.
type IPFSArchive struct {
	shell       *shell.Shell
	apiURL      string
	timeout     time.Duration
	log         *slog.Logger
	locationURI string
}

// NewIPFSArchive connects to the IPFS HTTP API at apiURL (host:port).
func NewIPFSArchive(apiURL string, timeout time.Duration, log *slog.Logger) *IPFSArchive {
	sh := shell.NewShell(apiURL)
	sh.SetTimeout(timeout)

	return &IPFSArchive{
		shell:       sh,
		apiURL:      apiURL,
		timeout:     timeout,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/?timeout=%s", apiURL, timeout),
	}
}

// Publish adds data to IPFS, pins it and returns its CID.
func (a *IPFSArchive) Publish(ctx context.Context, data []byte) (string, error) {
	if !a.shell.IsUp() {
		return "", interfaces.ErrBackendUnavailable
	}

	cid, err := a.shell.Add(bytes.NewReader(data), shell.Pin(true))
	if err != nil {
		return "", fmt.Errorf("failed to add data to IPFS: %w", err)
	}

	a.log.Info("Published backup to IPFS",
		slog.String("cid", cid),
		slog.Int("size", len(data)))

	return cid, nil
}

// Retrieve fetches a published backup by CID.
// Returns ErrKeyNotFound if the content doesn't exist or ErrBackendUnavailable
// if the IPFS node is not accessible.
func (a *IPFSArchive) Retrieve(ctx context.Context, cid string) ([]byte, error) {
	start := time.Now()
	path := "/ipfs/" + strings.TrimPrefix(cid, "/ipfs/")

	if !a.shell.IsUp() {
		a.log.Warn("IPFS node unavailable", slog.String("api", a.apiURL))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := a.shell.Cat(path)
	if err != nil {
		if strings.Contains(err.Error(), "no link named") || strings.Contains(err.Error(), "not found") {
			return nil, interfaces.ErrKeyNotFound
		}

		a.log.Error("Failed to fetch backup from IPFS",
			slog.String("path", path),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to fetch data from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	a.log.Debug("Fetched backup from IPFS",
		slog.String("path", path),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Available checks if the IPFS node is accessible.
func (a *IPFSArchive) Available(ctx context.Context) bool {
	return a.shell.IsUp()
}

func (a *IPFSArchive) LocationURI() string {
	return a.locationURI
}
