package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/social-recovery-backend/interfaces"
)

// ArchivePrefix namespaces archived backups inside a KVStore.
const ArchivePrefix = "guardian-archive/"

// KVArchive implements interfaces.BackupArchive on top of any KVStore. Data
// is addressed by the hex sha256 of its content, so publishing the same
// backup twice yields the same identifier.
type KVArchive struct {
	store interfaces.KVStore
	log   *slog.Logger
}

func NewKVArchive(store interfaces.KVStore, log *slog.Logger) *KVArchive {
	return &KVArchive{store: store, log: log}
}

func archiveKey(id string) string {
	return ArchivePrefix + strings.ToLower(strings.TrimPrefix(id, "0x"))
}

func (a *KVArchive) Publish(ctx context.Context, data []byte) (string, error) {
	hash := sha256.Sum256(data)
	id := hex.EncodeToString(hash[:])
	if err := a.store.Put(ctx, archiveKey(id), data); err != nil {
		return "", fmt.Errorf("storing archived backup: %w", err)
	}

	a.log.Info("Published backup to archive",
		slog.String("id", id),
		slog.String("backend", a.store.Name()),
		slog.Int("size", len(data)))
	return id, nil
}

// Retrieve returns ErrKeyNotFound for unknown identifiers.
func (a *KVArchive) Retrieve(ctx context.Context, id string) ([]byte, error) {
	data, err := a.store.Get(ctx, archiveKey(id))
	if err != nil {
		return nil, err
	}

	hash := sha256.Sum256(data)
	if hex.EncodeToString(hash[:]) != strings.ToLower(strings.TrimPrefix(id, "0x")) {
		return nil, fmt.Errorf("archived backup %s does not match its identifier", id)
	}
	return data, nil
}

func (a *KVArchive) Available(ctx context.Context) bool {
	return a.store.Available(ctx)
}

var _ interfaces.BackupArchive = (*KVArchive)(nil)
