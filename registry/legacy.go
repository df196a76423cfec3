package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/social-recovery-backend/commitment"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// legacyRecord is the first record format. It was stored under the bare
// lowercase account string.
type legacyRecord struct {
	Guardians  []string `json:"guardians"`
	Threshold  uint32   `json:"threshold"`
	Commitment string   `json:"commitment"`
	Timestamp  int64    `json:"timestamp"`
	Names      []string `json:"names,omitempty"`
}

// legacyKeys lists the keys a legacy record for account may live under: the
// padded form and, for Ethereum accounts, the short form.
func legacyKeys(account interfaces.Address) []string {
	keys := []string{account.String()}
	if eth, ok := account.Ethereum(); ok {
		keys = append(keys, strings.ToLower(eth.Hex()))
	}
	return keys
}

func isLegacyKey(key string) bool {
	if !strings.HasPrefix(key, "0x") || key != strings.ToLower(key) {
		return false
	}
	_, err := interfaces.NewAddressFromHex(key)
	return err == nil
}

// migrateLegacy rewrites a legacy record for account under the current key.
// The legacy key is removed only after the new record is written. Callers
// must hold the write lock.
func (r *Registry) migrateLegacy(ctx context.Context, account interfaces.Address) (*interfaces.GuardianRecord, error) {
	for _, key := range legacyKeys(account) {
		data, err := r.store.Get(ctx, key)
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		record, err := r.fromLegacy(account, data)
		if err != nil {
			return nil, err
		}
		if err := r.write(ctx, record); err != nil {
			return nil, err
		}
		r.dropLegacy(ctx, account)

		r.log.Info("Migrated legacy guardian record", slog.String("account", account.String()), slog.String("legacyKey", key))
		return record, nil
	}
	return nil, interfaces.Errorf(interfaces.KindRecordNotFound, "%s", account)
}

func (r *Registry) dropLegacy(ctx context.Context, account interfaces.Address) {
	for _, key := range legacyKeys(account) {
		if err := r.store.Delete(ctx, key); err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
			r.log.Warn("Could not remove legacy guardian record", "err", err, slog.String("key", key))
		}
	}
}

func (r *Registry) fromLegacy(account interfaces.Address, data []byte) (*interfaces.GuardianRecord, error) {
	var legacy legacyRecord
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "legacy record for %s: %v", account, err)
	}

	members, err := commitment.ParseMembers(legacy.Guardians)
	if err != nil {
		return nil, err
	}
	computed, err := r.engine.Commit(members)
	if err != nil {
		return nil, err
	}
	if legacy.Threshold < 1 || int(legacy.Threshold) > len(members) {
		return nil, interfaces.Errorf(interfaces.KindInvalidThreshold, "legacy record for %s has threshold %d", account, legacy.Threshold)
	}

	root := computed
	if legacy.Commitment != "" {
		root, err = interfaces.NewCommitmentFromHex(legacy.Commitment)
		if err != nil {
			return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "legacy record for %s: %v", account, err)
		}
		if root != computed {
			// Kept as stored: it is what was published. The ledger cross-check
			// decides whether the record is still usable.
			r.log.Warn("Legacy commitment differs from recomputed one", slog.String("account", account.String()), slog.String("stored", root.String()), slog.String("computed", computed.String()), slog.String("hasher", r.engine.Hasher().Name()))
		}
	}

	guardians := make([]interfaces.Guardian, len(members))
	for i, m := range members {
		guardians[i] = interfaces.Guardian{Address: m}
		if i < len(legacy.Names) {
			guardians[i].Name = legacy.Names[i]
		}
	}
	sortGuardians(guardians)

	createdAt := r.now().UTC()
	if legacy.Timestamp > 0 {
		createdAt = time.UnixMilli(legacy.Timestamp).UTC()
	}

	return &interfaces.GuardianRecord{
		Account:       account,
		Guardians:     guardians,
		Threshold:     legacy.Threshold,
		Commitment:    root,
		CreatedAt:     createdAt,
		SchemaVersion: SchemaVersion,
	}, nil
}
