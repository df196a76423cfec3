package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/social-recovery-backend/commitment"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

const (
	// KeyPrefix prefixes every current-format record key.
	KeyPrefix = "guardian-recovery/v2/"

	// SchemaVersion is stamped on every record written by this package.
	SchemaVersion = 2
)

// Registry is the device-local store of guardian records. Its contents are
// advisory: authorization always re-checks proofs against the commitment
// published on the ledger.
//
// The registry assumes a single writer per device. The mutex serializes
// read-migrate-write sequences within one process.
type Registry struct {
	mu     sync.RWMutex
	store  interfaces.KVStore
	engine *commitment.Engine
	now    func() time.Time
	log    *slog.Logger
}

func NewRegistry(store interfaces.KVStore, engine *commitment.Engine, log *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		engine: engine,
		now:    time.Now,
		log:    log,
	}
}

// SetClock replaces the time source used to stamp records.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Engine returns the commitment engine records are validated with.
func (r *Registry) Engine() *commitment.Engine {
	return r.engine
}

func recordKey(account interfaces.Address) string {
	return KeyPrefix + account.String()
}

// Store validates and writes the guardian record for account, replacing any
// existing one. A zero root is derived from the guardians.
func (r *Registry) Store(ctx context.Context, account interfaces.Address, guardians []interfaces.Guardian, threshold uint32, root interfaces.Commitment) (*interfaces.GuardianRecord, error) {
	record, err := r.newRecord(account, guardians, threshold, root)
	if err != nil {
		return nil, err
	}
	record.CreatedAt = r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.write(ctx, record); err != nil {
		return nil, err
	}

	r.log.Debug("Stored guardian record", slog.String("account", account.String()), slog.Int("guardians", len(guardians)), slog.Any("threshold", threshold))
	return record, nil
}

// newRecord validates the inputs of a record. CreatedAt is left for the
// caller to set.
func (r *Registry) newRecord(account interfaces.Address, guardians []interfaces.Guardian, threshold uint32, root interfaces.Commitment) (*interfaces.GuardianRecord, error) {
	if account.IsZero() || !account.InField() {
		return nil, interfaces.Errorf(interfaces.KindInvalidMember, "account %s", account)
	}

	members := make([]interfaces.Address, len(guardians))
	for i, g := range guardians {
		members[i] = g.Address
	}

	computed, err := r.engine.Commit(members)
	if err != nil {
		return nil, err
	}
	if threshold < 1 || int(threshold) > len(guardians) {
		return nil, interfaces.Errorf(interfaces.KindInvalidThreshold, "threshold %d with %d guardians", threshold, len(guardians))
	}
	if root.IsZero() {
		root = computed
	}
	if root != computed {
		return nil, interfaces.Errorf(interfaces.KindCommitmentMismatch, "commitment %s does not match guardians (%s)", root, computed)
	}

	sorted := slices.Clone(guardians)
	sortGuardians(sorted)

	return &interfaces.GuardianRecord{
		Account:       account,
		Guardians:     sorted,
		Threshold:     threshold,
		Commitment:    root,
		SchemaVersion: SchemaVersion,
	}, nil
}

// Load returns the record for account, migrating a legacy record on first
// read.
func (r *Registry) Load(ctx context.Context, account interfaces.Address) (*interfaces.GuardianRecord, error) {
	r.mu.RLock()
	record, err := r.read(ctx, account)
	r.mu.RUnlock()
	if !errors.Is(err, interfaces.ErrRecordNotFound) {
		return record, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have migrated while the lock was released.
	record, err = r.read(ctx, account)
	if !errors.Is(err, interfaces.ErrRecordNotFound) {
		return record, err
	}
	return r.migrateLegacy(ctx, account)
}

// Delete removes the record for account in both current and legacy form.
func (r *Registry) Delete(ctx context.Context, account interfaces.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := append([]string{recordKey(account)}, legacyKeys(account)...)
	var errs []error
	for _, key := range keys {
		if err := r.store.Delete(ctx, key); err != nil && !errors.Is(err, interfaces.ErrKeyNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetBackupChannel records whether the backup was delivered through channel.
func (r *Registry) SetBackupChannel(ctx context.Context, account interfaces.Address, channel string, done bool) (*interfaces.GuardianRecord, error) {
	if channel == "" {
		return nil, errors.New("backup channel name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.read(ctx, account)
	if errors.Is(err, interfaces.ErrRecordNotFound) {
		record, err = r.migrateLegacy(ctx, account)
	}
	if err != nil {
		return nil, err
	}

	if record.BackupChannels == nil {
		record.BackupChannels = make(map[string]bool)
	}
	record.BackupChannels[channel] = done

	if err := r.write(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// IsGuardianFor reports whether candidate is in the locally held guardian set
// of account. It is a convenience check, not an authorization decision.
func (r *Registry) IsGuardianFor(ctx context.Context, candidate, account interfaces.Address) bool {
	record, err := r.Load(ctx, account)
	if err != nil {
		return false
	}
	return record.HasGuardian(candidate)
}

// ListAll returns every record held on this device, ordered by account.
// Legacy records found along the way are migrated.
func (r *Registry) ListAll(ctx context.Context) ([]*interfaces.GuardianRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, err := r.store.Keys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	seen := make(map[interfaces.Address]bool)
	var records []*interfaces.GuardianRecord
	for _, key := range keys {
		var record *interfaces.GuardianRecord
		switch {
		case strings.HasPrefix(key, KeyPrefix):
			record, err = r.readKey(ctx, key)
		case isLegacyKey(key):
			account, _ := interfaces.NewAddressFromHex(key)
			if seen[account] {
				continue
			}
			record, err = r.read(ctx, account)
			switch {
			case errors.Is(err, interfaces.ErrRecordNotFound):
				record, err = r.migrateLegacy(ctx, account)
			case err == nil:
				r.dropLegacy(ctx, account)
			}
		default:
			continue
		}
		if err != nil {
			r.log.Warn("Skipping unreadable guardian record", "err", err, slog.String("key", key))
			continue
		}
		if seen[record.Account] {
			continue
		}
		seen[record.Account] = true
		records = append(records, record)
	}

	slices.SortFunc(records, func(a, b *interfaces.GuardianRecord) int {
		return a.Account.Compare(b.Account)
	})
	return records, nil
}

// ProtectedBy returns the records that list guardian in their set.
func (r *Registry) ProtectedBy(ctx context.Context, guardian interfaces.Address) ([]*interfaces.GuardianRecord, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var res []*interfaces.GuardianRecord
	for _, record := range all {
		if record.HasGuardian(guardian) {
			res = append(res, record)
		}
	}
	return res, nil
}

// Proof builds the inclusion proof of guardian in account's guardian set.
func (r *Registry) Proof(ctx context.Context, account, guardian interfaces.Address) (interfaces.InclusionProof, error) {
	record, err := r.Load(ctx, account)
	if err != nil {
		return nil, err
	}
	return r.engine.Prove(record.Addresses(), guardian)
}

func (r *Registry) read(ctx context.Context, account interfaces.Address) (*interfaces.GuardianRecord, error) {
	return r.readKey(ctx, recordKey(account))
}

func (r *Registry) readKey(ctx context.Context, key string) (*interfaces.GuardianRecord, error) {
	data, err := r.store.Get(ctx, key)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, interfaces.Errorf(interfaces.KindRecordNotFound, "%s", strings.TrimPrefix(key, KeyPrefix))
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s from %s: %w", key, r.store.Name(), err)
	}

	var record interfaces.GuardianRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "record %s: %v", key, err)
	}
	return &record, nil
}

func (r *Registry) write(ctx context.Context, record *interfaces.GuardianRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, recordKey(record.Account), data); err != nil {
		return fmt.Errorf("writing record to %s: %w", r.store.Name(), err)
	}
	return nil
}

func sortGuardians(guardians []interfaces.Guardian) {
	slices.SortFunc(guardians, func(a, b interfaces.Guardian) int {
		return a.Address.Compare(b.Address)
	})
}
