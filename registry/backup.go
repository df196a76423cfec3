package registry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ruteri/social-recovery-backend/interfaces"
)

const (
	BackupType = "guardian-backup"

	BackupVersion       = "2.0"
	LegacyBackupVersion = "1.0"

	// RecoveryLinkParam is the query parameter a recovery link carries the
	// encoded backup in.
	RecoveryLinkParam = "backup"
)

// BackupPayload is the portable form of a guardian record.
type BackupPayload struct {
	Version    string           `json:"version"`
	Type       string           `json:"type"`
	Account    string           `json:"account"`
	Guardians  []BackupGuardian `json:"guardians"`
	Commitment string           `json:"commitment"`
	Threshold  int              `json:"threshold"`
	CreatedAt  string           `json:"createdAt"`
	ExportedAt string           `json:"exportedAt,omitempty"`
}

type BackupGuardian struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// rawBackup mirrors BackupPayload with pointers so missing fields can be told
// apart from zero values.
type rawBackup struct {
	Version    *string        `json:"version"`
	Type       *string        `json:"type"`
	Account    *string        `json:"account"`
	Guardians  *[]rawGuardian `json:"guardians"`
	Commitment *string        `json:"commitment"`
	Threshold  *int           `json:"threshold"`
	CreatedAt  *string        `json:"createdAt"`
	ExportedAt *string        `json:"exportedAt"`
}

type rawGuardian struct {
	Address *string `json:"address"`
	Name    *string `json:"name"`
}

// Sealer protects backup payloads placed in a shared archive.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// NewBackupPayload converts a record to its portable form.
func NewBackupPayload(record *interfaces.GuardianRecord, exportedAt time.Time) *BackupPayload {
	guardians := make([]BackupGuardian, len(record.Guardians))
	for i, g := range record.Guardians {
		guardians[i] = BackupGuardian{Address: g.Address.String(), Name: g.Name}
	}

	payload := &BackupPayload{
		Version:    BackupVersion,
		Type:       BackupType,
		Account:    record.Account.String(),
		Guardians:  guardians,
		Commitment: record.Commitment.String(),
		Threshold:  int(record.Threshold),
		CreatedAt:  record.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !exportedAt.IsZero() {
		payload.ExportedAt = exportedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

// ExportBackup returns the portable form of account's record.
func (r *Registry) ExportBackup(ctx context.Context, account interfaces.Address) (*BackupPayload, error) {
	record, err := r.Load(ctx, account)
	if err != nil {
		return nil, err
	}
	return NewBackupPayload(record, r.now()), nil
}

// ParseBackup validates every field of an encoded backup and returns the
// record it describes. It does not consult the ledger.
func (r *Registry) ParseBackup(data []byte) (*interfaces.GuardianRecord, error) {
	var raw rawBackup
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "%v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "trailing data after backup")
	}

	missing := func(name string) error {
		return interfaces.Errorf(interfaces.KindBackupFormatInvalid, "missing field %q", name)
	}
	switch {
	case raw.Version == nil:
		return nil, missing("version")
	case raw.Type == nil:
		return nil, missing("type")
	case raw.Account == nil:
		return nil, missing("account")
	case raw.Guardians == nil:
		return nil, missing("guardians")
	case raw.Commitment == nil:
		return nil, missing("commitment")
	case raw.Threshold == nil:
		return nil, missing("threshold")
	case raw.CreatedAt == nil:
		return nil, missing("createdAt")
	}

	if *raw.Type != BackupType {
		return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "type %q is not %q", *raw.Type, BackupType)
	}
	if !slices.Contains([]string{LegacyBackupVersion, BackupVersion}, *raw.Version) {
		return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "unsupported version %q", *raw.Version)
	}

	account, err := interfaces.NewAddressFromHex(*raw.Account)
	if err != nil {
		return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "account: %v", err)
	}

	guardians := make([]interfaces.Guardian, 0, len(*raw.Guardians))
	for i, g := range *raw.Guardians {
		if g.Address == nil {
			return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "guardian %d has no address", i)
		}
		addr, err := interfaces.NewAddressFromHex(*g.Address)
		if err != nil {
			return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "guardian %d: %v", i, err)
		}
		guardian := interfaces.Guardian{Address: addr}
		if g.Name != nil {
			guardian.Name = *g.Name
		}
		guardians = append(guardians, guardian)
	}

	root, err := interfaces.NewCommitmentFromHex(*raw.Commitment)
	if err != nil {
		return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "commitment: %v", err)
	}
	if *raw.Threshold < 1 || *raw.Threshold > len(guardians) {
		return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "threshold %d with %d guardians", *raw.Threshold, len(guardians))
	}

	createdAt, err := time.Parse(time.RFC3339, *raw.CreatedAt)
	if err != nil {
		return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "createdAt: %v", err)
	}
	if raw.ExportedAt != nil {
		if _, err := time.Parse(time.RFC3339, *raw.ExportedAt); err != nil {
			return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "exportedAt: %v", err)
		}
	}

	record, err := r.newRecord(account, guardians, uint32(*raw.Threshold), root)
	if err != nil {
		switch interfaces.KindOf(err) {
		case interfaces.KindCommitmentMismatch:
			return nil, err
		default:
			return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "%v", err)
		}
	}
	record.CreatedAt = createdAt.UTC()
	return record, nil
}

// ImportBackup validates an encoded backup and replaces the local record of
// its account. Nothing is written unless every field is valid.
func (r *Registry) ImportBackup(ctx context.Context, data []byte) (*interfaces.GuardianRecord, error) {
	record, err := r.ParseBackup(data)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.write(ctx, record); err != nil {
		return nil, err
	}
	r.dropLegacy(ctx, record.Account)

	r.log.Info("Imported guardian backup", slog.String("account", record.Account.String()), slog.String("commitment", record.Commitment.String()))
	return record, nil
}

// BuildRecoveryLink embeds payload into baseURL as a base64url query
// parameter.
func BuildRecoveryLink(baseURL string, payload *BackupPayload) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set(RecoveryLinkParam, base64.RawURLEncoding.EncodeToString(data))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DecodeRecoveryLink extracts the encoded backup from a recovery link. Both
// standard and URL-safe base64, padded or not, are accepted.
func DecodeRecoveryLink(link string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "recovery link: %v", err)
	}

	encoded := u.Query().Get(RecoveryLinkParam)
	if encoded == "" {
		return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "recovery link has no %q parameter", RecoveryLinkParam)
	}
	// Query decoding turns an unescaped '+' into a space.
	encoded = strings.ReplaceAll(encoded, " ", "+")

	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.StdEncoding,
	} {
		if data, err := enc.DecodeString(encoded); err == nil {
			return data, nil
		}
	}
	return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "recovery link payload is not base64")
}

// ParseRecoveryLink decodes and validates the backup carried by link.
func (r *Registry) ParseRecoveryLink(link string) (*interfaces.GuardianRecord, error) {
	data, err := DecodeRecoveryLink(link)
	if err != nil {
		return nil, err
	}
	return r.ParseBackup(data)
}

// ArchiveBackup publishes account's backup to archive, sealed when sealer is
// not nil, and marks the channel as done on the record.
func (r *Registry) ArchiveBackup(ctx context.Context, archive interfaces.BackupArchive, sealer Sealer, channel string, account interfaces.Address) (string, error) {
	payload, err := r.ExportBackup(ctx, account)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if sealer != nil {
		if data, err = sealer.Seal(data); err != nil {
			return "", fmt.Errorf("sealing backup: %w", err)
		}
	}

	id, err := archive.Publish(ctx, data)
	if err != nil {
		return "", fmt.Errorf("publishing backup: %w", err)
	}

	if _, err := r.SetBackupChannel(ctx, account, channel, true); err != nil {
		return id, err
	}
	return id, nil
}

// RestoreBackup retrieves an archived backup and imports it.
func (r *Registry) RestoreBackup(ctx context.Context, archive interfaces.BackupArchive, sealer Sealer, id string) (*interfaces.GuardianRecord, error) {
	data, err := archive.Retrieve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("retrieving backup %s: %w", id, err)
	}
	if sealer != nil {
		if data, err = sealer.Open(data); err != nil {
			if interfaces.KindOf(err) != interfaces.KindUnknown {
				return nil, fmt.Errorf("opening backup %s: %w", id, err)
			}
			return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "opening backup %s: %v", id, err)
		}
	}
	return r.ImportBackup(ctx, data)
}
