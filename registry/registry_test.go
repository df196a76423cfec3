package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/social-recovery-backend/commitment"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(store interfaces.KVStore) *Registry {
	r := NewRegistry(store, commitment.NewEngine(nil), testLogger())
	r.SetClock(func() time.Time { return testNow })
	return r
}

func addr(t *testing.T, n int) interfaces.Address {
	t.Helper()
	a, err := interfaces.NewAddressFromHex(fmt.Sprintf("0x%040x", n))
	require.NoError(t, err)
	return a
}

func testGuardians(t *testing.T, ids ...int) []interfaces.Guardian {
	t.Helper()
	res := make([]interfaces.Guardian, len(ids))
	for i, id := range ids {
		res[i] = interfaces.Guardian{Address: addr(t, id), Name: fmt.Sprintf("guardian-%d", id)}
	}
	return res
}

// failingPutStore rejects every write.
type failingPutStore struct {
	*storage.MemoryBackend
}

func (s failingPutStore) Put(ctx context.Context, key string, value []byte) error {
	return interfaces.ErrBackendUnavailable
}

func TestRegistry_StoreAndLoad(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(storage.NewMemoryBackend())
	account := addr(t, 0xa1)

	record, err := r.Store(ctx, account, testGuardians(t, 0xc3, 0xb2, 0xd4), 2, interfaces.Commitment{})
	require.NoError(t, err)

	expectedRoot, err := r.Engine().Commit(record.Addresses())
	require.NoError(t, err)
	assert.Equal(t, expectedRoot, record.Commitment)
	assert.Equal(t, SchemaVersion, record.SchemaVersion)
	assert.Equal(t, testNow, record.CreatedAt)

	loaded, err := r.Load(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, record, loaded)
	assert.Equal(t, []interfaces.Address{addr(t, 0xb2), addr(t, 0xc3), addr(t, 0xd4)}, loaded.Addresses())
	assert.Equal(t, "guardian-178", loaded.Guardians[0].Name)

	// Store overwrites.
	_, err = r.Store(ctx, account, testGuardians(t, 0xb2), 1, interfaces.Commitment(addr(t, 0xb2)))
	require.NoError(t, err)
	loaded, err = r.Load(ctx, account)
	require.NoError(t, err)
	assert.Len(t, loaded.Guardians, 1)
	assert.Equal(t, interfaces.Commitment(addr(t, 0xb2)), loaded.Commitment)
}

func TestRegistry_StoreValidation(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(storage.NewMemoryBackend())
	account := addr(t, 0xa1)

	tests := []struct {
		name      string
		account   interfaces.Address
		guardians []interfaces.Guardian
		threshold uint32
		root      interfaces.Commitment
		want      error
	}{
		{"zero threshold", account, testGuardians(t, 1, 2), 0, interfaces.Commitment{}, interfaces.ErrInvalidThreshold},
		{"threshold above set", account, testGuardians(t, 1, 2), 3, interfaces.Commitment{}, interfaces.ErrInvalidThreshold},
		{"empty set", account, nil, 1, interfaces.Commitment{}, interfaces.ErrSetSizeOutOfRange},
		{"six guardians", account, testGuardians(t, 1, 2, 3, 4, 5, 6), 1, interfaces.Commitment{}, interfaces.ErrSetSizeOutOfRange},
		{"duplicate guardian", account, testGuardians(t, 1, 1), 1, interfaces.Commitment{}, interfaces.ErrInvalidMember},
		{"wrong commitment", account, testGuardians(t, 1, 2), 1, interfaces.Commitment{0x01}, interfaces.ErrCommitmentMismatch},
		{"zero account", interfaces.Address{}, testGuardians(t, 1, 2), 1, interfaces.Commitment{}, interfaces.ErrInvalidMember},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Store(ctx, tt.account, tt.guardians, tt.threshold, tt.root)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := r.Load(ctx, account)
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}

func TestRegistry_LegacyMigration(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	r := newTestRegistry(store)

	account, err := interfaces.NewAddressFromHex("0x71C7656EC7ab88b098defB751B7401B5f6d8976F")
	require.NoError(t, err)
	legacyKey := "0x71c7656ec7ab88b098defb751b7401b5f6d8976f"

	members := []interfaces.Address{addr(t, 2), addr(t, 1)}
	root, err := r.Engine().Commit(members)
	require.NoError(t, err)

	legacy := fmt.Sprintf(`{"guardians":["%s","%s"],"threshold":2,"commitment":"%s","timestamp":1700000000000,"names":["bob","alice"]}`,
		members[0], members[1], root)
	require.NoError(t, store.Put(ctx, legacyKey, []byte(legacy)))

	record, err := r.Load(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, root, record.Commitment)
	assert.Equal(t, uint32(2), record.Threshold)
	assert.Equal(t, SchemaVersion, record.SchemaVersion)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), record.CreatedAt)
	assert.Equal(t, []interfaces.Guardian{
		{Address: addr(t, 1), Name: "alice"},
		{Address: addr(t, 2), Name: "bob"},
	}, record.Guardians)

	_, err = store.Get(ctx, legacyKey)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	_, err = store.Get(ctx, KeyPrefix+account.String())
	assert.NoError(t, err)

	again, err := r.Load(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, record, again)
}

func TestRegistry_LegacyKeptWhenMigrationFails(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryBackend()
	r := newTestRegistry(failingPutStore{mem})

	account := addr(t, 0xa1)
	legacy := fmt.Sprintf(`{"guardians":["%s"],"threshold":1,"timestamp":0}`, addr(t, 1))
	require.NoError(t, mem.Put(ctx, account.String(), []byte(legacy)))

	_, err := r.Load(ctx, account)
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)

	_, err = mem.Get(ctx, account.String())
	assert.NoError(t, err, "legacy record must survive a failed migration")
}

func TestRegistry_ListAllAndProtectedBy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	r := newTestRegistry(store)

	_, err := r.Store(ctx, addr(t, 0xa3), testGuardians(t, 1, 2), 1, interfaces.Commitment{})
	require.NoError(t, err)
	_, err = r.Store(ctx, addr(t, 0xa1), testGuardians(t, 2, 3, 4), 2, interfaces.Commitment{})
	require.NoError(t, err)

	legacy := fmt.Sprintf(`{"guardians":["%s","%s"],"threshold":1,"timestamp":1700000000000}`, addr(t, 3), addr(t, 5))
	require.NoError(t, store.Put(ctx, strings.ToLower(fmt.Sprintf("0x%040x", 0xa2)), []byte(legacy)))
	require.NoError(t, store.Put(ctx, "unrelated/key", []byte("{}")))

	all, err := r.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, addr(t, 0xa1), all[0].Account)
	assert.Equal(t, addr(t, 0xa2), all[1].Account)
	assert.Equal(t, addr(t, 0xa3), all[2].Account)

	keys, err := store.Keys(ctx, "0x")
	require.NoError(t, err)
	assert.Empty(t, keys, "legacy keys are migrated by ListAll")

	protected, err := r.ProtectedBy(ctx, addr(t, 3))
	require.NoError(t, err)
	require.Len(t, protected, 2)
	assert.Equal(t, addr(t, 0xa1), protected[0].Account)
	assert.Equal(t, addr(t, 0xa2), protected[1].Account)

	none, err := r.ProtectedBy(ctx, addr(t, 9))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRegistry_IsGuardianForAndProof(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(storage.NewMemoryBackend())
	account := addr(t, 0xa1)

	record, err := r.Store(ctx, account, testGuardians(t, 1, 2, 3), 2, interfaces.Commitment{})
	require.NoError(t, err)

	assert.True(t, r.IsGuardianFor(ctx, addr(t, 2), account))
	assert.False(t, r.IsGuardianFor(ctx, addr(t, 4), account))
	assert.False(t, r.IsGuardianFor(ctx, addr(t, 2), addr(t, 0xff)))

	for _, g := range record.Guardians {
		proof, err := r.Proof(ctx, account, g.Address)
		require.NoError(t, err)
		assert.True(t, r.Engine().Verify(g.Address, record.Commitment, proof))
	}

	_, err = r.Proof(ctx, account, addr(t, 4))
	assert.ErrorIs(t, err, interfaces.ErrMemberNotFound)

	_, err = r.Proof(ctx, addr(t, 0xff), addr(t, 1))
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}

func TestRegistry_SetBackupChannelAndDelete(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(storage.NewMemoryBackend())
	account := addr(t, 0xa1)

	_, err := r.SetBackupChannel(ctx, account, "ipfs", true)
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

	_, err = r.Store(ctx, account, testGuardians(t, 1), 1, interfaces.Commitment{})
	require.NoError(t, err)

	record, err := r.SetBackupChannel(ctx, account, "ipfs", true)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"ipfs": true}, record.BackupChannels)

	_, err = r.SetBackupChannel(ctx, account, "", true)
	assert.Error(t, err)

	loaded, err := r.Load(ctx, account)
	require.NoError(t, err)
	assert.True(t, loaded.BackupChannels["ipfs"])

	require.NoError(t, r.Delete(ctx, account))
	_, err = r.Load(ctx, account)
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
	assert.NoError(t, r.Delete(ctx, account))
}

func TestRegistry_ReadErrorsAreNotMasked(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	r := newTestRegistry(store)
	account := addr(t, 0xa1)

	require.NoError(t, store.Put(ctx, KeyPrefix+account.String(), []byte("not json")))
	_, err := r.Load(ctx, account)
	assert.ErrorIs(t, err, interfaces.ErrBackupFormatInvalid)
	assert.False(t, errors.Is(err, interfaces.ErrRecordNotFound))
}
