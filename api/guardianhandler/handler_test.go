package guardianhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/social-recovery-backend/api"
	"github.com/ruteri/social-recovery-backend/commitment"
	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/ledger"
	"github.com/ruteri/social-recovery-backend/recovery"
	"github.com/ruteri/social-recovery-backend/registry"
	"github.com/ruteri/social-recovery-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDomain = "guardian-recovery/v1"

var testAuthority = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addr(t *testing.T, n int) interfaces.Address {
	t.Helper()
	a, err := interfaces.NewAddressFromHex(fmt.Sprintf("0x%040x", n))
	require.NoError(t, err)
	return a
}

type testEnv struct {
	registry *registry.Registry
	ledger   *ledger.MemoryLedger
	client   *Client
	server   *httptest.Server
}

func setupTestEnvironment(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	logger := testLogger()

	engine := commitment.NewEngine(nil)
	reg := registry.NewRegistry(storage.NewMemoryBackend(), engine, logger)

	memLedger := ledger.NewMemoryLedger(ledger.MemoryLedgerConfig{DomainTag: testDomain, Authority: testAuthority})
	memLedger.SetTransactOpts()
	coord := recovery.NewCoordinator(recovery.Config{DomainTag: testDomain, Authority: testAuthority}, memLedger, engine, logger)

	r := chi.NewRouter()
	NewHandler(reg, coord, cfg, logger).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, logger)
	client.RetryMaxElapsed = -1

	return &testEnv{registry: reg, ledger: memLedger, client: client, server: srv}
}

func (e *testEnv) store(t *testing.T, account interfaces.Address, threshold uint32, ids ...int) *interfaces.GuardianRecord {
	t.Helper()
	var guardians []interfaces.Guardian
	for _, id := range ids {
		guardians = append(guardians, interfaces.Guardian{Address: addr(t, id), Name: fmt.Sprintf("g%d", id)})
	}
	record, err := e.client.StoreGuardians(context.Background(), account, api.StoreGuardiansRequest{Guardians: guardians, Threshold: threshold})
	require.NoError(t, err)
	return record
}

func TestHandler_StoreLoadDelete(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnvironment(t, Config{})
	account := addr(t, 0xa1)

	stored := env.store(t, account, 2, 3, 1, 2)
	assert.Equal(t, uint32(2), stored.Threshold)
	assert.Equal(t, addr(t, 1), stored.Guardians[0].Address)
	assert.False(t, stored.Commitment.IsZero())

	loaded, err := env.client.LoadGuardians(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, stored.Commitment, loaded.Commitment)
	assert.Equal(t, stored.Guardians, loaded.Guardians)

	require.NoError(t, env.client.DeleteGuardians(ctx, account))
	_, err = env.client.LoadGuardians(ctx, account)
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}

func TestHandler_StoreRejects(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnvironment(t, Config{})
	account := addr(t, 0xa1)
	guardians := []interfaces.Guardian{{Address: addr(t, 1)}, {Address: addr(t, 2)}}

	_, err := env.client.StoreGuardians(ctx, account, api.StoreGuardiansRequest{Guardians: guardians, Threshold: 3})
	assert.ErrorIs(t, err, interfaces.ErrInvalidThreshold)

	wrong := interfaces.Commitment{0x01}
	_, err = env.client.StoreGuardians(ctx, account, api.StoreGuardiansRequest{Guardians: guardians, Threshold: 1, Commitment: &wrong})
	assert.ErrorIs(t, err, interfaces.ErrCommitmentMismatch)

	_, err = env.client.StoreGuardians(ctx, account, api.StoreGuardiansRequest{Threshold: 1})
	assert.ErrorIs(t, err, interfaces.ErrSetSizeOutOfRange)

	resp, err := http.Get(env.server.URL + "/api/v1/accounts/0x1234/guardians")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var problem interfaces.Problem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "InvalidMember", problem.Kind)
}

func TestHandler_PublishAndVerify(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnvironment(t, Config{})
	account := addr(t, 0xa1)
	stored := env.store(t, account, 2, 1, 2, 3)

	_, err := env.client.VerifyGuardians(ctx, account)
	assert.ErrorIs(t, err, interfaces.ErrGuardiansNotConfigured)

	res, err := env.client.PublishGuardians(ctx, account)
	require.NoError(t, err)
	assert.True(t, res.Tx.Success)
	assert.NotEmpty(t, res.Tx.TxHandle)

	onchain, err := env.ledger.GetCommitment(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, stored.Commitment, onchain)

	verified, err := env.client.VerifyGuardians(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, stored.Commitment, verified.Commitment)

	// A local change that was not published no longer verifies.
	env.store(t, account, 2, 1, 2, 4)
	_, err = env.client.VerifyGuardians(ctx, account)
	assert.ErrorIs(t, err, interfaces.ErrCommitmentMismatch)
}

func TestHandler_ProofAndProtectedBy(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnvironment(t, Config{})
	env.store(t, addr(t, 0xa1), 1, 1, 2, 3)
	env.store(t, addr(t, 0xa2), 1, 3, 4)

	res, err := env.client.Proof(ctx, addr(t, 0xa1), addr(t, 3))
	require.NoError(t, err)
	assert.Len(t, res.Proof, 1)

	engine := commitment.NewEngine(nil)
	assert.True(t, engine.Verify(addr(t, 3), res.Commitment, res.Proof))

	_, err = env.client.Proof(ctx, addr(t, 0xa1), addr(t, 9))
	assert.ErrorIs(t, err, interfaces.ErrMemberNotFound)

	accounts, err := env.client.ProtectedBy(ctx, addr(t, 3))
	require.NoError(t, err)
	assert.Equal(t, []interfaces.Address{addr(t, 0xa1), addr(t, 0xa2)}, accounts)

	accounts, err = env.client.ProtectedBy(ctx, addr(t, 9))
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestHandler_BackupExportImport(t *testing.T) {
	ctx := context.Background()
	source := setupTestEnvironment(t, Config{})
	stored := source.store(t, addr(t, 0xa1), 2, 1, 2, 3)

	payload, err := source.client.ExportBackup(ctx, addr(t, 0xa1))
	require.NoError(t, err)
	assert.Equal(t, registry.BackupType, payload.Type)
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	target := setupTestEnvironment(t, Config{})
	imported, err := target.client.ImportBackup(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, stored.Commitment, imported.Commitment)

	_, err = target.client.ImportBackup(ctx, []byte(`{"version":"2.0"}`))
	assert.ErrorIs(t, err, interfaces.ErrBackupFormatInvalid)
}

func TestHandler_RecoveryLink(t *testing.T) {
	ctx := context.Background()
	source := setupTestEnvironment(t, Config{LinkBaseURL: "https://wallet.example/recover"})
	stored := source.store(t, addr(t, 0xa1), 1, 1, 2)

	link, err := source.client.BuildLink(ctx, addr(t, 0xa1), "")
	require.NoError(t, err)
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "wallet.example", u.Host)

	record, err := source.registry.Load(ctx, addr(t, 0xa1))
	require.NoError(t, err)
	assert.True(t, record.BackupChannels[LinkChannel])

	target := setupTestEnvironment(t, Config{})
	_, err = target.client.BuildLink(ctx, addr(t, 0xa1), "")
	assert.ErrorIs(t, err, interfaces.ErrMalformedRequest)

	imported, err := target.client.ImportLink(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, stored.Commitment, imported.Commitment)

	_, err = target.client.ImportLink(ctx, "https://wallet.example/recover")
	assert.ErrorIs(t, err, interfaces.ErrBackupFormatInvalid)
}

func TestHandler_ArchiveAndRestore(t *testing.T) {
	ctx := context.Background()
	sealer, err := cryptoutils.NewPassphraseSealer("correct horse battery staple")
	require.NoError(t, err)
	archive := storage.NewKVArchive(storage.NewMemoryBackend(), testLogger())

	source := setupTestEnvironment(t, Config{Archive: archive, Sealer: sealer})
	stored := source.store(t, addr(t, 0xa1), 2, 1, 2, 3)

	res, err := source.client.Archive(ctx, addr(t, 0xa1), "")
	require.NoError(t, err)
	assert.Equal(t, "archive", res.Channel)
	assert.NotEmpty(t, res.ID)

	target := setupTestEnvironment(t, Config{Archive: archive, Sealer: sealer})
	restored, err := target.client.Restore(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.Commitment, restored.Commitment)

	_, err = target.client.Restore(ctx, "00ff")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

	wrongSealer, err := cryptoutils.NewPassphraseSealer("another passphrase")
	require.NoError(t, err)
	other := setupTestEnvironment(t, Config{Archive: archive, Sealer: wrongSealer})
	_, err = other.client.Restore(ctx, res.ID)
	assert.ErrorIs(t, err, interfaces.ErrBackupFormatInvalid)

	none := setupTestEnvironment(t, Config{})
	_, err = none.client.Archive(ctx, addr(t, 0xa1), "ipfs")
	assert.ErrorIs(t, err, interfaces.ErrOperationFailed)
}

func TestHandler_PublishRefusedDuringRecovery(t *testing.T) {
	ctx := context.Background()
	logger := testLogger()
	engine := commitment.NewEngine(nil)
	reg := registry.NewRegistry(storage.NewMemoryBackend(), engine, logger)
	memLedger := ledger.NewMemoryLedger(ledger.MemoryLedgerConfig{DomainTag: testDomain, Authority: testAuthority})
	memLedger.SetTransactOpts()
	coord := recovery.NewCoordinator(recovery.Config{DomainTag: testDomain, Authority: testAuthority}, memLedger, engine, logger,
		recovery.WithClock(func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }))

	r := chi.NewRouter()
	NewHandler(reg, coord, Config{}, logger).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()
	client := NewClient(srv.URL, logger)

	account := addr(t, 0xa1)
	_, err := client.StoreGuardians(ctx, account, api.StoreGuardiansRequest{
		Guardians: []interfaces.Guardian{{Address: addr(t, 1)}, {Address: addr(t, 2)}},
		Threshold: 1,
	})
	require.NoError(t, err)
	_, err = client.PublishGuardians(ctx, account)
	require.NoError(t, err)

	_, err = coord.Initiate(ctx, account, addr(t, 0xb2))
	require.NoError(t, err)

	_, err = client.PublishGuardians(ctx, account)
	assert.ErrorIs(t, err, interfaces.ErrRecoveryAlreadyActive)
}
