package recoveryhandler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/social-recovery-backend/api"
	"github.com/ruteri/social-recovery-backend/commitment"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/ledger"
	"github.com/ruteri/social-recovery-backend/recovery"
	"github.com/ruteri/social-recovery-backend/signer"
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

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	clock   *clock
	signer  *signer.Signer
	engine  *commitment.Engine
	members []interfaces.Address
	client  *Client
	server  *httptest.Server
	old     interfaces.Address
	new     interfaces.Address
}

// setupTestEnvironment protects an account with n real guardian keys on a
// MemoryLedger and serves a coordinator for it.
func setupTestEnvironment(t *testing.T, n int, threshold uint32) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	var holders []signer.KeyHolder
	var members []interfaces.Address
	for range n {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		holder := signer.NewLocalKeyHolder(key)
		holders = append(holders, holder)
		members = append(members, interfaces.AddressFromEthereum(holder.Address()))
	}
	members, err := commitment.Normalize(members)
	require.NoError(t, err)

	env := &testEnv{
		clock:   &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		signer:  signer.NewSigner(logger, holders),
		engine:  commitment.NewEngine(nil),
		members: members,
		old:     addr(t, 0xa1),
		new:     addr(t, 0xb2),
	}

	memLedger := ledger.NewMemoryLedger(ledger.MemoryLedgerConfig{DomainTag: testDomain, Authority: testAuthority, Now: env.clock.Now})
	memLedger.SetTransactOpts()
	root, err := env.engine.Commit(members)
	require.NoError(t, err)
	res, err := memLedger.SetupGuardians(ctx, env.old, root, threshold)
	require.NoError(t, err)
	require.True(t, res.Success)

	coord := recovery.NewCoordinator(recovery.Config{DomainTag: testDomain, Authority: testAuthority}, memLedger, env.engine, logger,
		recovery.WithClock(env.clock.Now))

	r := chi.NewRouter()
	NewHandler(coord, logger).RegisterRoutes(r)
	env.server = httptest.NewServer(r)
	t.Cleanup(env.server.Close)

	env.client = NewClient(env.server.URL, logger)
	env.client.RetryMaxElapsed = -1
	return env
}

// approval signs the digest served by the message route.
func (e *testEnv) approval(t *testing.T, guardian interfaces.Address) api.ApprovalRequest {
	t.Helper()
	ctx := context.Background()

	res, err := e.client.Message(ctx, e.old, e.new)
	require.NoError(t, err)
	msg, err := signer.ParseMessage(res.Message)
	require.NoError(t, err)

	sig, err := e.signer.Sign(ctx, msg, guardian)
	require.NoError(t, err)
	proof, err := e.engine.Prove(e.members, guardian)
	require.NoError(t, err)
	return api.ApprovalRequest{Guardian: guardian, Signature: sig, Proof: proof}
}

func TestHandler_RecoveryLifecycle(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnvironment(t, 3, 2)

	req, err := env.client.Get(ctx, env.old)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusNone, req.Status)

	req, err = env.client.Initiate(ctx, env.old, env.new)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusPending, req.Status)
	assert.Equal(t, env.new, req.NewAccount)
	assert.Equal(t, uint32(2), req.Threshold)

	_, err = env.client.Initiate(ctx, env.old, addr(t, 0xc3))
	assert.ErrorIs(t, err, interfaces.ErrRecoveryAlreadyActive)

	req, err = env.client.Approve(ctx, env.old, env.approval(t, env.members[0]))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), req.ApprovalCount)

	_, err = env.client.Finalize(ctx, env.old)
	assert.ErrorIs(t, err, interfaces.ErrThresholdNotMet)

	_, err = env.client.Approve(ctx, env.old, env.approval(t, env.members[0]))
	assert.ErrorIs(t, err, interfaces.ErrDuplicateApproval)

	req, err = env.client.Approve(ctx, env.old, env.approval(t, env.members[2]))
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusApproved, req.Status)

	req, err = env.client.Sync(ctx, env.old)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), req.ApprovalCount)

	req, err = env.client.Finalize(ctx, env.old)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCompleted, req.Status)
	assert.Len(t, req.Approvals, 2)
}

func TestHandler_ApprovalRejections(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnvironment(t, 3, 2)

	_, err := env.client.Approve(ctx, env.old, env.approval(t, env.members[0]))
	assert.ErrorIs(t, err, interfaces.ErrRecoveryNotFound)

	_, err = env.client.Initiate(ctx, env.old, env.new)
	require.NoError(t, err)

	forged := env.approval(t, env.members[0])
	forged.Guardian = env.members[1]
	_, err = env.client.Approve(ctx, env.old, forged)
	assert.ErrorIs(t, err, interfaces.ErrInvalidSignature)

	deep := env.approval(t, env.members[0])
	deep.Proof = make(interfaces.InclusionProof, commitment.MaxProofDepth+1)
	_, err = env.client.Approve(ctx, env.old, deep)
	assert.ErrorIs(t, err, interfaces.ErrMalformedProof)

	env.clock.Advance(interfaces.RecoveryWindow + time.Second)
	_, err = env.client.Approve(ctx, env.old, env.approval(t, env.members[0]))
	assert.ErrorIs(t, err, interfaces.ErrRecoveryExpired)

	req, err := env.client.Get(ctx, env.old)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusExpired, req.Status)
}

func TestHandler_Message(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnvironment(t, 1, 1)

	res, err := env.client.Message(ctx, env.old, env.new)
	require.NoError(t, err)
	assert.Equal(t, testDomain, res.DomainTag)
	assert.Equal(t, testAuthority, res.Authority)

	want, err := signer.CanonicalMessage(testDomain, testAuthority, env.old, env.new)
	require.NoError(t, err)
	assert.Equal(t, want.String(), res.Message)

	resp, err := http.Get(env.server.URL + "/api/v1/recoveries/" + env.old.String() + "/message")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_MalformedBodies(t *testing.T) {
	env := setupTestEnvironment(t, 1, 1)

	for _, body := range []string{`{`, `{"newAccount":"0x12"}`, `{"newAccount":"0x00000000000000000000000000000000000000b2","extra":1}`} {
		resp, err := http.Post(env.server.URL+"/api/v1/recoveries/"+env.old.String(), "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}
