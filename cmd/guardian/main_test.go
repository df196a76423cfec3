package main

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/social-recovery-backend/api/guardianhandler"
	"github.com/ruteri/social-recovery-backend/api/recoveryhandler"
	"github.com/ruteri/social-recovery-backend/commitment"
	rcommon "github.com/ruteri/social-recovery-backend/common"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/ledger"
	"github.com/ruteri/social-recovery-backend/recovery"
	"github.com/ruteri/social-recovery-backend/registry"
	"github.com/ruteri/social-recovery-backend/signer"
	"github.com/ruteri/social-recovery-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprove(t *testing.T) {
	ctx := context.Background()
	logger := rcommon.DiscardLogger()
	authority := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	var holders []*signer.LocalKeyHolder
	var guardians []interfaces.Guardian
	for range 2 {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		holder := signer.NewLocalKeyHolder(key)
		holders = append(holders, holder)
		guardians = append(guardians, interfaces.Guardian{Address: interfaces.AddressFromEthereum(holder.Address())})
	}

	engine := commitment.NewEngine(nil)
	memLedger := ledger.NewMemoryLedger(ledger.MemoryLedgerConfig{DomainTag: "guardian-recovery/v1", Authority: authority})
	memLedger.SetTransactOpts()
	coord := recovery.NewCoordinator(recovery.Config{DomainTag: "guardian-recovery/v1", Authority: authority}, memLedger, engine, logger)
	reg := registry.NewRegistry(storage.NewMemoryBackend(), engine, logger)

	r := chi.NewRouter()
	guardianhandler.NewHandler(reg, coord, guardianhandler.Config{}, logger).RegisterRoutes(r)
	recoveryhandler.NewHandler(coord, logger).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	clients := &Clients{
		Recovery:  recoveryhandler.NewClient(server.URL, logger),
		Guardians: guardianhandler.NewClient(server.URL, logger),
	}
	clients.Recovery.RetryMaxElapsed = -1
	clients.Guardians.RetryMaxElapsed = -1

	oldAccount := interfaces.AddressFromEthereum(common.HexToAddress("0x00000000000000000000000000000000000000a1"))
	newAccount := interfaces.AddressFromEthereum(common.HexToAddress("0x00000000000000000000000000000000000000b2"))

	record, err := reg.Store(ctx, oldAccount, guardians, 2, interfaces.Commitment{})
	require.NoError(t, err)
	_, err = coord.PublishRecord(ctx, record)
	require.NoError(t, err)

	_, err = clients.Recovery.Initiate(ctx, oldAccount, newAccount)
	require.NoError(t, err)

	for i, holder := range holders {
		guardian := interfaces.AddressFromEthereum(holder.Address())
		req, err := Approve(ctx, clients, signer.NewSigner(logger, []signer.KeyHolder{holder}), guardian, oldAccount, newAccount)
		require.NoError(t, err)
		assert.Equal(t, uint32(i+1), req.ApprovalCount)
	}

	req, err := clients.Recovery.Finalize(ctx, oldAccount)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCompleted, req.Status)
}

func TestApprove_NotAGuardian(t *testing.T) {
	ctx := context.Background()
	logger := rcommon.DiscardLogger()
	authority := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	member := interfaces.AddressFromEthereum(crypto.PubkeyToAddress(key.PublicKey))

	outsiderKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	outsider := signer.NewLocalKeyHolder(outsiderKey)

	engine := commitment.NewEngine(nil)
	memLedger := ledger.NewMemoryLedger(ledger.MemoryLedgerConfig{DomainTag: "guardian-recovery/v1", Authority: authority})
	memLedger.SetTransactOpts()
	coord := recovery.NewCoordinator(recovery.Config{DomainTag: "guardian-recovery/v1", Authority: authority}, memLedger, engine, logger)
	reg := registry.NewRegistry(storage.NewMemoryBackend(), engine, logger)

	r := chi.NewRouter()
	guardianhandler.NewHandler(reg, coord, guardianhandler.Config{}, logger).RegisterRoutes(r)
	recoveryhandler.NewHandler(coord, logger).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	clients := &Clients{
		Recovery:  recoveryhandler.NewClient(server.URL, logger),
		Guardians: guardianhandler.NewClient(server.URL, logger),
	}
	clients.Recovery.RetryMaxElapsed = -1
	clients.Guardians.RetryMaxElapsed = -1

	oldAccount := interfaces.AddressFromEthereum(common.HexToAddress("0x00000000000000000000000000000000000000a1"))
	newAccount := interfaces.AddressFromEthereum(common.HexToAddress("0x00000000000000000000000000000000000000b2"))

	record, err := reg.Store(ctx, oldAccount, []interfaces.Guardian{{Address: member}}, 1, interfaces.Commitment{})
	require.NoError(t, err)
	_, err = coord.PublishRecord(ctx, record)
	require.NoError(t, err)
	_, err = clients.Recovery.Initiate(ctx, oldAccount, newAccount)
	require.NoError(t, err)

	guardian := interfaces.AddressFromEthereum(outsider.Address())
	_, err = Approve(ctx, clients, signer.NewSigner(logger, []signer.KeyHolder{outsider}), guardian, oldAccount, newAccount)
	assert.ErrorIs(t, err, interfaces.ErrMemberNotFound)
}
