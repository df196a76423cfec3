package ledger

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/social-recovery-backend/commitment"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/signer"
)

// MemoryLedgerConfig configures the contract rules MemoryLedger enforces.
type MemoryLedgerConfig struct {
	// DomainTag and Authority bind approval messages, as the deployed
	// contract does with its own address.
	DomainTag string
	Authority common.Address

	// Hasher must match the one used to compute commitments. Nil selects
	// keccak.
	Hasher commitment.Hasher

	AllowDegradedSignatures bool

	// Now defaults to time.Now.
	Now func() time.Time
}

type accountConfig struct {
	commitment interfaces.Commitment
	threshold  uint32
}

type memoryRequest struct {
	newAccount interfaces.Address
	commitment interfaces.Commitment
	threshold  uint32
	createdAt  time.Time
	status     interfaces.RecoveryStatus
	approvals  []interfaces.ApprovalRecord
	approvedBy map[interfaces.Address]bool
}

// MemoryLedger is an in-memory implementation of interfaces.Ledger with the
// same rules and revert texts as the GuardianRecovery contract. It backs the
// development mode of recoveryd and the tests.
type MemoryLedger struct {
	mutex      sync.RWMutex
	cfg        MemoryLedgerConfig
	engine     *commitment.Engine
	accounts   map[interfaces.Address]accountConfig
	requests   map[interfaces.Address]*memoryRequest
	controller map[interfaces.Address]interfaces.Address
	txCount    uint64

	allowTransacting bool
}

// NewMemoryLedger creates an empty ledger. It starts read-only; call
// SetTransactOpts to enable writes.
func NewMemoryLedger(cfg MemoryLedgerConfig) *MemoryLedger {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemoryLedger{
		cfg:        cfg,
		engine:     commitment.NewEngine(cfg.Hasher),
		accounts:   make(map[interfaces.Address]accountConfig),
		requests:   make(map[interfaces.Address]*memoryRequest),
		controller: make(map[interfaces.Address]interfaces.Address),
	}
}

// SetTransactOpts enables write operations.
func (m *MemoryLedger) SetTransactOpts() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.allowTransacting = true
}

// Address returns the configured authority.
func (m *MemoryLedger) Address() common.Address {
	return m.cfg.Authority
}

// Controller returns the account that took over oldAccount, if a recovery
// of oldAccount has completed.
func (m *MemoryLedger) Controller(oldAccount interfaces.Address) (interfaces.Address, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	next, found := m.controller[oldAccount]
	return next, found
}

func (m *MemoryLedger) SetupGuardians(ctx context.Context, account interfaces.Address, root interfaces.Commitment, threshold uint32) (interfaces.TxResult, error) {
	if err := m.writable(ctx); err != nil {
		return interfaces.TxResult{}, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if threshold == 0 || threshold > commitment.MaxMembers {
		return reverted(interfaces.RevertInvalidThreshold), nil
	}
	if root.IsZero() {
		return reverted(interfaces.RevertInvalidCommitment), nil
	}
	if req, found := m.requests[account]; found && m.statusOf(req).IsLive() {
		return reverted(interfaces.RevertRecoveryActive), nil
	}

	m.accounts[account] = accountConfig{commitment: root, threshold: threshold}
	return m.mined(), nil
}

func (m *MemoryLedger) GetCommitment(ctx context.Context, account interfaces.Address) (interfaces.Commitment, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.Commitment{}, err
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.accounts[account].commitment, nil
}

func (m *MemoryLedger) GetThreshold(ctx context.Context, account interfaces.Address) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.accounts[account].threshold, nil
}

func (m *MemoryLedger) InitiateRecovery(ctx context.Context, oldAccount, newAccount interfaces.Address) (interfaces.TxResult, error) {
	if err := m.writable(ctx); err != nil {
		return interfaces.TxResult{}, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	cfg, found := m.accounts[oldAccount]
	if !found || cfg.commitment.IsZero() {
		return reverted(interfaces.RevertGuardiansNotSet), nil
	}
	if oldAccount == newAccount {
		return reverted(interfaces.RevertSameAccount), nil
	}
	if req, found := m.requests[oldAccount]; found && m.statusOf(req).IsLive() {
		return reverted(interfaces.RevertRecoveryActive), nil
	}

	m.requests[oldAccount] = &memoryRequest{
		newAccount: newAccount,
		commitment: cfg.commitment,
		threshold:  cfg.threshold,
		createdAt:  m.cfg.Now(),
		status:     interfaces.StatusPending,
		approvedBy: make(map[interfaces.Address]bool),
	}
	return m.mined(), nil
}

func (m *MemoryLedger) SubmitApproval(ctx context.Context, oldAccount, guardian interfaces.Address, sig interfaces.Signature, proof interfaces.InclusionProof) (interfaces.TxResult, error) {
	if err := m.writable(ctx); err != nil {
		return interfaces.TxResult{}, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	req, found := m.requests[oldAccount]
	if !found {
		return reverted(interfaces.RevertNoActiveRecovery), nil
	}
	switch m.statusOf(req) {
	case interfaces.StatusExpired:
		return reverted(interfaces.RevertRecoveryExpired), nil
	case interfaces.StatusApproved:
		return reverted(interfaces.RevertRecoveryApproved), nil
	case interfaces.StatusCompleted:
		return reverted(interfaces.RevertNoActiveRecovery), nil
	}

	if !m.engine.Verify(guardian, req.commitment, proof) {
		return reverted(interfaces.RevertInvalidProof), nil
	}
	if req.approvedBy[guardian] {
		return reverted(interfaces.RevertAlreadyApproved), nil
	}
	if !m.signatureValid(oldAccount, req.newAccount, guardian, sig) {
		return reverted(interfaces.RevertInvalidSignature), nil
	}

	now := m.cfg.Now()
	req.approvedBy[guardian] = true
	req.approvals = append(req.approvals, interfaces.ApprovalRecord{
		Guardian:    guardian,
		Signature:   append(interfaces.Signature(nil), sig...),
		Proof:       append(interfaces.InclusionProof(nil), proof...),
		SubmittedAt: now,
	})
	if uint32(len(req.approvals)) >= req.threshold {
		req.status = interfaces.StatusApproved
	}
	return m.mined(), nil
}

func (m *MemoryLedger) FinalizeRecovery(ctx context.Context, oldAccount interfaces.Address) (interfaces.TxResult, error) {
	if err := m.writable(ctx); err != nil {
		return interfaces.TxResult{}, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	req, found := m.requests[oldAccount]
	if !found {
		return reverted(interfaces.RevertNoActiveRecovery), nil
	}
	switch m.statusOf(req) {
	case interfaces.StatusPending:
		return reverted(interfaces.RevertThresholdNotMet), nil
	case interfaces.StatusExpired:
		return reverted(interfaces.RevertRecoveryExpired), nil
	case interfaces.StatusCompleted:
		return reverted(interfaces.RevertNoActiveRecovery), nil
	}

	req.status = interfaces.StatusCompleted
	m.controller[oldAccount] = req.newAccount
	m.accounts[req.newAccount] = m.accounts[oldAccount]
	return m.mined(), nil
}

func (m *MemoryLedger) GetRecoveryRequest(ctx context.Context, oldAccount interfaces.Address) (interfaces.RecoveryRequest, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.RecoveryRequest{}, err
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	req, found := m.requests[oldAccount]
	if !found {
		return interfaces.RecoveryRequest{OldAccount: oldAccount, Status: interfaces.StatusNone}, nil
	}

	return interfaces.RecoveryRequest{
		OldAccount:    oldAccount,
		NewAccount:    req.newAccount,
		ApprovalCount: uint32(len(req.approvals)),
		Threshold:     req.threshold,
		Status:        m.statusOf(req),
		CreatedAt:     req.createdAt,
		ExpiresAt:     req.createdAt.Add(interfaces.RecoveryWindow),
		Commitment:    req.commitment,
		Approvals:     append([]interfaces.ApprovalRecord(nil), req.approvals...),
	}, nil
}

func (m *MemoryLedger) GetApprovalCount(ctx context.Context, oldAccount interfaces.Address) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	req, found := m.requests[oldAccount]
	if !found {
		return 0, nil
	}
	return uint32(len(req.approvals)), nil
}

func (m *MemoryLedger) writable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if !m.allowTransacting {
		return ErrNoTransactOpts
	}
	return nil
}

// statusOf applies the recovery window. Only pending requests expire.
func (m *MemoryLedger) statusOf(req *memoryRequest) interfaces.RecoveryStatus {
	if req.status == interfaces.StatusPending && m.cfg.Now().After(req.createdAt.Add(interfaces.RecoveryWindow)) {
		return interfaces.StatusExpired
	}
	return req.status
}

func (m *MemoryLedger) signatureValid(oldAccount, newAccount, guardian interfaces.Address, sig interfaces.Signature) bool {
	msg, err := signer.CanonicalMessage(m.cfg.DomainTag, m.cfg.Authority, oldAccount, newAccount)
	if err != nil {
		return false
	}
	if signer.IsDegraded(sig) {
		return m.cfg.AllowDegradedSignatures && signer.VerifyDegraded(msg, sig, guardian) == nil
	}
	return signer.Verify(msg, sig, guardian) == nil
}

// mined must be called with the write lock held.
func (m *MemoryLedger) mined() interfaces.TxResult {
	m.txCount++
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], m.txCount)
	return interfaces.TxResult{
		Success:  true,
		TxHandle: crypto.Keccak256Hash(m.cfg.Authority.Bytes(), nonce[:]).Hex(),
	}
}

func reverted(reason string) interfaces.TxResult {
	return interfaces.TxResult{Error: reason}
}
