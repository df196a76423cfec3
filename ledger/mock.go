package ledger

import (
	"context"

	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockLedger mocks the interfaces.Ledger interface
type MockLedger struct {
	mock.Mock
}

// SetupGuardians mocks the SetupGuardians method
func (m *MockLedger) SetupGuardians(ctx context.Context, account interfaces.Address, commitment interfaces.Commitment, threshold uint32) (interfaces.TxResult, error) {
	args := m.Called(ctx, account, commitment, threshold)
	return args.Get(0).(interfaces.TxResult), args.Error(1)
}

// GetCommitment mocks the GetCommitment method
func (m *MockLedger) GetCommitment(ctx context.Context, account interfaces.Address) (interfaces.Commitment, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(interfaces.Commitment), args.Error(1)
}

// GetThreshold mocks the GetThreshold method
func (m *MockLedger) GetThreshold(ctx context.Context, account interfaces.Address) (uint32, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(uint32), args.Error(1)
}

// InitiateRecovery mocks the InitiateRecovery method
func (m *MockLedger) InitiateRecovery(ctx context.Context, oldAccount, newAccount interfaces.Address) (interfaces.TxResult, error) {
	args := m.Called(ctx, oldAccount, newAccount)
	return args.Get(0).(interfaces.TxResult), args.Error(1)
}

// SubmitApproval mocks the SubmitApproval method
func (m *MockLedger) SubmitApproval(ctx context.Context, oldAccount, guardian interfaces.Address, sig interfaces.Signature, proof interfaces.InclusionProof) (interfaces.TxResult, error) {
	args := m.Called(ctx, oldAccount, guardian, sig, proof)
	return args.Get(0).(interfaces.TxResult), args.Error(1)
}

// FinalizeRecovery mocks the FinalizeRecovery method
func (m *MockLedger) FinalizeRecovery(ctx context.Context, oldAccount interfaces.Address) (interfaces.TxResult, error) {
	args := m.Called(ctx, oldAccount)
	return args.Get(0).(interfaces.TxResult), args.Error(1)
}

// GetRecoveryRequest mocks the GetRecoveryRequest method
func (m *MockLedger) GetRecoveryRequest(ctx context.Context, oldAccount interfaces.Address) (interfaces.RecoveryRequest, error) {
	args := m.Called(ctx, oldAccount)
	return args.Get(0).(interfaces.RecoveryRequest), args.Error(1)
}

// GetApprovalCount mocks the GetApprovalCount method
func (m *MockLedger) GetApprovalCount(ctx context.Context, oldAccount interfaces.Address) (uint32, error) {
	args := m.Called(ctx, oldAccount)
	return args.Get(0).(uint32), args.Error(1)
}

var _ interfaces.Ledger = (*MockLedger)(nil)
var _ interfaces.Ledger = (*MemoryLedger)(nil)
var _ interfaces.Ledger = (*OnchainLedgerClient)(nil)
