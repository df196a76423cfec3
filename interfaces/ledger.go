package interfaces

import "context"

// Ledger is the read/invoke surface of the on-chain GuardianRecovery contract.
//
// Transport failures are returned as errors wrapping ErrLedgerUnavailable.
// Contract reverts are not transport failures: writes report them through
// TxResult.Error and reads return a *LedgerError.
type Ledger interface {
	// SetupGuardians publishes the guardian commitment and threshold for account.
	SetupGuardians(ctx context.Context, account Address, commitment Commitment, threshold uint32) (TxResult, error)

	// GetCommitment returns the published commitment, zero when none is set.
	GetCommitment(ctx context.Context, account Address) (Commitment, error)

	// GetThreshold returns the published approval threshold.
	GetThreshold(ctx context.Context, account Address) (uint32, error)

	// InitiateRecovery opens a recovery moving oldAccount to newAccount.
	InitiateRecovery(ctx context.Context, oldAccount, newAccount Address) (TxResult, error)

	// SubmitApproval records one guardian approval.
	SubmitApproval(ctx context.Context, oldAccount, guardian Address, sig Signature, proof InclusionProof) (TxResult, error)

	// FinalizeRecovery performs the account control transfer.
	FinalizeRecovery(ctx context.Context, oldAccount Address) (TxResult, error)

	// GetRecoveryRequest returns the ledger's view of the recovery for oldAccount.
	// Status is StatusNone when no request was ever made.
	GetRecoveryRequest(ctx context.Context, oldAccount Address) (RecoveryRequest, error)

	// GetApprovalCount returns the number of counted approvals.
	GetApprovalCount(ctx context.Context, oldAccount Address) (uint32, error)
}
