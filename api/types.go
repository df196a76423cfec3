package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// StoreGuardiansRequest replaces the guardian configuration of an account.
type StoreGuardiansRequest struct {
	Guardians []interfaces.Guardian `json:"guardians"`
	Threshold uint32                `json:"threshold"`

	// Commitment is the on-chain root for the set. When omitted the server
	// computes it.
	Commitment *interfaces.Commitment `json:"commitment,omitempty"`
}

// PublishResponse is returned after the guardian commitment was sent to the
// ledger.
type PublishResponse struct {
	Record *interfaces.GuardianRecord `json:"record"`
	Tx     interfaces.TxResult        `json:"tx"`
}

// ProofResponse carries the inclusion proof of one guardian.
type ProofResponse struct {
	Account    interfaces.Address        `json:"account"`
	Guardian   interfaces.Address        `json:"guardian"`
	Commitment interfaces.Commitment     `json:"commitment"`
	Proof      interfaces.InclusionProof `json:"proof"`
}

// AccountsResponse lists the accounts a guardian protects.
type AccountsResponse struct {
	Guardian interfaces.Address   `json:"guardian"`
	Accounts []interfaces.Address `json:"accounts"`
}

type BuildLinkRequest struct {
	BaseURL string `json:"baseUrl"`
}

type LinkResponse struct {
	Link string `json:"link"`
}

// ParseLinkRequest imports the backup embedded in a recovery link.
type ParseLinkRequest struct {
	Link string `json:"link"`
}

type ArchiveRequest struct {
	Channel string `json:"channel"`
}

// ArchiveResponse identifies a sealed backup in the archive.
type ArchiveResponse struct {
	Account interfaces.Address `json:"account"`
	Channel string             `json:"channel"`
	ID      string             `json:"id"`
}

type InitiateRecoveryRequest struct {
	NewAccount interfaces.Address `json:"newAccount"`
}

// ApprovalRequest is one guardian's approval of the pending recovery.
type ApprovalRequest struct {
	Guardian  interfaces.Address        `json:"guardian"`
	Signature interfaces.Signature      `json:"signature"`
	Proof     interfaces.InclusionProof `json:"proof"`
}

// MessageResponse is the digest guardians sign, with the parameters it was
// derived from.
type MessageResponse struct {
	OldAccount interfaces.Address `json:"oldAccount"`
	NewAccount interfaces.Address `json:"newAccount"`
	DomainTag  string             `json:"domainTag"`
	Authority  common.Address     `json:"authority"`
	Message    string             `json:"message"`
}
