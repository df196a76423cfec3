package interfaces

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// AddressLength is the width in bytes of every identity and commitment.
	AddressLength = 32

	// FieldBits is the width of the field identities and commitments live in.
	FieldBits = 251

	// MinAddressHexLen and MaxAddressHexLen bound the accepted textual length
	// of an identity, excluding the 0x prefix.
	MinAddressHexLen = 40
	MaxAddressHexLen = 64

	// SignatureLength is the length of an R||S||V secp256k1 signature.
	SignatureLength = 65

	// RecoveryWindow is how long a pending recovery accepts approvals.
	RecoveryWindow = 24 * time.Hour
)

// fieldTopMask selects the bits of the first byte that must be zero for a
// 32-byte value to fit into FieldBits.
const fieldTopMask byte = 0xf8

// Address identifies an account or a guardian.
type Address [AddressLength]byte

// NewAddressFromHex parses a hex identity, with or without 0x prefix.
// The value is left-padded to 32 bytes.
func NewAddressFromHex(s string) (Address, error) {
	clean := trimHexPrefix(strings.TrimSpace(s))
	if len(clean) < MinAddressHexLen || len(clean) > MaxAddressHexLen {
		return Address{}, Errorf(KindInvalidMember, "identity %q must have between %d and %d hex digits", s, MinAddressHexLen, MaxAddressHexLen)
	}

	raw, err := decodeHex(clean)
	if err != nil {
		return Address{}, Errorf(KindInvalidMember, "identity %q: %v", s, err)
	}

	return NewAddressFromBytes(raw)
}

// NewAddressFromBytes left-pads raw into an Address.
func NewAddressFromBytes(raw []byte) (Address, error) {
	if len(raw) > AddressLength {
		return Address{}, Errorf(KindInvalidMember, "identity is %d bytes, at most %d allowed", len(raw), AddressLength)
	}

	var addr Address
	copy(addr[AddressLength-len(raw):], raw)
	if !addr.InField() {
		return Address{}, Errorf(KindInvalidMember, "identity %s exceeds the %d-bit field", addr, FieldBits)
	}
	return addr, nil
}

// AddressFromEthereum left-pads an Ethereum address.
func AddressFromEthereum(addr common.Address) Address {
	var res Address
	copy(res[AddressLength-common.AddressLength:], addr.Bytes())
	return res
}

// Ethereum returns the Ethereum address held in the low 20 bytes. The second
// return value is false when the upper 12 bytes are not zero.
func (a Address) Ethereum() (common.Address, bool) {
	for _, b := range a[:AddressLength-common.AddressLength] {
		if b != 0 {
			return common.Address{}, false
		}
	}
	return common.BytesToAddress(a[AddressLength-common.AddressLength:]), true
}

// String returns the canonical 0x-prefixed, 64 digit lowercase form.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Bytes returns the raw 32 bytes.
func (a Address) Bytes() []byte {
	return a[:]
}

// Big returns the identity as an integer.
func (a Address) Big() *big.Int {
	return new(big.Int).SetBytes(a[:])
}

// IsZero reports whether a is the zero identity.
func (a Address) IsZero() bool {
	return a == Address{}
}

// InField reports whether a fits into FieldBits.
func (a Address) InField() bool {
	return a[0]&fieldTopMask == 0
}

// Compare orders identities by their canonical byte form.
func (a Address) Compare(other Address) int {
	return bytes.Compare(a[:], other[:])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := NewAddressFromHex(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Commitment is the Merkle root over a guardian set.
type Commitment [AddressLength]byte

// NewCommitmentFromHex parses a commitment. Shorter values are left-padded.
func NewCommitmentFromHex(s string) (Commitment, error) {
	clean := trimHexPrefix(strings.TrimSpace(s))
	if len(clean) == 0 || len(clean) > 2*AddressLength {
		return Commitment{}, fmt.Errorf("commitment %q must have between 1 and %d hex digits", s, 2*AddressLength)
	}

	raw, err := decodeHex(clean)
	if err != nil {
		return Commitment{}, fmt.Errorf("commitment %q: %w", s, err)
	}

	var c Commitment
	copy(c[AddressLength-len(raw):], raw)
	if c[0]&fieldTopMask != 0 {
		return Commitment{}, fmt.Errorf("commitment %s exceeds the %d-bit field", c, FieldBits)
	}
	return c, nil
}

// String returns the 0x-prefixed hex form.
func (c Commitment) String() string {
	return "0x" + hex.EncodeToString(c[:])
}

// Bytes returns the raw 32 bytes.
func (c Commitment) Bytes() []byte {
	return c[:]
}

// IsZero reports whether no commitment is set.
func (c Commitment) IsZero() bool {
	return c == Commitment{}
}

// Address reinterprets the commitment as an identity. Leaves and interior
// nodes share one representation, which is what makes single-member sets
// commit to the member itself.
func (c Commitment) Address() Address {
	return Address(c)
}

func (c Commitment) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Commitment) UnmarshalText(text []byte) error {
	parsed, err := NewCommitmentFromHex(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// InclusionProof is the ordered sibling path from a leaf to the root.
type InclusionProof []Commitment

// ParseInclusionProof parses hex-encoded proof elements.
func ParseInclusionProof(elements []string) (InclusionProof, error) {
	proof := make(InclusionProof, 0, len(elements))
	for i, e := range elements {
		c, err := NewCommitmentFromHex(e)
		if err != nil {
			return nil, Errorf(KindMalformedProof, "element %d: %v", i, err)
		}
		proof = append(proof, c)
	}
	return proof, nil
}

// Strings returns the hex form of every element.
func (p InclusionProof) Strings() []string {
	res := make([]string, len(p))
	for i, c := range p {
		res[i] = c.String()
	}
	return res
}

// Signature is a 65-byte R||S||V approval signature.
type Signature []byte

// NewSignatureFromHex decodes a hex signature. Length is not checked here;
// see signer.ValidateFormat.
func NewSignatureFromHex(s string) (Signature, error) {
	raw, err := hex.DecodeString(trimHexPrefix(strings.TrimSpace(s)))
	if err != nil {
		return nil, Errorf(KindInvalidSignature, "signature is not hex: %v", err)
	}
	return Signature(raw), nil
}

func (s Signature) String() string {
	return "0x" + hex.EncodeToString(s)
}

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	parsed, err := NewSignatureFromHex(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Guardian is a guardian identity with an optional display label. The label
// is never part of the commitment.
type Guardian struct {
	Address Address `json:"address"`
	Name    string  `json:"name,omitempty"`
}

// GuardianRecord is the locally held description of an account's guardians.
type GuardianRecord struct {
	Account        Address         `json:"account"`
	Guardians      []Guardian      `json:"guardians"`
	Threshold      uint32          `json:"threshold"`
	Commitment     Commitment      `json:"commitment"`
	CreatedAt      time.Time       `json:"createdAt"`
	SchemaVersion  int             `json:"schemaVersion"`
	BackupChannels map[string]bool `json:"backupChannels,omitempty"`
}

// Addresses returns the guardian identities without labels.
func (r *GuardianRecord) Addresses() []Address {
	res := make([]Address, len(r.Guardians))
	for i, g := range r.Guardians {
		res[i] = g.Address
	}
	return res
}

// HasGuardian reports whether candidate is in the locally held set.
func (r *GuardianRecord) HasGuardian(candidate Address) bool {
	for _, g := range r.Guardians {
		if g.Address == candidate {
			return true
		}
	}
	return false
}

// RecoveryStatus is the lifecycle state of a recovery request.
type RecoveryStatus int

const (
	StatusNone RecoveryStatus = iota
	StatusPending
	StatusApproved
	StatusCompleted
	StatusExpired
)

func (s RecoveryStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusCompleted:
		return "completed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// IsLive reports whether a request in this state blocks a new initiation.
func (s RecoveryStatus) IsLive() bool {
	return s == StatusPending || s == StatusApproved
}

func (s RecoveryStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RecoveryStatus) UnmarshalText(text []byte) error {
	for candidate := StatusNone; candidate <= StatusExpired; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown recovery status %q", text)
}

// RecoveryRequest is one attempt to move control of OldAccount to NewAccount.
type RecoveryRequest struct {
	OldAccount    Address          `json:"oldAccount"`
	NewAccount    Address          `json:"newAccount"`
	ApprovalCount uint32           `json:"approvalCount"`
	Threshold     uint32           `json:"threshold"`
	Status        RecoveryStatus   `json:"status"`
	CreatedAt     time.Time        `json:"createdAt"`
	ExpiresAt     time.Time        `json:"expiresAt"`
	Commitment    Commitment       `json:"commitment"`
	Approvals     []ApprovalRecord `json:"approvals,omitempty"`
}

// ApprovalRecord is one counted guardian approval.
type ApprovalRecord struct {
	Guardian    Address        `json:"guardian"`
	Signature   Signature      `json:"signature"`
	Proof       InclusionProof `json:"proof"`
	SubmittedAt time.Time      `json:"submittedAt"`
}

// TxResult is the outcome of a ledger write. Error holds the raw revert text
// when Success is false.
type TxResult struct {
	Success  bool   `json:"success"`
	TxHandle string `json:"txHandle,omitempty"`
	Error    string `json:"error,omitempty"`
}

func trimHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}
