package interfaces

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies every failure reported by the recovery system.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidMember
	KindSetSizeOutOfRange
	KindMemberNotFound
	KindMalformedProof
	KindInvalidSignature
	KindNotAGuardian
	KindDuplicateApproval
	KindRecoveryAlreadyActive
	KindRecoveryAlreadyApproved
	KindRecoveryExpired
	KindRecoveryNotFound
	KindThresholdNotMet
	KindInvalidThreshold
	KindGuardiansNotConfigured
	KindRecordNotFound
	KindBackupFormatInvalid
	KindCommitmentMismatch
	KindSigningUnavailable
	KindLedgerUnavailable
	KindUserRejected
	KindMalformedRequest
	KindOperationFailed
)

// Severity tells a presentation layer how loudly to report an error.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type kindInfo struct {
	name        string
	sentinel    error
	severity    Severity
	remediation string
	httpStatus  int
}

var (
	ErrInvalidMember           = errors.New("invalid guardian identity")
	ErrSetSizeOutOfRange       = errors.New("guardian set must contain between 1 and 5 members")
	ErrMemberNotFound          = errors.New("guardian is not a member of the set")
	ErrMalformedProof          = errors.New("malformed inclusion proof")
	ErrInvalidSignature        = errors.New("invalid approval signature")
	ErrNotAGuardian            = errors.New("not a guardian of this account")
	ErrDuplicateApproval       = errors.New("guardian has already approved this recovery")
	ErrRecoveryAlreadyActive   = errors.New("a recovery is already in progress for this account")
	ErrRecoveryAlreadyApproved = errors.New("recovery has already reached its threshold")
	ErrRecoveryExpired         = errors.New("recovery request has expired")
	ErrRecoveryNotFound        = errors.New("no active recovery for this account")
	ErrThresholdNotMet         = errors.New("approval threshold not met")
	ErrInvalidThreshold        = errors.New("threshold must be between 1 and the number of guardians")
	ErrGuardiansNotConfigured  = errors.New("guardians are not configured for this account")
	ErrRecordNotFound          = errors.New("no guardian record for this account")
	ErrBackupFormatInvalid     = errors.New("invalid guardian backup")
	ErrCommitmentMismatch      = errors.New("guardian commitment does not match")
	ErrSigningUnavailable      = errors.New("no signer available")
	ErrLedgerUnavailable       = errors.New("ledger unavailable")
	ErrUserRejected            = errors.New("request rejected by user")
	ErrMalformedRequest        = errors.New("malformed request")
	ErrOperationFailed         = errors.New("operation failed")
)

var kinds = map[ErrorKind]kindInfo{
	KindInvalidMember: {"InvalidMember", ErrInvalidMember, SeverityError,
		"Check that every guardian address is a valid hex identifier.", http.StatusBadRequest},
	KindSetSizeOutOfRange: {"SetSizeOutOfRange", ErrSetSizeOutOfRange, SeverityError,
		"Choose between one and five guardians.", http.StatusBadRequest},
	KindMemberNotFound: {"MemberNotFound", ErrMemberNotFound, SeverityError,
		"Make sure the address is one of the account's guardians.", http.StatusNotFound},
	KindMalformedProof: {"MalformedProof", ErrMalformedProof, SeverityError,
		"Fetch a fresh inclusion proof from the account owner's backup.", http.StatusBadRequest},
	KindInvalidSignature: {"InvalidSignature", ErrInvalidSignature, SeverityError,
		"Sign the recovery message again with the guardian key.", http.StatusUnauthorized},
	KindNotAGuardian: {"NotAGuardian", ErrNotAGuardian, SeverityError,
		"Only guardians committed on-chain for this account can approve.", http.StatusForbidden},
	KindDuplicateApproval: {"DuplicateApproval", ErrDuplicateApproval, SeverityWarning,
		"No action needed, your approval is already counted.", http.StatusConflict},
	KindRecoveryAlreadyActive: {"RecoveryAlreadyActive", ErrRecoveryAlreadyActive, SeverityWarning,
		"Wait for the current recovery to complete or expire.", http.StatusConflict},
	KindRecoveryAlreadyApproved: {"RecoveryAlreadyApproved", ErrRecoveryAlreadyApproved, SeverityWarning,
		"The recovery can be finalized now.", http.StatusConflict},
	KindRecoveryExpired: {"RecoveryExpired", ErrRecoveryExpired, SeverityWarning,
		"Start a new recovery and ask guardians to approve again.", http.StatusGone},
	KindRecoveryNotFound: {"RecoveryNotFound", ErrRecoveryNotFound, SeverityError,
		"Initiate a recovery for this account first.", http.StatusNotFound},
	KindThresholdNotMet: {"ThresholdNotMet", ErrThresholdNotMet, SeverityWarning,
		"Wait for more guardians to approve.", http.StatusConflict},
	KindInvalidThreshold: {"InvalidThreshold", ErrInvalidThreshold, SeverityError,
		"Pick a threshold no larger than the number of guardians.", http.StatusBadRequest},
	KindGuardiansNotConfigured: {"GuardiansNotConfigured", ErrGuardiansNotConfigured, SeverityError,
		"Set up guardians for the account before recovering it.", http.StatusNotFound},
	KindRecordNotFound: {"RecordNotFound", ErrRecordNotFound, SeverityError,
		"Import a guardian backup for this account.", http.StatusNotFound},
	KindBackupFormatInvalid: {"BackupFormatInvalid", ErrBackupFormatInvalid, SeverityError,
		"Export the backup again from the original device.", http.StatusBadRequest},
	KindCommitmentMismatch: {"CommitmentMismatch", ErrCommitmentMismatch, SeverityError,
		"The guardian list differs from the one committed on-chain. Use an up-to-date backup.", http.StatusConflict},
	KindSigningUnavailable: {"SigningUnavailable", ErrSigningUnavailable, SeverityError,
		"Unlock or connect the guardian key and retry.", http.StatusServiceUnavailable},
	KindLedgerUnavailable: {"LedgerUnavailable", ErrLedgerUnavailable, SeverityError,
		"The network is unreachable. Retry in a moment.", http.StatusServiceUnavailable},
	KindUserRejected: {"UserRejected", ErrUserRejected, SeverityInfo,
		"The request was cancelled.", http.StatusBadRequest},
	KindMalformedRequest: {"MalformedRequest", ErrMalformedRequest, SeverityError,
		"Check the request parameters and body.", http.StatusBadRequest},
	KindOperationFailed: {"OperationFailed", ErrOperationFailed, SeverityError,
		"Retry the operation. If it keeps failing, report the detail shown.", http.StatusBadGateway},
}

// AllKinds returns every classified kind in declaration order.
func AllKinds() []ErrorKind {
	res := make([]ErrorKind, 0, len(kinds))
	for k := KindInvalidMember; k <= KindOperationFailed; k++ {
		res = append(res, k)
	}
	return res
}

func (k ErrorKind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return "Unknown"
}

// Err returns the sentinel error for the kind.
func (k ErrorKind) Err() error {
	if info, ok := kinds[k]; ok {
		return info.sentinel
	}
	return ErrOperationFailed
}

func (k ErrorKind) Message() string     { return k.Err().Error() }
func (k ErrorKind) Severity() Severity  { return k.lookup().severity }
func (k ErrorKind) Remediation() string { return k.lookup().remediation }
func (k ErrorKind) HTTPStatus() int     { return k.lookup().httpStatus }

func (k ErrorKind) lookup() kindInfo {
	if info, ok := kinds[k]; ok {
		return info
	}
	return kinds[KindOperationFailed]
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(name string) ErrorKind {
	for k, info := range kinds {
		if info.name == name {
			return k
		}
	}
	return KindUnknown
}

// Errorf wraps the sentinel of kind with a formatted detail.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind.Err(), fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range AllKinds() {
		if errors.Is(err, kinds[k].sentinel) {
			return k
		}
	}
	return KindUnknown
}

// Problem is the presentation of an error, as returned by the HTTP API.
type Problem struct {
	Kind        string   `json:"kind"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Remediation string   `json:"remediation,omitempty"`
	Detail      string   `json:"detail,omitempty"`
}

// Describe builds the Problem for err. Unclassified errors are reported as
// OperationFailed with the raw text kept as detail.
func Describe(err error) Problem {
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindOperationFailed
	}
	p := Problem{
		Kind:        kind.String(),
		Message:     kind.Message(),
		Severity:    kind.Severity(),
		Remediation: kind.Remediation(),
	}
	if err != nil && err.Error() != kind.Message() {
		p.Detail = err.Error()
	}
	return p
}

// Err reconstructs a classified error from a Problem received over the wire.
func (p Problem) Err() error {
	kind := ParseErrorKind(p.Kind)
	if kind == KindUnknown {
		kind = KindOperationFailed
	}
	if p.Detail == "" {
		return kind.Err()
	}
	return &remoteError{kind: kind, detail: p.Detail}
}

type remoteError struct {
	kind   ErrorKind
	detail string
}

func (e *remoteError) Error() string { return e.detail }
func (e *remoteError) Unwrap() error { return e.kind.Err() }

// Revert reasons emitted by the GuardianRecovery contract.
const (
	RevertInvalidThreshold  = "GR: invalid threshold"
	RevertGuardiansNotSet   = "GR: guardians not set"
	RevertRecoveryActive    = "GR: recovery already active"
	RevertNoActiveRecovery  = "GR: no active recovery"
	RevertRecoveryExpired   = "GR: recovery expired"
	RevertInvalidSignature  = "GR: invalid signature"
	RevertInvalidProof      = "GR: invalid proof"
	RevertAlreadyApproved   = "GR: already approved"
	RevertThresholdNotMet   = "GR: threshold not met"
	RevertSameAccount       = "GR: new account equals old"
	RevertRecoveryApproved  = "GR: recovery already approved"
	RevertInvalidCommitment = "GR: invalid commitment"
)

type ledgerPattern struct {
	substring string
	kind      ErrorKind
}

// ledgerPatterns is matched in order, case-insensitively. More specific
// substrings come before the ones they contain.
var ledgerPatterns = []ledgerPattern{
	{RevertInvalidThreshold, KindInvalidThreshold},
	{RevertGuardiansNotSet, KindGuardiansNotConfigured},
	{RevertRecoveryActive, KindRecoveryAlreadyActive},
	{RevertRecoveryApproved, KindRecoveryAlreadyApproved},
	{RevertNoActiveRecovery, KindRecoveryNotFound},
	{RevertRecoveryExpired, KindRecoveryExpired},
	{RevertInvalidSignature, KindInvalidSignature},
	{RevertInvalidProof, KindNotAGuardian},
	{RevertAlreadyApproved, KindDuplicateApproval},
	{RevertThresholdNotMet, KindThresholdNotMet},
	{RevertSameAccount, KindInvalidMember},
	{RevertInvalidCommitment, KindCommitmentMismatch},
	{"user rejected", KindUserRejected},
	{"user denied", KindUserRejected},
	{"connection refused", KindLedgerUnavailable},
	{"deadline exceeded", KindLedgerUnavailable},
	{"timeout", KindLedgerUnavailable},
	{"no such host", KindLedgerUnavailable},
	{"connection reset", KindLedgerUnavailable},
	{"eof", KindLedgerUnavailable},
}

// LedgerPatterns returns a copy of the ledger error lookup table.
func LedgerPatterns() map[string]ErrorKind {
	res := make(map[string]ErrorKind, len(ledgerPatterns))
	for _, p := range ledgerPatterns {
		res[p.substring] = p.kind
	}
	return res
}

// LedgerError is a classified ledger failure that keeps the raw text.
type LedgerError struct {
	Kind ErrorKind
	Raw  string
}

func (e *LedgerError) Error() string {
	if e.Raw == "" {
		return e.Kind.Message()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Message(), e.Raw)
}

func (e *LedgerError) Unwrap() error {
	return e.Kind.Err()
}

// ClassifyLedgerError maps raw ledger error text to a kind. Unknown text
// yields OperationFailed.
func ClassifyLedgerError(raw string) *LedgerError {
	lower := strings.ToLower(raw)
	for _, p := range ledgerPatterns {
		if strings.Contains(lower, strings.ToLower(p.substring)) {
			return &LedgerError{Kind: p.kind, Raw: raw}
		}
	}
	return &LedgerError{Kind: KindOperationFailed, Raw: raw}
}

// TxError converts a failed TxResult into a classified error. It returns nil
// for successful results.
func TxError(res TxResult) error {
	if res.Success {
		return nil
	}
	return ClassifyLedgerError(res.Error)
}
