package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// DegradedV marks a signature produced by the degraded fallback scheme.
const DegradedV = 0x7f

// Message is the 32-byte digest guardians sign to approve a recovery.
type Message [32]byte

func (m Message) String() string {
	return "0x" + hex.EncodeToString(m[:])
}

func (m Message) Bytes() []byte {
	return m[:]
}

// ParseMessage decodes a hex digest as printed by Message.String.
func ParseMessage(s string) (Message, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return Message{}, fmt.Errorf("message is not hex: %w", err)
	}
	if len(raw) != len(Message{}) {
		return Message{}, fmt.Errorf("message is %d bytes, expected %d", len(raw), len(Message{}))
	}
	return Message(raw), nil
}

var (
	bytes32Ty, _ = abi.NewType("bytes32", "", nil)
	addressTy, _ = abi.NewType("address", "", nil)

	messageArguments = abi.Arguments{
		{Type: bytes32Ty},
		{Type: addressTy},
		{Type: bytes32Ty},
		{Type: bytes32Ty},
	}

	fieldModulus = new(big.Int).Lsh(big.NewInt(1), interfaces.FieldBits)
)

// CanonicalMessage binds a recovery approval to a protocol domain, the
// verifying contract and both accounts:
//
//	keccak256(abi.encode(keccak256(domainTag), authority, oldAccount, newAccount))
func CanonicalMessage(domainTag string, authority common.Address, oldAccount, newAccount interfaces.Address) (Message, error) {
	packed, err := messageArguments.Pack(
		crypto.Keccak256Hash([]byte(domainTag)),
		authority,
		[32]byte(oldAccount),
		[32]byte(newAccount),
	)
	if err != nil {
		return Message{}, fmt.Errorf("could not encode recovery message: %w", err)
	}
	return Message(crypto.Keccak256Hash(packed)), nil
}

// KeyHolder holds one guardian key and signs digests with it.
type KeyHolder interface {
	Address() common.Address
	SignHash(ctx context.Context, hash []byte) ([]byte, error)
}

// ErrHolderUnreachable is returned by key holders that cannot be contacted.
var ErrHolderUnreachable = errors.New("key holder unreachable")

// LocalKeyHolder signs with an in-process secp256k1 key.
type LocalKeyHolder struct {
	key *ecdsa.PrivateKey
}

func NewLocalKeyHolder(key *ecdsa.PrivateKey) *LocalKeyHolder {
	return &LocalKeyHolder{key: key}
}

func (h *LocalKeyHolder) Address() common.Address {
	return crypto.PubkeyToAddress(h.key.PublicKey)
}

func (h *LocalKeyHolder) SignHash(ctx context.Context, hash []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return crypto.Sign(hash, h.key)
}

// Signer produces approval signatures on behalf of registered key holders.
type Signer struct {
	mu      sync.RWMutex
	holders map[interfaces.Address]KeyHolder

	degradedFallback bool
	log              *slog.Logger
}

type Option func(*Signer)

// WithDegradedFallback makes Sign return a degraded signature when no key
// holder is reachable. Degraded signatures are reversible arithmetic over
// public values and authorize nothing on a correctly configured coordinator.
// Never enable this outside development.
func WithDegradedFallback() Option {
	return func(s *Signer) {
		s.degradedFallback = true
	}
}

func NewSigner(log *slog.Logger, holders []KeyHolder, opts ...Option) *Signer {
	s := &Signer{
		holders: make(map[interfaces.Address]KeyHolder),
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, h := range holders {
		s.AddHolder(h)
	}
	if s.degradedFallback {
		log.Warn("Degraded signature fallback enabled, signatures without a key holder are NOT cryptographically sound")
	}
	return s
}

// AddHolder registers a key holder under its address.
func (s *Signer) AddHolder(h KeyHolder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holders[interfaces.AddressFromEthereum(h.Address())] = h
}

// Identities lists the identities this signer can sign for.
func (s *Signer) Identities() []interfaces.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]interfaces.Address, 0, len(s.holders))
	for id := range s.holders {
		res = append(res, id)
	}
	return res
}

// Sign signs msg as identity using the EIP-191 text hash of the message.
func (s *Signer) Sign(ctx context.Context, msg Message, identity interfaces.Address) (interfaces.Signature, error) {
	s.mu.RLock()
	holder, found := s.holders[identity]
	s.mu.RUnlock()

	if !found {
		return s.fallback(msg, identity, fmt.Errorf("no key holder for %s", identity))
	}

	sig, err := holder.SignHash(ctx, accounts.TextHash(msg[:]))
	if err != nil {
		if interfaces.KindOf(err) == interfaces.KindUserRejected {
			return nil, err
		}
		return s.fallback(msg, identity, err)
	}
	if len(sig) != interfaces.SignatureLength {
		return nil, interfaces.Errorf(interfaces.KindSigningUnavailable, "key holder returned %d byte signature", len(sig))
	}

	res := interfaces.Signature(append([]byte(nil), sig...))
	if res[64] < 27 {
		res[64] += 27
	}
	return res, nil
}

func (s *Signer) fallback(msg Message, identity interfaces.Address, cause error) (interfaces.Signature, error) {
	if !s.degradedFallback {
		return nil, interfaces.Errorf(interfaces.KindSigningUnavailable, "%v", cause)
	}
	s.log.Warn("Producing degraded signature", "err", cause, slog.String("identity", identity.String()))
	return DegradedSignature(msg, identity), nil
}

// DegradedSignature computes the deterministic fallback signature:
// R = keccak256(msg || identity) reduced to the field, S = R + identity mod
// 2^251, V = DegradedV. Anyone who knows identity can forge it.
func DegradedSignature(msg Message, identity interfaces.Address) interfaces.Signature {
	rHash := crypto.Keccak256(msg[:], identity[:])
	rHash[0] &= 0x07
	r := new(big.Int).SetBytes(rHash)
	sv := new(big.Int).Add(r, identity.Big())
	sv.Mod(sv, fieldModulus)

	sig := make(interfaces.Signature, interfaces.SignatureLength)
	r.FillBytes(sig[:32])
	sv.FillBytes(sig[32:64])
	sig[64] = DegradedV
	return sig
}

// IsDegraded reports whether sig carries the degraded marker.
func IsDegraded(sig interfaces.Signature) bool {
	return len(sig) == interfaces.SignatureLength && sig[64] == DegradedV
}

// Verify checks that sig over msg was produced by identity's key.
func Verify(msg Message, sig interfaces.Signature, identity interfaces.Address) error {
	if !ValidateFormat(sig) || IsDegraded(sig) {
		return interfaces.Errorf(interfaces.KindInvalidSignature, "malformed signature")
	}

	expected, ok := identity.Ethereum()
	if !ok {
		return interfaces.Errorf(interfaces.KindInvalidSignature, "identity %s has no signing key", identity)
	}

	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pubkey, err := crypto.SigToPub(accounts.TextHash(msg[:]), normalized)
	if err != nil {
		return interfaces.Errorf(interfaces.KindInvalidSignature, "could not recover signer: %v", err)
	}

	if recovered := crypto.PubkeyToAddress(*pubkey); recovered != expected {
		return interfaces.Errorf(interfaces.KindInvalidSignature, "signed by %s, expected %s", recovered, expected)
	}
	return nil
}

// VerifyDegraded checks a degraded signature. It proves nothing about key
// possession.
func VerifyDegraded(msg Message, sig interfaces.Signature, identity interfaces.Address) error {
	if !IsDegraded(sig) {
		return interfaces.Errorf(interfaces.KindInvalidSignature, "not a degraded signature")
	}
	if string(DegradedSignature(msg, identity)) != string(sig) {
		return interfaces.Errorf(interfaces.KindInvalidSignature, "degraded signature mismatch")
	}
	return nil
}

// ValidateFormat performs structural checks only: length, recovery id and
// component ranges. Standard signatures must be low-s secp256k1 values;
// degraded ones must fit the field.
func ValidateFormat(sig interfaces.Signature) bool {
	if len(sig) != interfaces.SignatureLength {
		return false
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])

	switch v := sig[64]; v {
	case 0, 1:
		return crypto.ValidateSignatureValues(v, r, s, true)
	case 27, 28:
		return crypto.ValidateSignatureValues(v-27, r, s, true)
	case DegradedV:
		return r.Sign() > 0 && r.Cmp(fieldModulus) < 0 && s.Cmp(fieldModulus) < 0
	default:
		return false
	}
}
