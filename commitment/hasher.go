package commitment

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

const (
	HasherKeccak251   = "keccak"
	HasherLegacyMix32 = "legacy-mix32"
)

// Hasher combines two tree nodes. Inputs arrive already ordered (lo <= hi),
// and the result must fit the 251-bit field.
type Hasher interface {
	Hash(lo, hi interfaces.Commitment) interfaces.Commitment
	Name() string

	// Cryptographic is false for hashers without collision resistance.
	Cryptographic() bool
}

// HasherByName resolves a hasher from its configuration name.
func HasherByName(name string) (Hasher, error) {
	switch name {
	case "", HasherKeccak251:
		return Keccak251{}, nil
	case HasherLegacyMix32:
		return LegacyMix32{}, nil
	default:
		return nil, fmt.Errorf("unknown commitment hasher %q", name)
	}
}

// Keccak251 is keccak256(lo || hi) with the top five bits cleared.
type Keccak251 struct{}

func (Keccak251) Hash(lo, hi interfaces.Commitment) interfaces.Commitment {
	var out interfaces.Commitment
	copy(out[:], crypto.Keccak256(lo[:], hi[:]))
	return mask(out)
}

func (Keccak251) Name() string        { return HasherKeccak251 }
func (Keccak251) Cryptographic() bool { return true }

// LegacyMix32 reproduces the pairing hash of early deployments: a 32-bit
// string-style mix over both inputs, repeated to fill 32 bytes. It has no
// collision resistance and exists only so commitments published by those
// deployments can still be proven against.
type LegacyMix32 struct{}

func (LegacyMix32) Hash(lo, hi interfaces.Commitment) interfaces.Commitment {
	var h uint32
	for _, b := range lo {
		h = h*31 + uint32(b)
	}
	for _, b := range hi {
		h = h*31 + uint32(b)
	}
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13

	var out interfaces.Commitment
	for i := 0; i < interfaces.AddressLength; i += 4 {
		binary.BigEndian.PutUint32(out[i:], h)
	}
	return mask(out)
}

func (LegacyMix32) Name() string        { return HasherLegacyMix32 }
func (LegacyMix32) Cryptographic() bool { return false }

func mask(c interfaces.Commitment) interfaces.Commitment {
	c[0] &= 0x07
	return c
}
