package commitment

import (
	"fmt"
	"testing"

	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMembers(t *testing.T, n int) []interfaces.Address {
	t.Helper()
	res := make([]interfaces.Address, n)
	for i := range res {
		addr, err := interfaces.NewAddressFromHex(fmt.Sprintf("0x%040x", 0x1000+i*0x111))
		require.NoError(t, err)
		res[i] = addr
	}
	return res
}

func permutations(in []interfaces.Address) [][]interfaces.Address {
	if len(in) <= 1 {
		return [][]interfaces.Address{append([]interfaces.Address(nil), in...)}
	}
	var res [][]interfaces.Address
	for i := range in {
		rest := make([]interfaces.Address, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			res = append(res, append([]interfaces.Address{in[i]}, p...))
		}
	}
	return res
}

func engines() map[string]*Engine {
	return map[string]*Engine{
		HasherKeccak251:   NewEngine(Keccak251{}),
		HasherLegacyMix32: NewEngine(LegacyMix32{}),
	}
}

func TestCommit_OrderIndependent(t *testing.T) {
	for name, engine := range engines() {
		t.Run(name, func(t *testing.T) {
			for n := 1; n <= MaxMembers; n++ {
				members := testMembers(t, n)
				want, err := engine.Commit(members)
				require.NoError(t, err)

				for _, p := range permutations(members) {
					got, err := engine.Commit(p)
					require.NoError(t, err)
					assert.Equal(t, want, got)
				}
			}
		})
	}
}

func TestCommit_Sensitivity(t *testing.T) {
	engine := NewEngine(nil)
	members := testMembers(t, 4)
	root, err := engine.Commit(members)
	require.NoError(t, err)

	for i := range members {
		changed := append([]interfaces.Address(nil), members...)
		changed[i][31] ^= 0x01
		other, err := engine.Commit(changed)
		require.NoError(t, err)
		assert.NotEqual(t, root, other, "changing member %d must change the commitment", i)
	}
}

func TestCommit_SingleMemberIsItself(t *testing.T) {
	engine := NewEngine(nil)
	members := testMembers(t, 1)

	root, err := engine.Commit(members)
	require.NoError(t, err)
	assert.Equal(t, interfaces.Commitment(members[0]), root)

	proof, err := engine.Prove(members, members[0])
	require.NoError(t, err)
	assert.Empty(t, proof)
	assert.True(t, engine.Verify(members[0], root, proof))
}

func TestCommit_SizeOutOfRange(t *testing.T) {
	engine := NewEngine(&countingHasher{})

	_, err := engine.Commit(nil)
	assert.ErrorIs(t, err, interfaces.ErrSetSizeOutOfRange)

	counting := &countingHasher{}
	engine = NewEngine(counting)
	_, err = engine.Commit(testMembers(t, 6))
	assert.ErrorIs(t, err, interfaces.ErrSetSizeOutOfRange)
	assert.Zero(t, counting.calls, "no hashing before the size check")
}

func TestCommit_InvalidMembers(t *testing.T) {
	engine := NewEngine(nil)
	members := testMembers(t, 3)

	_, err := engine.Commit([]interfaces.Address{members[0], members[1], members[0]})
	assert.ErrorIs(t, err, interfaces.ErrInvalidMember)

	_, err = engine.Commit([]interfaces.Address{members[0], {}})
	assert.ErrorIs(t, err, interfaces.ErrInvalidMember)

	var outside interfaces.Address
	outside[0] = 0xff
	_, err = engine.Commit([]interfaces.Address{outside})
	assert.ErrorIs(t, err, interfaces.ErrInvalidMember)

	_, err = ParseMembers([]string{members[0].String(), "0xnothex"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidMember)
}

func TestProve_RoundTrip(t *testing.T) {
	for name, engine := range engines() {
		t.Run(name, func(t *testing.T) {
			for n := 1; n <= MaxMembers; n++ {
				members := testMembers(t, n)
				root, err := engine.Commit(members)
				require.NoError(t, err)

				for _, m := range members {
					proof, err := engine.Prove(members, m)
					require.NoError(t, err)
					assert.LessOrEqual(t, len(proof), MaxProofDepth)
					assert.True(t, engine.Verify(m, root, proof), "size %d member %s", n, m)
				}
			}
		})
	}
}

func TestProve_ThreeMemberShape(t *testing.T) {
	engine := NewEngine(nil)
	members := testMembers(t, 3)
	a, b, c := members[0], members[1], members[2]

	ab := engine.pair(interfaces.Commitment(a), interfaces.Commitment(b))
	root, err := engine.Commit([]interfaces.Address{c, a, b})
	require.NoError(t, err)
	assert.Equal(t, engine.pair(ab, interfaces.Commitment(c)), root)

	proofC, err := engine.Prove(members, c)
	require.NoError(t, err)
	assert.Equal(t, interfaces.InclusionProof{ab}, proofC)

	proofA, err := engine.Prove(members, a)
	require.NoError(t, err)
	assert.Equal(t, interfaces.InclusionProof{interfaces.Commitment(b), interfaces.Commitment(c)}, proofA)

	proofB, err := engine.Prove(members, b)
	require.NoError(t, err)
	assert.Equal(t, interfaces.InclusionProof{interfaces.Commitment(a), interfaces.Commitment(c)}, proofB)
	assert.True(t, engine.Verify(b, root, proofB))
}

func TestProve_MemberNotFound(t *testing.T) {
	engine := NewEngine(nil)
	members := testMembers(t, 4)
	stranger := testMembers(t, 5)[4]

	_, err := engine.Prove(members, stranger)
	assert.ErrorIs(t, err, interfaces.ErrMemberNotFound)
}

func TestVerify_Rejects(t *testing.T) {
	engine := NewEngine(nil)
	members := testMembers(t, 5)
	root, err := engine.Commit(members)
	require.NoError(t, err)
	proof, err := engine.Prove(members, members[1])
	require.NoError(t, err)

	otherMembers := testMembers(t, 4)
	otherMembers[0][30] = 0x77
	otherRoot, err := engine.Commit(otherMembers)
	require.NoError(t, err)
	foreignProof, err := engine.Prove(otherMembers, otherMembers[1])
	require.NoError(t, err)

	t.Run("proof for another set", func(t *testing.T) {
		assert.False(t, engine.Verify(members[1], root, foreignProof))
		assert.False(t, engine.Verify(members[1], otherRoot, proof))
	})

	t.Run("mutated proof", func(t *testing.T) {
		for i := range proof {
			mutated := append(interfaces.InclusionProof(nil), proof...)
			mutated[i][31] ^= 0x80
			assert.False(t, engine.Verify(members[1], root, mutated))
		}
	})

	t.Run("truncated proof", func(t *testing.T) {
		assert.False(t, engine.Verify(members[1], root, proof[:len(proof)-1]))
	})

	t.Run("wrong leaf", func(t *testing.T) {
		assert.False(t, engine.Verify(members[2], root, proof))
	})

	t.Run("too long", func(t *testing.T) {
		long := append(append(interfaces.InclusionProof(nil), proof...), proof...)
		assert.False(t, engine.Verify(members[1], root, long))
	})

	t.Run("zero leaf", func(t *testing.T) {
		assert.False(t, engine.Verify(interfaces.Address{}, root, nil))
	})
}

func TestHasherByName(t *testing.T) {
	h, err := HasherByName("")
	require.NoError(t, err)
	assert.True(t, h.Cryptographic())

	h, err = HasherByName(HasherLegacyMix32)
	require.NoError(t, err)
	assert.False(t, h.Cryptographic())

	_, err = HasherByName("sha1")
	assert.Error(t, err)
}

func TestHashers_StayInField(t *testing.T) {
	var hi interfaces.Commitment
	for i := range hi {
		hi[i] = 0xff
	}
	hi[0] = 0x07
	for _, h := range []Hasher{Keccak251{}, LegacyMix32{}} {
		out := h.Hash(interfaces.Commitment{}, hi)
		assert.True(t, interfaces.Address(out).InField(), h.Name())
	}
}

type countingHasher struct {
	calls int
}

func (c *countingHasher) Hash(lo, hi interfaces.Commitment) interfaces.Commitment {
	c.calls++
	return Keccak251{}.Hash(lo, hi)
}

func (c *countingHasher) Name() string        { return "counting" }
func (c *countingHasher) Cryptographic() bool { return true }
