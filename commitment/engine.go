package commitment

import (
	"slices"

	"github.com/ruteri/social-recovery-backend/interfaces"
)

const (
	// MaxMembers is the largest guardian set that can be committed.
	MaxMembers = 5

	// MaxProofDepth is the longest inclusion proof a MaxMembers tree produces.
	MaxProofDepth = 3
)

// Engine builds guardian commitments and inclusion proofs.
//
// Members are sorted before the tree is built, adjacent nodes are paired left
// to right, and an unpaired last node is promoted to the next level unchanged.
// Pairs are hashed in ascending order, so proofs carry no left/right flags.
//
// For a sorted set [A, B, C] the tree is H(H(A,B), C): C is promoted on the
// first level and its proof is [H(A,B)], while A and B get two-element proofs.
type Engine struct {
	hasher Hasher
}

// NewEngine creates an engine using hasher. A nil hasher selects Keccak251.
func NewEngine(hasher Hasher) *Engine {
	if hasher == nil {
		hasher = Keccak251{}
	}
	return &Engine{hasher: hasher}
}

// Hasher returns the pairing hash in use.
func (e *Engine) Hasher() Hasher {
	return e.hasher
}

// ParseMembers parses textual identities.
func ParseMembers(members []string) ([]interfaces.Address, error) {
	res := make([]interfaces.Address, 0, len(members))
	for _, m := range members {
		addr, err := interfaces.NewAddressFromHex(m)
		if err != nil {
			return nil, err
		}
		res = append(res, addr)
	}
	return res, nil
}

// Normalize validates members and returns them in canonical ascending order.
func Normalize(members []interfaces.Address) ([]interfaces.Address, error) {
	if len(members) < 1 || len(members) > MaxMembers {
		return nil, interfaces.Errorf(interfaces.KindSetSizeOutOfRange, "got %d members", len(members))
	}

	sorted := slices.Clone(members)
	slices.SortFunc(sorted, interfaces.Address.Compare)

	for i, m := range sorted {
		if !m.InField() {
			return nil, interfaces.Errorf(interfaces.KindInvalidMember, "%s exceeds the field", m)
		}
		if m.IsZero() {
			return nil, interfaces.Errorf(interfaces.KindInvalidMember, "zero identity")
		}
		if i > 0 && sorted[i-1] == m {
			return nil, interfaces.Errorf(interfaces.KindInvalidMember, "duplicate guardian %s", m)
		}
	}
	return sorted, nil
}

// Commit returns the commitment over members. The result does not depend on
// the order of members.
func (e *Engine) Commit(members []interfaces.Address) (interfaces.Commitment, error) {
	sorted, err := Normalize(members)
	if err != nil {
		return interfaces.Commitment{}, err
	}

	level := leaves(sorted)
	for len(level) > 1 {
		level = e.fold(level)
	}
	return level[0], nil
}

// Prove returns the inclusion proof of target within members.
func (e *Engine) Prove(members []interfaces.Address, target interfaces.Address) (interfaces.InclusionProof, error) {
	sorted, err := Normalize(members)
	if err != nil {
		return nil, err
	}

	idx := slices.Index(sorted, target)
	if idx < 0 {
		return nil, interfaces.Errorf(interfaces.KindMemberNotFound, "%s", target)
	}

	proof := interfaces.InclusionProof{}
	level := leaves(sorted)
	for len(level) > 1 {
		if sibling := idx ^ 1; sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		idx /= 2
		level = e.fold(level)
	}
	return proof, nil
}

// Verify reports whether proof links leaf to root. It returns false for any
// malformed input.
func (e *Engine) Verify(leaf interfaces.Address, root interfaces.Commitment, proof interfaces.InclusionProof) bool {
	if len(proof) > MaxProofDepth || !leaf.InField() || leaf.IsZero() {
		return false
	}

	node := interfaces.Commitment(leaf)
	for _, sibling := range proof {
		node = e.pair(node, sibling)
	}
	return node == root
}

func (e *Engine) fold(level []interfaces.Commitment) []interfaces.Commitment {
	next := make([]interfaces.Commitment, 0, (len(level)+1)/2)
	for i := 0; i+1 < len(level); i += 2 {
		next = append(next, e.pair(level[i], level[i+1]))
	}
	if len(level)%2 == 1 {
		next = append(next, level[len(level)-1])
	}
	return next
}

func (e *Engine) pair(a, b interfaces.Commitment) interfaces.Commitment {
	if interfaces.Address(a).Compare(interfaces.Address(b)) > 0 {
		a, b = b, a
	}
	return e.hasher.Hash(a, b)
}

func leaves(sorted []interfaces.Address) []interfaces.Commitment {
	res := make([]interfaces.Commitment, len(sorted))
	for i, m := range sorted {
		res[i] = interfaces.Commitment(m)
	}
	return res
}
