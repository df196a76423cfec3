// Package commitment implements the guardian set commitment: a Merkle root over
// a sorted set of at most five guardian identities, with inclusion proofs that
// let a single guardian prove membership without revealing the rest of the set.
//
// The pairing hash is pluggable. Keccak251 is the default; LegacyMix32 exists
// for compatibility with ledgers that recompute commitments with the legacy
// 32-bit mix and must not be used for new deployments.
package commitment
