// Package signer produces and checks guardian approval signatures.
//
// A guardian approves a recovery by signing the canonical message for
// (domain tag, verifying contract, old account, new account) with its
// secp256k1 key, using the EIP-191 personal message hash. Changing any of the
// four inputs changes the message, which prevents replay across accounts and
// across contract deployments.
//
// The degraded fallback scheme is kept for compatibility with clients that
// could not reach a key holder. It is deterministic arithmetic over public
// values, only produced when WithDegradedFallback is set, and only accepted by
// a coordinator configured to allow it.
package signer
