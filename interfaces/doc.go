// Package interfaces defines the shared types and contracts of the guardian
// recovery system, separating interface definitions from implementations.
//
// # Identity Types
//
//   - Address: a 32-byte account or guardian identifier, constrained to the
//     251-bit field used by the recovery contract. Ethereum addresses are valid
//     identities once left-padded.
//   - Commitment: the Merkle root binding a guardian set.
//   - InclusionProof: sibling path proving one guardian against a commitment.
//   - Signature: a 65-byte secp256k1 approval signature.
//
// # Collaborator Interfaces
//
// Ledger: the narrow read/invoke surface of the on-chain recovery contract.
// The recovery core never talks to a chain directly; every on-chain effect goes
// through this interface and is retried by callers, not by the core.
//
// KVStore: keyed record storage used by the guardian registry, implemented by
// file, sqlite, vault, s3 and in-memory backends.
//
// BackupArchive: content-addressed publication of portable guardian backups.
//
// # Errors
//
// Every failure the system reports maps to exactly one ErrorKind. Kinds carry a
// human-readable message, a severity, a remediation hint and an HTTP status, so
// call sites never re-derive presentation. Ledger revert strings are classified
// through a single lookup table (ClassifyLedgerError).
package interfaces
