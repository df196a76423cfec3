// Package registry holds the device-local guardian records: which guardians
// protect an account, the approval threshold and the commitment published
// for them.
//
// Records are persisted through an interfaces.KVStore under
// "guardian-recovery/v2/<account>". Records written by the first release
// live under the bare lowercase account and are migrated on first read; the
// old key is removed only after the new one is written.
//
// Records can be carried to another device as a versioned JSON backup,
// either directly, embedded into a recovery link, or through a
// content-addressed archive such as IPFS. Import validates every field and
// the internal consistency of the commitment, but never consults the
// ledger: comparing an imported commitment with the published one is the
// job of recovery.Coordinator.VerifyRecord.
//
// The registry is advisory. Authorization decisions always re-derive proofs
// against the commitment published on the ledger.
package registry
