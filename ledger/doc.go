// Package ledger provides implementations of interfaces.Ledger, the
// read/invoke surface of the GuardianRecovery contract.
//
// OnchainLedgerClient talks to a deployed contract through go-ethereum's
// bind package. MemoryLedger enforces the same rules in process and is
// used by the development mode of recoveryd and by tests. MockLedger is a
// testify mock for unit tests of the layers above.
//
// Reverts are never returned as Go errors by write methods: they are
// reported in TxResult.Error with the raw contract text, and callers
// classify them with interfaces.TxError.
package ledger
