// Package recovery coordinates guardian approved account recovery.
//
// A Coordinator keeps one recovery request per account and moves it through
// None, Pending, Approved and Completed, or into Expired when the approval
// window of interfaces.RecoveryWindow passes without reaching the threshold.
// Every transition is validated locally and then delegated to an
// interfaces.Ledger, which holds the authoritative state.
//
// Guardians sign the message returned by Coordinator.Message with the
// signer package and prove membership with a proof obtained from the
// registry package.
package recovery
