// Package main (cmd/recoveryd) serves the guardian social recovery API.
//
// recoveryd keeps guardian records in the configured storage backends,
// publishes guardian commitments to the recovery ledger, and coordinates
// recoveries: it opens requests, verifies guardian approvals against the
// committed set, and finalizes once the threshold is met.
//
// The ledger is the GuardianRecovery contract given by --contract, reached
// over --rpc-addr. Transactions are sent with the --operator-key account.
// Without --contract an in-memory ledger is used, which is only useful for
// development and tests.
//
// Ledger reads are coalesced and briefly memoized (--dedup-ttl). Guardian
// records may be replicated across several --storage URIs. Backups can be
// archived sealed, to IPFS with --ipfs-api or to the record storage
// otherwise, once a sealer is configured with --archive-passphrase or
// --archive-public-key.
//
// Example:
//
//	recoveryd --rpc-addr=http://localhost:8545 \
//	    --contract=0x5FbDB2315678afecb367f032d93F642f64180aa3 \
//	    --operator-key=./operator.json --operator-passphrase=secret \
//	    --storage=sqlite:///var/lib/recoveryd/records.db \
//	    --listen-addr=0.0.0.0:8080
package main
