// Package main (cmd/guardian) is the command line tool of a guardian.
//
// It creates and opens the guardian's signing key, computes and signs
// approval digests offline, and talks to a recoveryd server to approve,
// inspect, open and finalize recoveries.
//
// Approving a recovery:
//
//	guardian --server=https://recovery.example approve \
//	    --key=./guardian.json --passphrase=secret \
//	    --account=0x... --new-account=0x...
//
// The digest served by the server is recomputed locally from its domain tag
// and authority before signing.
package main
