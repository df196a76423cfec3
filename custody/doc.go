// Package custody keeps the archive sealing key in split custody.
//
// The private half of the P-256 key sealing archived guardian backups is
// split with Shamir's secret sharing among a set of admins, each share sealed
// to that admin's own P-256 key. recoveryd starts with only the public key:
// it can archive backups immediately, and restores them once a threshold of
// admins has submitted signed shares and the key has been rebuilt in memory.
package custody
