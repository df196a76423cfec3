// Package storage provides keyed record storage with pluggable backends.
//
// The guardian registry persists one record per account through the
// interfaces.KVStore contract. Backends:
//
//   - In-memory storage for tests and ephemeral development servers
//   - File system storage, one file per key
//   - SQLite storage (modernc.org/sqlite, no cgo) for durable local state
//   - Vault KV v2 storage for deployments that keep guardian data in Vault
//   - S3-compatible object storage
//
// # Storage URI Format
//
// Storage backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - memory://
//   - file:///var/lib/recovery/records
//   - sqlite:///var/lib/recovery/guardians.db
//   - vault://vault.example.com:8200/secret/guardians?token=...&tls=false
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix?region=us-west-2&endpoint=...
//
// Several URIs can be combined into a MultiStorageBackend, which writes to
// every available backend and reads from the first one that has the key.
//
// # Backup Archive
//
// IPFSArchive implements interfaces.BackupArchive on top of an IPFS node, so
// exported guardian backups can be shared by CID. KVArchive offers the same
// contract over any KVStore, addressed by the sha256 of the content, for
// deployments without an IPFS node.
package storage
