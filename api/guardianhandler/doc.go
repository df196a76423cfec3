// Package guardianhandler serves the guardian configuration of accounts over
// HTTP, together with a client for it.
//
// Routes:
//
//	PUT    /api/v1/accounts/{account}/guardians
//	GET    /api/v1/accounts/{account}/guardians
//	DELETE /api/v1/accounts/{account}/guardians
//	POST   /api/v1/accounts/{account}/guardians/commit
//	POST   /api/v1/accounts/{account}/guardians/verify
//	GET    /api/v1/accounts/{account}/guardians/proof/{guardian}
//	GET    /api/v1/accounts/{account}/backup
//	POST   /api/v1/accounts/{account}/backup/link
//	POST   /api/v1/accounts/{account}/backup/archive
//	GET    /api/v1/guardians/{guardian}/accounts
//	POST   /api/v1/backups
//	POST   /api/v1/backups/link
//	POST   /api/v1/backups/archive/{id}
//
// Records are held by a registry.Registry. Publishing and verification
// against the ledger go through a RecordPublisher, normally the recovery
// coordinator, so that a guardian change cannot race a live recovery.
package guardianhandler
