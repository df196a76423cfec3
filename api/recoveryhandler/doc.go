// Package recoveryhandler serves the recovery lifecycle over HTTP, together
// with a client for it.
//
// Routes:
//
//	POST /api/v1/recoveries/{account}                          initiate
//	GET  /api/v1/recoveries/{account}                          current request
//	POST /api/v1/recoveries/{account}/sync                     reload from the ledger
//	POST /api/v1/recoveries/{account}/approvals                submit an approval
//	POST /api/v1/recoveries/{account}/finalize                 finalize
//	GET  /api/v1/recoveries/{account}/message?newAccount=...   digest to sign
//
// A guardian obtains the digest from the message route, signs it with its
// own key, fetches its inclusion proof from the guardian routes and submits
// both as an approval. The server never holds guardian keys.
package recoveryhandler
