/*
Package custodyhandler serves the admin routes unlocking the archive key.

Routes:

  - GET /admin/custody/status: lock state and submitted admins
  - POST /admin/custody/shares: submit one admin's share

Share submissions carry X-Admin-ID and X-Admin-Signature headers, the
latter an ASN.1 ECDSA signature over sha256(path || body) made with the
admin's P-256 key, base64 encoded.
*/
package custodyhandler
