/*
Package api holds the HTTP surface of the guardian recovery service.

The package itself carries the wire types, the Problem based error
rendering shared by all handlers, and Client, the retrying transport used
by the handler clients. Routes live in the subpackages:

  - guardianhandler: guardian configuration, inclusion proofs and backups
  - recoveryhandler: the recovery lifecycle and approval submission

Every failure is reported as an application/problem+json document built by
interfaces.Describe, with the HTTP status of the error kind. Clients decode
the document back into a classified error with Problem.Err, so errors.Is
works across the wire.
*/
package api
