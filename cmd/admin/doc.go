// Package main (cmd/admin) manages split custody of the backup archive key.
//
// Setup, once:
//
//	admin generate-admin --admin-privkey-file=alice.pem --admin-pubkey-file=alice.pub.pem
//	admin generate-admins-config --admin-pubkey-files=alice.pub.pem --admin-pubkey-files=bob.pub.pem ...
//	admin split-archive-key --admins-file=custody-admins.json --threshold=2
//
// The last step writes archive-public.pem for recoveryd and a shares/
// directory with one sealed share per admin; each admin keeps only their
// own file. After every recoveryd start, admins unlock restores with:
//
//	admin --server=https://recovery.example submit-share \
//	    --admin-privkey-file=alice.pem --admin-pubkey-file=alice.pub.pem \
//	    --share-file=alice-share.json
package main
