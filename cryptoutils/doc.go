// Package cryptoutils protects guardian backups and loads guardian keys.
//
// Backups published to shared archives are sealed first. PassphraseSealer
// derives an AES-GCM key from a passphrase with Argon2id and stores salt,
// nonce and ciphertext in a JSON Envelope. KeySealer seals to a P-256 public
// key with ECIES so that an operator can archive backups without being able
// to read them back on the same host.
//
// Guardian signing keys are secp256k1 keys stored either as go-ethereum JSON
// keystores or as plain hex files.
package cryptoutils
