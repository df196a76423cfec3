package cryptoutils

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// LoadGuardianKey reads a guardian signing key from path. The file is either
// an encrypted JSON keystore, opened with passphrase, or a hex encoded
// secp256k1 private key.
func LoadGuardianKey(path, passphrase string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		key, err := keystore.DecryptKey(trimmed, passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt keystore %s: %w", path, err)
		}
		return key.PrivateKey, nil
	}

	hexKey := strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key in %s: %w", path, err)
	}
	return key, nil
}

// SaveGuardianKey writes key to path as an encrypted JSON keystore.
// keystore.StandardScryptN and keystore.StandardScryptP are the production
// parameters.
func SaveGuardianKey(path string, key *ecdsa.PrivateKey, passphrase string, scryptN, scryptP int) error {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("failed to generate key id: %w", err)
	}

	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}, passphrase, scryptN, scryptP)
	if err != nil {
		return fmt.Errorf("failed to encrypt key: %w", err)
	}

	return os.WriteFile(path, encrypted, 0600)
}

// GenerateSealingKey creates a P-256 key pair for KeySealer, PEM encoded.
func GenerateSealingKey() (publicKeyPEM, privateKeyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	privateDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}

	publicKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	privateKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateDER})
	return publicKeyPEM, privateKeyPEM, nil
}
