package custody

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/social-recovery-backend/interfaces"
)

// Headers carrying admin request authentication.
const (
	AdminIDHeader        = "X-Admin-ID"
	AdminSignatureHeader = "X-Admin-Signature"
)

// AdminMetadata is one entry of the admins file.
type AdminMetadata struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
}

// AdminsConfig is the admins file consumed by LoadAdminKeys.
type AdminsConfig struct {
	Admins []AdminMetadata `json:"admins"`
}

// AdminID is the hex sha256 of the admin's public key PEM.
func AdminID(publicKeyPEM []byte) string {
	h := sha256.Sum256(publicKeyPEM)
	return hex.EncodeToString(h[:])
}

// LoadAdminKeys reads an admins file and returns the public key PEM of every
// admin by ID.
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var cfg AdminsConfig
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make(map[string][]byte, len(cfg.Admins))
	for _, admin := range cfg.Admins {
		if _, err := parsePublicKey([]byte(admin.PubKey)); err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}
		if _, dup := result[admin.ID]; dup {
			return nil, fmt.Errorf("duplicate admin %s", admin.ID)
		}
		result[admin.ID] = []byte(admin.PubKey)
	}
	return result, nil
}

func parsePublicKey(publicKeyPEM []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	return key, nil
}

// ParsePrivateKey decodes a PEM EC private key.
func ParsePrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func requestDigest(path string, body []byte) []byte {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write(body)
	return h.Sum(nil)
}

// SignRequest returns the base64 admin signature over path and body.
func SignRequest(key *ecdsa.PrivateKey, path string, body []byte) (string, error) {
	sig, err := ecdsa.SignASN1(rand.Reader, key, requestDigest(path, body))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyRequest checks an admin signature produced by SignRequest.
func VerifyRequest(publicKeyPEM []byte, path string, body []byte, signature string) error {
	key, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return interfaces.Errorf(interfaces.KindInvalidSignature, "admin key: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return interfaces.Errorf(interfaces.KindInvalidSignature, "signature encoding: %v", err)
	}
	if !ecdsa.VerifyASN1(key, requestDigest(path, body), sig) {
		return interfaces.Errorf(interfaces.KindInvalidSignature, "admin signature does not verify")
	}
	return nil
}
