package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters for passphrase sealed backups.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32

	saltLen  = 16
	nonceLen = 12

	KDFArgon2id = "argon2id"
)

// ErrWrongPassphrase is returned when an envelope cannot be authenticated
// with the given passphrase.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted envelope")

// Envelope is the serialized form of a passphrase sealed payload.
type Envelope struct {
	KDF        string `json:"kdf"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// PassphraseSealer seals backups under a key derived from a passphrase with
// Argon2id. Each Seal uses a fresh salt and nonce.
type PassphraseSealer struct {
	passphrase []byte
}

func NewPassphraseSealer(passphrase string) (*PassphraseSealer, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	return &PassphraseSealer{passphrase: []byte(passphrase)}, nil
}

func (s *PassphraseSealer) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aead, err := newGCM(s.deriveKey(salt))
	if err != nil {
		return nil, err
	}

	return json.Marshal(Envelope{
		KDF:        KDFArgon2id,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	})
}

func (s *PassphraseSealer) Open(sealed []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.KDF != KDFArgon2id {
		return nil, fmt.Errorf("unsupported kdf %q", env.KDF)
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != nonceLen {
		return nil, errors.New("invalid nonce")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	aead, err := newGCM(s.deriveKey(salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

func (s *PassphraseSealer) deriveKey(salt []byte) []byte {
	return argon2.IDKey(s.passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// KeySealer seals backups to a P-256 public key with ECIES: ECDH with a fresh
// ephemeral key, SHA-256 of the shared x coordinate, AES-GCM. Open needs the
// private key.
//
// Sealed format:
//
//	[ephemeral key length (2 bytes)][ephemeral key][nonce (12 bytes)][ciphertext]
type KeySealer struct {
	public  *ecdsa.PublicKey
	private *ecdsa.PrivateKey
}

// NewKeySealer parses a PEM public key, and optionally the matching PEM
// private key. Without the private key the sealer can only Seal.
func NewKeySealer(publicKeyPEM, privateKeyPEM []byte) (*KeySealer, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	public, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}

	s := &KeySealer{public: public}
	if len(privateKeyPEM) == 0 {
		return s, nil
	}

	block, _ = pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}
	s.private, err = x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if !s.private.PublicKey.Equal(public) {
		return nil, errors.New("private key does not match public key")
	}
	return s, nil
}

func (s *KeySealer) Seal(plaintext []byte) ([]byte, error) {
	ephemeral, err := ecdsa.GenerateKey(s.public.Curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	x, _ := s.public.Curve.ScalarMult(s.public.X, s.public.Y, ephemeral.D.Bytes())
	shared := sha256.Sum256(x.Bytes())

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aead, err := newGCM(shared[:])
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	ephemeralBytes := elliptic.Marshal(ephemeral.Curve, ephemeral.X, ephemeral.Y)
	res := make([]byte, 0, 2+len(ephemeralBytes)+nonceLen+len(ciphertext))
	res = binary.BigEndian.AppendUint16(res, uint16(len(ephemeralBytes)))
	res = append(res, ephemeralBytes...)
	res = append(res, nonce...)
	return append(res, ciphertext...), nil
}

func (s *KeySealer) Open(sealed []byte) ([]byte, error) {
	if s.private == nil {
		return nil, errors.New("sealer has no private key")
	}
	if len(sealed) < 2 {
		return nil, errors.New("sealed data too short")
	}

	keyLen := int(binary.BigEndian.Uint16(sealed[:2]))
	if len(sealed) < 2+keyLen+nonceLen {
		return nil, errors.New("sealed data has invalid format")
	}

	x, y := elliptic.Unmarshal(s.private.Curve, sealed[2:2+keyLen])
	if x == nil {
		return nil, errors.New("failed to unmarshal ephemeral public key")
	}
	xShared, _ := s.private.Curve.ScalarMult(x, y, s.private.D.Bytes())
	shared := sha256.Sum256(xShared.Bytes())

	aead, err := newGCM(shared[:])
	if err != nil {
		return nil, err
	}
	nonce := sealed[2+keyLen : 2+keyLen+nonceLen]
	plaintext, err := aead.Open(nil, nonce, sealed[2+keyLen+nonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
