package custody

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/social-recovery-backend/cryptoutils"
)

// shareDomain separates share signatures from request signatures.
const shareDomain = "guardian-archive-share/v1"

// SealedShare is one share of the archive key, sealed to its admin.
type SealedShare struct {
	AdminID    string `json:"admin_id"`
	ShareIndex int    `json:"share_index"`
	Threshold  int    `json:"threshold"`
	Sealed     []byte `json:"sealed_share"`
}

// SplitKey splits a sealing private key among admins, one share each, so that
// any threshold of them can rebuild it. Each share is sealed to the admin's
// public key.
func SplitKey(privateKeyPEM []byte, admins map[string][]byte, threshold int) ([]SealedShare, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if len(admins) < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}
	if _, err := ParsePrivateKey(privateKeyPEM); err != nil {
		return nil, fmt.Errorf("invalid sealing key: %w", err)
	}

	shares, err := shamir.Split(privateKeyPEM, len(admins), threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split sealing key: %w", err)
	}

	ids := make([]string, 0, len(admins))
	for id := range admins {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	res := make([]SealedShare, len(ids))
	for i, id := range ids {
		sealer, err := cryptoutils.NewKeySealer(admins[id], nil)
		if err != nil {
			return nil, fmt.Errorf("admin %s: %w", id, err)
		}
		sealed, err := sealer.Seal(shares[i])
		if err != nil {
			return nil, fmt.Errorf("failed to seal share for %s: %w", id, err)
		}
		wipeBytes(shares[i])
		res[i] = SealedShare{AdminID: id, ShareIndex: i, Threshold: threshold, Sealed: sealed}
	}
	return res, nil
}

// OpenShare decrypts a share with the admin's key pair.
func OpenShare(share SealedShare, publicKeyPEM, privateKeyPEM []byte) ([]byte, error) {
	sealer, err := cryptoutils.NewKeySealer(publicKeyPEM, privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return sealer.Open(share.Sealed)
}

func shareDigest(share []byte) []byte {
	h := sha256.New()
	h.Write([]byte(shareDomain))
	h.Write(share)
	return h.Sum(nil)
}

// SignShare signs a plaintext share with an admin's key.
func SignShare(share []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, key, shareDigest(share))
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
