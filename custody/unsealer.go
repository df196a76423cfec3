package custody

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

type State string

const (
	StateLocked   State = "locked"
	StateUnlocked State = "unlocked"
)

// Status reports unlock progress.
type Status struct {
	State     State    `json:"state"`
	Threshold int      `json:"threshold"`
	Admins    int      `json:"admins"`
	Submitted []string `json:"submitted,omitempty"`
}

type Config struct {
	// Threshold is the number of shares needed to rebuild the key.
	Threshold int
	// Admins maps admin IDs to their public key PEM.
	Admins map[string][]byte
	// PublicKeyPEM is the archive sealing public key. Sealing works while
	// locked.
	PublicKeyPEM []byte
}

// Unsealer holds the archive sealing key in split custody. It seals with the
// public key at all times and opens only once a threshold of admins has
// submitted their shares. The rebuilt key lives in memory only.
type Unsealer struct {
	mu        sync.RWMutex
	log       *slog.Logger
	threshold int
	admins    map[string]*ecdsa.PublicKey
	adminPEMs map[string][]byte
	publicPEM []byte

	public   *cryptoutils.KeySealer
	unlocked *cryptoutils.KeySealer
	received map[string][]byte
	done     chan struct{}
}

func NewUnsealer(cfg Config, log *slog.Logger) (*Unsealer, error) {
	if cfg.Threshold < 2 {
		return nil, fmt.Errorf("threshold must be at least 2")
	}
	if len(cfg.Admins) < cfg.Threshold {
		return nil, fmt.Errorf("%d admins cannot meet threshold %d", len(cfg.Admins), cfg.Threshold)
	}
	public, err := cryptoutils.NewKeySealer(cfg.PublicKeyPEM, nil)
	if err != nil {
		return nil, err
	}

	u := &Unsealer{
		log:       log,
		threshold: cfg.Threshold,
		admins:    make(map[string]*ecdsa.PublicKey, len(cfg.Admins)),
		adminPEMs: cfg.Admins,
		publicPEM: cfg.PublicKeyPEM,
		public:    public,
		received:  make(map[string][]byte),
		done:      make(chan struct{}),
	}
	for id, pemBytes := range cfg.Admins {
		key, err := parsePublicKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid admin pubkey %s: %w", id, err)
		}
		u.admins[id] = key
	}
	return u, nil
}

// AdminKey returns the public key PEM of a registered admin.
func (u *Unsealer) AdminKey(adminID string) ([]byte, bool) {
	key, ok := u.adminPEMs[adminID]
	return key, ok
}

// SubmitShare records the plaintext share of adminID. signature must be
// SignShare over the share with the admin's key. Reaching the threshold
// rebuilds the key; if the rebuilt key does not match the public key all
// collected shares are discarded.
func (u *Unsealer) SubmitShare(adminID string, share, signature []byte) (Status, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.unlocked != nil {
		return u.status(), interfaces.Errorf(interfaces.KindDuplicateApproval, "archive key is already unlocked")
	}
	key, ok := u.admins[adminID]
	if !ok {
		return u.status(), interfaces.Errorf(interfaces.KindInvalidSignature, "unregistered admin %s", adminID)
	}
	if !ecdsa.VerifyASN1(key, shareDigest(share), signature) {
		return u.status(), interfaces.Errorf(interfaces.KindInvalidSignature, "share signature of %s does not verify", adminID)
	}
	if _, dup := u.received[adminID]; dup {
		return u.status(), interfaces.Errorf(interfaces.KindDuplicateApproval, "admin %s already submitted a share", adminID)
	}

	u.received[adminID] = append([]byte(nil), share...)
	u.log.Info("Share accepted", "adminID", adminID, "submitted", len(u.received), "threshold", u.threshold)

	if err := u.tryReconstruct(); err != nil {
		return u.status(), err
	}
	return u.status(), nil
}

func (u *Unsealer) tryReconstruct() error {
	if len(u.received) < u.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(u.received))
	for _, share := range u.received {
		shares = append(shares, share)
	}
	defer u.reset()

	privateKeyPEM, err := shamir.Combine(shares)
	if err != nil {
		return interfaces.Errorf(interfaces.KindOperationFailed, "failed to combine shares: %v", err)
	}
	defer wipeBytes(privateKeyPEM)

	sealer, err := cryptoutils.NewKeySealer(u.publicPEM, privateKeyPEM)
	if err != nil {
		u.log.Error("Rebuilt archive key is invalid, shares discarded", "err", err)
		return interfaces.Errorf(interfaces.KindOperationFailed, "rebuilt key does not match the archive public key")
	}

	u.unlocked = sealer
	close(u.done)
	u.log.Info("Archive key unlocked")
	return nil
}

func (u *Unsealer) reset() {
	for id := range u.received {
		wipeBytes(u.received[id])
	}
	u.received = make(map[string][]byte)
}

func (u *Unsealer) Status() Status {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.status()
}

func (u *Unsealer) status() Status {
	s := Status{State: StateLocked, Threshold: u.threshold, Admins: len(u.admins)}
	if u.unlocked != nil {
		s.State = StateUnlocked
		return s
	}
	for id := range u.received {
		s.Submitted = append(s.Submitted, id)
	}
	return s
}

// WaitUnlocked blocks until the key is rebuilt or ctx is done.
func (u *Unsealer) WaitUnlocked(ctx context.Context) error {
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Unsealer) Seal(plaintext []byte) ([]byte, error) {
	return u.public.Seal(plaintext)
}

// Open fails with SigningUnavailable while the key is locked.
func (u *Unsealer) Open(sealed []byte) ([]byte, error) {
	u.mu.RLock()
	sealer := u.unlocked
	u.mu.RUnlock()

	if sealer == nil {
		return nil, interfaces.Errorf(interfaces.KindSigningUnavailable, "archive key is locked, %d admin shares needed", u.threshold)
	}
	return sealer.Open(sealed)
}
