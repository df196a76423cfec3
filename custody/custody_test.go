package custody

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/social-recovery-backend/common"
	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAdmin struct {
	id         string
	publicPEM  []byte
	privatePEM []byte
}

func newAdmins(t *testing.T, n int) ([]testAdmin, map[string][]byte) {
	t.Helper()
	var admins []testAdmin
	keys := make(map[string][]byte)
	for range n {
		pub, priv, err := cryptoutils.GenerateSealingKey()
		require.NoError(t, err)
		a := testAdmin{id: AdminID(pub), publicPEM: pub, privatePEM: priv}
		admins = append(admins, a)
		keys[a.id] = pub
	}
	return admins, keys
}

// submission opens the admin's share and signs it.
func submission(t *testing.T, admin testAdmin, shares []SealedShare) (share, signature []byte) {
	t.Helper()
	for _, s := range shares {
		if s.AdminID != admin.id {
			continue
		}
		plain, err := OpenShare(s, admin.publicPEM, admin.privatePEM)
		require.NoError(t, err)
		key, err := ParsePrivateKey(admin.privatePEM)
		require.NoError(t, err)
		sig, err := SignShare(plain, key)
		require.NoError(t, err)
		return plain, sig
	}
	t.Fatalf("no share for admin %s", admin.id)
	return nil, nil
}

func TestUnsealer_UnlockWithThreshold(t *testing.T) {
	admins, keys := newAdmins(t, 3)
	pub, priv, err := cryptoutils.GenerateSealingKey()
	require.NoError(t, err)

	shares, err := SplitKey(priv, keys, 2)
	require.NoError(t, err)
	require.Len(t, shares, 3)

	u, err := NewUnsealer(Config{Threshold: 2, Admins: keys, PublicKeyPEM: pub}, common.DiscardLogger())
	require.NoError(t, err)

	sealed, err := u.Seal([]byte("backup"))
	require.NoError(t, err)
	_, err = u.Open(sealed)
	assert.ErrorIs(t, err, interfaces.ErrSigningUnavailable)

	share, sig := submission(t, admins[0], shares)
	status, err := u.SubmitShare(admins[0].id, share, sig)
	require.NoError(t, err)
	assert.Equal(t, StateLocked, status.State)
	assert.Equal(t, []string{admins[0].id}, status.Submitted)

	_, err = u.SubmitShare(admins[0].id, share, sig)
	assert.ErrorIs(t, err, interfaces.ErrDuplicateApproval)

	share, sig = submission(t, admins[2], shares)
	status, err = u.SubmitShare(admins[2].id, share, sig)
	require.NoError(t, err)
	assert.Equal(t, StateUnlocked, status.State)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, u.WaitUnlocked(ctx))

	opened, err := u.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "backup", string(opened))

	share, sig = submission(t, admins[1], shares)
	_, err = u.SubmitShare(admins[1].id, share, sig)
	assert.ErrorIs(t, err, interfaces.ErrDuplicateApproval)
}

func TestUnsealer_RejectsShares(t *testing.T) {
	admins, keys := newAdmins(t, 2)
	pub, priv, err := cryptoutils.GenerateSealingKey()
	require.NoError(t, err)
	shares, err := SplitKey(priv, keys, 2)
	require.NoError(t, err)

	u, err := NewUnsealer(Config{Threshold: 2, Admins: keys, PublicKeyPEM: pub}, common.DiscardLogger())
	require.NoError(t, err)

	share, sig := submission(t, admins[0], shares)

	_, err = u.SubmitShare("unknown", share, sig)
	assert.ErrorIs(t, err, interfaces.ErrInvalidSignature)

	_, err = u.SubmitShare(admins[1].id, share, sig)
	assert.ErrorIs(t, err, interfaces.ErrInvalidSignature)

	tampered := append([]byte(nil), share...)
	tampered[0] ^= 0xff
	_, err = u.SubmitShare(admins[0].id, tampered, sig)
	assert.ErrorIs(t, err, interfaces.ErrInvalidSignature)

	assert.Empty(t, u.Status().Submitted)
}

func TestUnsealer_MismatchedKeyDiscardsShares(t *testing.T) {
	admins, keys := newAdmins(t, 2)
	pub, _, err := cryptoutils.GenerateSealingKey()
	require.NoError(t, err)
	_, otherPriv, err := cryptoutils.GenerateSealingKey()
	require.NoError(t, err)

	shares, err := SplitKey(otherPriv, keys, 2)
	require.NoError(t, err)

	u, err := NewUnsealer(Config{Threshold: 2, Admins: keys, PublicKeyPEM: pub}, common.DiscardLogger())
	require.NoError(t, err)

	for i, admin := range admins {
		share, sig := submission(t, admin, shares)
		_, err = u.SubmitShare(admin.id, share, sig)
		if i == 0 {
			require.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, interfaces.ErrOperationFailed)
		}
	}

	status := u.Status()
	assert.Equal(t, StateLocked, status.State)
	assert.Empty(t, status.Submitted)
}

func TestSplitKey_Validation(t *testing.T) {
	_, keys := newAdmins(t, 2)
	_, priv, err := cryptoutils.GenerateSealingKey()
	require.NoError(t, err)

	_, err = SplitKey(priv, keys, 1)
	assert.Error(t, err)
	_, err = SplitKey(priv, keys, 3)
	assert.Error(t, err)
	_, err = SplitKey([]byte("not a key"), keys, 2)
	assert.Error(t, err)

	_, err = NewUnsealer(Config{Threshold: 3, Admins: keys}, common.DiscardLogger())
	assert.Error(t, err)
}

func TestLoadAdminKeys(t *testing.T) {
	admins, _ := newAdmins(t, 2)
	var cfg AdminsConfig
	for _, a := range admins {
		cfg.Admins = append(cfg.Admins, AdminMetadata{ID: a.id, PubKey: string(a.publicPEM)})
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	keys, err := LoadAdminKeys(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Equal(t, admins[1].publicPEM, keys[admins[1].id])

	_, err = LoadAdminKeys(strings.NewReader(`{"admins":[{"id":"a","pubkey":"garbage"}]}`))
	assert.Error(t, err)
}

func TestRequestSignature(t *testing.T) {
	admins, _ := newAdmins(t, 1)
	key, err := ParsePrivateKey(admins[0].privatePEM)
	require.NoError(t, err)

	sig, err := SignRequest(key, "/admin/custody/shares", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, VerifyRequest(admins[0].publicPEM, "/admin/custody/shares", []byte(`{}`), sig))

	err = VerifyRequest(admins[0].publicPEM, "/admin/custody/status", []byte(`{}`), sig)
	assert.ErrorIs(t, err, interfaces.ErrInvalidSignature)
}
