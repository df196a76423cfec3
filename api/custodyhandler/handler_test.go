package custodyhandler

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/social-recovery-backend/common"
	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/custody"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type admin struct {
	id         string
	publicPEM  []byte
	privatePEM []byte
}

func setupTestServer(t *testing.T) (*httptest.Server, *custody.Unsealer, []admin, []custody.SealedShare) {
	t.Helper()
	var admins []admin
	keys := make(map[string][]byte)
	for range 3 {
		pub, priv, err := cryptoutils.GenerateSealingKey()
		require.NoError(t, err)
		a := admin{id: custody.AdminID(pub), publicPEM: pub, privatePEM: priv}
		admins = append(admins, a)
		keys[a.id] = pub
	}

	pub, priv, err := cryptoutils.GenerateSealingKey()
	require.NoError(t, err)
	shares, err := custody.SplitKey(priv, keys, 2)
	require.NoError(t, err)

	unsealer, err := custody.NewUnsealer(custody.Config{Threshold: 2, Admins: keys, PublicKeyPEM: pub}, common.DiscardLogger())
	require.NoError(t, err)

	r := chi.NewRouter()
	NewHandler(unsealer, common.DiscardLogger()).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, unsealer, admins, shares
}

func (a admin) client(t *testing.T, baseURL string) *Client {
	t.Helper()
	key, err := custody.ParsePrivateKey(a.privatePEM)
	require.NoError(t, err)
	c := NewClient(baseURL, a.id, key, common.DiscardLogger())
	c.RetryMaxElapsed = -1
	return c
}

func (a admin) share(t *testing.T, shares []custody.SealedShare) (share, signature []byte) {
	t.Helper()
	for _, s := range shares {
		if s.AdminID != a.id {
			continue
		}
		plain, err := custody.OpenShare(s, a.publicPEM, a.privatePEM)
		require.NoError(t, err)
		key, err := custody.ParsePrivateKey(a.privatePEM)
		require.NoError(t, err)
		sig, err := custody.SignShare(plain, key)
		require.NoError(t, err)
		return plain, sig
	}
	t.Fatalf("no share for %s", a.id)
	return nil, nil
}

func TestHandler_UnlockFlow(t *testing.T) {
	ctx := context.Background()
	server, unsealer, admins, shares := setupTestServer(t)

	anonymous := NewClient(server.URL, "", nil, common.DiscardLogger())
	status, err := anonymous.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, custody.StateLocked, status.State)
	assert.Equal(t, 2, status.Threshold)
	assert.Equal(t, 3, status.Admins)

	share, sig := admins[1].share(t, shares)
	status, err = admins[1].client(t, server.URL).SubmitShare(ctx, share, sig)
	require.NoError(t, err)
	assert.Equal(t, []string{admins[1].id}, status.Submitted)

	share, sig = admins[0].share(t, shares)
	status, err = admins[0].client(t, server.URL).SubmitShare(ctx, share, sig)
	require.NoError(t, err)
	assert.Equal(t, custody.StateUnlocked, status.State)

	sealed, err := unsealer.Seal([]byte("payload"))
	require.NoError(t, err)
	opened, err := unsealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(opened))
}

func TestHandler_RejectsUnauthenticated(t *testing.T) {
	ctx := context.Background()
	server, _, admins, shares := setupTestServer(t)
	share, sig := admins[0].share(t, shares)

	anonymous := NewClient(server.URL, "", nil, common.DiscardLogger())
	anonymous.RetryMaxElapsed = -1
	_, err := anonymous.SubmitShare(ctx, share, sig)
	assert.ErrorIs(t, err, interfaces.ErrInvalidSignature)

	key, err := custody.ParsePrivateKey(admins[1].privatePEM)
	require.NoError(t, err)
	impostor := NewClient(server.URL, admins[0].id, key, common.DiscardLogger())
	impostor.RetryMaxElapsed = -1
	_, err = impostor.SubmitShare(ctx, share, sig)
	assert.ErrorIs(t, err, interfaces.ErrInvalidSignature)

	_, err = admins[0].client(t, server.URL).SubmitShare(ctx, share, nil)
	assert.ErrorIs(t, err, interfaces.ErrMalformedRequest)
}
