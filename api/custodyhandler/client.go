package custodyhandler

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"net/http"

	"github.com/ruteri/social-recovery-backend/api"
	"github.com/ruteri/social-recovery-backend/custody"
)

// Client calls the custody routes as one admin.
type Client struct {
	*api.Client
}

// NewClient signs every request with the admin key. key may be nil for
// status queries.
func NewClient(baseURL, adminID string, key *ecdsa.PrivateKey, log *slog.Logger) *Client {
	c := &Client{Client: api.NewClient(baseURL, log)}
	if key != nil {
		c.Authenticate = func(req *http.Request, body []byte) error {
			sig, err := custody.SignRequest(key, req.URL.Path, body)
			if err != nil {
				return err
			}
			req.Header.Set(custody.AdminIDHeader, adminID)
			req.Header.Set(custody.AdminSignatureHeader, sig)
			return nil
		}
	}
	return c
}

func (c *Client) Status(ctx context.Context) (*custody.Status, error) {
	var status custody.Status
	if err := c.Do(ctx, http.MethodGet, "/admin/custody/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SubmitShare sends a plaintext share with its SignShare signature.
func (c *Client) SubmitShare(ctx context.Context, share, signature []byte) (*custody.Status, error) {
	var status custody.Status
	if err := c.Do(ctx, http.MethodPost, "/admin/custody/shares", ShareSubmission{Share: share, Signature: signature}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
