package recoveryhandler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ruteri/social-recovery-backend/api"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// Client calls the recovery routes of a recovery server. Failures carry the
// server's error kind, so errors.Is works against the interfaces sentinels.
type Client struct {
	*api.Client
}

func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{Client: api.NewClient(baseURL, log)}
}

func recoveryPath(account interfaces.Address, suffix string) string {
	return fmt.Sprintf("/api/v1/recoveries/%s%s", account, suffix)
}

func (c *Client) call(ctx context.Context, method string, account interfaces.Address, suffix string, in any) (*interfaces.RecoveryRequest, error) {
	var res interfaces.RecoveryRequest
	if err := c.Do(ctx, method, recoveryPath(account, suffix), in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Initiate(ctx context.Context, oldAccount, newAccount interfaces.Address) (*interfaces.RecoveryRequest, error) {
	return c.call(ctx, http.MethodPost, oldAccount, "", api.InitiateRecoveryRequest{NewAccount: newAccount})
}

func (c *Client) Get(ctx context.Context, oldAccount interfaces.Address) (*interfaces.RecoveryRequest, error) {
	return c.call(ctx, http.MethodGet, oldAccount, "", nil)
}

func (c *Client) Sync(ctx context.Context, oldAccount interfaces.Address) (*interfaces.RecoveryRequest, error) {
	return c.call(ctx, http.MethodPost, oldAccount, "/sync", nil)
}

func (c *Client) Approve(ctx context.Context, oldAccount interfaces.Address, approval api.ApprovalRequest) (*interfaces.RecoveryRequest, error) {
	return c.call(ctx, http.MethodPost, oldAccount, "/approvals", approval)
}

func (c *Client) Finalize(ctx context.Context, oldAccount interfaces.Address) (*interfaces.RecoveryRequest, error) {
	return c.call(ctx, http.MethodPost, oldAccount, "/finalize", nil)
}

// Message fetches the digest to sign for moving oldAccount to newAccount.
func (c *Client) Message(ctx context.Context, oldAccount, newAccount interfaces.Address) (*api.MessageResponse, error) {
	var res api.MessageResponse
	path := recoveryPath(oldAccount, "/message?newAccount="+url.QueryEscape(newAccount.String()))
	if err := c.Do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
