package guardianhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ruteri/social-recovery-backend/api"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/registry"
)

// Client calls the guardian routes of a recovery server.
type Client struct {
	*api.Client
}

func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{Client: api.NewClient(baseURL, log)}
}

func accountPath(account interfaces.Address, suffix string) string {
	return fmt.Sprintf("/api/v1/accounts/%s%s", account, suffix)
}

func (c *Client) StoreGuardians(ctx context.Context, account interfaces.Address, req api.StoreGuardiansRequest) (*interfaces.GuardianRecord, error) {
	var record interfaces.GuardianRecord
	if err := c.Do(ctx, http.MethodPut, accountPath(account, "/guardians"), req, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) LoadGuardians(ctx context.Context, account interfaces.Address) (*interfaces.GuardianRecord, error) {
	var record interfaces.GuardianRecord
	if err := c.Do(ctx, http.MethodGet, accountPath(account, "/guardians"), nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) DeleteGuardians(ctx context.Context, account interfaces.Address) error {
	return c.Do(ctx, http.MethodDelete, accountPath(account, "/guardians"), nil, nil)
}

func (c *Client) PublishGuardians(ctx context.Context, account interfaces.Address) (*api.PublishResponse, error) {
	var res api.PublishResponse
	if err := c.Do(ctx, http.MethodPost, accountPath(account, "/guardians/commit"), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) VerifyGuardians(ctx context.Context, account interfaces.Address) (*interfaces.GuardianRecord, error) {
	var record interfaces.GuardianRecord
	if err := c.Do(ctx, http.MethodPost, accountPath(account, "/guardians/verify"), nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Proof fetches the inclusion proof of guardian for account.
func (c *Client) Proof(ctx context.Context, account, guardian interfaces.Address) (*api.ProofResponse, error) {
	var res api.ProofResponse
	if err := c.Do(ctx, http.MethodGet, accountPath(account, "/guardians/proof/"+guardian.String()), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ProtectedBy(ctx context.Context, guardian interfaces.Address) ([]interfaces.Address, error) {
	var res api.AccountsResponse
	if err := c.Do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/guardians/%s/accounts", guardian), nil, &res); err != nil {
		return nil, err
	}
	return res.Accounts, nil
}

func (c *Client) ExportBackup(ctx context.Context, account interfaces.Address) (*registry.BackupPayload, error) {
	var payload registry.BackupPayload
	if err := c.Do(ctx, http.MethodGet, accountPath(account, "/backup"), nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ImportBackup uploads a backup document as exported by ExportBackup.
func (c *Client) ImportBackup(ctx context.Context, data []byte) (*interfaces.GuardianRecord, error) {
	if !json.Valid(data) {
		return nil, interfaces.Errorf(interfaces.KindBackupFormatInvalid, "backup is not JSON")
	}
	var record interfaces.GuardianRecord
	if err := c.Do(ctx, http.MethodPost, "/api/v1/backups", json.RawMessage(data), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// BuildLink returns a recovery link for account. An empty baseURL uses the
// server default.
func (c *Client) BuildLink(ctx context.Context, account interfaces.Address, baseURL string) (string, error) {
	var res api.LinkResponse
	if err := c.Do(ctx, http.MethodPost, accountPath(account, "/backup/link"), api.BuildLinkRequest{BaseURL: baseURL}, &res); err != nil {
		return "", err
	}
	return res.Link, nil
}

func (c *Client) ImportLink(ctx context.Context, link string) (*interfaces.GuardianRecord, error) {
	var record interfaces.GuardianRecord
	if err := c.Do(ctx, http.MethodPost, "/api/v1/backups/link", api.ParseLinkRequest{Link: link}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) Archive(ctx context.Context, account interfaces.Address, channel string) (*api.ArchiveResponse, error) {
	var res api.ArchiveResponse
	if err := c.Do(ctx, http.MethodPost, accountPath(account, "/backup/archive"), api.ArchiveRequest{Channel: channel}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Restore(ctx context.Context, id string) (*interfaces.GuardianRecord, error) {
	var record interfaces.GuardianRecord
	if err := c.Do(ctx, http.MethodPost, "/api/v1/backups/archive/"+url.PathEscape(id), nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
