package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

const DefaultRetryMaxElapsed = 30 * time.Second

// Client is the transport shared by the handler clients. Requests failing
// with LedgerUnavailable, SigningUnavailable or a transport error are retried
// with exponential backoff; any other classified failure is returned at once.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Log     *slog.Logger

	// RetryMaxElapsed bounds the total retry time. Zero uses
	// DefaultRetryMaxElapsed, a negative value disables retries.
	RetryMaxElapsed time.Duration

	// Authenticate, when set, is called on every outgoing request with its
	// encoded body.
	Authenticate func(req *http.Request, body []byte) error
}

// NewClient returns a Client for the server at baseURL.
func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    http.DefaultClient,
		Log:     log,
	}
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	if c.RetryMaxElapsed < 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = DefaultRetryMaxElapsed
	if c.RetryMaxElapsed > 0 {
		bo.MaxElapsedTime = c.RetryMaxElapsed
	}
	return backoff.WithContext(bo, ctx)
}

func retryable(err error) bool {
	kind := interfaces.KindOf(err)
	return kind == interfaces.KindLedgerUnavailable || kind == interfaces.KindSigningUnavailable
}

// Do sends in as JSON (when non-nil) and decodes the response into out (when
// non-nil). Error responses are decoded as Problem documents.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
	}

	notify := func(err error, wait time.Duration) {
		if c.Log != nil {
			c.Log.Warn("Retrying request", "err", err, slog.String("path", path), slog.Duration("wait", wait))
		}
	}

	return backoff.RetryNotify(func() error {
		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, c.newBackoff(ctx), notify)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Authenticate != nil {
		if err := c.Authenticate(req, body); err != nil {
			return fmt.Errorf("could not authenticate request: %w", err)
		}
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", interfaces.ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", interfaces.ErrLedgerUnavailable, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var problem interfaces.Problem
		if err := json.Unmarshal(respBody, &problem); err != nil || problem.Kind == "" {
			return interfaces.Errorf(interfaces.KindOperationFailed, "server returned %d: %s", resp.StatusCode, string(respBody))
		}
		return problem.Err()
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}
