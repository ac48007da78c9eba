// Package provisioner talks to the remote dreamina-register service that
// issues new accounts, renews sessions, and reports credit balances.
package provisioner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nghyane/dreamina-mux/internal/config"
	"github.com/nghyane/dreamina-mux/internal/json"
	"github.com/nghyane/dreamina-mux/internal/resilience"
	"github.com/nghyane/dreamina-mux/internal/store"
	"golang.org/x/time/rate"
)

// ErrNotConfigured is returned when no register API URL is set.
var ErrNotConfigured = errors.New("provisioner: register API is not configured")

// ErrCreditExemptRegion guards the invariant that CN accounts are never
// credit-queried.
var ErrCreditExemptRegion = errors.New("provisioner: credit query not allowed for CN region")

// Registration is the credential set returned for a freshly issued account.
type Registration struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Session  string  `json:"session_id"`
	Region   string  `json:"region"`
	Credits  float64 `json:"points"`
}

// Client is the HTTP provisioner client. All calls are retried under the
// shared provisioner retry policy and rate-limited so scheduler batches
// cannot stampede the remote service.
type Client struct {
	cfg     *config.Config
	http    *http.Client
	exec    *resilience.Executor[[]byte]
	limiter *rate.Limiter
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 60 * time.Second},
		exec:    resilience.NewExecutor[[]byte](resilience.ProvisionerRetryConfig),
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// Configured reports whether the remote register API is reachable by config.
func (c *Client) Configured() bool {
	return c.cfg.Snapshot().RegisterAPI.URL != ""
}

// Register asks the remote service for a brand-new account.
func (c *Client) Register(ctx context.Context) (*Registration, error) {
	api := c.cfg.Snapshot().RegisterAPI
	if api.URL == "" {
		return nil, ErrNotConfigured
	}
	payload, err := json.Marshal(map[string]string{"mail_type": api.MailType})
	if err != nil {
		return nil, err
	}
	body, err := c.call(ctx, http.MethodPost, api.URL+"/register", api.Key, payload)
	if err != nil {
		return nil, fmt.Errorf("provisioner: register: %w", err)
	}
	var reg Registration
	if err := json.Unmarshal(body, &reg); err != nil {
		return nil, fmt.Errorf("provisioner: decode registration: %w", err)
	}
	if reg.Email == "" || reg.Session == "" {
		return nil, errors.New("provisioner: registration response missing credentials")
	}
	if reg.Credits == 0 {
		reg.Credits = api.DefaultPoints
	}
	return &reg, nil
}

// RefreshSession re-authenticates the account and returns a new session token.
func (c *Client) RefreshSession(ctx context.Context, account *store.Account) (string, error) {
	api := c.cfg.Snapshot().RegisterAPI
	if api.URL == "" {
		return "", ErrNotConfigured
	}
	payload, err := json.Marshal(map[string]string{
		"email":    account.Email,
		"password": account.Password,
		"region":   string(account.Region),
	})
	if err != nil {
		return "", err
	}
	body, err := c.call(ctx, http.MethodPost, api.URL+"/login", api.Key, payload)
	if err != nil {
		return "", fmt.Errorf("provisioner: refresh session for %s: %w", account.Email, err)
	}
	var resp struct {
		Session string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("provisioner: decode session: %w", err)
	}
	if resp.Session == "" {
		return "", errors.New("provisioner: login response missing session")
	}
	return resp.Session, nil
}

// QueryCredits fetches the current credit balance. It must never be invoked
// for CN-region accounts; the guard here is the last line of defense.
func (c *Client) QueryCredits(ctx context.Context, account *store.Account) (float64, error) {
	if account.Region.CreditExempt() {
		return 0, ErrCreditExemptRegion
	}
	api := c.cfg.Snapshot().RegisterAPI
	if api.URL == "" {
		return 0, ErrNotConfigured
	}
	payload, err := json.Marshal(map[string]string{
		"session_id": account.Session,
		"region":     string(account.Region),
	})
	if err != nil {
		return 0, err
	}
	body, err := c.call(ctx, http.MethodPost, api.URL+"/points", api.Key, payload)
	if err != nil {
		return 0, fmt.Errorf("provisioner: query credits for %s: %w", account.Email, err)
	}
	var resp struct {
		Points float64 `json:"points"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("provisioner: decode credits: %w", err)
	}
	return resp.Points, nil
}

func (c *Client) call(ctx context.Context, method, url, apiKey string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.exec.Execute(ctx, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))
		}
		return body, nil
	})
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
