package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrNotLoggedIn is returned by Admin calls made before Login or SetToken.
var ErrNotLoggedIn = errors.New("admin client has no token")

// Admin calls the gateway's admin API.
type Admin struct {
	baseURL string
	http    *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewAdmin creates an Admin for the gateway at baseURL.
func NewAdmin(baseURL string, opts ...Option) *Admin {
	o := defaultOptions(opts)
	return &Admin{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    o.httpClient,
	}
}

// Login exchanges the admin secret for a bearer token.
func (a *Admin) Login(ctx context.Context, secret string) error {
	var out TokenResponse
	if err := a.do(ctx, http.MethodPost, "/admin/token", TokenRequest{Secret: secret}, &out, false); err != nil {
		return fmt.Errorf("admin login: %w", err)
	}
	a.SetToken(out.AccessToken, out.ExpiresAt)
	return nil
}

// SetToken uses an existing bearer token.
func (a *Admin) SetToken(token string, expires time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token, a.expires = token, expires
}

// TriggerClaims runs a claim pass. force claims every unclaimed voucher
// instead of only those near channel expiry.
func (a *Admin) TriggerClaims(ctx context.Context, force bool) (*ClaimReport, error) {
	var out ClaimReport
	if err := a.do(ctx, http.MethodPost, "/admin/claims", ClaimRequest{Force: force}, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns the gateway's earnings summary.
func (a *Admin) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := a.do(ctx, http.MethodGet, "/admin/stats", nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unclaimed lists the vouchers not yet claimed on chain.
func (a *Admin) Unclaimed(ctx context.Context) (*UnclaimedList, error) {
	var out UnclaimedList
	if err := a.do(ctx, http.MethodGet, "/admin/vouchers/unclaimed", nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *Admin) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	var req *http.Request
	var err error
	if rdr != nil {
		req, err = http.NewRequestWithContext(ctx, method, a.baseURL+path, rdr)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, a.baseURL+path, nil)
	}
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if authed {
		a.mu.Lock()
		tok := a.token
		a.mu.Unlock()
		if tok == "" {
			return ErrNotLoggedIn
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Token returns the current bearer token and its expiry.
func (a *Admin) Token() (string, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token, a.expires
}
