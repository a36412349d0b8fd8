// Package tokenex exchanges refresh tokens for access tokens against the
// external identity provider, with bounded retry on transient failures.
package tokenex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Token is the result of a refresh-token exchange.
type Token struct {
	AccessToken string

	// RefreshToken is the rotated refresh token, empty when the provider
	// did not rotate it.
	RefreshToken string
}

// Config configures a Client.
type Config struct {
	// URL is the token endpoint. Required.
	URL string

	// ClientVersion and the OS fields are sent as provider-expected
	// headers; the provider rejects requests without them.
	ClientVersion string
	OSCategory    string
	OSName        string
	OSVersion     string

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// MaxTries bounds retries of transient failures within one Exchange
	// call. Defaults to 4.
	MaxTries int

	Logger *slog.Logger
}

// Client exchanges refresh tokens for access tokens. It is safe for
// concurrent use.
type Client struct {
	cfg Config
}

// NewClient returns a Client using cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("token endpoint URL cannot be empty")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
}

// Exchange performs a refresh_token grant and returns the resulting access
// token. Transient failures (network errors, 5xx, 429) are retried with
// exponential backoff up to MaxTries; any 4xx other than 429 is terminal.
func (c *Client) Exchange(ctx context.Context, refreshToken string) (Token, error) {
	if refreshToken == "" {
		return Token{}, fmt.Errorf("refresh token cannot be empty")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	body := form.Encode()

	operation := func() (Token, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(body))
		if err != nil {
			return Token{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "*/*")
		if c.cfg.ClientVersion != "" {
			req.Header.Set("x-client-version", c.cfg.ClientVersion)
		}
		if c.cfg.OSCategory != "" {
			req.Header.Set("x-os-category", c.cfg.OSCategory)
		}
		if c.cfg.OSName != "" {
			req.Header.Set("x-os-name", c.cfg.OSName)
		}
		if c.cfg.OSVersion != "" {
			req.Header.Set("x-os-version", c.cfg.OSVersion)
		}

		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			return Token{}, err // network error, retryable
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, snippet)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return Token{}, err
			}
			return Token{}, backoff.Permanent(err)
		}

		var tr tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return Token{}, backoff.Permanent(fmt.Errorf("failed to decode token response: %w", err))
		}

		access := tr.AccessToken
		if access == "" {
			// Some provider configurations return only an ID token.
			access = tr.IDToken
		}
		if access == "" {
			return Token{}, backoff.Permanent(fmt.Errorf("token response contains no usable token"))
		}
		return Token{AccessToken: access, RefreshToken: tr.RefreshToken}, nil
	}

	token, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.cfg.MaxTries)),
	)
	if err != nil {
		return Token{}, fmt.Errorf("token exchange failed: %w", err)
	}
	return token, nil
}

// IsExpired reports whether the JWT's exp claim is within skew of the
// current time. Tokens that do not parse as JWTs are treated as unexpired;
// the pool service is authoritative and the check is only a local shortcut
// to avoid presenting an obviously dead token.
func IsExpired(token string, skew time.Duration) bool {
	exp, ok := expiry(token)
	if !ok {
		return false
	}
	return time.Now().Add(skew).After(exp)
}

func expiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}
