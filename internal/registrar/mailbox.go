package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// MailboxClient talks to the throwaway-mailbox provider. Mailboxes receive
// the sign-in link that carries the one-time code.
type MailboxClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewMailboxClient returns a client for the mailbox provider at baseURL.
func NewMailboxClient(baseURL, apiKey string, httpClient *http.Client) *MailboxClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &MailboxClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// Message is a received email.
type Message struct {
	ID      string `json:"uuid"`
	From    string `json:"sendEmail"`
	Subject string `json:"subject"`
	Content string `json:"content"`
}

// CreateAddress provisions a new mailbox for the given address.
func (c *MailboxClient) CreateAddress(ctx context.Context, email string) error {
	payload := map[string]any{
		"list": []map[string]string{{"email": email}},
	}
	var result struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := c.postJSON(ctx, "/api/public/addUser", payload, &result); err != nil {
		return err
	}
	if result.Code != http.StatusOK {
		return fmt.Errorf("mailbox provider rejected address: %s", result.Message)
	}
	return nil
}

// Messages returns up to limit messages delivered to the given address,
// newest first.
func (c *MailboxClient) Messages(ctx context.Context, email string, limit int) ([]Message, error) {
	payload := map[string]any{
		"num":     1,
		"size":    limit,
		"toEmail": email,
	}
	var result struct {
		Code    int       `json:"code"`
		Message string    `json:"message"`
		Data    []Message `json:"data"`
	}
	if err := c.postJSON(ctx, "/api/public/emailList", payload, &result); err != nil {
		return nil, err
	}
	if result.Code != http.StatusOK {
		return nil, fmt.Errorf("mailbox provider returned error: %s", result.Message)
	}
	return result.Data, nil
}

// postJSON posts payload and decodes the response, retrying transient
// failures with exponential backoff.
func (c *MailboxClient) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(body)))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("mailbox provider returned %d: %s", resp.StatusCode, snippet)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return struct{}{}, nil
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
	)
	return err
}
