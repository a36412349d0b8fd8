// Package registrar provisions fresh accounts against the external identity
// provider using throwaway mailboxes for the email sign-in flow.
package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/poolkit/accountpool"
)

const (
	defaultIdentityBaseURL = "https://identitytoolkit.googleapis.com/v1"
	defaultEmailWait       = 2 * time.Minute
	defaultEmailInterval   = 5 * time.Second
)

// The one-time code arrives as a URL parameter inside the email body.
var oobCodePattern = regexp.MustCompile(`oobCode=([^&\s"'<>]+)`)

// Config configures an HTTPRegistrar.
type Config struct {
	// Mailbox provisions throwaway addresses and reads their inboxes.
	// Required.
	Mailbox *MailboxClient

	// Domains are the candidate mailbox domains; one is picked at random
	// per attempt. Required, at least one.
	Domains []string

	// APIKey is the identity provider's public web API key, sent as the
	// key query parameter on identity endpoints. Required.
	APIKey string

	// IdentityBaseURL overrides the identity provider endpoint base.
	// Defaults to the Google Identity Toolkit v1 API.
	IdentityBaseURL string

	// GraphQLURL is the target service's GraphQL endpoint, used for
	// activation and the allowance probe. Required.
	GraphQLURL string

	// ContinueURL is the post-signin landing page baked into the sign-in
	// link request. Required.
	ContinueURL string

	// ClientVersion and the OS fields mimic a desktop client on GraphQL
	// calls.
	ClientVersion string
	OSCategory    string
	OSName        string
	OSVersion     string

	// EmailWait bounds how long one attempt polls for the verification
	// email. Defaults to 2 minutes.
	EmailWait time.Duration

	// EmailPollInterval is the delay between inbox checks. Defaults to 5
	// seconds.
	EmailPollInterval time.Duration

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.Mailbox == nil {
		return fmt.Errorf("mailbox client cannot be nil")
	}
	if len(c.Domains) == 0 {
		return fmt.Errorf("at least one mailbox domain is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("identity API key cannot be empty")
	}
	if c.GraphQLURL == "" {
		return fmt.Errorf("graphql URL cannot be empty")
	}
	if c.ContinueURL == "" {
		return fmt.Errorf("continue URL cannot be empty")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.IdentityBaseURL == "" {
		c.IdentityBaseURL = defaultIdentityBaseURL
	}
	if c.EmailWait <= 0 {
		c.EmailWait = defaultEmailWait
	}
	if c.EmailPollInterval <= 0 {
		c.EmailPollInterval = defaultEmailInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// HTTPRegistrar implements accountpool.Registrar against the real provider:
// create mailbox, request a sign-in link, pull the one-time code out of the
// verification email, complete the sign-in, then activate the account and
// probe its allowance.
type HTTPRegistrar struct {
	cfg Config
}

// New returns an HTTPRegistrar using cfg.
func New(cfg Config) (*HTTPRegistrar, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &HTTPRegistrar{cfg: cfg}, nil
}

func stepErr(step accountpool.Step, err error) error {
	return &accountpool.RegistrationError{Step: step, Err: err}
}

// Attempt runs one complete provisioning flow. Activation and allowance
// probe failures after a successful sign-in are logged but not fatal; the
// account is still usable.
func (r *HTTPRegistrar) Attempt(ctx context.Context) (*accountpool.Registration, error) {
	email := r.randomAddress()
	log := r.cfg.Logger.With("email", email)

	if err := r.cfg.Mailbox.CreateAddress(ctx, email); err != nil {
		return nil, stepErr(accountpool.StepMailbox, err)
	}
	log.Debug("created mailbox")

	if err := r.sendSigninLink(ctx, email); err != nil {
		return nil, stepErr(accountpool.StepSigninLink, err)
	}
	log.Debug("requested sign-in link")

	oobCode, err := r.awaitOobCode(ctx, email)
	if err != nil {
		return nil, stepErr(accountpool.StepVerificationEmail, err)
	}
	log.Debug("extracted one-time code")

	signin, err := r.completeSignin(ctx, email, oobCode)
	if err != nil {
		return nil, stepErr(accountpool.StepCompleteSignin, err)
	}
	log.Debug("completed sign-in", "local_id", signin.LocalID)

	if err := r.activate(ctx, signin.IDToken); err != nil {
		log.Warn("account activation failed, keeping account", "error", err)
	}

	limit, err := r.requestLimit(ctx, signin.IDToken)
	if err != nil {
		log.Warn("allowance probe failed", "error", err)
	}

	now := time.Now()
	return &accountpool.Registration{
		Account: accountpool.Account{
			Email:        email,
			LocalID:      signin.LocalID,
			IDToken:      signin.IDToken,
			RefreshToken: signin.RefreshToken,
			Status:       accountpool.StatusAvailable,
			CreatedAt:    now,
		},
		RequestLimit: limit,
	}, nil
}

// randomAddress builds a fresh address from a random prefix and one of the
// configured domains.
func (r *HTTPRegistrar) randomAddress() string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	const alphanum = letters + "0123456789"
	prefix := make([]byte, 12)
	// Leading characters stay alphabetic; some providers reject addresses
	// starting with a digit.
	prefix[0] = letters[rand.IntN(len(letters))]
	for i := 1; i < len(prefix); i++ {
		prefix[i] = alphanum[rand.IntN(len(alphanum))]
	}
	domain := r.cfg.Domains[rand.IntN(len(r.cfg.Domains))]
	return fmt.Sprintf("%s@%s", prefix, domain)
}

func (r *HTTPRegistrar) sendSigninLink(ctx context.Context, email string) error {
	payload := map[string]any{
		"requestType":        "EMAIL_SIGNIN",
		"email":              email,
		"clientType":         "CLIENT_TYPE_WEB",
		"continueUrl":        r.cfg.ContinueURL,
		"canHandleCodeInApp": true,
	}
	var result json.RawMessage
	return r.postIdentity(ctx, "accounts:sendOobCode", payload, &result)
}

// awaitOobCode polls the mailbox until the verification email arrives and
// yields a one-time code, or the wait budget runs out.
func (r *HTTPRegistrar) awaitOobCode(ctx context.Context, email string) (string, error) {
	deadline := time.Now().Add(r.cfg.EmailWait)
	ticker := time.NewTicker(r.cfg.EmailPollInterval)
	defer ticker.Stop()

	for {
		messages, err := r.cfg.Mailbox.Messages(ctx, email, 10)
		if err != nil {
			r.cfg.Logger.Warn("inbox check failed", "email", email, "error", err)
		}
		for _, msg := range messages {
			if code, ok := extractOobCode(msg.Content); ok {
				return code, nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("verification email did not arrive within %s", r.cfg.EmailWait)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// extractOobCode pulls the one-time code out of the email body. HTML
// entities are unescaped first; sign-in links are routinely entity-encoded.
func extractOobCode(body string) (string, bool) {
	decoded := html.UnescapeString(body)
	match := oobCodePattern.FindStringSubmatch(decoded)
	if match == nil {
		return "", false
	}
	return match[1], true
}

type signinResult struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	LocalID      string `json:"localId"`
}

func (r *HTTPRegistrar) completeSignin(ctx context.Context, email, oobCode string) (signinResult, error) {
	payload := map[string]any{
		"email":   email,
		"oobCode": oobCode,
	}
	var result signinResult
	if err := r.postIdentity(ctx, "accounts:signInWithEmailLink", payload, &result); err != nil {
		return signinResult{}, err
	}
	if result.IDToken == "" || result.RefreshToken == "" {
		return signinResult{}, fmt.Errorf("sign-in response missing tokens")
	}
	return result, nil
}

// postIdentity posts payload to an identity provider method with the API
// key appended and decodes the response into out.
func (r *HTTPRegistrar) postIdentity(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	endpoint := strings.TrimRight(r.cfg.IdentityBaseURL, "/") + "/" + method + "?key=" + r.cfg.APIKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("identity endpoint returned %d: %s", resp.StatusCode, snippet)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

const getOrCreateUserQuery = `
mutation GetOrCreateUser($input: GetOrCreateUserInput!, $requestContext: RequestContext!) {
  getOrCreateUser(requestContext: $requestContext, input: $input) {
    __typename
    ... on GetOrCreateUserOutput {
      uid
      isOnboarded
      __typename
    }
    ... on UserFacingError {
      error {
        message
        __typename
      }
      __typename
    }
  }
}
`

// activate registers the fresh identity with the target service.
func (r *HTTPRegistrar) activate(ctx context.Context, idToken string) error {
	request := map[string]any{
		"operationName": "GetOrCreateUser",
		"variables": map[string]any{
			"input": map[string]any{
				"sessionId": uuid.NewString(),
			},
			"requestContext": map[string]any{
				"osContext":     map[string]any{},
				"clientContext": map[string]any{},
			},
		},
		"query": getOrCreateUserQuery,
	}

	var result struct {
		Data struct {
			GetOrCreateUser struct {
				Typename string `json:"__typename"`
				UID      string `json:"uid"`
				Error    struct {
					Message string `json:"message"`
				} `json:"error"`
			} `json:"getOrCreateUser"`
		} `json:"data"`
	}
	if err := r.postGraphQL(ctx, "GetOrCreateUser", idToken, request, &result); err != nil {
		return err
	}
	out := result.Data.GetOrCreateUser
	if out.Typename != "GetOrCreateUserOutput" {
		return fmt.Errorf("activation rejected: %s", out.Error.Message)
	}
	return nil
}

const getUserQuery = `
query GetUser($requestContext: RequestContext!) {
  user(requestContext: $requestContext) {
    __typename
    ... on UserOutput {
      user {
        requestLimitInfo {
          requestLimit
          requestsUsedSinceLastRefresh
          nextRefreshTime
          isUnlimited
        }
      }
    }
    ... on UserFacingError {
      error {
        message
      }
    }
  }
}
`

// requestLimit probes the account's usage allowance. A zero return with a
// nil error never happens; zero always comes with the error describing why
// the probe failed.
func (r *HTTPRegistrar) requestLimit(ctx context.Context, idToken string) (int, error) {
	request := map[string]any{
		"operationName": "GetUser",
		"variables": map[string]any{
			"requestContext": map[string]any{
				"clientContext": map[string]any{
					"version": r.cfg.ClientVersion,
				},
				"osContext": map[string]any{
					"category": r.cfg.OSCategory,
					"name":     r.cfg.OSName,
					"version":  r.cfg.OSVersion,
				},
			},
		},
		"query": getUserQuery,
	}

	var result struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
		Data struct {
			User struct {
				Typename string `json:"__typename"`
				User     struct {
					RequestLimitInfo struct {
						RequestLimit int `json:"requestLimit"`
					} `json:"requestLimitInfo"`
				} `json:"user"`
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := r.postGraphQL(ctx, "GetUser", idToken, request, &result); err != nil {
		return 0, err
	}
	if len(result.Errors) > 0 {
		return 0, fmt.Errorf("allowance query failed: %s", result.Errors[0].Message)
	}
	user := result.Data.User
	if user.Typename != "UserOutput" {
		return 0, fmt.Errorf("allowance query rejected: %s", user.Error.Message)
	}
	return user.User.RequestLimitInfo.RequestLimit, nil
}

func (r *HTTPRegistrar) postGraphQL(ctx context.Context, op, idToken string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	endpoint := r.cfg.GraphQLURL
	if !strings.Contains(endpoint, "?") {
		endpoint += "?op=" + op
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+idToken)
	if r.cfg.ClientVersion != "" {
		req.Header.Set("X-Client-Version", r.cfg.ClientVersion)
	}

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("graphql endpoint returned %d: %s", resp.StatusCode, snippet)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
