package marzban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 1 << 20
)

// Options configures a Client. An empty BaseURL leaves the client
// unconfigured: every operation fails with ErrNotConfigured.
type Options struct {
	BaseURL  string
	APIKey   string
	Username string
	Password string
	Timeout  time.Duration
}

// Client performs account lifecycle calls against the panel REST API. It is
// safe for concurrent use.
type Client struct {
	baseURL    string
	owner      string
	httpClient *http.Client
	auth       *AuthSession
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := &http.Client{Timeout: timeout}
	baseURL := strings.TrimSuffix(strings.TrimSpace(opts.BaseURL), "/")

	return &Client{
		baseURL:    baseURL,
		owner:      strings.TrimSpace(opts.Username),
		httpClient: httpClient,
		auth: NewAuthSession(baseURL, Credentials{
			APIKey:   strings.TrimSpace(opts.APIKey),
			Username: strings.TrimSpace(opts.Username),
			Password: opts.Password,
		}, httpClient),
	}
}

// Configured reports whether a panel base URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

func (c *Client) GetUser(ctx context.Context, username string) (*User, error) {
	status, body, err := c.do(ctx, http.MethodGet, userPath(username), nil)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", username, err)
	}

	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("get user %s: %w", username, ErrNotFound)
	default:
		return nil, &StatusError{Op: "get user " + username, Status: status, Body: trimBody(body)}
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("get user %s: parse json: %w", username, err)
	}
	log.Debug().Str("username", username).Msg("marzban: fetched user")
	return &user, nil
}

// CreateUser provisions username. A 409 means the account already exists and
// is converted into UpdateUser with the same limits.
func (c *Client) CreateUser(ctx context.Context, username string, limits Limits) error {
	payload := createUserRequest{
		Username:  username,
		Owner:     c.owner,
		DataLimit: limits.DataLimit,
		Expire:    limits.Expire,
	}

	status, body, err := c.do(ctx, http.MethodPost, "/api/user", payload)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("marzban: create user failed")
		return fmt.Errorf("create user %s: %w", username, err)
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
		log.Info().Str("username", username).Msg("marzban: created user")
		return nil
	case http.StatusConflict:
		log.Warn().Str("username", username).Msg("marzban: user already exists, updating limits")
		return c.UpdateUser(ctx, username, limits)
	default:
		log.Error().Str("username", username).Int("status", status).Msg("marzban: create user rejected")
		return &StatusError{Op: "create user " + username, Status: status, Body: trimBody(body)}
	}
}

// UpdateUser changes the limits of username. Empty limits succeed without a
// request. PATCH is tried first; panels that reject it get a PUT.
func (c *Client) UpdateUser(ctx context.Context, username string, limits Limits) error {
	if limits.empty() {
		log.Info().Str("username", username).Msg("marzban: nothing to update")
		return nil
	}

	payload := modifyUserRequest{DataLimit: limits.DataLimit, Expire: limits.Expire}
	path := userPath(username)

	status, body, err := c.do(ctx, http.MethodPatch, path, payload)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("marzban: update user failed")
		return fmt.Errorf("update user %s: %w", username, err)
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		log.Info().Str("username", username).Msg("marzban: updated user")
		return nil
	case http.StatusBadRequest, http.StatusNotFound, http.StatusMethodNotAllowed:
	default:
		log.Error().Str("username", username).Int("status", status).Msg("marzban: update user (PATCH) rejected")
		return &StatusError{Op: "update user " + username, Status: status, Body: trimBody(body)}
	}

	status, body, err = c.do(ctx, http.MethodPut, path, payload)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("marzban: update user (PUT) failed")
		return fmt.Errorf("update user %s: %w", username, err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		log.Error().Str("username", username).Int("status", status).Msg("marzban: update user (PUT) rejected")
		return &StatusError{Op: "update user " + username, Status: status, Body: trimBody(body)}
	}

	log.Info().Str("username", username).Msg("marzban: updated user (PUT)")
	return nil
}

// DeleteUser removes username. A 404 is reported as a failure like any other
// unexpected status.
func (c *Client) DeleteUser(ctx context.Context, username string) error {
	status, body, err := c.do(ctx, http.MethodDelete, userPath(username), nil)
	if err != nil {
		log.Error().Err(err).Str("username", username).Msg("marzban: delete user failed")
		return fmt.Errorf("delete user %s: %w", username, err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		log.Error().Str("username", username).Int("status", status).Msg("marzban: delete user rejected")
		return &StatusError{Op: "delete user " + username, Status: status, Body: trimBody(body)}
	}

	log.Info().Str("username", username).Msg("marzban: deleted user")
	return nil
}

// do sends one authenticated request. A 401 in login mode invalidates the
// cached token and retries exactly once with a fresh one.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (int, []byte, error) {
	if !c.Configured() {
		return 0, nil, ErrNotConfigured
	}

	var raw []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		raw = encoded
	}

	header, err := c.auth.Header(ctx)
	if err != nil {
		return 0, nil, err
	}

	status, body, err := c.send(ctx, method, path, raw, header)
	if err != nil {
		return 0, nil, err
	}
	if status != http.StatusUnauthorized {
		return status, body, nil
	}
	if !c.auth.Dynamic() {
		return status, body, fmt.Errorf("%w: status=%d", ErrUnauthorized, status)
	}

	log.Debug().Str("method", method).Str("path", path).Msg("marzban: token rejected, logging in again")
	c.auth.Invalidate()

	header, err = c.auth.Header(ctx)
	if err != nil {
		return 0, nil, err
	}

	status, body, err = c.send(ctx, method, path, raw, header)
	if err != nil {
		return 0, nil, err
	}
	if status == http.StatusUnauthorized {
		return status, body, fmt.Errorf("%w: status=%d after re-login", ErrUnauthorized, status)
	}
	return status, body, nil
}

func (c *Client) send(ctx context.Context, method, path string, raw []byte, authHeader string) (int, []byte, error) {
	var reader io.Reader
	if raw != nil {
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", authHeader)
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: send request: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}
	return resp.StatusCode, body, nil
}

func userPath(username string) string {
	return "/api/user/" + url.PathEscape(username)
}

func trimBody(body []byte) string {
	const max = 512
	text := strings.TrimSpace(string(body))
	if len(text) > max {
		return text[:max] + "..."
	}
	return text
}
