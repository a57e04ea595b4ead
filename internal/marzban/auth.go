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
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const tokenPath = "/api/admin/token"

// Credentials selects the authorization mode. A non-empty APIKey wins over
// Username/Password.
type Credentials struct {
	APIKey   string
	Username string
	Password string
}

// AuthSession produces Authorization header values for panel calls. With a
// static key it never touches the network; with admin credentials it logs in
// lazily and caches the token until Invalidate is called or the token's
// advertised lifetime runs out.
type AuthSession struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client

	mu    sync.RWMutex
	token *oauth2.Token
	group singleflight.Group
}

func NewAuthSession(baseURL string, creds Credentials, httpClient *http.Client) *AuthSession {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &AuthSession{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		creds:      creds,
		httpClient: httpClient,
	}
}

// Dynamic reports whether tokens are obtained by logging in.
func (a *AuthSession) Dynamic() bool {
	return a.creds.APIKey == "" && a.creds.Username != "" && a.creds.Password != ""
}

// Header returns the Authorization header value, logging in if needed.
func (a *AuthSession) Header(ctx context.Context) (string, error) {
	if a.creds.APIKey != "" {
		return "Bearer " + a.creds.APIKey, nil
	}
	if !a.Dynamic() {
		return "", ErrNoCredentials
	}

	if tok := a.cached(); tok != nil {
		return headerValue(tok), nil
	}

	// Concurrent first callers share a single login. The login outlives any
	// one caller's cancellation; each caller stops waiting on its own ctx.
	loginCtx := context.WithoutCancel(ctx)
	ch := a.group.DoChan("login", func() (interface{}, error) {
		if tok := a.cached(); tok != nil {
			return tok, nil
		}
		tok, err := a.login(loginCtx)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.token = tok
		a.mu.Unlock()
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("login: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return headerValue(res.Val.(*oauth2.Token)), nil
	}
}

// Invalidate drops the cached token so the next Header call logs in again.
func (a *AuthSession) Invalidate() {
	if !a.Dynamic() {
		return
	}
	a.mu.Lock()
	a.token = nil
	a.mu.Unlock()
	log.Debug().Msg("marzban auth: cached token invalidated")
}

func (a *AuthSession) cached() *oauth2.Token {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.token.Valid() {
		return a.token
	}
	return nil
}

func (a *AuthSession) login(ctx context.Context) (*oauth2.Token, error) {
	endpoint := a.baseURL + tokenPath

	body, err := json.Marshal(map[string]string{
		"username": a.creds.Username,
		"password": a.creds.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode login: %v", ErrAuthentication, err)
	}

	log.Debug().Msg("marzban auth: logging in (json)")
	status, payload, err := a.post(ctx, endpoint, "application/json", body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	if status != http.StatusOK {
		// Panels built on OAuth2PasswordRequestForm only accept form bodies.
		log.Debug().Int("status", status).Msg("marzban auth: json login rejected, retrying form-encoded")

		form := url.Values{}
		form.Set("username", a.creds.Username)
		form.Set("password", a.creds.Password)
		form.Set("grant_type", "password")

		status, payload, err = a.post(ctx, endpoint, "application/x-www-form-urlencoded", []byte(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		if status != http.StatusOK {
			log.Error().Int("status", status).Msg("marzban auth: login failed")
			return nil, fmt.Errorf("%w: status=%d", ErrAuthentication, status)
		}
	}

	tok, err := parseToken(payload)
	if err != nil {
		return nil, err
	}

	log.Info().Str("admin", a.creds.Username).Msg("marzban auth: obtained token via admin credentials")
	return tok, nil
}

func (a *AuthSession) post(ctx context.Context, endpoint, contentType string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("login: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: login: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: login: read response: %w", ErrUnavailable, err)
	}
	return resp.StatusCode, payload, nil
}

func parseToken(payload []byte) (*oauth2.Token, error) {
	var parsed tokenResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("%w: parse json: %v", ErrAuthentication, err)
	}

	access := strings.TrimSpace(parsed.AccessToken)
	if access == "" {
		access = strings.TrimSpace(parsed.Token)
	}
	if access == "" {
		return nil, fmt.Errorf("%w: response missing token", ErrAuthentication)
	}

	tok := &oauth2.Token{
		AccessToken: access,
		TokenType:   parsed.TokenType,
	}
	if parsed.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func headerValue(tok *oauth2.Token) string {
	return tok.Type() + " " + tok.AccessToken
}
