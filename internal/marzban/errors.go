package marzban

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned without any network call when no panel
	// base URL is configured.
	ErrNotConfigured = errors.New("marzban: api url not configured")
	// ErrNoCredentials means neither a static key nor admin username/password
	// is configured.
	ErrNoCredentials = errors.New("marzban: no credentials configured")
	// ErrAuthentication means both login attempts failed or the token
	// endpoint answered without a token.
	ErrAuthentication = errors.New("marzban: authentication failed")
	// ErrUnauthorized means the panel still answered 401 after the single
	// re-login and retry.
	ErrUnauthorized = errors.New("marzban: unauthorized")
	// ErrUnavailable wraps transport level failures (timeouts, refused
	// connections, broken bodies).
	ErrUnavailable = errors.New("marzban: service unavailable")
	// ErrNotFound is returned by GetUser for a 404.
	ErrNotFound = errors.New("marzban: user not found")
)

// StatusError is a response the panel rejected with an unexpected status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status=%d body=%s", e.Op, e.Status, e.Body)
}

// StatusCode extracts the HTTP status from err, or 0 when err carries none.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return 0
}
