package zitadel

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel error kinds. Callers match with errors.Is; everything else
// coming out of the client is a terminal per-user error.
var (
	// ErrNotFound means the user does not exist on the Zitadel side.
	ErrNotFound = errors.New("user not found")
	// ErrUnavailable covers transport failures and 5xx responses.
	ErrUnavailable = errors.New("zitadel unavailable")
	// ErrAuth covers unrecoverable 401/403 responses.
	ErrAuth = errors.New("zitadel authentication failed")
)

// APIError is a non-sentinel error response from the Zitadel API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zitadel api error (status %d): %s", e.Status, e.Message)
}

// classifyError maps an HTTP error response to an error kind.
func classifyError(status int, message string) error {
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%w: status %d: %s", ErrAuth, status, message)
	case status == 404 || isNotFoundMessage(message):
		return fmt.Errorf("%w: %s", ErrNotFound, message)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, message)
	default:
		return &APIError{Status: status, Message: message}
	}
}

// isNotFoundMessage recognises the User.NotFound error family, which
// Zitadel sometimes reports with a non-404 status.
func isNotFoundMessage(message string) bool {
	if strings.Contains(message, "User.NotFound") {
		return true
	}
	lower := strings.ToLower(message)
	return strings.Contains(message, "USER-") && strings.Contains(lower, "not found")
}

// isInvalidPhone recognises the narrow set of phone responses after
// which a newly created user is kept without a phone: the PHONE-so0wa
// error id, or the invalid phone number message.
func isInvalidPhone(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 400 {
		return false
	}
	return strings.Contains(apiErr.Message, "PHONE-so0wa") ||
		strings.Contains(strings.ToLower(apiErr.Message), "phone number is invalid")
}

// isAlreadyExists recognises duplicate-grant and duplicate-link
// responses, which are benign for idempotent operations.
func isAlreadyExists(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "already exists")
}

// isAlreadyInState recognises "user already deactivated" style
// responses; a second deactivate or reactivate is a success.
func isAlreadyInState(err error, state string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Message), state)
}
