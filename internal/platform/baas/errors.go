package baas

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNoSession is returned by calls that need an authenticated session when
// none is held.
var ErrNoSession = errors.New("no active session")

// Postgres and data API error codes the callers care about.
const (
	CodeUniqueViolation = "23505"
	CodeNoRows          = "PGRST116"
	CodeUndefinedFunc   = "PGRST202"
)

// Error is a backend error. Message is safe to show to the user; it is the
// provider's own wording (e.g. "Invalid login credentials").
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return fmt.Sprintf("backend error %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("backend error (status %d)", e.Status)
}

// IsUniqueViolation reports whether err is a unique-constraint conflict.
func IsUniqueViolation(err error) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	return be.Code == CodeUniqueViolation || be.Status == http.StatusConflict
}

// IsAlreadyRegistered reports whether a sign-up failed because the email is
// taken.
func IsAlreadyRegistered(err error) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	switch be.Code {
	case "user_already_exists", "email_exists":
		return true
	}
	msg := strings.ToLower(be.Message)
	return strings.Contains(msg, "already registered") || strings.Contains(msg, "already exists")
}

// IsInvalidGrant reports whether a token call was rejected because the
// refresh token (and so the session) is no longer valid.
func IsInvalidGrant(err error) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	if be.Status == http.StatusBadRequest || be.Status == http.StatusUnauthorized || be.Status == http.StatusForbidden {
		return true
	}
	return be.Code == "invalid_grant" || be.Code == "refresh_token_not_found"
}

// decodeError builds an Error from a non-2xx response body. The identity
// endpoints report {error_code, msg} or {error, error_description}; the
// data endpoints report {code, message, details, hint}.
func decodeError(status int, body []byte) *Error {
	e := &Error{Status: status}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		e.Message = strings.TrimSpace(string(body))
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
		return e
	}

	e.Code = firstString(raw, "error_code", "code", "error")
	e.Message = firstString(raw, "msg", "message", "error_description")
	e.Details = firstString(raw, "details")
	e.Hint = firstString(raw, "hint")
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			// the identity endpoints report the HTTP status as a number under "code"
			continue
		}
	}
	return ""
}
