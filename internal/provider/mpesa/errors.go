package mpesa

import (
	"errors"
	"fmt"
)

// AuthError means the OAuth token exchange failed.
type AuthError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mpesa auth failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("mpesa auth failed (status %d): %s", e.StatusCode, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// CallError is a rejected or failed API call. StatusCode is 0 when no HTTP
// response was received (network error or timeout).
type CallError struct {
	Operation    string
	StatusCode   int
	ErrorCode    string
	ErrorMessage string
	Err          error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mpesa %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("mpesa %s failed (status %d, code %s): %s",
		e.Operation, e.StatusCode, e.ErrorCode, e.ErrorMessage)
}

func (e *CallError) Unwrap() error { return e.Err }

// Rejected reports whether err proves the provider did not accept the
// request: the token exchange failed, the call was never sent, or an answer
// came back refusing it. Transport failures and 5xx answers are not proof.
func Rejected(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	var callErr *CallError
	if !errors.As(err, &callErr) {
		return false
	}
	switch {
	case callErr.StatusCode == 0:
		return callErr.Err == nil
	case callErr.StatusCode >= 500:
		return false
	default:
		return true
	}
}
