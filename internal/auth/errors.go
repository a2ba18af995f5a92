package auth

import "errors"

// ValidationError rejects malformed input before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// AuthError surfaces a terminal login failure with a human-actionable
// message. Err carries the protocol error kind for errors.Is checks.
type AuthError struct {
	Err     error
	Message string
}

func (e *AuthError) Error() string { return e.Message }
func (e *AuthError) Unwrap() error { return e.Err }

// ErrNoPendingLogin is returned when a code or QR step is submitted without
// a login flow in progress.
var ErrNoPendingLogin = errors.New("no login in progress; begin authentication first")
