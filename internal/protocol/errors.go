package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Terminal error kinds. These must never be retried with the same input.
var (
	ErrCodeInvalid        = errors.New("phone code invalid")
	ErrCodeExpired        = errors.New("phone code expired")
	ErrPasswordRequired   = errors.New("two-factor password required")
	ErrPasswordInvalid    = errors.New("two-factor password invalid")
	ErrSessionInvalid     = errors.New("session credential rejected")
	ErrAccountDeactivated = errors.New("account deactivated")
	ErrPeerInvalid        = errors.New("unknown recipient")
	ErrWriteForbidden     = errors.New("writing to this chat is forbidden")
)

// FloodWaitError is the protocol's rate-limit backpressure signal. Wait is
// the mandatory cool-down before the call may be repeated.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.Wait)
}

// AsFloodWait extracts the mandated cool-down from an error chain.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Wait, true
	}
	return 0, false
}

// TransientError marks a failure worth retrying with backoff (network drop,
// gateway 5xx). It wraps the underlying cause.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient protocol error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err may be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsTerminal reports whether err is a protocol verdict that retrying the
// same call cannot change.
func IsTerminal(err error) bool {
	for _, kind := range []error{
		ErrCodeInvalid, ErrCodeExpired, ErrPasswordRequired, ErrPasswordInvalid,
		ErrSessionInvalid, ErrAccountDeactivated, ErrPeerInvalid, ErrWriteForbidden,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
