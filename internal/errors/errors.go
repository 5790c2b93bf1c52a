package errors

import (
	"errors"
	"fmt"
)

// Connection errors.
var (
	ErrNotConnected            = errors.New("push channel not connected")
	ErrConnectionClosed        = errors.New("push channel closed")
	ErrAlreadySubscribed       = errors.New("push channel already has a subscriber")
	ErrAuthRejected            = errors.New("push channel rejected credential")
	ErrAuthenticationExhausted = errors.New("authentication exhausted, reauthentication required")
)

// Scope operation errors.
var (
	ErrSendFailed     = errors.New("message send failed")
	ErrHistoryFetch   = errors.New("history fetch failed")
	ErrMarkReadFailed = errors.New("mark read failed")
	ErrScopeClosed    = errors.New("scope closed")
	ErrUnknownRecord  = errors.New("unknown record")
	ErrInvalidRecord  = errors.New("invalid record")
	ErrRegistryClosed = errors.New("sync registry shut down")
)

// Server/transport errors.
var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrAPIRequest   = errors.New("API request failed")
	ErrAPIResponse  = errors.New("unexpected API response")
)

// ScopeError attaches the scope id and operation to a failure so the
// calling layer can render feedback without parsing messages.
type ScopeError struct {
	Scope string
	Op    string
	Err   error
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Scope, e.Err)
}

func (e *ScopeError) Unwrap() error { return e.Err }

// Wrap returns a ScopeError for op on scope, or nil if err is nil.
func Wrap(scope, op string, err error) error {
	if err == nil {
		return nil
	}

	return &ScopeError{Scope: scope, Op: op, Err: err}
}
