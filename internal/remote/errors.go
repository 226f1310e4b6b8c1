package remote

import (
	"errors"
	"fmt"
)

// Sentinel errors for remote failure classification.
// Use errors.Is(err, remote.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("remote: bad request")
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrNotFound     = errors.New("remote: not found")
	ErrConflict     = errors.New("remote: conflict")
	ErrOffline      = errors.New("remote: not connected")
	ErrTimeout      = errors.New("remote: request timed out")
	ErrClosed       = errors.New("remote: closed")
	ErrServerError  = errors.New("remote: server error")
)

// Wire codes carried in error frames.
const (
	codeBadRequest   = "bad_request"
	codeUnauthorized = "unauthorized"
	codeNotFound     = "not_found"
	codeConflict     = "conflict"
	codeServerError  = "server_error"
)

// Error wraps a sentinel with the operation and path that failed and the
// hub's message, if any.
type Error struct {
	Op      string
	Path    string
	Message string
	Err     error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote: %s %s: %s", e.Op, e.Path, e.Message)
	}

	return fmt.Sprintf("remote: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying later. Rejections the
// hub made on the request's merits are not.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrUnauthorized), errors.Is(err, ErrConflict):
		return false
	default:
		return true
	}
}

// codeFor maps an error to its wire code.
func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return codeBadRequest
	case errors.Is(err, ErrUnauthorized):
		return codeUnauthorized
	case errors.Is(err, ErrNotFound):
		return codeNotFound
	case errors.Is(err, ErrConflict):
		return codeConflict
	default:
		return codeServerError
	}
}

// classifyCode maps a wire code back to a sentinel error.
func classifyCode(code string) error {
	switch code {
	case codeBadRequest:
		return ErrBadRequest
	case codeUnauthorized:
		return ErrUnauthorized
	case codeNotFound:
		return ErrNotFound
	case codeConflict:
		return ErrConflict
	default:
		return ErrServerError
	}
}
