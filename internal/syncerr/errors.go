// Package syncerr defines the error kinds every layer uses to decide
// between retrying, rescheduling and failing.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrAuth         = errors.New("authentication failed")
	ErrRateLimited  = errors.New("rate limit denied")
	ErrNotSupported = errors.New("operation not supported")
	ErrTransient    = errors.New("transient network error")
	ErrValidation   = errors.New("validation failed")
	ErrInvalidState = errors.New("invalid state transition")
	ErrConflict     = errors.New("version conflict")
	ErrNotFound     = errors.New("not found")
	ErrNotReady     = errors.New("not ready")
)

var kinds = []error{
	ErrAuth, ErrRateLimited, ErrNotSupported, ErrTransient, ErrValidation,
	ErrInvalidState, ErrConflict, ErrNotFound, ErrNotReady,
}

// Error is a classified failure. Kind is one of the sentinel errors above.
type Error struct {
	Kind       error
	Op         string
	Provider   string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return e.Kind == target }

func New(kind error, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

func Wrap(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func RateLimited(op string, retryAfter time.Duration) *Error {
	return &Error{Kind: ErrRateLimited, Op: op, RetryAfter: retryAfter}
}

func NotSupported(provider, op string) *Error {
	return &Error{Kind: ErrNotSupported, Op: op, Provider: provider}
}

// WithProvider returns a copy of e tagged with the provider name.
func (e *Error) WithProvider(name string) *Error {
	c := *e
	c.Provider = name
	return &c
}

// Kind returns the sentinel kind of err, or nil when it is unclassified.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsRetryable reports whether err should consume a retry with backoff.
// Unclassified errors count as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch Kind(err) {
	case nil, ErrTransient:
		return true
	default:
		return false
	}
}

// IsPermanent reports kinds that fail immediately without retry.
func IsPermanent(err error) bool {
	switch Kind(err) {
	case ErrAuth, ErrNotSupported, ErrValidation, ErrInvalidState, ErrConflict, ErrNotFound:
		return true
	}
	return false
}

// RetryAfter extracts the reschedule delay from a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var se *Error
	if errors.As(err, &se) && errors.Is(se, ErrRateLimited) {
		return se.RetryAfter, true
	}
	if errors.Is(err, ErrRateLimited) {
		return 0, true
	}
	return 0, false
}
