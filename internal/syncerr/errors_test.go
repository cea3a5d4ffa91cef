package syncerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", New(ErrValidation, "create", "name is required"))

	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.Equal(t, ErrValidation, Kind(err))
	assert.Contains(t, err.Error(), "name is required")
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(ErrTransient, "list", cause).WithProvider("xero")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, "xero: list: transient network error: connection reset", err.Error())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unclassified", errors.New("boom"), true},
		{"transient", Wrap(ErrTransient, "get", errors.New("timeout")), true},
		{"auth", New(ErrAuth, "get", ""), false},
		{"validation", New(ErrValidation, "create", ""), false},
		{"not supported", NotSupported("fortnox", "bulk_create"), false},
		{"rate limited", RateLimited("list", time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(New(ErrConflict, "update", "")))
	assert.True(t, IsPermanent(ErrNotSupported))
	assert.False(t, IsPermanent(ErrRateLimited))
	assert.False(t, IsPermanent(errors.New("boom")))
}

func TestRetryAfter(t *testing.T) {
	d, ok := RetryAfter(fmt.Errorf("wrapped: %w", RateLimited("list", 5*time.Second)))
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	d, ok = RetryAfter(ErrRateLimited)
	assert.True(t, ok)
	assert.Zero(t, d)

	_, ok = RetryAfter(ErrTransient)
	assert.False(t, ok)
}
