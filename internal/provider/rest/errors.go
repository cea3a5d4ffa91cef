package rest

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ledgerbridge/internal/syncerr"

	"golang.org/x/oauth2"
)

// DefaultRetryAfter applies to 429 responses without a usable hint.
const DefaultRetryAfter = 30 * time.Second

const maxErrorBody = 512

// classify maps a non-2xx response to a syncerr kind.
func classify(op string, resp *http.Response, now time.Time) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}

	var kind error
	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = syncerr.ErrAuth
	case code == http.StatusNotFound:
		kind = syncerr.ErrNotFound
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		kind = syncerr.ErrConflict
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		kind = syncerr.ErrValidation
	case code == http.StatusTooManyRequests:
		e := syncerr.RateLimited(op, parseRetryAfter(resp.Header.Get("Retry-After"), now))
		e.Message = msg
		return e
	case code == http.StatusNotImplemented:
		kind = syncerr.ErrNotSupported
	default:
		kind = syncerr.ErrTransient
	}
	return syncerr.Newf(kind, op, "status %d: %s", resp.StatusCode, msg)
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return DefaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}

// classifyTokenError maps an oauth2 token endpoint failure.
func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		if re.Response.StatusCode >= 500 {
			return syncerr.Wrap(syncerr.ErrTransient, op, err)
		}
		return syncerr.Wrap(syncerr.ErrAuth, op, err)
	}
	return syncerr.Wrap(syncerr.ErrTransient, op, err)
}
