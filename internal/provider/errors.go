package provider

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Error codes recorded on job runs.
const (
	CodeRateLimited   = "rate_limited"
	CodeTimeout       = "upstream_timeout"
	CodeUpstream5xx   = "upstream_5xx"
	CodeNetwork       = "network_error"
	CodeInvalidSymbol = "invalid_symbol"
	CodeBadRequest    = "bad_request"
	CodeMalformed     = "malformed_response"
)

// Error classifies an upstream failure. Transient errors are worth retrying
// and trigger failover; permanent errors would fail identically on every
// provider, so the router stops immediately.
type Error struct {
	Provider   string
	Code       string
	Permanent  bool
	RetryAfter time.Duration // non-zero only for rate-limit responses
	Err        error
}

func (e *Error) Error() string {
	msg := e.Provider + ": " + e.Code
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(providerName, code string, err error) *Error {
	return &Error{Provider: providerName, Code: code, Err: err}
}

func Permanent(providerName, code string, err error) *Error {
	return &Error{Provider: providerName, Code: code, Permanent: true, Err: err}
}

// IsPermanent reports whether err carries a permanent classification.
// Unclassified errors count as transient; retrying an unknown failure is
// safe, giving up is not.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Permanent
}

// AsError extracts the classification, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}

// ClassifyStatus maps an upstream HTTP status to a classified error.
// 429 carries the parsed Retry-After; 4xx symbol/request errors are
// permanent; everything else upstream-side is transient.
func ClassifyStatus(providerName string, status int, header http.Header, err error) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{
			Provider:   providerName,
			Code:       CodeRateLimited,
			RetryAfter: parseRetryAfter(header),
			Err:        err,
		}
	case status == http.StatusNotFound:
		return Permanent(providerName, CodeInvalidSymbol, err)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return Permanent(providerName, CodeBadRequest, err)
	case status >= 500:
		return Transient(providerName, CodeUpstream5xx, err)
	default:
		return Transient(providerName, CodeNetwork, err)
	}
}

func parseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
