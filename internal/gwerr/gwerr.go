// Package gwerr provides the gateway's error taxonomy. Every error raised
// against the upstream or the pool is classified here so the retry engine and
// the protocol endpoints can act on it uniformly.
package gwerr

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Error codes.
const (
	CodeCapacity         = "CAPACITY_EXHAUSTED"
	CodeAuth             = "AUTH_INVALID"
	CodeAuthPermanent    = "AUTH_INVALID_PERMANENT"
	CodeUpstream         = "UPSTREAM_ERROR"
	CodeBlocked          = "PROMPT_BLOCKED"
	CodeEmptyResponse    = "EMPTY_RESPONSE"
	CodeIncompleteStream = "incomplete_upstream_stream"
	CodeNoAccounts       = "NO_ACCOUNTS"
	CodeModelLimit       = "model_concurrency_limit"
	CodeDeadline         = "DEADLINE_EXCEEDED"
)

// Error is the single error shape the request plane passes around. Fields
// beyond Message are diagnostic; AccountEmail is log-only and must never
// reach a client.
type Error struct {
	Message        string          `json:"message"`
	Code           string          `json:"code"`
	Retryable      bool            `json:"retryable"`
	UpstreamStatus int             `json:"upstreamStatus,omitempty"`
	UpstreamBody   string          `json:"-"`
	UpstreamJSON   json.RawMessage `json:"-"`
	RetryAfterMs   int64           `json:"retryAfterMs,omitempty"`
	AccountEmail   string          `json:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

// WithAccount tags the error with the account it was raised against.
func (e *Error) WithAccount(email string) *Error {
	e.AccountEmail = email
	return e
}

// New creates a classified error.
func New(code, message string) *Error {
	return &Error{Message: message, Code: code, Retryable: retryableByCode(code)}
}

func retryableByCode(code string) bool {
	switch code {
	case CodeCapacity, CodeAuth, CodeEmptyResponse, CodeNoAccounts:
		return true
	default:
		return false
	}
}

// Capacity builds a capacity error with an optional retry-after hint.
func Capacity(message string, retryAfterMs int64) *Error {
	e := New(CodeCapacity, message)
	e.RetryAfterMs = retryAfterMs
	return e
}

// NoAccounts is raised when every eligible account is cooling down on the
// requested model. The message carries a "reset after Ns" hint.
func NoAccounts(retryAfterMs int64) *Error {
	secs := (retryAfterMs + 999) / 1000
	e := New(CodeNoAccounts, "All accounts rate limited, reset after "+strconv.FormatInt(secs, 10)+"s")
	e.RetryAfterMs = retryAfterMs
	return e
}

// FromUpstream classifies a non-2xx upstream response.
func FromUpstream(status int, body string, parsed json.RawMessage) *Error {
	var e *Error
	switch {
	case status == 401 || status == 403:
		e = New(CodeAuth, "Upstream authentication failed")
	case status == 429 || looksLikeCapacity(body):
		e = Capacity(capacityMessage(body), ParseResetAfterMs(body))
	default:
		e = New(CodeUpstream, truncate(body, 400))
		e.Retryable = status >= 500
	}
	e.UpstreamStatus = status
	e.UpstreamBody = body
	e.UpstreamJSON = parsed
	return e
}

func capacityMessage(body string) string {
	if body == "" {
		return "Resource has been exhausted"
	}
	return truncate(body, 400)
}

// As extracts a *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Code returns the classified code, or CodeUpstream for foreign errors.
func Code(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeUpstream
}

// IsCapacity reports whether the error is a capacity/rate-limit error.
func IsCapacity(err error) bool {
	if e, ok := As(err); ok {
		if e.Code == CodeCapacity || e.Code == CodeNoAccounts {
			return true
		}
		if e.UpstreamStatus == 429 {
			return true
		}
	}
	if err == nil {
		return false
	}
	return looksLikeCapacity(err.Error())
}

func looksLikeCapacity(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "exhausted your capacity on this model") ||
		strings.Contains(lower, "resource has been exhausted") ||
		strings.Contains(lower, "resource_exhausted")
}

// IsAuth reports whether the error is an upstream 401/403.
func IsAuth(err error) bool {
	if e, ok := As(err); ok {
		return e.Code == CodeAuth || e.Code == CodeAuthPermanent ||
			e.UpstreamStatus == 401 || e.UpstreamStatus == 403
	}
	return false
}

// IsRefreshTokenInvalid reports a terminal refresh-token failure
// (invalid_grant from the token endpoint).
func IsRefreshTokenInvalid(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := As(err); ok && e.Code == CodeAuthPermanent {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "token has been expired or revoked")
}

// IsSwitchable reports whether the retry engine should rotate to another
// account after this error.
func IsSwitchable(err error) bool {
	if IsCapacity(err) {
		return true
	}
	if IsRefreshTokenInvalid(err) {
		return true
	}
	if IsAuth(err) {
		return true
	}
	if e, ok := As(err); ok {
		return e.Retryable || e.UpstreamStatus >= 500
	}
	return false
}

// IsSameAccountRetriable reports whether a transient error may be retried on
// the same account: 5xx and network-level failures, but never capacity or auth.
func IsSameAccountRetriable(err error) bool {
	if IsCapacity(err) || IsAuth(err) || IsRefreshTokenInvalid(err) {
		return false
	}
	if e, ok := As(err); ok {
		return e.UpstreamStatus >= 500 || (e.UpstreamStatus == 0 && e.Code == CodeUpstream) ||
			e.Code == CodeEmptyResponse
	}
	return true
}

var emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// ScrubEmails redacts account email addresses from a client-bound message.
// Upstream quota errors embed the account's email in the message text.
func ScrubEmails(msg string) string {
	return emailRe.ReplaceAllString(msg, "[account]")
}

var resetAfterRe = regexp.MustCompile(`reset after (\d+)s`)

// ParseResetAfterMs extracts the vendor's "reset after Ns" hint from an error
// message. Returns (N+1)*1000 ms, or 0 when absent. The extra second covers
// server-side rounding.
func ParseResetAfterMs(message string) int64 {
	m := resetAfterRe.FindStringSubmatch(message)
	if len(m) != 2 {
		return 0
	}
	secs, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return (secs + 1) * 1000
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
