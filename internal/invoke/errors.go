package invoke

import (
	"errors"
	"fmt"
	"strings"
)

// Reason classifies why an invocation failed.
type Reason string

const (
	ReasonTimeout         Reason = "timeout"
	ReasonException       Reason = "exception"
	ReasonMalformedResult Reason = "malformed_result"
	ReasonRateLimited     Reason = "rate_limited"
)

// ErrRateLimited is a sentinel a plugin can wrap to signal provider rate
// limiting explicitly. The scheduler backs off instead of discarding the
// target.
var ErrRateLimited = errors.New("rate limited")

// Error is the single normalized error shape the invocation layer produces.
// Nothing a plugin does (panic, stall, garbage result) escapes as anything
// else.
type Error struct {
	Capability string // kind/name
	Reason     Reason
	Detail     string
	Err        error // underlying cause, when there is one
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("invoke %s: %s: %s", e.Capability, e.Reason, e.Detail)
	}
	return fmt.Sprintf("invoke %s: %s", e.Capability, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the invocation reason, or "" when err is not an
// invocation error.
func ReasonOf(err error) Reason {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Reason
	}
	return ""
}

// IsRateLimited reports whether err is a rate-limit classified invocation
// failure.
func IsRateLimited(err error) bool {
	return ReasonOf(err) == ReasonRateLimited
}

// IsTimeout reports whether err is an invocation timeout.
func IsTimeout(err error) bool {
	return ReasonOf(err) == ReasonTimeout
}

// rate-limit markers seen across provider SDK error strings
var rateLimitMarkers = []string{
	"429",
	"rate limit",
	"ratelimit",
	"resource_exhausted",
	"quota exceeded",
	"too many requests",
}

// classify turns a raw plugin error into exception or rate_limited.
func classify(capability string, err error) *Error {
	if errors.Is(err, ErrRateLimited) {
		return &Error{Capability: capability, Reason: ReasonRateLimited, Err: err}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return &Error{Capability: capability, Reason: ReasonRateLimited, Detail: err.Error(), Err: err}
		}
	}
	return &Error{Capability: capability, Reason: ReasonException, Detail: err.Error(), Err: err}
}
