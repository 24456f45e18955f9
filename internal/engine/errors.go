package engine

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorClass categorizes provider errors for failover decisions.
type ErrorClass string

const (
	// ErrorClassAuth indicates authentication/authorization failures (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates rate limiting or quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassBilling indicates billing or payment issues.
	ErrorClassBilling ErrorClass = "BILLING"

	// ErrorClassServer is a 5xx from the provider.
	ErrorClassServer ErrorClass = "SERVER"

	// ErrorClassContextOverflow means the candidates did not fit the model's
	// context window. Every provider gets the same prompt, so failover is pointless.
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"

	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// FailsOver reports whether the next provider should be tried.
func (c ErrorClass) FailsOver() bool {
	return c != ErrorClassContextOverflow
}

// CountsAgainstProvider reports whether the error says something about the
// provider's health, as opposed to the prompt we sent it.
func (c ErrorClass) CountsAgainstProvider() bool {
	return c != ErrorClassContextOverflow
}

func containsAny(msg string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}

// ClassifyError returns the most specific class for err. Typed network and
// deadline errors are checked first; provider SDK errors are matched on
// their text.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "context_length", "context length", "token limit", "max tokens", "maximum context", "context window", "prompt is too long"):
		return ErrorClassContextOverflow
	case containsAny(msg, "401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403"):
		return ErrorClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests", "overloaded"):
		return ErrorClassRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return ErrorClassTimeout
	case containsAny(msg, "billing", "payment", "insufficient funds", "credit balance"):
		return ErrorClassBilling
	case containsAny(msg, "500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable"):
		return ErrorClassServer
	}
	return ErrorClassUnknown
}
