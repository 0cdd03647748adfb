package logincode

import "errors"

var (
	// ErrRateLimited is returned when a send or verify budget is exhausted.
	ErrRateLimited = errors.New("login code rate limit exceeded")

	// ErrLimiterUnavailable is returned when Redis cannot be reached.
	// Callers fail closed on it.
	ErrLimiterUnavailable = errors.New("login code rate limiter unavailable")

	// ErrInvalidCode is the generic verification failure. It covers an
	// unknown email, a wrong code, and an expired or used code alike.
	ErrInvalidCode = errors.New("invalid or expired code")
)
