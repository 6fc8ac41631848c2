// Package coreerr defines the closed set of client-protocol error codes
// shared by the registry, channel, dispatch, and supervisor packages. The
// Supervisor is the sole translator from these structured errors to wire
// `error` frames (SPEC_FULL.md §7).
package coreerr

// Code is one of the closed set of protocol error codes in SPEC_FULL.md §6.
type Code string

const (
	AuthenticationFailed    Code = "AUTHENTICATION_FAILED"
	AuthorizationFailed     Code = "AUTHORIZATION_FAILED"
	ChannelNotFound         Code = "CHANNEL_NOT_FOUND"
	ChannelAccessDenied     Code = "CHANNEL_ACCESS_DENIED"
	RateLimitExceeded       Code = "RATE_LIMIT_EXCEEDED"
	InvalidMessageFormat    Code = "INVALID_MESSAGE_FORMAT"
	ConnectionLimitExceeded Code = "CONNECTION_LIMIT_EXCEEDED"
	SubscriptionLimitExceeded Code = "SUBSCRIPTION_LIMIT_EXCEEDED"
	InternalError           Code = "INTERNAL_ERROR"
)

// Error is a structured client-protocol error. ChannelIndex and
// ConnectionRegistry return *Error instead of panicking or logging directly;
// the Supervisor renders it as a wire `error` frame.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// As reports whether err is a *Error and returns it.
func As(err error) (*Error, bool) {
	ce, ok := err.(*Error)
	return ce, ok
}
