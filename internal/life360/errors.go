package life360

import (
	"errors"
	"fmt"
	"time"
)

const (
	errMessageNotModified = "server data not modified"
	errMessageNotFound    = "requested resource not found"
)

var (
	// ErrNotModified reports that the server data is unchanged since the last
	// successful fetch. Callers should reuse their cached value.
	ErrNotModified = errors.New(errMessageNotModified)

	// ErrNotFound reports that the requested Circle or Member no longer exists.
	ErrNotFound = errors.New(errMessageNotFound)
)

// LoginError reports that the account credentials were rejected by the server.
type LoginError struct {
	Message string
}

func (loginError *LoginError) Error() string {
	return fmt.Sprintf("login error: %s", loginError.Message)
}

// RateLimitedError reports that the server rejected the request because of
// rate limiting. RetryAfter carries the server-specified wait hint, or zero
// when the server did not provide one.
type RateLimitedError struct {
	RetryAfter time.Duration
	Message    string
}

func (rateLimitedError *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %s", rateLimitedError.RetryAfter, rateLimitedError.Message)
}

// ServiceError reports any other recoverable failure while communicating with
// the server.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (serviceError *ServiceError) Error() string {
	if serviceError.StatusCode != 0 {
		return fmt.Sprintf("service error (status %d): %s", serviceError.StatusCode, serviceError.Message)
	}
	return fmt.Sprintf("service error: %s", serviceError.Message)
}

// DecodeError reports a malformed server payload. Field names the first
// offending payload field.
type DecodeError struct {
	Field   string
	Message string
}

func (decodeError *DecodeError) Error() string {
	return fmt.Sprintf("malformed server payload at %q: %s", decodeError.Field, decodeError.Message)
}
