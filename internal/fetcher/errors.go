package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNetwork is a transport failure or a 5xx from the platform.
type ErrNetwork struct {
	Err error
}

func (e ErrNetwork) Error() string {
	return fmt.Errorf("network: %w", e.Err).Error()
}

func (e ErrNetwork) Unwrap() error {
	return e.Err
}

// ErrRateLimited means the platform asked us to slow down.
type ErrRateLimited struct {
	Err error
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

// ErrTimeout is a request or attempt deadline.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrAuth is a rejected credential. Not retried.
type ErrAuth struct {
	Err error
}

func (e ErrAuth) Error() string {
	return fmt.Errorf("auth: %w", e.Err).Error()
}

func (e ErrAuth) Unwrap() error {
	return e.Err
}

// ErrParse is a response we cannot read. Not retried.
type ErrParse struct {
	Err error
}

func (e ErrParse) Error() string {
	return fmt.Errorf("parse: %w", e.Err).Error()
}

func (e ErrParse) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		network     ErrNetwork
		rateLimited ErrRateLimited
		timeout     ErrTimeout
	)
	switch {
	case errors.As(err, &network), errors.As(err, &rateLimited), errors.As(err, &timeout):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// ErrorTypeLabel returns a short metrics label for err.
func ErrorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var network ErrNetwork
	if errors.As(err, &network) {
		return "network"
	}
	var auth ErrAuth
	if errors.As(err, &auth) {
		return "auth"
	}
	var parse ErrParse
	if errors.As(err, &parse) {
		return "parse"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "other"
}

// classifyError maps a transport error or HTTP status to the taxonomy.
// A nil result means the response is usable.
func classifyError(err error, statusCode int) error {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout{Err: err}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrTimeout{Err: err}
		}
		return ErrNetwork{Err: err}
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrAuth{Err: fmt.Errorf("status %d", statusCode)}
	case statusCode == http.StatusTooManyRequests:
		return ErrRateLimited{Err: fmt.Errorf("status %d", statusCode)}
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return ErrTimeout{Err: fmt.Errorf("status %d", statusCode)}
	case statusCode >= 500:
		return ErrNetwork{Err: fmt.Errorf("status %d", statusCode)}
	case statusCode >= 400:
		return ErrParse{Err: fmt.Errorf("unexpected status %d", statusCode)}
	default:
		return nil
	}
}
