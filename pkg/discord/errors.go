package discord

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	// ErrNotFound is matched by API errors for missing channels, guilds and webhooks.
	ErrNotFound = errors.New("discord: not found")
	// ErrForbidden is matched by API errors for missing permissions.
	ErrForbidden = errors.New("discord: forbidden")
	// ErrClosed is returned by calls on a closed connection.
	ErrClosed = errors.New("discord: connection closed")
)

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int
	Code    int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("discord api %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("discord api %d", e.Status)
}

func (e *APIError) Unwrap() error { return e.Err }

// Is maps HTTP status codes to the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	}
	return false
}

// RateLimitError reports a rate-limited request and how long to wait.
type RateLimitError struct {
	Bucket     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("discord rate limited on %q, retry after %s", e.Bucket, e.RetryAfter)
}

// IsTransient reports whether retrying err later may succeed: rate limits,
// timeouts, network failures and server errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Undelivered reports whether err proves the request was not acted on, so
// that resending cannot duplicate it.
func Undelivered(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests ||
			apiErr.Status == http.StatusBadGateway ||
			apiErr.Status == http.StatusServiceUnavailable
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// RetryAfter returns the wait a rate limit asked for, if err carries one.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// classify converts discordgo errors into this package's error types.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) && rle.RateLimit != nil && rle.TooManyRequests != nil {
		return &RateLimitError{Bucket: rle.Bucket, RetryAfter: rle.RetryAfter}
	}

	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		apiErr := &APIError{Status: rest.Response.StatusCode, Err: err}
		if rest.Message != nil {
			apiErr.Code = rest.Message.Code
			apiErr.Message = rest.Message.Message
		}
		return apiErr
	}
	return err
}
