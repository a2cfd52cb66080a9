package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"futures_bot/internal/metrics"
)

// ErrUnauthorized marks credential/permission failures (bad signature,
// IP not whitelisted). They are never retried: the engine must halt
// trading instead of hammering the exchange with rejected orders.
var ErrUnauthorized = errors.New("exchange authorization failed")

// ErrRetriesExhausted wraps the last transient error after the capped
// retry budget is spent.
var ErrRetriesExhausted = errors.New("exchange retries exhausted")

const maxRetries = 5

// Binance error codes that indicate a credentials or permission
// problem rather than a transient fault.
var authErrorCodes = map[int64]bool{
	-1022: true, // invalid signature
	-2008: true, // invalid api key
	-2014: true, // api key format invalid
	-2015: true, // invalid key, IP, or permissions
}

// Transient server-side codes worth retrying.
var transientErrorCodes = map[int64]bool{
	-1001: true, // internal error / disconnected
	-1003: true, // too many requests
	-1007: true, // timeout waiting for backend
	-1016: true, // service shutting down
}

// IsAuthError reports whether err is a non-retryable authorization or
// permission failure.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return authErrorCodes[apiErr.Code]
	}
	return false
}

// IsTransient reports whether err is worth retrying: network timeouts,
// connection resets, rate limiting, exchange-side hiccups.
func IsTransient(err error) bool {
	if err == nil || IsAuthError(err) {
		return false
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return transientErrorCodes[apiErr.Code]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Plain transport errors from the HTTP client come through as
	// *url.Error which implements net.Error, so anything left is a
	// decode or precondition problem. Not retryable.
	return false
}

// withRetry runs fn under the capped exponential backoff policy every
// exchange call in this package uses. Authorization errors abort
// immediately wrapped in ErrUnauthorized; other non-transient errors
// abort on first failure.
func withRetry(ctx context.Context, log zerolog.Logger, op string, fn func() error) error {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    8 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := fn()
		if err == nil {
			return nil
		}
		if IsAuthError(err) {
			return fmt.Errorf("%s: %w: %v", op, ErrUnauthorized, err)
		}
		if !IsTransient(err) {
			return fmt.Errorf("%s: %w", op, err)
		}

		attempt := int(b.Attempt()) + 1
		if attempt >= maxRetries {
			return fmt.Errorf("%s: %w after %d attempts: %v", op, ErrRetriesExhausted, attempt, err)
		}

		wait := b.Duration()
		metrics.RetriesTotal.WithLabelValues(op).Inc()
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", wait).
			Msg("transient exchange error, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(wait):
		}
	}
}
