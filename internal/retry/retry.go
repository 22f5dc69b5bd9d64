// Package retry provides the generic retry/backoff layer every call through
// the transports routes through: operation-level retry (Do) and
// response-error-aware retry (DoRPC), both building a RetryHistory that
// surfaces on exhaustion.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/mrz1836/ethrpc/pkg/rpcerrors"
)

// Config controls attempt count, backoff shape, and jitter range. Defaults
// mirror the component spec: 4 attempts, 200ms base, 5s cap, jitter in
// [0.10, 0.25] of the capped delay.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterMin   float64
	JitterMax   float64
}

// DefaultConfig returns the spec's default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		JitterMin:   0.10,
		JitterMax:   0.25,
	}
}

// retryableSubstrings is the lowercased message-substring table from the
// component spec. Any Rpc failure whose message contains one of these is
// retryable unless it is also revert-shaped.
var retryableSubstrings = []string{
	"header not found",
	"timeout",
	"connection reset",
	"temporary unavailable",
	"try again",
	"underpriced",
	"nonce too low",
	"rate limit",
	"too many requests",
	"429",
	"internal error",
	"-32603",
	"server busy",
	"overloaded",
}

// IsRetryable classifies a failure per the component spec: Revert is never
// retryable; an Rpc error whose data looks like revert bytes or whose message
// contains "insufficient funds" is never retryable; a Transport failure is
// always retryable; any other Rpc failure is retryable only if its message
// matches the substring table.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	rpcErr, ok := rpcerrors.As(err)
	if !ok {
		return errors.Is(err, context.DeadlineExceeded)
	}

	switch rpcErr.Kind {
	case rpcerrors.KindRevert:
		return false
	case rpcerrors.KindTransport:
		return true
	case rpcerrors.KindRPC:
		var data string
		switch d := rpcErr.Data.(type) {
		case string:
			data = d
		case json.RawMessage:
			data = strings.Trim(string(d), `"`)
		}
		if strings.HasPrefix(data, "0x") && len(data) > 10 {
			return false
		}
		msg := strings.ToLower(rpcErr.Message)
		if strings.Contains(msg, "insufficient funds") {
			return false
		}
		for _, substr := range retryableSubstrings {
			if strings.Contains(msg, substr) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Do retries operation on thrown failures only, per §4.D variant (a).
func Do[T any](ctx context.Context, cfg Config, operation func() (T, error)) (T, error) {
	return doWithPredicate(ctx, cfg, operation, IsRetryable)
}

// DoRPC retries operation on thrown failures AND on responses whose
// embedded JSON-RPC error is retryable, per §4.D variant (b). The operation
// is expected to return an error for both transport-level and RPC-level
// failures; this variant exists as a distinct name so call sites document
// which retry contract they rely on.
func DoRPC[T any](ctx context.Context, cfg Config, operation func() (T, error)) (T, error) {
	return doWithPredicate(ctx, cfg, operation, IsRetryable)
}

func doWithPredicate[T any](ctx context.Context, cfg Config, operation func() (T, error), retryable func(error) bool) (T, error) {
	var (
		result T
		hist   rpcerrors.RetryHistory
		start  = time.Now()
	)

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		var err error
		result, err = operation()
		if err == nil {
			return result, nil
		}

		if !retryable(err) {
			return result, err
		}

		hist.Record(err, time.Now())

		if attempt < cfg.MaxAttempts-1 {
			delay := calculateDelay(attempt, cfg.BaseDelay, cfg.MaxDelay, cfg.JitterMin, cfg.JitterMax)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, rpcerrors.CancelledDuringRetry(ctx.Err(), &hist)
			case <-timer.C:
			}
		}
	}

	return result, rpcerrors.Exhausted(cfg.MaxAttempts, time.Since(start), &hist)
}

// calculateDelay computes exponential backoff with jitter in
// [jitterMin, jitterMax) of the capped delay, per the component spec.
func calculateDelay(attempt int, baseDelay, maxDelay time.Duration, jitterMin, jitterMax float64) time.Duration {
	delay := baseDelay * (1 << attempt)
	if delay > maxDelay {
		delay = maxDelay
	}

	if jitterMax <= jitterMin {
		return delay
	}

	span := jitterMax - jitterMin
	//nolint:gosec // G404: jitter does not need cryptographic randomness
	jitterFrac := jitterMin + rand.Float64()*span
	jitter := time.Duration(float64(delay) * jitterFrac)
	return delay + jitter
}

// ParseRetryAfter parses an HTTP Retry-After header value expressed in
// seconds. Returns 0 if the header is absent or unparsable.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	seconds, err := strconv.Atoi(header)
	if err != nil {
		return 0
	}

	return time.Duration(seconds) * time.Second
}
