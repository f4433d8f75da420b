package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/ovolab/attendant/internal/channel"
	"github.com/ovolab/attendant/internal/worker"
)

// IsRetryable reports whether a worker-boundary failure is worth one more
// attempt. Channel closure and policy rejections are never retried; a
// rejection needs a different prompt, not the same one again.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, channel.ErrChannelClosed):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, worker.ErrContentPolicyReject):
		return false
	case errors.Is(err, worker.ErrWorkerUnavailable),
		errors.Is(err, worker.ErrModelTimeout),
		errors.Is(err, worker.ErrSynthesis):
		return true
	default:
		return false
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
