package upstream

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy controls how transient failures of a single call are retried.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	RespectRetryAfter bool
}

// DefaultRetryPolicy is used when Config.Retry is the zero value.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		RespectRetryAfter: true,
	}
}

func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return errors.New("max attempts must be at least 1")
	case p.BaseDelay < 0:
		return errors.New("base delay must not be negative")
	case p.MaxDelay < p.BaseDelay:
		return errors.New("max delay must not be below base delay")
	case p.BackoffMultiplier < 1:
		return errors.New("backoff multiplier must be at least 1")
	}
	return nil
}

// Delay returns the wait before retrying after attempt n (1-based):
// min(MaxDelay, BaseDelay * BackoffMultiplier^(n-1)).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(n-1))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// MaxRetryAfter caps a server-supplied Retry-After so one rate-limited call
// cannot stall for hours.
const MaxRetryAfter = 2 * time.Minute

// parseRetryAfter reads a Retry-After header given either as delta-seconds
// or as an HTTP date, capped at MaxRetryAfter. ok is false when the header is
// absent or unusable.
func parseRetryAfter(h string, now time.Time) (time.Duration, bool) {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0, false
	}
	secs, err := strconv.ParseInt(h, 10, 64)
	switch {
	case errors.Is(err, strconv.ErrRange):
		// out of int64 range: huge waits are capped, huge negatives are garbage
		return MaxRetryAfter, !strings.HasPrefix(h, "-")
	case err != nil:
		// not a number, try the date form
	case secs < 0:
		return 0, false
	case secs > int64(MaxRetryAfter/time.Second):
		return MaxRetryAfter, true
	default:
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(h); err == nil {
		return min(max(t.Sub(now), 0), MaxRetryAfter), true
	}
	return 0, false
}
