package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/luciancaetano/shardnet"
)

// MaxWait caps every delay read from a response.
const MaxWait = 24 * time.Hour

// maxEpoch bounds X-RateLimit-Reset so the conversion cannot overflow.
const maxEpoch = 1 << 40

// Headers is the rate limit information carried by one response.
type Headers struct {
	Bucket     string
	Remaining  int
	ResetAfter time.Duration
	ResetAt    time.Time
	Global     bool
	RetryAfter time.Duration
	Scope      string
}

// ParseHeaders extracts the X-RateLimit-* headers. Missing values fall back
// to remaining=1 and zero delays, matching a response that imposes no limit.
func ParseHeaders(h http.Header) Headers {
	out := Headers{
		Bucket:    h.Get(shardnet.HeaderBucket),
		Remaining: 1,
		Scope:     h.Get(shardnet.HeaderScope),
	}

	if v := h.Get(shardnet.HeaderRemaining); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			out.Remaining = n
		}
	}
	out.ResetAfter = seconds(h.Get(shardnet.HeaderResetAfter))
	if v := h.Get(shardnet.HeaderReset); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 && f < maxEpoch {
			sec, frac := math.Modf(f)
			out.ResetAt = time.Unix(int64(sec), int64(frac*float64(time.Second)))
		}
	}
	out.Global = strings.EqualFold(h.Get(shardnet.HeaderGlobal), "true")
	out.RetryAfter = seconds(h.Get(shardnet.HeaderRetryAfter))

	return out
}

// seconds parses a possibly fractional number of seconds.
func seconds(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return Seconds(f)
}

// Seconds converts a number of seconds to a duration clamped to
// [0, MaxWait]. NaN is zero.
func Seconds(f float64) time.Duration {
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= MaxWait.Seconds() {
		return MaxWait
	}
	return time.Duration(f * float64(time.Second))
}
