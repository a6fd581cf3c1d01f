// Package backoff computes restart delays for supervised services.
package backoff

import (
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	BaseDelay   = 1000 * time.Millisecond
	MaxDelay    = 30000 * time.Millisecond
	MinDelay    = 100 * time.Millisecond
	Factor      = 2.0
	JitterRatio = 0.25
)

// Delay returns how long to wait before restart attempt number attempt.
//
// The delay grows as BaseDelay * Factor^(attempt-1), is capped at MaxDelay and
// then shifted by up to ±25% of the capped value. The shift is derived from a
// hash of the attempt number, so a given attempt always yields the same delay.
// The result never drops below MinDelay and never exceeds MaxDelay.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(BaseDelay.Milliseconds()) * math.Pow(Factor, float64(attempt-1))
	capped := int64(math.Min(base, float64(MaxDelay.Milliseconds())))

	jitterRange := int64(float64(capped) * JitterRatio)
	var jitter int64
	if jitterRange > 0 {
		h := xxhash.Sum64String(strconv.Itoa(attempt))
		jitter = int64(h%uint64(2*jitterRange)) - jitterRange
	}

	ms := capped + jitter
	if ms > MaxDelay.Milliseconds() {
		ms = MaxDelay.Milliseconds()
	}
	if ms < MinDelay.Milliseconds() {
		ms = MinDelay.Milliseconds()
	}
	return time.Duration(ms) * time.Millisecond
}
