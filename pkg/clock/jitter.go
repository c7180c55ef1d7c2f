package clock

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Jitter computes the backoff delay for a retry attempt (1-based) with
// deterministic jitter:
//
//	base * 2^(attempt-1) * (0.9 + 0.2*u)
//
// where u in [0,1) is derived from the first 8 bytes of
// BLAKE2b-256("seed:attempt"). The same (base, attempt, seed) triple
// always yields the same delay, which keeps retry schedules replayable.
func Jitter(base time.Duration, attempt int, seed string) time.Duration {
	return JitterFactor(base, attempt, seed, 2)
}

// JitterFactor is Jitter with an arbitrary exponential factor. A factor
// at or below zero falls back to 2.
func JitterFactor(base time.Duration, attempt int, seed string, factor float64) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	if factor <= 0 {
		factor = 2
	}

	exp := attempt - 1
	if exp > 30 {
		// Cap the exponent; callers bound the result anyway.
		exp = 30
	}
	scaled := float64(base) * math.Pow(factor, float64(exp))

	return time.Duration(scaled * (0.9 + 0.2*jitterUnit(seed, attempt)))
}

// JitterCapped is Jitter bounded above by max (when max > 0).
func JitterCapped(base time.Duration, attempt int, seed string, max time.Duration) time.Duration {
	d := Jitter(base, attempt, seed)
	if max > 0 && d > max {
		return max
	}
	return d
}

// jitterUnit maps (seed, attempt) to a uniform float in [0,1).
func jitterUnit(seed string, attempt int) float64 {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	v := binary.BigEndian.Uint64(sum[:8])
	// Top 53 bits: the standard uniform-[0,1) construction.
	return float64(v>>11) / float64(uint64(1)<<53)
}
