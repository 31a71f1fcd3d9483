package worker

import (
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter doubles base per attempt up to max and picks a delay in
// the upper half of that window.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := max
	if exp < float64(max) {
		wait = time.Duration(exp)
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}
