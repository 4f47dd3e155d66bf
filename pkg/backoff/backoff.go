// Package backoff computes capped exponential delays.
package backoff

import "time"

// Exponential yields Base * 2^(n-1) for the n-th retry, never more than Cap.
// A zero Cap means uncapped.
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
}

func (e Exponential) Delay(n int) time.Duration {
	if n < 1 || e.Base <= 0 {
		return 0
	}

	d := e.Base
	for i := 1; i < n; i++ {
		// stop doubling before overflowing or passing the cap
		if d > (1<<62)/2 || (e.Cap > 0 && d >= e.Cap) {
			break
		}
		d *= 2
	}

	if e.Cap > 0 && d > e.Cap {
		return e.Cap
	}

	return d
}
