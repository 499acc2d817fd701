package relay

import "time"

// rateLimiter enforces at most max events per sliding window.
type rateLimiter struct {
	max    int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{max: max, window: window, now: time.Now}
}

// allow records one event if the window has room. Not safe for concurrent
// use; the controller serializes calls under its own mutex.
func (r *rateLimiter) allow() bool {
	now := r.now()
	cutoff := now.Add(-r.window)

	keep := r.stamps[:0]
	for _, t := range r.stamps {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	r.stamps = keep

	if len(r.stamps) >= r.max {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}
