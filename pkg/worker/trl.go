package worker

import "time"

// RateLimiter holds the rolling transfer rate at or below a configured
// bytes-per-second limit by sleeping between body writes.
type RateLimiter struct {
	rate  int64 // bytes per second; 0 disables
	start time.Time
	sent  int64
	sleep func(time.Duration) // test hook
}

// NewRateLimiter creates a limiter for rate bytes/second. A rate of 0
// disables limiting.
func NewRateLimiter(rate int64) *RateLimiter {
	return &RateLimiter{rate: rate, start: time.Now(), sleep: time.Sleep}
}

// Limit accounts n transferred bytes and sleeps long enough that the
// average since start does not exceed the rate.
func (r *RateLimiter) Limit(n int) {
	if r.rate <= 0 {
		return
	}
	r.sent += int64(n)
	expected := time.Duration(r.sent) * time.Second / time.Duration(r.rate)
	elapsed := time.Since(r.start)
	if ahead := expected - elapsed; ahead > 0 {
		r.sleep(ahead)
	}
}
