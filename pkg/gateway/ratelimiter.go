package gateway

import (
	"sync"
	"time"
)

// FrameRateLimiter implements sliding window rate limiting of inbound frames for one session
type FrameRateLimiter struct {
	mu              sync.Mutex
	framesPerMinute int
	frames          []time.Time
	now             func() time.Time
}

// NewFrameRateLimiter creates a limiter. A non-positive limit disables limiting.
func NewFrameRateLimiter(framesPerMinute int) *FrameRateLimiter {
	return &FrameRateLimiter{
		framesPerMinute: framesPerMinute,
		frames:          make([]time.Time, 0),
		now:             time.Now,
	}
}

// Allow records a frame and reports whether it is within the limit
func (r *FrameRateLimiter) Allow() bool {
	if r.framesPerMinute <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)

	if len(r.frames) >= r.framesPerMinute {
		return false
	}
	r.frames = append(r.frames, now)
	return true
}

// UpdateLimit changes the per-minute limit
func (r *FrameRateLimiter) UpdateLimit(framesPerMinute int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.framesPerMinute = framesPerMinute
}

// Count returns the frames accepted in the current window
func (r *FrameRateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
	return len(r.frames)
}

func (r *FrameRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	valid := r.frames[:0]
	for _, t := range r.frames {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.frames = valid
}
