package gateway

import (
	"sync"
	"time"
)

const (
	reasonRateLimited   = "rate limit exceeded"
	reasonTooConcurrent = "too many concurrent requests"
)

// RateLimiter applies a sliding one-minute request window and an in-flight
// cap per client key (remote host).
type RateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	clients           map[string]*clientWindow
	now               func() time.Time
}

type clientWindow struct {
	requests   []time.Time
	concurrent int
}

// NewRateLimiter creates a limiter. Non-positive limits disable that check.
func NewRateLimiter(requestsPerMinute, maxConcurrent int) *RateLimiter {
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		clients:           make(map[string]*clientWindow),
		now:               time.Now,
	}
}

// Begin admits one request for key. On success the returned release func
// must be called when the request finishes; otherwise reason says why the
// request was refused.
func (r *RateLimiter) Begin(key string) (release func(), reason string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.clients[key]
	if w == nil {
		w = &clientWindow{}
		r.clients[key] = w
	}
	now := r.now()
	w.prune(now)

	if r.maxConcurrent > 0 && w.concurrent >= r.maxConcurrent {
		return nil, reasonTooConcurrent, false
	}
	if r.requestsPerMinute > 0 && len(w.requests) >= r.requestsPerMinute {
		return nil, reasonRateLimited, false
	}

	w.requests = append(w.requests, now)
	w.concurrent++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if w.concurrent > 0 {
				w.concurrent--
			}
			if w.concurrent == 0 && len(w.requests) == 0 {
				delete(r.clients, key)
			}
		})
	}, "", true
}

// Stats returns the requests counted in the current window and the
// in-flight count for key.
func (r *RateLimiter) Stats(key string) (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.clients[key]
	if w == nil {
		return 0, 0
	}
	w.prune(r.now())
	return len(w.requests), w.concurrent
}

func (w *clientWindow) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := w.requests[:0]
	for _, t := range w.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.requests = kept
}
