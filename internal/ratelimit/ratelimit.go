package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Class int

const (
	General Class = iota
	// Chat requests draw from the general bucket and a stricter chat bucket.
	Chat
)

type Options struct {
	EventsPerSecond float64
	Burst           int
	ChatPerSecond   float64
	ChatBurst       int
	Now             func() time.Time
}

type buckets struct {
	general *rate.Limiter
	chat    *rate.Limiter
}

// Limiter keeps per-connection token buckets.
type Limiter struct {
	opts Options

	mu    sync.Mutex
	conns map[string]*buckets
}

func New(opts Options) *Limiter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{opts: opts, conns: make(map[string]*buckets)}
}

// Allow reports whether connID may issue one more request of class c.
// A zero rate disables limiting for that bucket.
func (l *Limiter) Allow(connID string, c Class) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.conns[connID]
	if !ok {
		b = &buckets{
			general: newBucket(l.opts.EventsPerSecond, l.opts.Burst),
			chat:    newBucket(l.opts.ChatPerSecond, l.opts.ChatBurst),
		}
		l.conns[connID] = b
	}

	now := l.opts.Now()
	if !b.general.AllowN(now, 1) {
		return false
	}
	if c == Chat && !b.chat.AllowN(now, 1) {
		return false
	}
	return true
}

// Forget drops the buckets of a closed connection.
func (l *Limiter) Forget(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, connID)
}

func newBucket(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
