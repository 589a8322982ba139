package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sampler throttles log lines per key so bursty failures (queue full, watcher
// errors) don't flood the sinks. Keys are independent: each gets its own
// token bucket with the configured interval and burst of 1.
//
// The zero value is not usable; use NewSampler.
type Sampler struct {
	every time.Duration

	mu  sync.Mutex
	lim map[string]*rate.Limiter
}

func NewSampler(every time.Duration) *Sampler {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Sampler{every: every, lim: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be emitted now.
func (s *Sampler) Allow(key string) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	l := s.lim[key]
	if l == nil {
		l = rate.NewLimiter(rate.Every(s.every), 1)
		s.lim[key] = l
	}
	s.mu.Unlock()
	return l.Allow()
}
