// Package limiter caps local in-flight requests per model.
package limiter

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter is a global per-model semaphore. A zero cap disables limiting.
type Limiter struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
	cap  int64
}

// New creates a limiter with the given per-model cap (0 = unlimited).
func New(perModelCap int) *Limiter {
	return &Limiter{
		sems: make(map[string]*semaphore.Weighted),
		cap:  int64(perModelCap),
	}
}

func (l *Limiter) sem(model string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[model]
	if !ok {
		s = semaphore.NewWeighted(l.cap)
		l.sems[model] = s
	}
	return s
}

// TryAcquire takes one slot for the model without blocking. Returns false
// when the model is at its concurrency cap.
func (l *Limiter) TryAcquire(model string) bool {
	if l.cap <= 0 {
		return true
	}
	return l.sem(model).TryAcquire(1)
}

// Release returns one slot for the model.
func (l *Limiter) Release(model string) {
	if l.cap <= 0 {
		return
	}
	l.sem(model).Release(1)
}
