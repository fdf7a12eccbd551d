package stream

import (
	"strings"
	"sync"
	"time"
)

// Limiter rate-limits repeated log lines and events per key. One Limiter is
// owned by the coordinator and shared by all streams.
type Limiter struct {
	every time.Duration

	mu         sync.Mutex
	last       map[string]time.Time
	suppressed map[string]int
}

// NewLimiter allows one occurrence per key every interval.
func NewLimiter(every time.Duration) *Limiter {
	return &Limiter{
		every:      every,
		last:       make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

// Allow reports whether key may be emitted at now, and how many occurrences
// were suppressed since the last allowed one.
func (l *Limiter) Allow(key string, now time.Time) (bool, int) {
	if l == nil {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.last[key]; ok && now.Sub(last) < l.every {
		l.suppressed[key]++
		return false, 0
	}
	n := l.suppressed[key]
	l.last[key] = now
	delete(l.suppressed, key)
	return true, n
}

// Forget drops the state of every key with the given prefix.
func (l *Limiter) Forget(prefix string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.last {
		if strings.HasPrefix(k, prefix) {
			delete(l.last, k)
			delete(l.suppressed, k)
		}
	}
}
