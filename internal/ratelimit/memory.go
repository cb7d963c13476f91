package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLimiter is the in-process fallback window. Its counters reset on every
// cold start, which under-enforces the limit across restarts and across
// instances; it is selected only when no Redis URL is configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]Window
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	count   int64
	resetAt time.Time
}

func NewMemoryLimiter(windows map[string]Window) *MemoryLimiter {
	return &MemoryLimiter{
		windows: windows,
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, identity, class string) (Decision, error) {
	window, ok := l.windows[class]
	if !ok {
		return Decision{}, fmt.Errorf("unknown rate limit class %q", class)
	}

	now := l.now()
	key := class + ":" + identity

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || !now.Before(entry.resetAt) {
		entry = &memoryEntry{resetAt: now.Add(window.Duration)}
		l.entries[key] = entry
	}
	entry.count++

	remaining := window.Capacity - entry.count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   entry.count <= window.Capacity,
		Remaining: remaining,
		ResetAt:   entry.resetAt,
	}, nil
}
