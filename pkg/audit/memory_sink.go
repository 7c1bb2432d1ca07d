package audit

import (
	"context"
	"sync"
	"time"
)

// MemorySink keeps the audit log in memory. Used by tests and by
// deployments that have not configured a database path.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int64
}

func NewMemorySink() *MemorySink {
	return &MemorySink{nextID: 1}
}

func (s *MemorySink) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = s.nextID
	s.nextID++
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemorySink) List(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemorySink) Close() error { return nil }
