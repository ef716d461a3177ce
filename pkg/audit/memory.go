// Copyright 2025 Certen Protocol

package audit

import (
	"context"
	"log"
	"sync"
	"time"
)

// MemorySink is the in-process fallback, used when no postgres URL is
// configured or the postgres sink cannot be reached at startup. It
// shares Sink's contract so callers never branch on backend.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	last    time.Time
	logger  *log.Logger
	closed  bool
}

// NewMemorySink constructs an in-memory audit sink.
func NewMemorySink(logger *log.Logger) *MemorySink {
	if logger == nil {
		logger = log.New(log.Writer(), "[AuditSink] ", log.LstdFlags)
	}
	return &MemorySink{logger: logger}
}

func (m *MemorySink) Record(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.last = checkOrdering(m.last, entry, m.logger.Printf)
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemorySink) ReadRecent(ctx context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	start := len(m.entries) - limit
	out := make([]Entry, limit)
	copy(out, m.entries[start:])
	return out, nil
}

func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
