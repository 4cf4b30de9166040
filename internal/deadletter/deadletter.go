// Package deadletter holds fragments the pipeline gave up on, so an
// operator can inspect and replay them. Entries carry the failure
// reason and attempt count alongside the original fragment.
package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/flashpoint/internal/fragment"
)

// Entry is one dead-lettered fragment.
type Entry struct {
	Fragment *fragment.Fragment `json:"fragment"`
	Reason   string             `json:"reason"`
	Attempts int                `json:"attempts"`
	FailedAt time.Time          `json:"failed_at"`
}

// Sink receives dead-lettered fragments.
type Sink interface {
	Add(ctx context.Context, e Entry) error
}

// Memory is an in-process sink for development and tests.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory creates an empty in-process sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Add appends the entry.
func (m *Memory) Add(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a snapshot of everything dead-lettered so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Len reports the number of entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
