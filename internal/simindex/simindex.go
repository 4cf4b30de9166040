// Package simindex provides nearest-neighbor lookup over incident
// centroid embeddings. Queries are scoped to a cell neighborhood during
// matching and unscoped for the "similar past incidents" search. The
// in-memory implementation is a flat cosine scan guarded by an RWMutex;
// the interface leaves room for an external ANN service behind it.
package simindex

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/linnemanlabs/flashpoint/internal/fragment"
)

// ErrUnavailable is returned when the index cannot serve a query. The
// engine defers and retries the fragment rather than falling back to
// "always create new", which would duplicate incidents uncontrollably.
var ErrUnavailable = errors.New("similarity index unavailable")

// Entry is what the engine publishes for each incident: the centroid
// vector plus the coarse attributes queries scope on. Archived entries
// stay in the index so late fragments can reopen their incidents.
type Entry struct {
	IncidentID string
	EventType  fragment.EventType
	Cell       string
	Archived   bool
	Vector     []float32
}

// Hit is one ranked query result.
type Hit struct {
	IncidentID string
	Score      float64
	Archived   bool
}

// Index is the lookup contract the engine depends on.
type Index interface {
	// Upsert inserts or replaces the entry for an incident. It must be
	// called before the bucket lock is released so no other matcher in
	// the bucket observes a stale centroid.
	Upsert(ctx context.Context, e Entry) error

	// Remove evicts an incident entirely (retention policy only; the
	// lifecycle sweeper does not remove archived incidents).
	Remove(ctx context.Context, incidentID string) error

	// Query ranks entries of the given event type within the cell set
	// by cosine similarity to vec, best first, at most k results.
	Query(ctx context.Context, et fragment.EventType, cells []string, vec []float32, k int) ([]Hit, error)

	// QueryAll ranks every entry regardless of type or cell, for the
	// global semantic search surface.
	QueryAll(ctx context.Context, vec []float32, k int) ([]Hit, error)
}

// Memory is the in-process Index implementation.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// Upsert implements Index.
func (m *Memory) Upsert(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vec := make([]float32, len(e.Vector))
	copy(vec, e.Vector)
	e.Vector = vec
	m.entries[e.IncidentID] = e
	return nil
}

// Remove implements Index.
func (m *Memory) Remove(_ context.Context, incidentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, incidentID)
	return nil
}

// Query implements Index.
func (m *Memory) Query(_ context.Context, et fragment.EventType, cells []string, vec []float32, k int) ([]Hit, error) {
	cellSet := make(map[string]struct{}, len(cells))
	for _, c := range cells {
		cellSet[c] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	for _, e := range m.entries {
		if e.EventType != et {
			continue
		}
		if _, ok := cellSet[e.Cell]; !ok {
			continue
		}
		hits = append(hits, Hit{IncidentID: e.IncidentID, Score: Cosine(vec, e.Vector), Archived: e.Archived})
	}
	return top(hits, k), nil
}

// QueryAll implements Index.
func (m *Memory) QueryAll(_ context.Context, vec []float32, k int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]Hit, 0, len(m.entries))
	for _, e := range m.entries {
		hits = append(hits, Hit{IncidentID: e.IncidentID, Score: Cosine(vec, e.Vector), Archived: e.Archived})
	}
	return top(hits, k), nil
}

// Len reports the number of indexed incidents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func top(hits []Hit, k int) []Hit {
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Cosine returns the cosine similarity of two vectors. Mismatched or
// zero-magnitude vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
