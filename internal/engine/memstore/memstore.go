// Package memstore provides an in-memory implementation of
// engine.Store with full compare-and-update semantics. Suitable for
// dev/testing and single-node deployments without Postgres.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/flashpoint/internal/engine"
)

// Store holds incidents in memory. All reads return deep copies so
// callers never share backing arrays with the store.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*engine.Incident // incident ID -> record
	owners    map[string]string           // fragment ID -> incident ID
	now       func() time.Time
}

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*engine.Incident),
		owners:    make(map[string]string),
		now:       time.Now,
	}
}

// SetClock overrides the store clock, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Get implements engine.Store.
func (s *Store) Get(_ context.Context, id string) (*engine.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.incidents[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return in.Clone(), nil
}

// GetByFragment implements engine.Store.
func (s *Store) GetByFragment(_ context.Context, fragmentID string) (*engine.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.owners[fragmentID]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return s.incidents[id].Clone(), nil
}

// Create implements engine.Store.
func (s *Store) Create(_ context.Context, in *engine.Incident) error {
	if in.Version != 1 {
		return fmt.Errorf("create with version %d, want 1", in.Version)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.incidents[in.ID]; exists {
		return fmt.Errorf("incident %s already exists", in.ID)
	}
	for _, fid := range in.FragmentIDs {
		if owner, taken := s.owners[fid]; taken {
			return fmt.Errorf("fragment %s already owned by incident %s", fid, owner)
		}
	}
	cp := in.Clone()
	s.incidents[cp.ID] = cp
	for _, fid := range cp.FragmentIDs {
		s.owners[fid] = cp.ID
	}
	return nil
}

// Update implements engine.Store. The mutator runs against a private
// copy; nothing is visible to readers until the compare-and-update
// commits, and a version mismatch changes nothing at all.
func (s *Store) Update(_ context.Context, id string, expectedVersion int64, mutate func(*engine.Incident) error) (*engine.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.incidents[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: have %d, expected %d", engine.ErrVersionConflict, current.Version, expectedVersion)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = s.now()

	for _, fid := range next.FragmentIDs {
		if owner, taken := s.owners[fid]; taken && owner != id {
			return nil, fmt.Errorf("fragment %s already owned by incident %s", fid, owner)
		}
	}

	s.incidents[id] = next
	for _, fid := range next.FragmentIDs {
		s.owners[fid] = id
	}
	return next.Clone(), nil
}

// List implements engine.Store.
func (s *Store) List(_ context.Context, f engine.Filter) ([]*engine.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*engine.Incident
	for _, in := range s.incidents {
		if matches(in, f) {
			out = append(out, in.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(in *engine.Incident, f engine.Filter) bool {
	if f.EventType != "" && in.EventType != f.EventType {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if in.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinUrgency != 0 && in.Urgency < f.MinUrgency {
		return false
	}
	if f.BBox != nil {
		if !in.HasCoordinates || !f.BBox.Contains(in.Centroid) {
			return false
		}
	}
	if !f.Since.IsZero() && in.Window.End.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && in.Window.Start.After(f.Until) {
		return false
	}
	return true
}
