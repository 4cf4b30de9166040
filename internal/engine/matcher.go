package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/flashpoint/internal/fragment"
	"github.com/linnemanlabs/flashpoint/internal/geo"
	"github.com/linnemanlabs/flashpoint/internal/simindex"
)

// Candidate is one incident a fragment could merge into, with its
// cosine similarity to the incident centroid.
type Candidate struct {
	Incident *Incident
	Score    float64
}

// MatcherConfig carries the tunables of candidate matching.
type MatcherConfig struct {
	// RadiusKM is the maximum distance between a fragment's location
	// and an incident centroid.
	RadiusKM float64
	// TimeGap is how far outside an incident's window a fragment may
	// fall and still be considered.
	TimeGap time.Duration
	// ReopenWindow bounds how long after its last fragment an archived
	// incident remains matchable.
	ReopenWindow time.Duration
	// TopK caps the returned candidate list.
	TopK int
}

// Matcher produces ranked merge candidates for a fragment. It is a
// point-in-time query: results reflect the store and index at call
// time and are only meaningful while the fragment's bucket lock is
// held.
type Matcher struct {
	store   Store
	index   simindex.Index
	buckets Bucketer
	cfg     MatcherConfig
}

// NewMatcher creates a matcher over the given store and index.
func NewMatcher(store Store, index simindex.Index, buckets Bucketer, cfg MatcherConfig) *Matcher {
	return &Matcher{store: store, index: index, buckets: buckets, cfg: cfg}
}

// oversample widens the index query beyond TopK so that candidates
// eliminated by the hard filters do not starve the ranked list.
const oversample = 4

// FindCandidates returns the fragment's merge candidates, best first.
// An empty result signals "create new". Ties in similarity go to the
// most recently updated incident, which consolidates fragments into
// the actively growing record.
func (m *Matcher) FindCandidates(ctx context.Context, f *fragment.Fragment, now time.Time) ([]Candidate, error) {
	cells := m.buckets.SearchCells(f)
	hits, err := m.index.Query(ctx, f.EventType, cells, f.Embedding, m.cfg.TopK*oversample)
	if err != nil {
		return nil, fmt.Errorf("index query: %w", err)
	}

	var candidates []Candidate
	for _, hit := range hits {
		in, err := m.store.Get(ctx, hit.IncidentID)
		if errors.Is(err, ErrNotFound) {
			// Index retention can trail store retention; skip.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load candidate %s: %w", hit.IncidentID, err)
		}
		if !m.admissible(f, in, now) {
			continue
		}
		candidates = append(candidates, Candidate{Incident: in, Score: hit.Score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Incident.UpdatedAt.After(candidates[j].Incident.UpdatedAt)
	})
	if len(candidates) > m.cfg.TopK {
		candidates = candidates[:m.cfg.TopK]
	}
	return candidates, nil
}

// admissible applies the hard filters: lifecycle status (with reopen
// window for archived incidents), geographic proximity or raw-text
// overlap, and time-window proximity. The event type filter already
// happened in the index query.
func (m *Matcher) admissible(f *fragment.Fragment, in *Incident, now time.Time) bool {
	if in.Status == StatusArchived && now.Sub(in.LastFragmentAt) > m.cfg.ReopenWindow {
		return false
	}
	if !m.nearby(f, in) {
		return false
	}
	if f.ObservedAt.Before(in.Window.Start.Add(-m.cfg.TimeGap)) {
		return false
	}
	if f.ObservedAt.After(in.Window.End.Add(m.cfg.TimeGap)) {
		return false
	}
	return true
}

func (m *Matcher) nearby(f *fragment.Fragment, in *Incident) bool {
	if f.HasCoordinates() && in.HasCoordinates {
		return geo.DistanceKM(*f.Location, in.Centroid) <= m.cfg.RadiusKM
	}
	return tokenOverlap(f.RawLocationText, in.RawLocationText)
}

// tokenOverlap reports whether the two location texts share at least
// one meaningful token. Tokens shorter than three runes ("de", "el",
// cardinal abbreviations) are too common to count.
func tokenOverlap(a, b string) bool {
	seen := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(a)) {
		if len(tok) >= 3 {
			seen[tok] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return false
	}
	for _, tok := range strings.Fields(strings.ToLower(b)) {
		if _, ok := seen[tok]; ok {
			return true
		}
	}
	return false
}
