package engine

import (
	"slices"
	"time"

	"github.com/linnemanlabs/flashpoint/internal/fragment"
	"github.com/linnemanlabs/flashpoint/internal/geo"
)

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusOpen means the incident is active and accepting fragments.
	StatusOpen Status = "open"

	// StatusStale means no fragment has arrived for longer than the
	// staleness timeout. Stale incidents still match and reopen.
	StatusStale Status = "stale"

	// StatusArchived means the incident aged out entirely. Archived
	// incidents remain queryable and can reopen inside the reopen
	// window; they are never destroyed.
	StatusArchived Status = "archived"
)

// Range is a widening estimate interval. Merges only ever extend it to
// cover newly reported figures; it never narrows automatically.
type Range struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// Widen extends the range to cover v.
func (r Range) Widen(v int) Range {
	if v < r.Low {
		r.Low = v
	}
	if v > r.High {
		r.High = v
	}
	return r
}

// TimeWindow is the observed span of an incident. End extends as
// fragments arrive and is always >= the last fragment time.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Incident is an aggregated record of one real-world emergency event.
// Identity is stable across merges; version is the sole concurrency
// token and increments on every mutation.
type Incident struct {
	ID        string             `json:"id"`
	EventType fragment.EventType `json:"event_type"`

	Centroid geo.Point `json:"centroid"`
	RadiusKM float64   `json:"radius_km"`
	// HasCoordinates is false for incidents built solely from
	// coordinate-less fragments; such incidents match on location text.
	HasCoordinates bool `json:"has_coordinates"`
	// CoordFragments counts the member fragments that carried
	// coordinates; it is the divisor of the centroid running mean.
	CoordFragments  int    `json:"coord_fragments"`
	RawLocationText string `json:"raw_location_text,omitempty"`

	Window  TimeWindow       `json:"window"`
	Urgency fragment.Urgency `json:"urgency"`

	Casualties *Range   `json:"casualties,omitempty"`
	Displaced  *Range   `json:"displaced,omitempty"`
	Needs      []string `json:"needs,omitempty"`

	// Presentation fields written back by the external summarizer.
	// They never participate in matching or merging.
	Summary            string `json:"summary,omitempty"`
	RecommendedActions []string `json:"recommended_actions,omitempty"`

	FragmentIDs       []string  `json:"fragment_ids"`
	CentroidEmbedding []float32 `json:"centroid_embedding"`

	Status         Status    `json:"status"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastFragmentAt time.Time `json:"last_fragment_at"`
}

// HasFragment reports whether the fragment id is already a member.
func (in *Incident) HasFragment(id string) bool {
	return slices.Contains(in.FragmentIDs, id)
}

// Clone returns a deep copy so callers can mutate without sharing
// backing arrays with store internals.
func (in *Incident) Clone() *Incident {
	cp := *in
	cp.Needs = slices.Clone(in.Needs)
	cp.RecommendedActions = slices.Clone(in.RecommendedActions)
	cp.FragmentIDs = slices.Clone(in.FragmentIDs)
	cp.CentroidEmbedding = slices.Clone(in.CentroidEmbedding)
	if in.Casualties != nil {
		c := *in.Casualties
		cp.Casualties = &c
	}
	if in.Displaced != nil {
		d := *in.Displaced
		cp.Displaced = &d
	}
	return &cp
}
