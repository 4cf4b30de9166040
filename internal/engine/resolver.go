package engine

import (
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/flashpoint/internal/fragment"
)

// Thresholds holds the merge similarity cutoffs. Event types cluster
// differently (protest chatter is looser than earthquake reports), so
// the base threshold can be overridden per type.
type Thresholds struct {
	Base    float64
	PerType map[fragment.EventType]float64
}

// For returns the threshold for the event type.
func (t Thresholds) For(et fragment.EventType) float64 {
	if v, ok := t.PerType[et]; ok {
		return v
	}
	return t.Base
}

// Decision is the outcome of resolving a fragment against its ranked
// candidates: merge into Target, or create new when Target is nil.
type Decision struct {
	Target *Incident
	Score  float64
}

// CreateNew reports whether the fragment seeds a fresh incident.
func (d Decision) CreateNew() bool { return d.Target == nil }

// Resolver decides match-vs-create and computes merged incident state.
type Resolver struct {
	thresholds Thresholds
}

// NewResolver creates a resolver with the given thresholds.
func NewResolver(t Thresholds) *Resolver {
	return &Resolver{thresholds: t}
}

// Resolve accepts the top-ranked candidate iff its similarity clears
// the event type's threshold; anything less creates a new incident.
// Candidates must already be ranked best first.
func (r *Resolver) Resolve(f *fragment.Fragment, candidates []Candidate) Decision {
	if len(candidates) == 0 {
		return Decision{}
	}
	best := candidates[0]
	if best.Score < r.thresholds.For(f.EventType) {
		return Decision{}
	}
	return Decision{Target: best.Incident, Score: best.Score}
}

// Merge folds the fragment into the incident in place. Every field
// moves monotonically: the window only extends, urgency only rises,
// estimate ranges only widen, needs only accumulate. A stale or
// archived incident reopens. The caller guards idempotence (fragment
// already a member means no call) and the store bumps the version.
func Merge(in *Incident, f *fragment.Fragment) {
	in.FragmentIDs = append(in.FragmentIDs, f.ID)
	n := len(in.FragmentIDs)

	// Running mean over exactly the member fragment embeddings.
	if len(in.CentroidEmbedding) == len(f.Embedding) {
		for i := range in.CentroidEmbedding {
			in.CentroidEmbedding[i] += (f.Embedding[i] - in.CentroidEmbedding[i]) / float32(n)
		}
	}

	if f.HasCoordinates() {
		if !in.HasCoordinates {
			in.HasCoordinates = true
			in.Centroid = *f.Location
			in.CoordFragments = 1
		} else {
			in.CoordFragments++
			k := float64(in.CoordFragments)
			in.Centroid.Lat += (f.Location.Lat - in.Centroid.Lat) / k
			in.Centroid.Lon += (f.Location.Lon - in.Centroid.Lon) / k
		}
	}
	mergeLocationText(in, f.RawLocationText)

	if f.ObservedAt.Before(in.Window.Start) {
		in.Window.Start = f.ObservedAt
	}
	if f.ObservedAt.After(in.Window.End) {
		in.Window.End = f.ObservedAt
	}
	if f.ObservedAt.After(in.LastFragmentAt) {
		in.LastFragmentAt = f.ObservedAt
	}

	if f.Urgency > in.Urgency {
		in.Urgency = f.Urgency
	}
	if f.Casualties != nil {
		in.Casualties = widen(in.Casualties, *f.Casualties)
	}
	if f.Displaced != nil {
		in.Displaced = widen(in.Displaced, *f.Displaced)
	}
	for _, need := range f.Needs {
		if !slices.Contains(in.Needs, need) {
			in.Needs = append(in.Needs, need)
		}
	}
	slices.Sort(in.Needs)

	// The reopen path: any accepted merge makes the incident live again.
	in.Status = StatusOpen
}

// Seed builds a fresh incident from a single fragment.
func Seed(id string, f *fragment.Fragment, now time.Time) *Incident {
	in := &Incident{
		ID:                id,
		EventType:         f.EventType,
		Window:            TimeWindow{Start: f.ObservedAt, End: f.ObservedAt},
		Urgency:           f.Urgency,
		Needs:             slices.Clone(f.Needs),
		FragmentIDs:       []string{f.ID},
		CentroidEmbedding: slices.Clone(f.Embedding),
		Status:            StatusOpen,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
		LastFragmentAt:    f.ObservedAt,
	}
	if f.HasCoordinates() {
		in.HasCoordinates = true
		in.Centroid = *f.Location
		in.CoordFragments = 1
	}
	in.RawLocationText = f.RawLocationText
	if f.Casualties != nil {
		in.Casualties = &Range{Low: *f.Casualties, High: *f.Casualties}
	}
	if f.Displaced != nil {
		in.Displaced = &Range{Low: *f.Displaced, High: *f.Displaced}
	}
	slices.Sort(in.Needs)
	return in
}

func widen(r *Range, v int) *Range {
	if r == nil {
		return &Range{Low: v, High: v}
	}
	w := r.Widen(v)
	return &w
}

// mergeLocationText accumulates distinct raw location texts so the
// token-overlap fallback keeps seeing every place name the incident
// was reported under.
func mergeLocationText(in *Incident, raw string) {
	if raw == "" {
		return
	}
	if in.RawLocationText == "" {
		in.RawLocationText = raw
		return
	}
	if strings.Contains(strings.ToLower(in.RawLocationText), strings.ToLower(raw)) {
		return
	}
	in.RawLocationText += "; " + raw
}
