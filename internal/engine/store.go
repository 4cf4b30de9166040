package engine

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/flashpoint/internal/fragment"
	"github.com/linnemanlabs/flashpoint/internal/geo"
)

var (
	// ErrNotFound is returned when no incident exists for the id.
	ErrNotFound = errors.New("incident not found")

	// ErrVersionConflict is returned by Update when the stored version
	// no longer matches the caller's expected version. The caller must
	// re-read and retry; nothing is partially applied.
	ErrVersionConflict = errors.New("incident version conflict")
)

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	EventType  fragment.EventType
	Statuses   []Status
	MinUrgency fragment.Urgency
	BBox       *geo.BBox
	// Since/Until constrain the incident time window: an incident
	// matches when its window overlaps [Since, Until].
	Since time.Time
	Until time.Time
	Limit int
}

// Store is the versioned persistence interface for incidents. It is the
// sole source of truth; every component mutates incidents only through
// Update's compare-and-update discipline.
type Store interface {
	// Get returns the incident or ErrNotFound.
	Get(ctx context.Context, id string) (*Incident, error)

	// GetByFragment returns the incident owning the fragment id, or
	// ErrNotFound. A fragment belongs to at most one incident ever, so
	// this is how replayed fragments are detected.
	GetByFragment(ctx context.Context, fragmentID string) (*Incident, error)

	// Create persists a new incident. The incident's Version must be 1.
	Create(ctx context.Context, in *Incident) error

	// Update atomically applies mutate to the incident iff its stored
	// version equals expectedVersion, bumping the version by exactly
	// one. A mismatch returns ErrVersionConflict and changes nothing.
	// The incident passed to mutate is a private copy; mutate must not
	// touch Version or UpdatedAt, the store owns both.
	Update(ctx context.Context, id string, expectedVersion int64, mutate func(*Incident) error) (*Incident, error)

	// List returns incidents matching the filter, most recently
	// updated first.
	List(ctx context.Context, f Filter) ([]*Incident, error)
}
