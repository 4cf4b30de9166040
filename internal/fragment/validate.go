package fragment

import (
	"errors"
	"fmt"
)

// ErrMalformed marks a fragment that is missing required classification
// fields or carries values outside the contract. Malformed fragments are
// rejected immediately, never retried.
var ErrMalformed = errors.New("malformed fragment")

// Validate checks the fragment against the fixed contract. embeddingDim
// is the vector length the engine was configured with; every fragment
// must match it exactly. All violations are reported at once so the
// upstream classifier gets one actionable log line.
func (f *Fragment) Validate(embeddingDim int) error {
	var errs []error

	if f.ID == "" {
		errs = append(errs, errors.New("missing id"))
	}
	if f.SourceID == "" {
		errs = append(errs, errors.New("missing source_id"))
	}
	if f.SourceText == "" {
		errs = append(errs, errors.New("missing source_text"))
	}
	if f.ObservedAt.IsZero() {
		errs = append(errs, errors.New("missing observed_at"))
	}
	if !f.EventType.Valid() {
		errs = append(errs, fmt.Errorf("unknown event_type %q", f.EventType))
	}
	if !f.Urgency.Valid() {
		errs = append(errs, fmt.Errorf("urgency %d outside 1..5", f.Urgency))
	}
	if len(f.Embedding) == 0 {
		errs = append(errs, errors.New("missing embedding"))
	} else if len(f.Embedding) != embeddingDim {
		errs = append(errs, fmt.Errorf("embedding length %d, engine expects %d", len(f.Embedding), embeddingDim))
	}

	// Location is either resolved coordinates or raw text, never neither.
	if f.Location != nil && !f.Location.Valid() {
		errs = append(errs, fmt.Errorf("coordinates (%v, %v) out of range", f.Location.Lat, f.Location.Lon))
	}
	if f.Location == nil && f.RawLocationText == "" {
		errs = append(errs, errors.New("no coordinates and no raw_location_text"))
	}

	if f.Casualties != nil && *f.Casualties < 0 {
		errs = append(errs, fmt.Errorf("negative casualties %d", *f.Casualties))
	}
	if f.Displaced != nil && *f.Displaced < 0 {
		errs = append(errs, fmt.Errorf("negative displaced %d", *f.Displaced))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrMalformed, errors.Join(errs...))
	}
	return nil
}
