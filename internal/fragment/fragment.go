// Package fragment defines the classified input unit of the aggregation
// engine: one piece of source text that an upstream classifier has
// already tagged with an event type, location, urgency and embedding.
// The engine never parses free text itself; anything outside this fixed
// contract is rejected as malformed.
package fragment

import (
	"time"

	"github.com/linnemanlabs/flashpoint/internal/geo"
)

// EventType classifies the kind of emergency a fragment describes.
type EventType string

const (
	Earthquake            EventType = "earthquake"
	Flood                 EventType = "flood"
	Fire                  EventType = "fire"
	Violence              EventType = "violence"
	DiseaseOutbreak       EventType = "disease_outbreak"
	InfrastructureFailure EventType = "infrastructure_failure"
	Protest               EventType = "protest"
	IndustrialAccident    EventType = "industrial_accident"
	Other                 EventType = "other"
)

// EventTypes lists every valid event type.
var EventTypes = []EventType{
	Earthquake, Flood, Fire, Violence, DiseaseOutbreak,
	InfrastructureFailure, Protest, IndustrialAccident, Other,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Urgency is an ordinal urgency score assigned by the upstream
// classifier. Higher is more urgent.
type Urgency int

const (
	UrgencyMonitoring Urgency = 1
	UrgencyLow        Urgency = 2
	UrgencyMedium     Urgency = 3
	UrgencyHigh       Urgency = 4
	UrgencyCritical   Urgency = 5
)

// Valid reports whether u is inside the ordinal scale.
func (u Urgency) Valid() bool {
	return u >= UrgencyMonitoring && u <= UrgencyCritical
}

// String returns the level name used in API responses and logs.
func (u Urgency) String() string {
	switch u {
	case UrgencyMonitoring:
		return "monitoring"
	case UrgencyLow:
		return "low"
	case UrgencyMedium:
		return "medium"
	case UrgencyHigh:
		return "high"
	case UrgencyCritical:
		return "critical"
	}
	return "unknown"
}

// Known humanitarian-need tags. The set on a fragment is open (the
// classifier may emit new tags); these are the ones the original
// taxonomy defines.
const (
	NeedMedicalAid           = "medical_aid"
	NeedShelter              = "shelter"
	NeedFoodWater            = "food_water"
	NeedRescueTeams          = "rescue_teams"
	NeedEvacuation           = "evacuation"
	NeedInfrastructureRepair = "infrastructure_repair"
)

// Fragment is one classified unit of source text. It is immutable once
// created: the engine only reads it during matching, then the incident
// it joins references it by id.
type Fragment struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	SourceText string    `json:"source_text"`
	ObservedAt time.Time `json:"observed_at"`

	EventType       EventType  `json:"event_type"`
	Location        *geo.Point `json:"location,omitempty"`
	RawLocationText string     `json:"raw_location_text,omitempty"`
	Urgency         Urgency    `json:"urgency"`

	Embedding []float32 `json:"embedding"`

	// Impact hints extracted by the classifier. Nil means the source
	// text gave no figure, which is different from an explicit zero.
	Casualties *int `json:"casualties,omitempty"`
	Displaced  *int `json:"displaced,omitempty"`

	Needs []string `json:"needs,omitempty"`
}

// HasCoordinates reports whether the fragment carries resolved
// coordinates. Fragments without them fall back to raw-location-text
// matching.
func (f *Fragment) HasCoordinates() bool {
	return f.Location != nil
}
