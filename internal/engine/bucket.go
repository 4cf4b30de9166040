package engine

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/linnemanlabs/flashpoint/internal/fragment"
	"github.com/linnemanlabs/flashpoint/internal/geo"
)

// Bucketer derives the coarse bucket a fragment belongs to. Buckets
// scope three things: the per-bucket lock that serializes match/create
// races, the cell neighborhood candidate search runs over, and nothing
// else. They are deliberately coarse; precision comes from the matcher's
// hard filters, not from the bucket.
type Bucketer struct {
	// CellDegrees is the side length of a quantized location cell.
	CellDegrees float64
	// Slot is the quantized time window width.
	Slot time.Duration
}

// Ref identifies one bucket.
type Ref struct {
	EventType fragment.EventType
	Cell      string
	Slot      int64
}

// Key returns the lock key for the bucket.
func (r Ref) Key() string {
	return fmt.Sprintf("%s|%s|%d", r.EventType, r.Cell, r.Slot)
}

// Ref computes the bucket for a fragment. Fragments without coordinates
// bucket on their normalized raw location text, so retried scrapes of
// the same un-geocoded place still serialize through one lock.
func (b Bucketer) Ref(f *fragment.Fragment) Ref {
	return Ref{
		EventType: f.EventType,
		Cell:      b.cell(f),
		Slot:      f.ObservedAt.Unix() / int64(b.Slot/time.Second),
	}
}

func (b Bucketer) cell(f *fragment.Fragment) string {
	if f.Location != nil {
		return b.coordCell(*f.Location)
	}
	return textCell(f.RawLocationText)
}

func (b Bucketer) coordCell(p geo.Point) string {
	latIdx := int(math.Floor(p.Lat / b.CellDegrees))
	lonIdx := int(math.Floor(p.Lon / b.CellDegrees))
	return fmt.Sprintf("c%d:%d", latIdx, lonIdx)
}

// SearchCells returns the cells candidate search should cover for the
// fragment: the 3x3 neighborhood around a coordinate cell (a real event
// near a cell border clusters across two cells), or the single text
// cell for coordinate-less fragments. A fragment with both coordinates
// and raw text also covers its text cell, so it can still find
// incidents built from un-geocoded fragments of the same place.
func (b Bucketer) SearchCells(f *fragment.Fragment) []string {
	if f.Location == nil {
		return []string{textCell(f.RawLocationText)}
	}
	latIdx := int(math.Floor(f.Location.Lat / b.CellDegrees))
	lonIdx := int(math.Floor(f.Location.Lon / b.CellDegrees))
	cells := make([]string, 0, 10)
	for dLat := -1; dLat <= 1; dLat++ {
		for dLon := -1; dLon <= 1; dLon++ {
			cells = append(cells, fmt.Sprintf("c%d:%d", latIdx+dLat, lonIdx+dLon))
		}
	}
	if f.RawLocationText != "" {
		cells = append(cells, textCell(f.RawLocationText))
	}
	return cells
}

// CellForIncident returns the index cell an incident belongs in, from
// its current centroid.
func (b Bucketer) CellForIncident(in *Incident) string {
	if in.HasCoordinates {
		return b.coordCell(in.Centroid)
	}
	return textCell(in.RawLocationText)
}

func textCell(raw string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(raw)), "-")
	if norm == "" {
		norm = "unlocated"
	}
	return "t:" + norm
}

