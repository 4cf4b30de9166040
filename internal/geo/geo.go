// Package geo provides the small amount of spherical geometry the
// aggregation engine needs: great-circle distance between coordinate
// pairs and bounding-box containment for the query surface.
package geo

import "math"

const earthRadiusKM = 6371.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point is inside the legal coordinate ranges.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// DistanceKM returns the haversine great-circle distance between two
// points in kilometers.
func DistanceKM(a, b Point) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// BBox is a latitude/longitude bounding box used by list filters.
type BBox struct {
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
}

// Valid reports whether the box corners are legal coordinates in the
// right order. Boxes crossing the antimeridian are not supported.
func (b BBox) Valid() bool {
	return Point{b.MinLat, b.MinLon}.Valid() &&
		Point{b.MaxLat, b.MaxLon}.Valid() &&
		b.MinLat <= b.MaxLat && b.MinLon <= b.MaxLon
}

// Contains reports whether p falls inside the box, borders included.
func (b BBox) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat &&
		p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}
