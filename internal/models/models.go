package models

import "math"

// Coord is a WGS84 point.
type Coord struct {
	Lat float64
	Lon float64
}

// Valid reports whether c lies on the globe. (0,0) is a real point.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Bounds is a map viewport.
type Bounds struct {
	SouthWest Coord
	NorthEast Coord
}

func (b Bounds) Valid() bool {
	return b.SouthWest.Lat <= b.NorthEast.Lat && b.SouthWest.Lon <= b.NorthEast.Lon &&
		b.SouthWest.Lat >= -90 && b.NorthEast.Lat <= 90 &&
		b.SouthWest.Lon >= -180 && b.NorthEast.Lon <= 180
}

// TravelMetrics is what the routing collaborator returns for a path.
type TravelMetrics struct {
	DistanceMeters  float64
	DurationSeconds float64
	Directions      []Coord
}

// Round2 rounds an amount to cents.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
