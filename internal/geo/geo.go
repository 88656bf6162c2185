package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// MinDisplacementDegrees is the movement below which a location update only
// refreshes the timestamp. 0.0001 degrees is roughly 11 m of latitude.
const MinDisplacementDegrees = 0.0001

// PlanarDisplacement is the euclidean distance between a and b in raw degrees.
// Assumption: at this magnitude treating lat/lon as a flat plane is close
// enough for a skip-the-write check. It is not a geodesic distance and it
// shrinks with latitude along the lon axis; keep it planar so the threshold
// keeps its existing meaning.
func PlanarDisplacement(a, b models.Coord) float64 {
	dLat := a.Lat - b.Lat
	dLon := a.Lon - b.Lon
	return math.Sqrt(dLat*dLat + dLon*dLon)
}

// Moved reports whether next is far enough from prev to rewrite the location.
func Moved(prev, next models.Coord) bool {
	return PlanarDisplacement(prev, next) >= MinDisplacementDegrees
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
