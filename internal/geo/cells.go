package geo

import (
	"errors"
	"math"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

// Resolutions are the geohash precisions the cluster index maintains, coarse to fine.
var Resolutions = []int{1, 2, 3, 4, 5, 6, 7, 8, 9}

// ErrTooManyCells is returned when a viewport would enumerate more cells than allowed.
var ErrTooManyCells = errors.New("geo: too many cells for bounds")

// zoomTable maps a map zoom level (exclusive upper bound) to a resolution.
var zoomTable = []struct {
	below float64
	res   int
}{
	{3, 1},
	{5, 2},
	{8, 3},
	{11, 4},
	{13, 5},
	{15, 6},
	{17, 7},
	{21, 8},
}

// ResolutionForZoom picks the cell resolution for a map zoom level.
func ResolutionForZoom(zoom float64) int {
	for _, z := range zoomTable {
		if zoom < z.below {
			return z.res
		}
	}
	return Resolutions[len(Resolutions)-1]
}

// CellAt returns the cell containing p at res.
func CellAt(p models.Coord, res int) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lon, uint(res))
}

// CellCenter returns the center of a cell rounded to 6 decimals.
func CellCenter(cell string) models.Coord {
	lat, lon := geohash.DecodeCenter(cell)
	return models.Coord{Lat: round6(lat), Lon: round6(lon)}
}

func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }

// CellsInBounds enumerates the cells at res that cover b, row by row from the
// south-west corner. max <= 0 disables the limit.
func CellsInBounds(b models.Bounds, res int, max int) ([]string, error) {
	prec := uint(res)
	origin := geohash.BoundingBox(geohash.EncodeWithPrecision(b.SouthWest.Lat, b.SouthWest.Lon, prec))
	h := origin.MaxLat - origin.MinLat
	w := origin.MaxLng - origin.MinLng

	seen := make(map[string]struct{})
	var out []string
	for lat := origin.MinLat + h/2; lat-h/2 <= b.NorthEast.Lat && lat < 90; lat += h {
		for lon := origin.MinLng + w/2; lon-w/2 <= b.NorthEast.Lon && lon < 180; lon += w {
			c := geohash.EncodeWithPrecision(lat, lon, prec)
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
			if max > 0 && len(out) > max {
				return nil, ErrTooManyCells
			}
		}
	}
	return out, nil
}

// Neighbors returns the eight cells around cell.
func Neighbors(cell string) []string {
	return geohash.Neighbors(cell)
}
