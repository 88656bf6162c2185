package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(10, 20, 11, 20)
	assert.InDelta(t, 111195, d, 100)
}

func TestMovedThreshold(t *testing.T) {
	base := models.Coord{Lat: 52.52, Lon: 13.405}

	assert.False(t, Moved(base, models.Coord{Lat: 52.52005, Lon: 13.40505}), "~7m planar move should be skipped")
	assert.True(t, Moved(base, models.Coord{Lat: 52.5202, Lon: 13.405}), "0.0002 deg move should be written")
	// each axis under the threshold, combined distance over it
	assert.True(t, Moved(base, models.Coord{Lat: 52.52008, Lon: 13.40508}), "diagonal ~0.000113 deg move should be written")
	assert.InDelta(t, 0.0001, PlanarDisplacement(base, models.Coord{Lat: 52.52006, Lon: 13.40508}), 1e-9)
}

func TestResolutionForZoomIsMonotonic(t *testing.T) {
	prev := 0
	for z := 0.0; z <= 22; z += 0.5 {
		r := ResolutionForZoom(z)
		require.GreaterOrEqual(t, r, prev, "zoom %v", z)
		prev = r
	}
	assert.Equal(t, 1, ResolutionForZoom(0))
	assert.Equal(t, 9, ResolutionForZoom(22))
}

func TestCellsInBoundsCoversCorners(t *testing.T) {
	b := models.Bounds{
		SouthWest: models.Coord{Lat: 52.50, Lon: 13.37},
		NorthEast: models.Coord{Lat: 52.53, Lon: 13.43},
	}
	cells, err := CellsInBounds(b, 5, 0)
	require.NoError(t, err)

	set := map[string]bool{}
	for _, c := range cells {
		assert.False(t, set[c], "duplicate cell %s", c)
		set[c] = true
	}
	for _, p := range []models.Coord{b.SouthWest, b.NorthEast, {Lat: 52.50, Lon: 13.43}, {Lat: 52.53, Lon: 13.37}} {
		assert.True(t, set[CellAt(p, 5)], "corner %v not covered", p)
	}
}

func TestCellsInBoundsLimit(t *testing.T) {
	b := models.Bounds{
		SouthWest: models.Coord{Lat: 40, Lon: -10},
		NorthEast: models.Coord{Lat: 60, Lon: 30},
	}
	_, err := CellsInBounds(b, 6, 100)
	assert.ErrorIs(t, err, ErrTooManyCells)
}

func TestCellAtIsPrefixOfFinerCell(t *testing.T) {
	p := models.Coord{Lat: 48.8566, Lon: 2.3522}
	fine := CellAt(p, 9)
	for _, r := range Resolutions {
		assert.Equal(t, fine[:r], CellAt(p, r))
	}
	assert.Len(t, Neighbors(CellAt(p, 5)), 8)
}
