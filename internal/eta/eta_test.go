package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	a = models.Coord{Lat: 52.5200, Lon: 13.4050}
	b = models.Coord{Lat: 52.5300, Lon: 13.4050}
)

func TestEstimator(t *testing.T) {
	m, err := Estimator{SpeedMps: 10}.TravelMetrics(context.Background(), []models.Coord{a, b})
	require.NoError(t, err)
	assert.InDelta(t, 1112, m.DistanceMeters, 2)
	assert.InDelta(t, 111.2, m.DurationSeconds, 0.2)
	assert.Equal(t, []models.Coord{a, b}, m.Directions)

	_, err = Estimator{}.TravelMetrics(context.Background(), []models.Coord{a})
	assert.Error(t, err)
}

func TestOSRMRouter(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":1500.5,"duration":240,"geometry":{"coordinates":[[13.405,52.52],[13.405,52.53]]}}]}`))
	}))
	defer srv.Close()

	m, err := NewOSRMRouter(srv.URL+"/").TravelMetrics(context.Background(), []models.Coord{a, b})
	require.NoError(t, err)
	assert.Equal(t, "/route/v1/driving/13.405000,52.520000;13.405000,52.530000", gotPath)
	assert.Equal(t, 1500.5, m.DistanceMeters)
	assert.Equal(t, 240.0, m.DurationSeconds)
	assert.Equal(t, []models.Coord{a, b}, m.Directions)
}

func TestOSRMRouter_NoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMRouter(srv.URL).TravelMetrics(context.Background(), []models.Coord{a, b})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "NoRoute"))
}

type countingRouter struct {
	calls int
	err   error
}

func (c *countingRouter) TravelMetrics(_ context.Context, points []models.Coord) (models.TravelMetrics, error) {
	c.calls++
	if c.err != nil {
		return models.TravelMetrics{}, c.err
	}
	return models.TravelMetrics{DistanceMeters: float64(len(points))}, nil
}

func TestCachedRouter(t *testing.T) {
	inner := &countingRouter{}
	c := NewCachedRouter(inner, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := c.TravelMetrics(context.Background(), []models.Coord{a, b})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, inner.calls)

	now = now.Add(2 * time.Minute)
	_, err := c.TravelMetrics(context.Background(), []models.Coord{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, c.Prune())
}

func TestCachedRouter_ErrorsAreNotCached(t *testing.T) {
	inner := &countingRouter{err: errors.New("down")}
	c := NewCachedRouter(inner, time.Minute)
	_, err := c.TravelMetrics(context.Background(), []models.Coord{a, b})
	require.Error(t, err)
	_, err = c.TravelMetrics(context.Background(), []models.Coord{a, b})
	require.Error(t, err)
	assert.Equal(t, 2, inner.calls)
}
