// Package eta is the routing collaborator: travel distance, duration and
// directions along a list of points.
package eta

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Router computes travel metrics along points, in order.
type Router interface {
	TravelMetrics(ctx context.Context, points []models.Coord) (models.TravelMetrics, error)
}

// Estimator is a straight-line router used when no routing engine is configured.
type Estimator struct {
	SpeedMps float64
}

// TravelMetrics sums haversine legs and divides by the configured speed.
func (e Estimator) TravelMetrics(_ context.Context, points []models.Coord) (models.TravelMetrics, error) {
	if len(points) < 2 {
		return models.TravelMetrics{}, fmt.Errorf("eta: need at least 2 points, got %d", len(points))
	}
	speed := e.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	var dist float64
	for i := 1; i < len(points); i++ {
		dist += geo.Distance(points[i-1], points[i])
	}
	return models.TravelMetrics{
		DistanceMeters:  dist,
		DurationSeconds: dist / speed,
		Directions:      append([]models.Coord(nil), points...),
	}, nil
}

// CachedRouter memoizes another router's answers for a TTL.
type CachedRouter struct {
	next  Router
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	v  models.TravelMetrics
	ts time.Time
}

func NewCachedRouter(next Router, ttl time.Duration) *CachedRouter {
	return &CachedRouter{next: next, ttl: ttl, now: time.Now, store: make(map[string]cacheEntry)}
}

func keyFor(points []models.Coord) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = fmt.Sprintf("%.5f,%.5f", p.Lat, p.Lon)
	}
	return strings.Join(parts, ";")
}

func (c *CachedRouter) TravelMetrics(ctx context.Context, points []models.Coord) (models.TravelMetrics, error) {
	k := keyFor(points)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.ts) <= c.ttl {
		return e.v, nil
	}
	m, err := c.next.TravelMetrics(ctx, points)
	if err != nil {
		return models.TravelMetrics{}, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{v: m, ts: c.now()}
	c.mu.Unlock()
	return m, nil
}

// Prune drops expired entries.
func (c *CachedRouter) Prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.store {
		if now.Sub(e.ts) > c.ttl {
			delete(c.store, k)
			n++
		}
	}
	return n
}
