package eta

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/models"
)

// GoogleRouter uses the Google Directions API.
type GoogleRouter struct {
	client *maps.Client
}

func NewGoogleRouter(apiKey string) (*GoogleRouter, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleRouter{client: client}, nil
}

func latLng(p models.Coord) string { return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon) }

// TravelMetrics requests a driving route through all points and sums its legs.
func (g *GoogleRouter) TravelMetrics(ctx context.Context, points []models.Coord) (models.TravelMetrics, error) {
	if len(points) < 2 {
		return models.TravelMetrics{}, fmt.Errorf("maps: need at least 2 points, got %d", len(points))
	}
	r := &maps.DirectionsRequest{
		Origin:      latLng(points[0]),
		Destination: latLng(points[len(points)-1]),
		Mode:        maps.TravelModeDriving,
	}
	for _, p := range points[1 : len(points)-1] {
		r.Waypoints = append(r.Waypoints, latLng(p))
	}

	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return models.TravelMetrics{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return models.TravelMetrics{}, errors.New("no route found")
	}

	var m models.TravelMetrics
	for _, leg := range routes[0].Legs {
		m.DistanceMeters += float64(leg.Distance.Meters)
		m.DurationSeconds += leg.Duration.Seconds()
	}
	path, err := routes[0].OverviewPolyline.Decode()
	if err != nil {
		return models.TravelMetrics{}, fmt.Errorf("decode polyline: %w", err)
	}
	for _, ll := range path {
		m.Directions = append(m.Directions, models.Coord{Lat: ll.Lat, Lon: ll.Lng})
	}
	return m, nil
}
