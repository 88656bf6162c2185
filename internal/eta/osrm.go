package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OSRMRouter performs route lookups against an OSRM HTTP server.
type OSRMRouter struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMRouter(endpoint string) *OSRMRouter {
	return &OSRMRouter{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 2 * time.Second}}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][2]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// TravelMetrics queries /route/v1/driving through every point.
func (o *OSRMRouter) TravelMetrics(ctx context.Context, points []models.Coord) (models.TravelMetrics, error) {
	if len(points) < 2 {
		return models.TravelMetrics{}, fmt.Errorf("osrm: need at least 2 points, got %d", len(points))
	}
	coords := make([]string, len(points))
	for i, p := range points {
		coords[i] = fmt.Sprintf("%.6f,%.6f", p.Lon, p.Lat)
	}
	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=geojson", o.Endpoint, strings.Join(coords, ";"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.TravelMetrics{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return models.TravelMetrics{}, err
	}
	defer resp.Body.Close()

	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.TravelMetrics{}, fmt.Errorf("osrm decode (status %d): %w", resp.StatusCode, err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.TravelMetrics{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	r := out.Routes[0]
	dirs := make([]models.Coord, len(r.Geometry.Coordinates))
	for i, c := range r.Geometry.Coordinates {
		dirs[i] = models.Coord{Lat: c[1], Lon: c[0]}
	}
	return models.TravelMetrics{DistanceMeters: r.Distance, DurationSeconds: r.Duration, Directions: dirs}, nil
}
