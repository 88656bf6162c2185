package models

import "fmt"

type WaypointRole int

const (
	RolePickup WaypointRole = iota
	RoleStop
	RoleDropoff
)

func (r WaypointRole) String() string {
	switch r {
	case RolePickup:
		return "pickup"
	case RoleStop:
		return "stop"
	case RoleDropoff:
		return "dropoff"
	}
	return fmt.Sprintf("WaypointRole(%d)", int(r))
}

func ParseWaypointRole(s string) (WaypointRole, error) {
	switch s {
	case "pickup":
		return RolePickup, nil
	case "stop":
		return RoleStop, nil
	case "dropoff":
		return RoleDropoff, nil
	}
	return 0, fmt.Errorf("unknown waypoint role %q", s)
}

// WaypointService is what happens at a waypoint: RideStop, DeliveryStop or ShopStop.
type WaypointService interface {
	ServiceName() string
	isWaypointService()
}

type RideStop struct{}

type DeliveryStop struct {
	RecipientName  string
	RecipientPhone string
	Instructions   string
}

type ShopStop struct {
	ShopID    string
	ItemCount int
}

func (RideStop) ServiceName() string     { return "ride" }
func (DeliveryStop) ServiceName() string { return "delivery" }
func (ShopStop) ServiceName() string     { return "shop" }

func (RideStop) isWaypointService()     {}
func (DeliveryStop) isWaypointService() {}
func (ShopStop) isWaypointService()     {}

type Waypoint struct {
	Point   Coord
	Address string
	Role    WaypointRole
	Service WaypointService
}

// Points returns the coordinates of ws in order.
func Points(ws []Waypoint) []Coord {
	out := make([]Coord, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Point)
	}
	return out
}

// ValidateWaypoints checks that a route starts with a pickup and ends with a dropoff.
func ValidateWaypoints(ws []Waypoint) error {
	if len(ws) < 2 {
		return fmt.Errorf("at least two waypoints are required, got %d", len(ws))
	}
	if ws[0].Role != RolePickup {
		return fmt.Errorf("first waypoint must be a pickup, got %s", ws[0].Role)
	}
	if ws[len(ws)-1].Role != RoleDropoff {
		return fmt.Errorf("last waypoint must be a dropoff, got %s", ws[len(ws)-1].Role)
	}
	for i, w := range ws {
		if !w.Point.Valid() {
			return fmt.Errorf("waypoint %d has invalid coordinates", i)
		}
		if w.Service == nil {
			return fmt.Errorf("waypoint %d has no service", i)
		}
	}
	return nil
}
