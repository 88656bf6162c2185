package models

import "time"

// DriverSnapshot is the live presence record of an online driver.
type DriverSnapshot struct {
	ID                   string
	Location             Coord
	Heading              float64
	LocationTime         time.Time
	OnlineSince          time.Time
	IdleStart            time.Time
	ServiceIDs           []string
	FleetID              string
	WalletCredit         float64
	Currency             string
	ActiveOrderIDs       []string
	PendingOfferIDs      []string
	AcceptedOrdersCount  int64
	RejectedOrdersCount  int64
	CancelledOrdersCount int64
	Rating               float64 // 0..5
	SearchDistance       float64 // meters, 0 = no preference
	NotificationToken    string
}

// HasService reports whether the driver has serviceID activated.
func (d DriverSnapshot) HasService(serviceID string) bool {
	for _, s := range d.ServiceIDs {
		if s == serviceID {
			return true
		}
	}
	return false
}

// CancelRate is the share of received offers the driver rejected or later
// dropped, clamped to 1.
func (d DriverSnapshot) CancelRate() float64 {
	seen := d.AcceptedOrdersCount + d.RejectedOrdersCount
	if seen == 0 {
		return 0
	}
	r := float64(d.RejectedOrdersCount+d.CancelledOrdersCount) / float64(seen)
	if r > 1 {
		return 1
	}
	return r
}

// RiderSnapshot is the live presence record of a rider with orders in flight.
type RiderSnapshot struct {
	ID                string
	FirstName         string
	LastName          string
	Mobile            string
	Email             string
	NotificationToken string
	ActiveOrderIDs    []string
	WalletCredit      float64
	Currency          string
}

// Cluster aggregates the drivers of one cell.
type Cluster struct {
	Cell   string
	Center Coord
	Count  int
}

// DriverLocation is a single driver marker on the map.
type DriverLocation struct {
	DriverID       string
	Cell           string
	Point          Coord
	Heading        float64
	LastUpdatedAt  time.Time
	ActiveOrderIDs []string
}

// MapView is the payload for a map viewport. A cell appears either in
// Clusters or through its Drivers, never both.
type MapView struct {
	Resolution int
	Cells      []string
	Clusters   []Cluster
	Drivers    []DriverLocation
	TotalCount int
}
