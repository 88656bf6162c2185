package models

import "time"

type OfferStatus string

const (
	OfferOpen      OfferStatus = "open"
	OfferAccepted  OfferStatus = "accepted"
	OfferExpired   OfferStatus = "expired"
	OfferCancelled OfferStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s OfferStatus) Terminal() bool { return s != OfferOpen }

type OrderType string

const (
	OrderRide     OrderType = "ride"
	OrderDelivery OrderType = "delivery"
	OrderShop     OrderType = "shop"
)

// Candidate is a scored driver considered for an offer.
type Candidate struct {
	DriverID       string
	DistanceMeters float64
	Score          float64
	RejectedAt     *time.Time
}

// RideOffer is an order being proposed to drivers. ID equals the order id.
type RideOffer struct {
	ID                    string
	Status                OfferStatus
	Type                  OrderType
	RiderID               string
	ServiceID             string
	FleetID               string
	Pickup                Coord
	Waypoints             []Waypoint
	CostEstimateForRider  float64
	CostEstimateForDriver float64
	Currency              string
	PaymentMethod         PaymentMethod
	WaitCostPerMinute     float64
	OfferedToDriverIDs    []string
	RejectedByDriverIDs   []string
	Candidates            []Candidate
	CreatedAt             time.Time
	DispatchedAt          time.Time
	ExpireAt              time.Time
}

// IsOfferedTo reports whether driverID currently holds the offer.
func (o RideOffer) IsOfferedTo(driverID string) bool {
	for _, id := range o.OfferedToDriverIDs {
		if id == driverID {
			return true
		}
	}
	return false
}
