package models

import "time"

type OrderStatus string

const (
	StatusRequested         OrderStatus = "Requested"
	StatusDriverAccepted    OrderStatus = "DriverAccepted"
	StatusArrived           OrderStatus = "Arrived"
	StatusStarted           OrderStatus = "Started"
	StatusWaitingForPostPay OrderStatus = "WaitingForPostPay"
	StatusFinished          OrderStatus = "Finished"
	StatusRiderCanceled     OrderStatus = "RiderCanceled"
	StatusDriverCanceled    OrderStatus = "DriverCanceled"
	StatusNoDriverFound     OrderStatus = "NoDriverFound"
)

type ChatSender string

const (
	SenderRider  ChatSender = "rider"
	SenderDriver ChatSender = "driver"
)

type ChatMessage struct {
	ID      string
	Sender  ChatSender
	Content string
	SentAt  time.Time
}

// ActiveTrip is the live record of an accepted order until settlement.
type ActiveTrip struct {
	ID                    string
	Status                OrderStatus
	Type                  OrderType
	DriverID              string
	RiderID               string
	ServiceID             string
	Waypoints             []Waypoint
	Directions            []Coord
	PickupETA             time.Time
	DropoffETA            time.Time
	ChatMessages          []ChatMessage
	PaymentMethod         PaymentMethod
	CostEstimateForRider  float64
	CostEstimateForDriver float64
	Currency              string
	Tip                   float64
	TotalPaid             float64
	CurrentLegIndex       int
	WaitMinutes           float64
	WaitCostPerMinute     float64
	CreatedAt             time.Time
}

// Order is the durable order record held by the persistence collaborator.
type Order struct {
	ID                    string
	Status                OrderStatus
	RiderID               string
	DriverID              string
	CostEstimateForRider  float64
	CostEstimateForDriver float64
	Currency              string
	TotalPaid             float64
	PickupETA             *time.Time
	DropoffETA            *time.Time
	FinishedAt            *time.Time
	ChatMessages          []ChatMessage
	UpdatedAt             time.Time
}

// OrderUpdate is a partial order record. Nil fields are left untouched.
type OrderUpdate struct {
	ID                    string
	Status                *OrderStatus
	RiderID               *string
	DriverID              *string
	CostEstimateForRider  *float64
	CostEstimateForDriver *float64
	Currency              *string
	TotalPaid             *float64
	PickupETA             *time.Time
	DropoffETA            *time.Time
	FinishedAt            *time.Time
	ChatMessages          []ChatMessage
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
