package trip

import (
	"time"

	"github.com/example/ride-dispatch/internal/codec"
	"github.com/example/ride-dispatch/internal/models"
)

func tripKey(id string) string     { return "active_order:" + id }
func tripLockKey(id string) string { return "active_order:" + id + ":lock" }

type record struct {
	ID                    string              `json:"id"`
	Status                string              `json:"status"`
	Type                  string              `json:"type"`
	DriverID              string              `json:"driverId"`
	RiderID               string              `json:"riderId"`
	ServiceID             string              `json:"serviceId"`
	Waypoints             []codec.Waypoint    `json:"waypoints"`
	Directions            []codec.Coord       `json:"directions,omitempty"`
	PickupETA             time.Time           `json:"pickupEta"`
	DropoffETA            time.Time           `json:"dropoffEta"`
	ChatMessages          []codec.ChatMessage `json:"chatMessages"`
	PaymentMethod         codec.Payment       `json:"paymentMethod"`
	CostEstimateForRider  float64             `json:"costEstimateForRider"`
	CostEstimateForDriver float64             `json:"costEstimateForDriver"`
	Currency              string              `json:"currency"`
	Tip                   float64             `json:"tip"`
	TotalPaid             float64             `json:"totalPaid"`
	CurrentLegIndex       int                 `json:"currentLegIndex"`
	WaitMinutes           float64             `json:"waitMinutes"`
	WaitCostPerMinute     float64             `json:"waitCostPerMinute"`
	CreatedAt             time.Time           `json:"createdAt"`
}

func toRecord(t *models.ActiveTrip) record {
	return record{
		ID:                    t.ID,
		Status:                string(t.Status),
		Type:                  string(t.Type),
		DriverID:              t.DriverID,
		RiderID:               t.RiderID,
		ServiceID:             t.ServiceID,
		Waypoints:             codec.FromWaypoints(t.Waypoints),
		Directions:            codec.FromCoords(t.Directions),
		PickupETA:             t.PickupETA,
		DropoffETA:            t.DropoffETA,
		ChatMessages:          codec.FromChat(t.ChatMessages),
		PaymentMethod:         codec.FromPayment(t.PaymentMethod),
		CostEstimateForRider:  t.CostEstimateForRider,
		CostEstimateForDriver: t.CostEstimateForDriver,
		Currency:              t.Currency,
		Tip:                   t.Tip,
		TotalPaid:             t.TotalPaid,
		CurrentLegIndex:       t.CurrentLegIndex,
		WaitMinutes:           t.WaitMinutes,
		WaitCostPerMinute:     t.WaitCostPerMinute,
		CreatedAt:             t.CreatedAt,
	}
}

func (r record) model() (*models.ActiveTrip, error) {
	ws, err := codec.ToWaypoints(r.Waypoints)
	if err != nil {
		return nil, err
	}
	pm, err := r.PaymentMethod.Model()
	if err != nil {
		return nil, err
	}
	return &models.ActiveTrip{
		ID:                    r.ID,
		Status:                models.OrderStatus(r.Status),
		Type:                  models.OrderType(r.Type),
		DriverID:              r.DriverID,
		RiderID:               r.RiderID,
		ServiceID:             r.ServiceID,
		Waypoints:             ws,
		Directions:            codec.ToCoords(r.Directions),
		PickupETA:             r.PickupETA,
		DropoffETA:            r.DropoffETA,
		ChatMessages:          codec.ToChat(r.ChatMessages),
		PaymentMethod:         pm,
		CostEstimateForRider:  r.CostEstimateForRider,
		CostEstimateForDriver: r.CostEstimateForDriver,
		Currency:              r.Currency,
		Tip:                   r.Tip,
		TotalPaid:             r.TotalPaid,
		CurrentLegIndex:       r.CurrentLegIndex,
		WaitMinutes:           r.WaitMinutes,
		WaitCostPerMinute:     r.WaitCostPerMinute,
		CreatedAt:             r.CreatedAt,
	}, nil
}
