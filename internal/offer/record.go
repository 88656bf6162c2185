package offer

import (
	"strconv"
	"time"

	"github.com/example/ride-dispatch/internal/codec"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
)

func offerKey(id string) string      { return "ride_offer:" + id }
func stateKey(id string) string      { return "ride_offer:" + id + ":state" }
func offeredKey(id string) string    { return "ride_offer:" + id + ":offered" }
func rejectedKey(id string) string   { return "ride_offer:" + id + ":rejected" }
func testedKey(id string) string     { return "ride_offer:" + id + ":tested" }
func candidatesKey(id string) string { return "ride_offer:" + id + ":candidates" }
func closedKey(id string) string     { return "ride_offer:" + id + ":closed" }
func lockKey(id string) string       { return "ride_offer:" + id + ":lock" }

// liveKeys are removed when an offer closes. The tombstone stays.
func liveKeys(id string) []string {
	return []string{offerKey(id), stateKey(id), offeredKey(id), rejectedKey(id), testedKey(id), candidatesKey(id)}
}

func timerJobID(id string) string { return "offer-timeout:" + id }

// record is the immutable part of an offer.
type record struct {
	ID                    string           `json:"id"`
	Type                  string           `json:"type"`
	RiderID               string           `json:"riderId"`
	ServiceID             string           `json:"serviceId"`
	FleetID               string           `json:"fleetId,omitempty"`
	Pickup                codec.Coord      `json:"pickup"`
	Waypoints             []codec.Waypoint `json:"waypoints"`
	CostEstimateForRider  float64          `json:"costEstimateForRider"`
	CostEstimateForDriver float64          `json:"costEstimateForDriver"`
	Currency              string           `json:"currency"`
	PaymentMethod         codec.Payment    `json:"paymentMethod"`
	WaitCostPerMinute     float64          `json:"waitCostPerMinute"`
	CreatedAt             time.Time        `json:"createdAt"`
}

func toRecord(o *models.RideOffer) record {
	return record{
		ID:                    o.ID,
		Type:                  string(o.Type),
		RiderID:               o.RiderID,
		ServiceID:             o.ServiceID,
		FleetID:               o.FleetID,
		Pickup:                codec.FromCoord(o.Pickup),
		Waypoints:             codec.FromWaypoints(o.Waypoints),
		CostEstimateForRider:  o.CostEstimateForRider,
		CostEstimateForDriver: o.CostEstimateForDriver,
		Currency:              o.Currency,
		PaymentMethod:         codec.FromPayment(o.PaymentMethod),
		WaitCostPerMinute:     o.WaitCostPerMinute,
		CreatedAt:             o.CreatedAt,
	}
}

func (r record) model() (*models.RideOffer, error) {
	ws, err := codec.ToWaypoints(r.Waypoints)
	if err != nil {
		return nil, err
	}
	pm, err := r.PaymentMethod.Model()
	if err != nil {
		return nil, err
	}
	return &models.RideOffer{
		ID:                    r.ID,
		Type:                  models.OrderType(r.Type),
		RiderID:               r.RiderID,
		ServiceID:             r.ServiceID,
		FleetID:               r.FleetID,
		Pickup:                r.Pickup.Model(),
		Waypoints:             ws,
		CostEstimateForRider:  r.CostEstimateForRider,
		CostEstimateForDriver: r.CostEstimateForDriver,
		Currency:              r.Currency,
		PaymentMethod:         pm,
		WaitCostPerMinute:     r.WaitCostPerMinute,
		CreatedAt:             r.CreatedAt,
	}, nil
}

// state hash fields
const (
	sStatus       = "status"
	sStrategy     = "strategy"
	sRound        = "round"
	sRadius       = "radius"
	sSteps        = "expansion_steps"
	sAttempts     = "attempts"
	sFallback     = "fallback_used"
	sStartedAt    = "started_at"
	sDispatchedAt = "dispatched_at"
	sExpireAt     = "expire_at"
	sSeq          = "timer_seq"
)

func encodeState(st matcher.State) map[string]string {
	return map[string]string{
		sStrategy:  string(st.Strategy),
		sRound:     strconv.Itoa(st.Round),
		sRadius:    strconv.FormatFloat(st.RadiusMeters, 'f', -1, 64),
		sSteps:     strconv.Itoa(st.ExpansionSteps),
		sAttempts:  strconv.Itoa(st.Attempts),
		sFallback:  strconv.FormatBool(st.FallbackUsed),
		sStartedAt: strconv.FormatInt(st.StartedAt.UnixMilli(), 10),
	}
}

func decodeState(h map[string]string) matcher.State {
	fallback, _ := strconv.ParseBool(h[sFallback])
	return matcher.State{
		Strategy:       matcher.Strategy(h[sStrategy]),
		Round:          atoi(h[sRound]),
		RadiusMeters:   atof(h[sRadius]),
		ExpansionSteps: atoi(h[sSteps]),
		Attempts:       atoi(h[sAttempts]),
		FallbackUsed:   fallback,
		StartedAt:      millis(h[sStartedAt]),
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func millis(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

func fmtMillis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }
