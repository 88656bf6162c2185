package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/codec"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

const maxBody = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.NewValidationErrorWithCause("body", "malformed json", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrExternalService):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "route", routeTemplate(r), "err", err)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

type locationRequest struct {
	DriverID string   `json:"driverId"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	Heading  float64  `json:"heading"`
}

type onlineRequest struct {
	ServiceIDs        []string    `json:"serviceIds"`
	FleetID           string      `json:"fleetId"`
	Location          codec.Coord `json:"location"`
	Heading           float64     `json:"heading"`
	WalletCredit      float64     `json:"walletCredit"`
	Currency          string      `json:"currency"`
	Rating            float64     `json:"rating"`
	SearchDistance    float64     `json:"searchDistance"`
	NotificationToken string      `json:"notificationToken"`
}

type filtersRequest struct {
	SearchDistance float64  `json:"searchDistance"`
	ServiceIDs     []string `json:"serviceIds"`
}

type driverView struct {
	ID              string      `json:"id"`
	Location        codec.Coord `json:"location"`
	Heading         float64     `json:"heading"`
	LocationTime    time.Time   `json:"locationTime"`
	ServiceIDs      []string    `json:"serviceIds"`
	FleetID         string      `json:"fleetId,omitempty"`
	WalletCredit    float64     `json:"walletCredit"`
	Currency        string      `json:"currency,omitempty"`
	ActiveOrderIDs  []string    `json:"activeOrderIds"`
	PendingOfferIDs []string    `json:"pendingOfferIds"`
	Rating          float64     `json:"rating"`
	SearchDistance  float64     `json:"searchDistance"`
}

func toDriverView(d models.DriverSnapshot) driverView {
	return driverView{
		ID:              d.ID,
		Location:        codec.FromCoord(d.Location),
		Heading:         d.Heading,
		LocationTime:    d.LocationTime,
		ServiceIDs:      d.ServiceIDs,
		FleetID:         d.FleetID,
		WalletCredit:    d.WalletCredit,
		Currency:        d.Currency,
		ActiveOrderIDs:  d.ActiveOrderIDs,
		PendingOfferIDs: d.PendingOfferIDs,
		Rating:          d.Rating,
		SearchDistance:  d.SearchDistance,
	}
}

type riderRequest struct {
	ID                string `json:"id"`
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	Mobile            string `json:"mobile"`
	Email             string `json:"email"`
	NotificationToken string `json:"notificationToken"`
	Currency          string `json:"currency"`
}

type rideRequest struct {
	ID                    string           `json:"id"`
	Type                  string           `json:"type"`
	ServiceID             string           `json:"serviceId"`
	FleetID               string           `json:"fleetId"`
	Waypoints             []codec.Waypoint `json:"waypoints"`
	CostEstimateForRider  float64          `json:"costEstimateForRider"`
	CostEstimateForDriver float64          `json:"costEstimateForDriver"`
	Currency              string           `json:"currency"`
	Payment               codec.Payment    `json:"payment"`
	WaitCostPerMinute     float64          `json:"waitCostPerMinute"`
	Rider                 riderRequest     `json:"rider"`
}

func (r rideRequest) model() (models.RideOffer, models.RiderSnapshot, error) {
	ws, err := codec.ToWaypoints(r.Waypoints)
	if err != nil {
		return models.RideOffer{}, models.RiderSnapshot{}, errs.NewValidationErrorWithCause("waypoints", "unreadable", err)
	}
	pm, err := r.Payment.Model()
	if err != nil {
		return models.RideOffer{}, models.RiderSnapshot{}, errs.NewValidationErrorWithCause("payment", "unknown kind", err)
	}
	typ := models.OrderType(r.Type)
	if typ == "" {
		typ = models.OrderRide
	}
	o := models.RideOffer{
		ID:                    r.ID,
		Type:                  typ,
		RiderID:               r.Rider.ID,
		ServiceID:             r.ServiceID,
		FleetID:               r.FleetID,
		Waypoints:             ws,
		CostEstimateForRider:  r.CostEstimateForRider,
		CostEstimateForDriver: r.CostEstimateForDriver,
		Currency:              r.Currency,
		PaymentMethod:         pm,
		WaitCostPerMinute:     r.WaitCostPerMinute,
	}
	rider := models.RiderSnapshot{
		ID:                r.Rider.ID,
		FirstName:         r.Rider.FirstName,
		LastName:          r.Rider.LastName,
		Mobile:            r.Rider.Mobile,
		Email:             r.Rider.Email,
		NotificationToken: r.Rider.NotificationToken,
		Currency:          r.Rider.Currency,
	}
	return o, rider, nil
}

type offerView struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	RiderID            string            `json:"riderId"`
	ServiceID          string            `json:"serviceId"`
	Pickup             codec.Coord       `json:"pickup"`
	OfferedToDriverIDs []string          `json:"offeredTo"`
	Candidates         []codec.Candidate `json:"candidates"`
	CreatedAt          time.Time         `json:"createdAt"`
	ExpireAt           time.Time         `json:"expireAt"`
}

func toOfferView(o *models.RideOffer) offerView {
	return offerView{
		ID:                 o.ID,
		Status:             string(o.Status),
		RiderID:            o.RiderID,
		ServiceID:          o.ServiceID,
		Pickup:             codec.FromCoord(o.Pickup),
		OfferedToDriverIDs: o.OfferedToDriverIDs,
		Candidates:         codec.FromCandidates(o.Candidates),
		CreatedAt:          o.CreatedAt,
		ExpireAt:           o.ExpireAt,
	}
}

type driverRequest struct {
	DriverID string `json:"driverId"`
}

type tripView struct {
	ID                   string              `json:"id"`
	Status               string              `json:"status"`
	DriverID             string              `json:"driverId"`
	RiderID              string              `json:"riderId"`
	Waypoints            []codec.Waypoint    `json:"waypoints"`
	Directions           []codec.Coord       `json:"directions,omitempty"`
	PickupETA            time.Time           `json:"pickupEta"`
	DropoffETA           time.Time           `json:"dropoffEta"`
	ChatMessages         []codec.ChatMessage `json:"chat"`
	Payment              codec.Payment       `json:"payment"`
	CostEstimateForRider float64             `json:"costEstimateForRider"`
	Currency             string              `json:"currency"`
	Tip                  float64             `json:"tip"`
	TotalPaid            float64             `json:"totalPaid"`
	CurrentLegIndex      int                 `json:"currentLegIndex"`
}

func toTripView(t *models.ActiveTrip) tripView {
	return tripView{
		ID:                   t.ID,
		Status:               string(t.Status),
		DriverID:             t.DriverID,
		RiderID:              t.RiderID,
		Waypoints:            codec.FromWaypoints(t.Waypoints),
		Directions:           codec.FromCoords(t.Directions),
		PickupETA:            t.PickupETA,
		DropoffETA:           t.DropoffETA,
		ChatMessages:         codec.FromChat(t.ChatMessages),
		Payment:              codec.FromPayment(t.PaymentMethod),
		CostEstimateForRider: t.CostEstimateForRider,
		Currency:             t.Currency,
		Tip:                  t.Tip,
		TotalPaid:            t.TotalPaid,
		CurrentLegIndex:      t.CurrentLegIndex,
	}
}

type statusRequest struct {
	Status string `json:"status"`
}

type messageRequest struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

type tipRequest struct {
	Amount float64 `json:"amount"`
}

type cancelRequest struct {
	By string `json:"by"`
}

type finishRequest struct {
	Cash             float64 `json:"cash"`
	DeduceFromWallet bool    `json:"deduceFromWallet"`
}

type mapView struct {
	Resolution int            `json:"resolution"`
	Cells      []string       `json:"cells"`
	Clusters   []clusterView  `json:"clusters"`
	Drivers    []driverMarker `json:"drivers"`
	TotalCount int            `json:"totalCount"`
}

type clusterView struct {
	Cell   string      `json:"cell"`
	Center codec.Coord `json:"center"`
	Count  int         `json:"count"`
}

type driverMarker struct {
	DriverID      string      `json:"driverId"`
	Point         codec.Coord `json:"point"`
	Heading       float64     `json:"heading"`
	LastUpdatedAt time.Time   `json:"lastUpdatedAt"`
	Busy          bool        `json:"busy"`
}

func toMapView(m models.MapView) mapView {
	out := mapView{Resolution: m.Resolution, Cells: m.Cells, TotalCount: m.TotalCount,
		Clusters: make([]clusterView, 0, len(m.Clusters)), Drivers: make([]driverMarker, 0, len(m.Drivers))}
	for _, c := range m.Clusters {
		out.Clusters = append(out.Clusters, clusterView{Cell: c.Cell, Center: codec.FromCoord(c.Center), Count: c.Count})
	}
	for _, d := range m.Drivers {
		out.Drivers = append(out.Drivers, driverMarker{DriverID: d.DriverID, Point: codec.FromCoord(d.Point), Heading: d.Heading,
			LastUpdatedAt: d.LastUpdatedAt, Busy: len(d.ActiveOrderIDs) > 0})
	}
	return out
}
