package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.DriverID == "" {
		s.writeError(w, r, errs.NewValidationError("driverId", "required"))
		return
	}
	if req.Lat == nil || req.Lng == nil {
		s.writeError(w, r, errs.NewValidationError("location", "lat and lng are required"))
		return
	}
	u := ingest.LocationUpdate{DriverID: req.DriverID, Lat: *req.Lat, Lng: *req.Lng, Heading: req.Heading, At: time.Now().UTC()}
	if !u.Point().Valid() {
		s.writeError(w, r, errs.NewValidationError("location", "invalid coordinates"))
		return
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), u); err != nil {
			observability.LocationUpdates.WithLabelValues("publish_error").Inc()
			s.writeError(w, r, errs.NewExternalServiceError("kafka", err))
			return
		}
		observability.LocationUpdates.WithLabelValues("published").Inc()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.presence.SetLocation(r.Context(), u.DriverID, u.Point(), u.Heading); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.presence.GetDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDriverView(d))
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d := models.DriverSnapshot{
		ID:                mux.Vars(r)["id"],
		Location:          req.Location.Model(),
		Heading:           req.Heading,
		ServiceIDs:        req.ServiceIDs,
		FleetID:           req.FleetID,
		WalletCredit:      req.WalletCredit,
		Currency:          req.Currency,
		Rating:            req.Rating,
		SearchDistance:    req.SearchDistance,
		NotificationToken: req.NotificationToken,
	}
	if err := s.presence.MakeOnline(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDriverOffline removes the driver and hands every offer it still held
// back to its dispatch round.
func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	pending, err := s.presence.GoOffline(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, orderID := range pending {
		if err := s.offers.WithdrawDriver(r.Context(), orderID, id); err != nil {
			s.logger.WarnContext(r.Context(), "withdraw offer failed", "driver_id", id, "order_id", orderID, "err", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverFilters(w http.ResponseWriter, r *http.Request) {
	var req filtersRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.presence.UpdateOfferFilters(r.Context(), mux.Vars(r)["id"], req.SearchDistance, req.ServiceIDs); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverMap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var vals [5]float64
	for i, key := range []string{"swLat", "swLng", "neLat", "neLng", "zoom"} {
		v, err := strconv.ParseFloat(q.Get(key), 64)
		if err != nil {
			s.writeError(w, r, errs.NewValidationErrorWithCause(key, "must be a number", err))
			return
		}
		vals[i] = v
	}
	b := models.Bounds{
		SouthWest: models.Coord{Lat: vals[0], Lon: vals[1]},
		NorthEast: models.Coord{Lat: vals[2], Lon: vals[3]},
	}
	view, err := s.presence.GetDriverLocationsInBounds(r.Context(), b, vals[4])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMapView(view))
}
