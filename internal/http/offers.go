package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/errs"
)

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req rideRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, rider, err := req.model()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offer, err := s.offers.Dispatch(r.Context(), o, rider)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOfferView(offer))
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.offers.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferView(o))
}

func (s *Server) driverFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req driverRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	if req.DriverID == "" {
		s.writeError(w, r, errs.NewValidationError("driverId", "required"))
		return "", false
	}
	return req.DriverID, true
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverFromBody(w, r)
	if !ok {
		return
	}
	t, err := s.offers.AcceptOffer(r.Context(), mux.Vars(r)["id"], driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTripView(t))
}

func (s *Server) handleRejectOffer(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverFromBody(w, r)
	if !ok {
		return
	}
	if err := s.offers.RejectOffer(r.Context(), mux.Vars(r)["id"], driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelOffer(w http.ResponseWriter, r *http.Request) {
	if err := s.offers.CancelOffer(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverFromBody(w, r)
	if !ok {
		return
	}
	t, err := s.offers.Assign(r.Context(), mux.Vars(r)["id"], driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTripView(t))
}
