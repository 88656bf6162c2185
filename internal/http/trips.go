package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/codec"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

func parseSender(raw string) (models.ChatSender, error) {
	switch s := models.ChatSender(raw); s {
	case models.SenderRider, models.SenderDriver:
		return s, nil
	}
	return "", errs.NewValidationError("sender", "must be rider or driver")
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.trips.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTripView(t))
}

func (s *Server) handleTripStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.trips.UpdateStatus(r.Context(), mux.Vars(r)["id"], models.OrderStatus(req.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTripView(t))
}

func (s *Server) handleTripMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sender, err := parseSender(req.Sender)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.trips.AddMessage(r.Context(), mux.Vars(r)["id"], sender, req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, codec.FromChat([]models.ChatMessage{msg})[0])
}

func (s *Server) handleTripTip(w http.ResponseWriter, r *http.Request) {
	var req tipRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.trips.SetTip(r.Context(), mux.Vars(r)["id"], req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTripView(t))
}

func (s *Server) handleTripCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	by, err := parseSender(req.By)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.trips.Cancel(r.Context(), mux.Vars(r)["id"], by)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTripView(t))
}

func (s *Server) handleTripFinish(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.settler.Finish(r.Context(), mux.Vars(r)["id"], req.Cash, req.DeduceFromWallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTripView(t))
}
