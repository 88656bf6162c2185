// Package trip keeps active trips: the live record of an accepted order
// until it is settled or cancelled. Trips are only ever created from an
// accepted offer.
package trip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/kv"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	lockTTL      = 2 * time.Second
	lockAttempts = 20
	lockDelay    = 5 * time.Millisecond
)

var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.StatusDriverAccepted: {models.StatusArrived, models.StatusStarted, models.StatusWaitingForPostPay, models.StatusRiderCanceled, models.StatusDriverCanceled},
	models.StatusArrived:        {models.StatusStarted, models.StatusWaitingForPostPay, models.StatusRiderCanceled, models.StatusDriverCanceled},
	models.StatusStarted:        {models.StatusWaitingForPostPay, models.StatusRiderCanceled, models.StatusDriverCanceled},
}

// CanTransition reports whether an active trip may move from one status to another.
func CanTransition(from, to models.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Assignment is the driver side of a trip: who drives and when they arrive.
type Assignment struct {
	DriverID   string
	PickupETA  time.Time
	DropoffETA time.Time
	Directions []models.Coord
}

type Store struct {
	kv       kv.Store
	registry *presence.Registry
	orders   storage.Orders
	events   *dispatch.Events
	logger   *slog.Logger
	now      func() time.Time
}

func NewStore(store kv.Store, registry *presence.Registry, orders storage.Orders, events *dispatch.Events, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:       store,
		registry: registry,
		orders:   orders,
		events:   events,
		logger:   logger.With("component", "trip"),
		now:      time.Now,
	}
}

// WithClock replaces the store clock.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) fromOffer(o models.RideOffer, a Assignment) (*models.ActiveTrip, []byte, error) {
	if a.DriverID == "" {
		return nil, nil, errs.NewValidationError("driverId", "is required")
	}
	t := &models.ActiveTrip{
		ID:                    o.ID,
		Status:                models.StatusDriverAccepted,
		Type:                  o.Type,
		DriverID:              a.DriverID,
		RiderID:               o.RiderID,
		ServiceID:             o.ServiceID,
		Waypoints:             o.Waypoints,
		Directions:            a.Directions,
		PickupETA:             a.PickupETA,
		DropoffETA:            a.DropoffETA,
		PaymentMethod:         o.PaymentMethod,
		CostEstimateForRider:  o.CostEstimateForRider,
		CostEstimateForDriver: o.CostEstimateForDriver,
		Currency:              o.Currency,
		WaitCostPerMinute:     o.WaitCostPerMinute,
		CreatedAt:             s.now(),
	}
	b, err := json.Marshal(toRecord(t))
	if err != nil {
		return nil, nil, fmt.Errorf("encode trip %s: %w", t.ID, err)
	}
	return t, b, nil
}

// CreateFromOffer materializes an accepted offer as an active trip.
func (s *Store) CreateFromOffer(ctx context.Context, o models.RideOffer, a Assignment) (*models.ActiveTrip, error) {
	t, raw, err := s.fromOffer(o, a)
	if err != nil {
		return nil, err
	}
	ok, err := s.kv.SetNX(ctx, tripKey(t.ID), raw, 0)
	if err != nil {
		return nil, fmt.Errorf("store trip %s: %w", t.ID, err)
	}
	if !ok {
		return nil, errs.NewConflictError("trip", t.ID, "already active")
	}
	return t, nil
}

// QueueFromOffer queues the trip write on b so it lands together with the
// rest of the accept. The caller checks that no trip exists yet.
func (s *Store) QueueFromOffer(b kv.Batch, o models.RideOffer, a Assignment) (*models.ActiveTrip, error) {
	t, raw, err := s.fromOffer(o, a)
	if err != nil {
		return nil, err
	}
	b.Set(tripKey(t.ID), raw, 0)
	return t, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.ActiveTrip, error) {
	raw, err := s.kv.Get(ctx, tripKey(id))
	if errors.Is(err, kv.ErrNil) {
		return nil, errs.NewNotFoundError("trip", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load trip %s: %w", id, err)
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode trip %s: %w", id, err)
	}
	return r.model()
}

// Exists reports whether id is an active trip.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	return s.kv.Exists(ctx, tripKey(id))
}

func (s *Store) put(ctx context.Context, t *models.ActiveTrip) error {
	b, err := json.Marshal(toRecord(t))
	if err != nil {
		return fmt.Errorf("encode trip %s: %w", t.ID, err)
	}
	return s.kv.Set(ctx, tripKey(t.ID), b, 0)
}

func (s *Store) lock(ctx context.Context, id string) (*kv.Lock, error) {
	l, err := kv.AcquireLock(ctx, s.kv, tripLockKey(id), lockTTL, lockAttempts, lockDelay)
	if errors.Is(err, kv.ErrLockBusy) {
		return nil, errs.NewConflictError("trip", id, "concurrent update")
	}
	return l, err
}

// update applies fn to the stored trip under the trip lock and writes it back.
func (s *Store) update(ctx context.Context, id string, fn func(t *models.ActiveTrip) error) (*models.ActiveTrip, error) {
	l, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Release(context.WithoutCancel(ctx)) }()

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	if err := s.put(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateStatus moves the trip along its lifecycle and persists the new status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.OrderStatus) (*models.ActiveTrip, error) {
	t, err := s.update(ctx, id, func(t *models.ActiveTrip) error {
		if t.Status == status {
			return nil
		}
		if !CanTransition(t.Status, status) {
			return errs.NewConflictError("trip", id, fmt.Sprintf("cannot move from %s to %s", t.Status, status))
		}
		t.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.orders.SaveOrder(ctx, models.OrderUpdate{ID: id, Status: models.Ptr(status)}); err != nil {
		return t, fmt.Errorf("persist status %s: %w", id, err)
	}
	s.publishUpdate(ctx, t)
	return t, nil
}

// UpdateETA refreshes arrival estimates. Zero times are left unchanged.
func (s *Store) UpdateETA(ctx context.Context, id string, pickup, dropoff time.Time) (*models.ActiveTrip, error) {
	t, err := s.update(ctx, id, func(t *models.ActiveTrip) error {
		if !pickup.IsZero() {
			t.PickupETA = pickup
		}
		if !dropoff.IsZero() {
			t.DropoffETA = dropoff
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishUpdate(ctx, t)
	return t, nil
}

// AddMessage appends a chat message and relays it to the other party.
func (s *Store) AddMessage(ctx context.Context, id string, sender models.ChatSender, content string) (models.ChatMessage, error) {
	if sender != models.SenderRider && sender != models.SenderDriver {
		return models.ChatMessage{}, errs.NewValidationError("sender", "must be rider or driver")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return models.ChatMessage{}, errs.NewValidationError("content", "is empty")
	}
	msg := models.ChatMessage{ID: uuid.NewString(), Sender: sender, Content: content, SentAt: s.now()}
	t, err := s.update(ctx, id, func(t *models.ActiveTrip) error {
		t.ChatMessages = append(t.ChatMessages, msg)
		return nil
	})
	if err != nil {
		return models.ChatMessage{}, err
	}
	ev := dispatch.Event{Type: dispatch.EventMessageReceived, OrderID: id, Data: map[string]string{"id": msg.ID, "sender": string(sender), "content": content}}
	if sender == models.SenderRider {
		s.events.Driver(ctx, t.DriverID, ev)
	} else {
		s.events.Rider(ctx, t.RiderID, ev)
	}
	return msg, nil
}

// UpdateWaitTime sets the total waiting minutes and charges the difference
// to both cost estimates.
func (s *Store) UpdateWaitTime(ctx context.Context, id string, minutes float64) (*models.ActiveTrip, error) {
	if minutes < 0 {
		return nil, errs.NewValidationError("minutes", "must be >= 0")
	}
	t, err := s.update(ctx, id, func(t *models.ActiveTrip) error {
		extra := (minutes - t.WaitMinutes) * t.WaitCostPerMinute
		t.WaitMinutes = minutes
		t.CostEstimateForRider = models.Round2(t.CostEstimateForRider + extra)
		t.CostEstimateForDriver = models.Round2(t.CostEstimateForDriver + extra)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishUpdate(ctx, t)
	return t, nil
}

// AdvanceLeg moves the trip to its next leg.
func (s *Store) AdvanceLeg(ctx context.Context, id string) (*models.ActiveTrip, error) {
	t, err := s.update(ctx, id, func(t *models.ActiveTrip) error {
		if t.CurrentLegIndex >= len(t.Waypoints)-2 {
			return errs.NewConflictError("trip", id, "already on the last leg")
		}
		t.CurrentLegIndex++
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishUpdate(ctx, t)
	return t, nil
}

// SetTip records the rider's tip.
func (s *Store) SetTip(ctx context.Context, id string, tip float64) (*models.ActiveTrip, error) {
	if tip < 0 {
		return nil, errs.NewValidationError("tip", "must be >= 0")
	}
	return s.update(ctx, id, func(t *models.ActiveTrip) error {
		t.Tip = models.Round2(tip)
		return nil
	})
}

// Reassign hands the trip to another driver and returns the previous one.
func (s *Store) Reassign(ctx context.Context, id string, a Assignment) (string, *models.ActiveTrip, error) {
	var prev string
	t, err := s.update(ctx, id, func(t *models.ActiveTrip) error {
		if t.DriverID == a.DriverID {
			return errs.NewConflictError("trip", id, "already assigned to "+a.DriverID)
		}
		prev = t.DriverID
		t.DriverID = a.DriverID
		t.PickupETA, t.DropoffETA = a.PickupETA, a.DropoffETA
		if a.Directions != nil {
			t.Directions = a.Directions
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	b := s.kv.TxPipeline()
	if prev != "" {
		s.registry.QueueReleasedOrder(b, prev, id)
	}
	s.registry.QueueAssignedOrder(b, a.DriverID, id)
	if err := b.Exec(ctx); err != nil {
		return prev, t, fmt.Errorf("move order %s to %s: %w", id, a.DriverID, err)
	}
	return prev, t, nil
}

// Cancel ends the trip on behalf of the rider or the driver. Driver
// cancellations count against the driver.
func (s *Store) Cancel(ctx context.Context, id string, by models.ChatSender) (*models.ActiveTrip, error) {
	status := models.StatusRiderCanceled
	switch by {
	case models.SenderRider:
	case models.SenderDriver:
		status = models.StatusDriverCanceled
	default:
		return nil, errs.NewValidationError("by", "must be rider or driver")
	}

	l, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Release(context.WithoutCancel(ctx)) }()

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, status) {
		return nil, errs.NewConflictError("trip", id, fmt.Sprintf("cannot cancel in status %s", t.Status))
	}
	t.Status = status
	if err := s.orders.SaveOrder(ctx, models.OrderUpdate{ID: id, Status: models.Ptr(status), ChatMessages: t.ChatMessages}); err != nil {
		return nil, fmt.Errorf("persist cancel %s: %w", id, err)
	}
	if err := s.unlink(ctx, t, by == models.SenderDriver); err != nil {
		return nil, err
	}

	s.events.Driver(ctx, t.DriverID, dispatch.Event{Type: dispatch.EventActiveOrderCompleted, OrderID: id, Data: map[string]string{"status": string(status)}})
	s.events.Rider(ctx, t.RiderID, dispatch.Event{Type: dispatch.EventOrderUpdated, OrderID: id, Data: map[string]string{"status": string(status)}})
	return t, nil
}

// Delete retires a trip after its final record was flushed.
func (s *Store) Delete(ctx context.Context, id string) error {
	l, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer func() { _ = l.Release(context.WithoutCancel(ctx)) }()

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.unlink(ctx, t, false)
}

func (s *Store) unlink(ctx context.Context, t *models.ActiveTrip, driverCancelled bool) error {
	b := s.kv.TxPipeline()
	b.Del(tripKey(t.ID))
	if driverCancelled {
		s.registry.QueueCancelledOrder(b, t.DriverID, t.ID)
	} else {
		s.registry.QueueReleasedOrder(b, t.DriverID, t.ID)
	}
	if err := b.Exec(ctx); err != nil {
		return fmt.Errorf("delete trip %s: %w", t.ID, err)
	}
	if err := s.registry.RemoveRiderOrder(ctx, t.RiderID, t.ID); err != nil {
		s.logger.WarnContext(ctx, "detach order from rider", "order_id", t.ID, "rider_id", t.RiderID, "err", err)
	}
	return nil
}

func (s *Store) publishUpdate(ctx context.Context, t *models.ActiveTrip) {
	s.events.Rider(ctx, t.RiderID, dispatch.Event{
		Type:    dispatch.EventOrderUpdated,
		OrderID: t.ID,
		Data: map[string]any{
			"status":          t.Status,
			"pickupEta":       t.PickupETA,
			"dropoffEta":      t.DropoffETA,
			"currentLegIndex": t.CurrentLegIndex,
			"costEstimate":    t.CostEstimateForRider,
		},
	})
}
