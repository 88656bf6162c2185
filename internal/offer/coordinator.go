// Package offer runs the ride offer lifecycle: creation, waves or sequential
// steps of offers to candidate drivers, rejection, acceptance, expiry and
// cancellation, plus manual assignment and handoff of active trips.
//
// Every transition of an offer runs under a per-offer token lock. Closing an
// offer first sets a tombstone with SETNX, so exactly one of accept, expire
// and cancel wins and a closed offer id can never be reopened.
package offer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/codec"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/kv"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

// TimeoutJob is the delay queue job that ends a wave or sequential step.
const TimeoutJob = "offer-timeout"

// AdminNoDriverOp is the admin channel notified when an offer expires unmatched.
const AdminNoDriverOp = "noDriverFound"

const (
	lockTTL      = 10 * time.Second
	lockAttempts = 50
	lockDelay    = 2 * time.Millisecond
)

// Timeout is the message the delay queue delivers when a round runs out.
// Seq identifies the round it was scheduled for; older messages are stale.
type Timeout struct {
	OrderID string `json:"orderId"`
	Seq     int    `json:"seq"`
}

type Scheduler interface {
	Enqueue(ctx context.Context, name string, payload any, jobID string, delay time.Duration) error
	Cancel(ctx context.Context, jobID string) error
}

type Notifier interface {
	Send(ctx context.Context, token, template string, args map[string]string)
}

type ActivitySink interface {
	Publish(ctx context.Context, a models.Activity) error
}

type Deps struct {
	Store      kv.Store
	Registry   *presence.Registry
	Trips      *trip.Store
	Orders     storage.Orders
	Policy     *matcher.Policy
	Router     eta.Router
	Scheduler  Scheduler
	Notifier   Notifier
	Events     *dispatch.Events
	Activities ActivitySink
	Logger     *slog.Logger
}

type Coordinator struct {
	kv         kv.Store
	registry   *presence.Registry
	trips      *trip.Store
	orders     storage.Orders
	policy     *matcher.Policy
	router     eta.Router
	scheduler  Scheduler
	notifier   Notifier
	events     *dispatch.Events
	activities ActivitySink
	logger     *slog.Logger
	now        func() time.Time
}

func NewCoordinator(d Deps) *Coordinator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		kv:         d.Store,
		registry:   d.Registry,
		trips:      d.Trips,
		orders:     d.Orders,
		policy:     d.Policy,
		router:     d.Router,
		scheduler:  d.Scheduler,
		notifier:   d.Notifier,
		events:     d.Events,
		activities: d.Activities,
		logger:     logger.With("component", "offer"),
		now:        time.Now,
	}
}

// WithClock replaces the coordinator clock.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// HandleTimeout adapts ExpireOffer to a delay queue job payload.
func (c *Coordinator) HandleTimeout(ctx context.Context, payload []byte) error {
	var t Timeout
	if err := json.Unmarshal(payload, &t); err != nil {
		return fmt.Errorf("decode offer timeout: %w", err)
	}
	return c.ExpireOffer(ctx, t)
}

func validate(o *models.RideOffer) error {
	switch {
	case o.ID == "":
		return errs.NewValidationError("orderId", "is required")
	case o.RiderID == "":
		return errs.NewValidationError("riderId", "is required")
	case o.ServiceID == "":
		return errs.NewValidationError("serviceId", "is required")
	case o.CostEstimateForRider < 0 || o.CostEstimateForDriver < 0:
		return errs.NewValidationError("costEstimate", "must be >= 0")
	case o.PaymentMethod == nil:
		return errs.NewValidationError("paymentMethod", "is required")
	}
	if err := models.ValidateWaypoints(o.Waypoints); err != nil {
		return errs.NewValidationErrorWithCause("waypoints", "invalid route", err)
	}
	switch {
	case o.Pickup == (models.Coord{}):
		o.Pickup = o.Waypoints[0].Point
	case !o.Pickup.Valid():
		return errs.NewValidationError("pickup", "invalid coordinates")
	}
	return nil
}

func (c *Coordinator) lock(ctx context.Context, id string) (*kv.Lock, error) {
	l, err := kv.AcquireLock(ctx, c.kv, lockKey(id), lockTTL, lockAttempts, lockDelay)
	if errors.Is(err, kv.ErrLockBusy) {
		return nil, errs.NewConflictError("offer", id, "busy")
	}
	return l, err
}

func release(ctx context.Context, l *kv.Lock) {
	_ = l.Release(context.WithoutCancel(ctx))
}

// tombstone closes id for good. It reports false if another transition
// already closed it.
func (c *Coordinator) tombstone(ctx context.Context, id, value string) (bool, error) {
	ok, err := c.kv.SetNX(ctx, closedKey(id), []byte(value), 0)
	if err != nil {
		return false, fmt.Errorf("close offer %s: %w", id, err)
	}
	return ok, nil
}

// reopen drops a tombstone whose closing writes failed, so the offer can
// still be accepted or closed later.
func (c *Coordinator) reopen(ctx context.Context, id, value string) {
	if _, err := c.kv.CompareAndDelete(context.WithoutCancel(ctx), closedKey(id), []byte(value)); err != nil {
		c.logger.ErrorContext(ctx, "reopen offer after failed close", "order_id", id, "err", err)
	}
}

// closed returns the tombstone of a closed offer, if any.
func (c *Coordinator) closed(ctx context.Context, id string) (string, bool, error) {
	v, err := c.kv.Get(ctx, closedKey(id))
	if errors.Is(err, kv.ErrNil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

// CreateOffer stores a new open offer and attaches it to the rider,
// creating the rider snapshot if needed.
func (c *Coordinator) CreateOffer(ctx context.Context, o models.RideOffer, rider models.RiderSnapshot) (*models.RideOffer, error) {
	if err := validate(&o); err != nil {
		return nil, err
	}
	l, err := c.lock(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	defer release(ctx, l)
	return c.create(ctx, &o, rider)
}

func (c *Coordinator) create(ctx context.Context, o *models.RideOffer, rider models.RiderSnapshot) (*models.RideOffer, error) {
	if _, isClosed, err := c.closed(ctx, o.ID); err != nil {
		return nil, err
	} else if isClosed {
		return nil, errs.NewConflictError("offer", o.ID, "already closed")
	}
	if exists, err := c.kv.Exists(ctx, offerKey(o.ID)); err != nil {
		return nil, err
	} else if exists {
		return nil, errs.NewConflictError("offer", o.ID, "already exists")
	}
	// the order table outlives the kv store
	prev, err := c.orders.FindOrder(ctx, o.ID)
	switch {
	case err == nil && prev.Status != models.StatusRequested:
		return nil, errs.NewConflictError("offer", o.ID, "already "+string(prev.Status))
	case err != nil && !errors.Is(err, errs.ErrNotFound):
		c.logger.WarnContext(ctx, "look up order before create", "order_id", o.ID, "err", err)
	}

	now := c.now()
	o.Status = models.OfferOpen
	o.CreatedAt = now
	o.OfferedToDriverIDs, o.RejectedByDriverIDs, o.Candidates = nil, nil, nil
	raw, err := json.Marshal(toRecord(o))
	if err != nil {
		return nil, fmt.Errorf("encode offer %s: %w", o.ID, err)
	}
	state := encodeState(c.policy.Start(now))
	state[sStatus] = string(models.OfferOpen)
	state[sSeq] = "0"

	b := c.kv.TxPipeline()
	b.Set(offerKey(o.ID), raw, 0)
	b.HSet(stateKey(o.ID), state)
	if err := b.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store offer %s: %w", o.ID, err)
	}

	rider.ID = o.RiderID
	if err := c.registry.EnsureRider(ctx, rider, o.ID); err != nil {
		return nil, err
	}
	if err := c.orders.SaveOrder(ctx, models.OrderUpdate{
		ID:                    o.ID,
		Status:                models.Ptr(models.StatusRequested),
		RiderID:               models.Ptr(o.RiderID),
		CostEstimateForRider:  models.Ptr(o.CostEstimateForRider),
		CostEstimateForDriver: models.Ptr(o.CostEstimateForDriver),
		Currency:              models.Ptr(o.Currency),
	}); err != nil {
		c.logger.ErrorContext(ctx, "persist new order", "order_id", o.ID, "err", err)
	}
	observability.OffersCreated.Inc()
	return o, nil
}

// Dispatch creates the offer and runs its first round.
func (c *Coordinator) Dispatch(ctx context.Context, o models.RideOffer, rider models.RiderSnapshot) (*models.RideOffer, error) {
	if err := validate(&o); err != nil {
		return nil, err
	}
	l, err := c.lock(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	defer release(ctx, l)

	if _, err := c.create(ctx, &o, rider); err != nil {
		return nil, err
	}
	if err := c.runRound(ctx, o.ID); err != nil {
		return nil, err
	}
	return c.openOffer(ctx, o.ID)
}

// Get returns an open offer.
func (c *Coordinator) Get(ctx context.Context, id string) (*models.RideOffer, error) {
	return c.openOffer(ctx, id)
}

func (c *Coordinator) openOffer(ctx context.Context, id string) (*models.RideOffer, error) {
	o, _, _, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != models.OfferOpen {
		return nil, errs.NewNotFoundError("offer", id)
	}
	return o, nil
}

// load reads the offer with its dispatch state and timer sequence.
func (c *Coordinator) load(ctx context.Context, id string) (*models.RideOffer, matcher.State, int, error) {
	raw, err := c.kv.Get(ctx, offerKey(id))
	if errors.Is(err, kv.ErrNil) {
		return nil, matcher.State{}, 0, errs.NewNotFoundError("offer", id)
	}
	if err != nil {
		return nil, matcher.State{}, 0, fmt.Errorf("load offer %s: %w", id, err)
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, matcher.State{}, 0, fmt.Errorf("decode offer %s: %w", id, err)
	}
	o, err := r.model()
	if err != nil {
		return nil, matcher.State{}, 0, fmt.Errorf("decode offer %s: %w", id, err)
	}
	h, err := c.kv.HGetAll(ctx, stateKey(id))
	if err != nil {
		return nil, matcher.State{}, 0, err
	}
	st := decodeState(h)
	o.Status = models.OfferStatus(h[sStatus])
	o.DispatchedAt = millis(h[sDispatchedAt])
	o.ExpireAt = millis(h[sExpireAt])

	if o.OfferedToDriverIDs, err = c.kv.SMembers(ctx, offeredKey(id)); err != nil {
		return nil, st, 0, err
	}
	if o.RejectedByDriverIDs, err = c.kv.SMembers(ctx, rejectedKey(id)); err != nil {
		return nil, st, 0, err
	}
	if st.Tested, err = c.kv.SMembers(ctx, testedKey(id)); err != nil {
		return nil, st, 0, err
	}
	st.Offered, st.Rejected = o.OfferedToDriverIDs, o.RejectedByDriverIDs

	rawCands, err := c.kv.Get(ctx, candidatesKey(id))
	if err != nil && !errors.Is(err, kv.ErrNil) {
		return nil, st, 0, err
	}
	if len(rawCands) > 0 {
		var cs []codec.Candidate
		if err := json.Unmarshal(rawCands, &cs); err != nil {
			return nil, st, 0, fmt.Errorf("decode candidates %s: %w", id, err)
		}
		o.Candidates = codec.ToCandidates(cs)
	}
	return o, st, atoi(h[sSeq]), nil
}

// OfferRide puts the offer into each driver's pending list until expiresAt.
// Offering twice to the same driver leaves a single pending entry.
func (c *Coordinator) OfferRide(ctx context.Context, orderID string, driverIDs []string, expiresAt time.Time) error {
	l, err := c.lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer release(ctx, l)

	o, _, _, err := c.load(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != models.OfferOpen {
		return errs.NewNotFoundError("offer", orderID)
	}
	drivers := make([]models.DriverSnapshot, 0, len(driverIDs))
	for _, id := range driverIDs {
		d, err := c.registry.GetDriver(ctx, id)
		if err != nil {
			return err
		}
		drivers = append(drivers, d)
	}
	return c.offerTo(ctx, o, drivers, expiresAt)
}

func (c *Coordinator) offerTo(ctx context.Context, o *models.RideOffer, drivers []models.DriverSnapshot, expiresAt time.Time) error {
	if len(drivers) == 0 {
		return nil
	}
	ids := make([]string, len(drivers))
	for i, d := range drivers {
		ids[i] = d.ID
	}
	now := c.now()
	b := c.kv.Pipeline()
	for _, id := range ids {
		c.registry.QueuePendingOffer(b, id, o.ID)
	}
	b.SAdd(offeredKey(o.ID), ids...)
	b.SAdd(testedKey(o.ID), ids...)
	b.HSet(stateKey(o.ID), map[string]string{sDispatchedAt: fmtMillis(now), sExpireAt: fmtMillis(expiresAt)})
	if err := b.Exec(ctx); err != nil {
		return fmt.Errorf("offer %s: %w", o.ID, err)
	}

	args := map[string]string{"orderId": o.ID, "expireAt": expiresAt.UTC().Format(time.RFC3339)}
	for _, d := range drivers {
		c.events.Driver(ctx, d.ID, dispatch.Event{Type: dispatch.EventRideOfferReceived, OrderID: o.ID, Data: args})
		c.notifier.Send(ctx, d.NotificationToken, dispatch.TemplateNewOffer, args)
	}
	return nil
}

// RejectOffer records that driverID declined. When nobody holds the offer
// any more the next round starts right away.
func (c *Coordinator) RejectOffer(ctx context.Context, orderID, driverID string) error {
	l, err := c.lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer release(ctx, l)

	o, _, seq, err := c.load(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != models.OfferOpen || !o.IsOfferedTo(driverID) {
		return errs.NewNotFoundError("offer", orderID+" for driver "+driverID)
	}

	now := c.now()
	for i := range o.Candidates {
		if o.Candidates[i].DriverID == driverID {
			o.Candidates[i].RejectedAt = models.Ptr(now)
		}
	}
	b := c.kv.Pipeline()
	c.registry.QueueRejectedOffer(b, driverID, orderID)
	b.SRem(offeredKey(orderID), driverID)
	b.SAdd(rejectedKey(orderID), driverID)
	if len(o.Candidates) > 0 {
		raw, err := json.Marshal(codec.FromCandidates(o.Candidates))
		if err != nil {
			return err
		}
		b.Set(candidatesKey(orderID), raw, 0)
	}
	if err := b.Exec(ctx); err != nil {
		return fmt.Errorf("reject %s by %s: %w", orderID, driverID, err)
	}

	if len(o.OfferedToDriverIDs) == 1 {
		return c.advance(ctx, orderID, seq)
	}
	return nil
}

// WithdrawDriver takes a driver that went offline out of the offer without
// counting a rejection.
func (c *Coordinator) WithdrawDriver(ctx context.Context, orderID, driverID string) error {
	l, err := c.lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer release(ctx, l)

	o, _, seq, err := c.load(ctx, orderID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if o.Status != models.OfferOpen || !o.IsOfferedTo(driverID) {
		return nil
	}
	b := c.kv.Pipeline()
	c.registry.QueueRevokeOffer(b, driverID, orderID)
	b.SRem(offeredKey(orderID), driverID)
	if err := b.Exec(ctx); err != nil {
		return err
	}
	if len(o.OfferedToDriverIDs) == 1 {
		return c.advance(ctx, orderID, seq)
	}
	return nil
}

// advance cancels the pending timer and runs the next round now.
func (c *Coordinator) advance(ctx context.Context, orderID string, seq int) error {
	if err := c.scheduler.Cancel(ctx, timerJobID(orderID)); err != nil {
		c.logger.WarnContext(ctx, "cancel offer timer", "order_id", orderID, "seq", seq, "err", err)
	}
	return c.runRound(ctx, orderID)
}

// ExpireOffer ends the round the timeout was scheduled for. Timeouts for
// closed offers or for rounds that already ended are no-ops.
func (c *Coordinator) ExpireOffer(ctx context.Context, t Timeout) error {
	l, err := c.lock(ctx, t.OrderID)
	if err != nil {
		return err
	}
	defer release(ctx, l)

	if _, isClosed, err := c.closed(ctx, t.OrderID); err != nil || isClosed {
		return err
	}
	o, _, seq, err := c.load(ctx, t.OrderID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if o.Status != models.OfferOpen {
		return nil
	}
	if t.Seq != seq {
		c.logger.WarnContext(ctx, "stale offer timeout", "order_id", t.OrderID, "seq", t.Seq, "current", seq)
		return nil
	}
	return c.runRound(ctx, t.OrderID)
}

// CancelOffer closes an open offer on the rider's request.
func (c *Coordinator) CancelOffer(ctx context.Context, orderID string) error {
	l, err := c.lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer release(ctx, l)

	if _, isClosed, err := c.closed(ctx, orderID); err != nil {
		return err
	} else if isClosed {
		return errs.NewNotFoundError("offer", orderID)
	}
	o, _, _, err := c.load(ctx, orderID)
	if err != nil {
		return err
	}
	return c.close(ctx, o, models.OfferCancelled)
}
