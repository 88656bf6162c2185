package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/trip"
)

// AcceptOffer turns the offer into an active trip for driverID. Only one
// driver can win: everyone else gets a ConflictError and loses the offer
// from their pending list.
func (c *Coordinator) AcceptOffer(ctx context.Context, orderID, driverID string) (*models.ActiveTrip, error) {
	start := time.Now()
	t, err := c.acceptLocked(ctx, orderID, driverID, true)
	switch {
	case err == nil:
		observability.OfferAccepts.WithLabelValues("accepted").Inc()
		observability.AcceptLatency.Observe(time.Since(start).Seconds())
	case errors.Is(err, errs.ErrConflict):
		observability.OfferAccepts.WithLabelValues("conflict").Inc()
	default:
		observability.OfferAccepts.WithLabelValues("error").Inc()
	}
	return t, err
}

func (c *Coordinator) acceptLocked(ctx context.Context, orderID, driverID string, requireOffer bool) (*models.ActiveTrip, error) {
	l, err := c.lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release(ctx, l)

	if by, isClosed, err := c.closed(ctx, orderID); err != nil {
		return nil, err
	} else if isClosed {
		return nil, errs.NewConflictError("offer", orderID, "already "+by)
	}
	o, _, _, err := c.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if requireOffer && !o.IsOfferedTo(driverID) {
		return nil, errs.NewConflictError("offer", orderID, "not offered to "+driverID)
	}
	return c.accept(ctx, o, driverID)
}

type assignment struct {
	driver models.DriverSnapshot
	rider  models.RiderSnapshot
	trip   trip.Assignment
}

// route loads both parties and computes the pickup and dropoff ETAs.
// Nothing is written, so a routing failure leaves the offer untouched.
func (c *Coordinator) route(ctx context.Context, o *models.RideOffer, driverID string) (assignment, error) {
	var (
		a          assignment
		toPickup   models.TravelMetrics
		wholeRoute models.TravelMetrics
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := c.registry.GetDriver(gctx, driverID)
		if err != nil {
			return err
		}
		a.driver = d
		toPickup, err = c.router.TravelMetrics(gctx, []models.Coord{d.Location, o.Pickup})
		if err != nil {
			return errs.NewExternalServiceError("routing", err)
		}
		return nil
	})
	g.Go(func() error {
		r, err := c.registry.GetRider(gctx, o.RiderID)
		if errors.Is(err, errs.ErrNotFound) {
			a.rider = models.RiderSnapshot{ID: o.RiderID}
			return nil
		}
		a.rider = r
		return err
	})
	g.Go(func() error {
		var err error
		wholeRoute, err = c.router.TravelMetrics(gctx, models.Points(o.Waypoints))
		if err != nil {
			return errs.NewExternalServiceError("routing", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return assignment{}, err
	}

	pickupETA := c.now().Add(seconds(toPickup.DurationSeconds))
	a.trip = trip.Assignment{
		DriverID:   driverID,
		PickupETA:  pickupETA,
		DropoffETA: pickupETA.Add(seconds(wholeRoute.DurationSeconds)),
		Directions: wholeRoute.Directions,
	}
	return a, nil
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

func (c *Coordinator) accept(ctx context.Context, o *models.RideOffer, driverID string) (*models.ActiveTrip, error) {
	a, err := c.route(ctx, o, driverID)
	if err != nil {
		return nil, err
	}

	if exists, err := c.trips.Exists(ctx, o.ID); err != nil {
		return nil, err
	} else if exists {
		return nil, errs.NewConflictError("trip", o.ID, "already active")
	}
	mark := string(models.OfferAccepted) + ":" + driverID
	ok, err := c.tombstone(ctx, o.ID, mark)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NewConflictError("offer", o.ID, "already closed")
	}

	// the trip appears in the same step the offer disappears
	others := without(o.OfferedToDriverIDs, driverID)
	b := c.kv.TxPipeline()
	t, err := c.trips.QueueFromOffer(b, *o, a.trip)
	if err != nil {
		c.reopen(ctx, o.ID, mark)
		return nil, err
	}
	for _, did := range others {
		c.registry.QueueRevokeOffer(b, did, o.ID)
	}
	c.registry.QueueAcceptedOrder(b, driverID, o.ID)
	b.Del(liveKeys(o.ID)...)
	if err := b.Exec(ctx); err != nil {
		c.reopen(ctx, o.ID, mark)
		return nil, fmt.Errorf("accept offer %s: %w", o.ID, err)
	}
	if err := c.scheduler.Cancel(ctx, timerJobID(o.ID)); err != nil {
		c.logger.WarnContext(ctx, "cancel offer timer", "order_id", o.ID, "err", err)
	}

	if err := c.orders.SaveOrder(ctx, models.OrderUpdate{
		ID:         o.ID,
		Status:     models.Ptr(models.StatusDriverAccepted),
		DriverID:   models.Ptr(driverID),
		PickupETA:  models.Ptr(t.PickupETA),
		DropoffETA: models.Ptr(t.DropoffETA),
	}); err != nil {
		c.logger.ErrorContext(ctx, "persist accepted order", "order_id", o.ID, "err", err)
	}

	for _, did := range others {
		c.events.Driver(ctx, did, dispatch.Event{Type: dispatch.EventRideOfferRevoked, OrderID: o.ID})
	}
	c.announce(ctx, t, a)
	observability.OffersClosed.WithLabelValues(string(models.OfferAccepted)).Inc()
	c.logger.InfoContext(ctx, "offer accepted", "order_id", o.ID, "driver_id", driverID)
	return t, nil
}

// announce tells the driver and the rider about a new assignment.
func (c *Coordinator) announce(ctx context.Context, t *models.ActiveTrip, a assignment) {
	args := map[string]string{"orderId": t.ID, "pickupEta": t.PickupETA.UTC().Format(time.RFC3339)}
	c.events.Driver(ctx, t.DriverID, dispatch.Event{Type: dispatch.EventActiveOrderAssigned, OrderID: t.ID, Data: args})
	c.notifier.Send(ctx, a.driver.NotificationToken, dispatch.TemplateBookingAssigned, args)
	c.events.Rider(ctx, t.RiderID, dispatch.Event{
		Type:    dispatch.EventOrderUpdated,
		OrderID: t.ID,
		Data:    map[string]string{"status": string(t.Status), "driverId": t.DriverID},
	})
	c.notifier.Send(ctx, a.rider.NotificationToken, dispatch.TemplateAssigned, args)
}

// Assign gives the order to driverID by hand. An open offer is accepted on
// the driver's behalf; an active trip is handed off from its current driver.
func (c *Coordinator) Assign(ctx context.Context, orderID, driverID string) (*models.ActiveTrip, error) {
	d, err := c.registry.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if len(d.ActiveOrderIDs) > 0 {
		return nil, errs.NewConflictError("driver", driverID, "has an active order")
	}

	t, err := c.acceptLocked(ctx, orderID, driverID, false)
	if !errors.Is(err, errs.ErrNotFound) && !errors.Is(err, errs.ErrConflict) {
		return t, err
	}
	exists, xerr := c.trips.Exists(ctx, orderID)
	if xerr != nil {
		return nil, xerr
	}
	if !exists {
		return nil, err
	}
	return c.handoff(ctx, orderID, driverID)
}

func (c *Coordinator) handoff(ctx context.Context, orderID, driverID string) (*models.ActiveTrip, error) {
	cur, err := c.trips.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	o := &models.RideOffer{
		ID:        cur.ID,
		RiderID:   cur.RiderID,
		Pickup:    cur.Waypoints[cur.CurrentLegIndex].Point,
		Waypoints: cur.Waypoints[cur.CurrentLegIndex:],
	}
	a, err := c.route(ctx, o, driverID)
	if err != nil {
		return nil, err
	}
	prev, t, err := c.trips.Reassign(ctx, orderID, a.trip)
	if err != nil {
		return nil, err
	}
	if err := c.orders.SaveOrder(ctx, models.OrderUpdate{
		ID:         orderID,
		DriverID:   models.Ptr(driverID),
		PickupETA:  models.Ptr(t.PickupETA),
		DropoffETA: models.Ptr(t.DropoffETA),
	}); err != nil {
		c.logger.ErrorContext(ctx, "persist handoff", "order_id", orderID, "err", err)
	}

	if prev != "" {
		c.events.Driver(ctx, prev, dispatch.Event{Type: dispatch.EventActiveOrderCompleted, OrderID: orderID})
		if pd, err := c.registry.GetDriver(ctx, prev); err == nil {
			c.notifier.Send(ctx, pd.NotificationToken, dispatch.TemplateCanceled, map[string]string{"orderId": orderID})
		}
	}
	c.announce(ctx, t, a)
	c.logger.InfoContext(ctx, "trip handed off", "order_id", orderID, "from", prev, "to", driverID)
	return t, nil
}
