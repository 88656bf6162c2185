package offer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/example/ride-dispatch/internal/codec"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

// runRound revokes the current holders and dispatches the next wave or
// sequential step. Callers hold the offer lock.
func (c *Coordinator) runRound(ctx context.Context, id string) error {
	o, st, seq, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if err := c.revoke(ctx, o); err != nil {
		return err
	}
	st.Offered = nil

	now := c.now()
	var (
		dec     matcher.Decision
		drivers map[string]models.DriverSnapshot
	)
	for {
		search, ok := c.policy.Plan(st, now)
		if ok {
			pool, byID, err := c.pool(ctx, o, search)
			if err != nil {
				return err
			}
			dec = c.policy.Decide(st, search, pool, now)
			if dec.Action != matcher.ActionExhausted {
				drivers = byID
				break
			}
			st = dec.State
		}
		next, used := c.policy.Fallback(st, now)
		if !used {
			return c.close(ctx, o, models.OfferExpired)
		}
		c.logger.InfoContext(ctx, "offer fallback", "order_id", id, "strategy", next.Strategy)
		st = next
	}

	seq++
	expireAt := now.Add(dec.After)
	state := encodeState(dec.State)
	state[sSeq] = strconv.Itoa(seq)
	state[sExpireAt] = fmtMillis(expireAt)

	b := c.kv.Pipeline()
	b.HSet(stateKey(id), state)
	if len(dec.Ranked) > 0 {
		raw, err := json.Marshal(codec.FromCandidates(mergeCandidates(o.Candidates, dec.Ranked)))
		if err != nil {
			return err
		}
		b.Set(candidatesKey(id), raw, 0)
	}
	if err := b.Exec(ctx); err != nil {
		return fmt.Errorf("store offer round %s: %w", id, err)
	}

	if dec.Action == matcher.ActionOffer {
		picked := make([]models.DriverSnapshot, 0, len(dec.DriverIDs))
		for _, did := range dec.DriverIDs {
			picked = append(picked, drivers[did])
		}
		if err := c.offerTo(ctx, o, picked, expireAt); err != nil {
			return err
		}
	}
	observability.OfferRounds.WithLabelValues(string(dec.State.Strategy)).Inc()
	c.logger.DebugContext(ctx, "offer round",
		"order_id", id, "action", dec.Action.String(), "drivers", dec.DriverIDs,
		"radius", dec.State.RadiusMeters, "seq", seq)

	return c.scheduler.Enqueue(ctx, TimeoutJob, Timeout{OrderID: id, Seq: seq}, timerJobID(id), dec.After)
}

// pool loads the drivers around the pickup that are free to take the order.
func (c *Coordinator) pool(ctx context.Context, o *models.RideOffer, s matcher.Search) ([]matcher.Input, map[string]models.DriverSnapshot, error) {
	found, err := c.registry.GetSuitableDriversForOrder(ctx, presence.SuitableQuery{
		Point:        o.Pickup,
		RadiusMeters: s.RadiusMeters,
		ServiceID:    o.ServiceID,
		FleetID:      o.FleetID,
		Limit:        s.Limit,
	})
	if err != nil {
		return nil, nil, err
	}
	pool := make([]matcher.Input, 0, len(found))
	byID := make(map[string]models.DriverSnapshot, len(found))
	for _, d := range found {
		if len(d.ActiveOrderIDs) > 0 {
			continue
		}
		pool = append(pool, matcher.Input{Driver: d, DistanceMeters: geo.Distance(o.Pickup, d.Location)})
		byID[d.ID] = d
	}
	return pool, byID, nil
}

// mergeCandidates keeps earlier candidates that were not ranked again.
func mergeCandidates(prev, ranked []models.Candidate) []models.Candidate {
	out := append([]models.Candidate(nil), ranked...)
	seen := make(map[string]struct{}, len(ranked))
	for _, cd := range ranked {
		seen[cd.DriverID] = struct{}{}
	}
	for _, cd := range prev {
		if _, ok := seen[cd.DriverID]; !ok {
			out = append(out, cd)
		}
	}
	return out
}

// revoke takes the offer back from every driver currently holding it.
func (c *Coordinator) revoke(ctx context.Context, o *models.RideOffer, keep ...string) error {
	holders := without(o.OfferedToDriverIDs, keep...)
	if len(holders) == 0 {
		return nil
	}
	b := c.kv.Pipeline()
	for _, did := range holders {
		c.registry.QueueRevokeOffer(b, did, o.ID)
	}
	b.SRem(offeredKey(o.ID), holders...)
	if err := b.Exec(ctx); err != nil {
		return fmt.Errorf("revoke offer %s: %w", o.ID, err)
	}
	for _, did := range holders {
		c.events.Driver(ctx, did, dispatch.Event{Type: dispatch.EventRideOfferRevoked, OrderID: o.ID})
	}
	o.OfferedToDriverIDs = without(o.OfferedToDriverIDs, holders...)
	return nil
}

// close moves an open offer to Expired or Cancelled. The tombstone decides
// the race against a concurrent accept.
func (c *Coordinator) close(ctx context.Context, o *models.RideOffer, status models.OfferStatus) error {
	ok, err := c.tombstone(ctx, o.ID, string(status))
	if err != nil {
		return err
	}
	if !ok {
		return errs.NewConflictError("offer", o.ID, "already closed")
	}

	b := c.kv.TxPipeline()
	for _, did := range o.OfferedToDriverIDs {
		c.registry.QueueRevokeOffer(b, did, o.ID)
	}
	b.Del(liveKeys(o.ID)...)
	if err := b.Exec(ctx); err != nil {
		c.reopen(ctx, o.ID, string(status))
		return fmt.Errorf("close offer %s: %w", o.ID, err)
	}
	if err := c.scheduler.Cancel(ctx, timerJobID(o.ID)); err != nil {
		c.logger.WarnContext(ctx, "cancel offer timer", "order_id", o.ID, "err", err)
	}
	for _, did := range o.OfferedToDriverIDs {
		c.events.Driver(ctx, did, dispatch.Event{Type: dispatch.EventRideOfferRevoked, OrderID: o.ID})
	}

	orderStatus, activity := models.StatusNoDriverFound, models.ActivityExpired
	if status == models.OfferCancelled {
		orderStatus, activity = models.StatusRiderCanceled, models.ActivityCancelled
	}
	if err := c.orders.SaveOrder(ctx, models.OrderUpdate{ID: o.ID, Status: models.Ptr(orderStatus)}); err != nil {
		c.logger.ErrorContext(ctx, "persist closed order", "order_id", o.ID, "status", orderStatus, "err", err)
	}
	if err := c.registry.RemoveRiderOrder(ctx, o.RiderID, o.ID); err != nil {
		c.logger.WarnContext(ctx, "detach rider order", "order_id", o.ID, "err", err)
	}

	update := dispatch.Event{Type: dispatch.EventOrderUpdated, OrderID: o.ID, Data: map[string]string{"status": string(orderStatus)}}
	c.events.Rider(ctx, o.RiderID, update)
	if status == models.OfferExpired {
		if rider, err := c.registry.GetRider(ctx, o.RiderID); err == nil {
			c.notifier.Send(ctx, rider.NotificationToken, dispatch.TemplateNoDriverFound, map[string]string{"orderId": o.ID})
		}
		if c.policy.Config().NotifyAdminOnFailure {
			c.events.Admin(ctx, AdminNoDriverOp, update)
		}
	}
	if c.activities != nil {
		if err := c.activities.Publish(ctx, models.Activity{
			OrderID:  o.ID,
			RiderID:  o.RiderID,
			Type:     activity,
			Currency: o.Currency,
			At:       c.now(),
		}); err != nil {
			c.logger.WarnContext(ctx, "publish activity", "order_id", o.ID, "err", err)
		}
	}
	observability.OffersClosed.WithLabelValues(string(status)).Inc()
	c.logger.InfoContext(ctx, "offer closed", "order_id", o.ID, "status", status)
	return nil
}

func without(xs []string, drop ...string) []string {
	if len(drop) == 0 {
		return xs
	}
	skip := make(map[string]struct{}, len(drop))
	for _, d := range drop {
		skip[d] = struct{}{}
	}
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		if _, ok := skip[x]; !ok {
			out = append(out, x)
		}
	}
	return out
}
