package presence

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/kv"
	"github.com/example/ride-dispatch/internal/models"
)

// EnsureRider creates the rider snapshot if absent and attaches orderID to it.
func (r *Registry) EnsureRider(ctx context.Context, rider models.RiderSnapshot, orderID string) error {
	if rider.ID == "" {
		return errs.NewValidationError("riderId", "is required")
	}
	exists, err := r.store.Exists(ctx, riderKey(rider.ID))
	if err != nil {
		return fmt.Errorf("load rider %s: %w", rider.ID, err)
	}
	b := r.store.TxPipeline()
	if !exists {
		b.HSet(riderKey(rider.ID), encodeRider(rider))
	}
	b.SAdd(riderOrdersKey(rider.ID), orderID)
	if err := b.Exec(ctx); err != nil {
		return fmt.Errorf("store rider %s: %w", rider.ID, err)
	}
	// a rider with orders in flight never expires
	if err := r.store.Persist(ctx, riderKey(rider.ID)); err != nil {
		return err
	}
	return r.store.Persist(ctx, riderOrdersKey(rider.ID))
}

func (r *Registry) GetRider(ctx context.Context, riderID string) (models.RiderSnapshot, error) {
	h, err := r.store.HGetAll(ctx, riderKey(riderID))
	if err != nil {
		return models.RiderSnapshot{}, fmt.Errorf("load rider %s: %w", riderID, err)
	}
	rider, ok := decodeRider(riderID, h)
	if !ok {
		return models.RiderSnapshot{}, errs.NewNotFoundError("rider", riderID)
	}
	if rider.ActiveOrderIDs, err = r.store.SMembers(ctx, riderOrdersKey(riderID)); err != nil {
		return models.RiderSnapshot{}, err
	}
	return rider, nil
}

// RemoveRiderOrder detaches an order. Once the rider has none left the
// snapshot lapses after RiderIdleTTL.
func (r *Registry) RemoveRiderOrder(ctx context.Context, riderID, orderID string) error {
	if _, err := r.store.SRem(ctx, riderOrdersKey(riderID), orderID); err != nil {
		return err
	}
	left, err := r.store.SMembers(ctx, riderOrdersKey(riderID))
	if err != nil {
		return err
	}
	if len(left) > 0 {
		return nil
	}
	return r.store.Expire(ctx, riderKey(riderID), r.cfg.RiderIdleTTL)
}

// QueueRiderOrder attaches an order to the rider inside a caller's batch.
func (r *Registry) QueueRiderOrder(b kv.Batch, riderID, orderID string) {
	b.SAdd(riderOrdersKey(riderID), orderID)
}
