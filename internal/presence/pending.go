package presence

import "github.com/example/ride-dispatch/internal/kv"

// The Queue* helpers add driver-side writes to a caller's batch so offer and
// trip transitions can combine them with their own keys and pick the
// atomicity they need.

func (r *Registry) QueuePendingOffer(b kv.Batch, driverID, offerID string) {
	b.SAdd(driverOffersKey(driverID), offerID)
}

func (r *Registry) QueueRevokeOffer(b kv.Batch, driverID, offerID string) {
	b.SRem(driverOffersKey(driverID), offerID)
}

func (r *Registry) QueueRejectedOffer(b kv.Batch, driverID, offerID string) {
	b.SRem(driverOffersKey(driverID), offerID)
	b.HIncrBy(driverKey(driverID), fRejected, 1)
}

func (r *Registry) QueueAcceptedOrder(b kv.Batch, driverID, orderID string) {
	b.SRem(driverOffersKey(driverID), orderID)
	b.HIncrBy(driverKey(driverID), fAccepted, 1)
	b.SAdd(driverOrdersKey(driverID), orderID)
}

// QueueAssignedOrder attaches an order to a driver without touching counters (handoff).
func (r *Registry) QueueAssignedOrder(b kv.Batch, driverID, orderID string) {
	b.SAdd(driverOrdersKey(driverID), orderID)
}

func (r *Registry) QueueReleasedOrder(b kv.Batch, driverID, orderID string) {
	b.SRem(driverOrdersKey(driverID), orderID)
	b.HSet(driverKey(driverID), map[string]string{fIdleStart: fmtMillis(r.now())})
}

func (r *Registry) QueueCancelledOrder(b kv.Batch, driverID, orderID string) {
	r.QueueReleasedOrder(b, driverID, orderID)
	b.HIncrBy(driverKey(driverID), fCancelled, 1)
}
