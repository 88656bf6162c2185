package trip

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/kv"
	"github.com/example/ride-dispatch/internal/kv/kvtest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

type fixture struct {
	kv       *kv.MemoryStore
	registry *presence.Registry
	orders   *storage.MemoryStore
	trips    *Store
	now      time.Time
}

var pickup = models.Coord{Lat: 52.52, Lon: 13.405}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{kv: kvtest.NewStore(t), orders: storage.NewMemoryStore(), now: time.Unix(1_700_000_000, 0)}
	clock := func() time.Time { return f.now }
	f.registry = presence.NewRegistry(f.kv, presence.DefaultConfig(), nil).WithClock(clock)
	f.trips = NewStore(f.kv, f.registry, f.orders, dispatch.NewEvents(f.kv, nil), nil).WithClock(clock)

	for _, id := range []string{"d1", "d2"} {
		require.NoError(t, f.registry.MakeOnline(context.Background(), models.DriverSnapshot{
			ID: id, Location: pickup, ServiceIDs: []string{"taxi"}, WalletCredit: 100, Currency: "EUR",
		}))
	}
	require.NoError(t, f.registry.EnsureRider(context.Background(), models.RiderSnapshot{ID: "r1"}, "o1"))
	return f
}

func offer() models.RideOffer {
	return models.RideOffer{
		ID:        "o1",
		Status:    models.OfferOpen,
		Type:      models.OrderRide,
		RiderID:   "r1",
		ServiceID: "taxi",
		Pickup:    pickup,
		Waypoints: []models.Waypoint{
			{Point: pickup, Role: models.RolePickup, Service: models.RideStop{}},
			{Point: models.Coord{Lat: 52.53, Lon: 13.41}, Role: models.RoleStop, Service: models.RideStop{}},
			{Point: models.Coord{Lat: 52.54, Lon: 13.42}, Role: models.RoleDropoff, Service: models.RideStop{}},
		},
		CostEstimateForRider:  20,
		CostEstimateForDriver: 16,
		Currency:              "EUR",
		PaymentMethod:         models.Wallet{},
		WaitCostPerMinute:     0.5,
	}
}

func (f *fixture) create(t *testing.T) *models.ActiveTrip {
	t.Helper()
	ctx := context.Background()
	b := f.kv.Pipeline()
	f.registry.QueueAcceptedOrder(b, "d1", "o1")
	require.NoError(t, b.Exec(ctx))
	tr, err := f.trips.CreateFromOffer(ctx, offer(), Assignment{
		DriverID:   "d1",
		PickupETA:  f.now.Add(3 * time.Minute),
		DropoffETA: f.now.Add(15 * time.Minute),
	})
	require.NoError(t, err)
	return tr
}

func TestCreateFromOfferCopiesOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t)

	got, err := f.trips.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDriverAccepted, got.Status)
	assert.Equal(t, "d1", got.DriverID)
	assert.Equal(t, "r1", got.RiderID)
	assert.Equal(t, models.Wallet{}, got.PaymentMethod)
	assert.Equal(t, offer().Waypoints, got.Waypoints)
	assert.True(t, got.PickupETA.Equal(f.now.Add(3*time.Minute)))

	_, err = f.trips.CreateFromOffer(ctx, offer(), Assignment{DriverID: "d2"})
	assert.ErrorIs(t, err, errs.ErrConflict)

	_, err = f.trips.Get(ctx, "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t)

	tr, err := f.trips.UpdateStatus(ctx, "o1", models.StatusArrived)
	require.NoError(t, err)
	assert.Equal(t, models.StatusArrived, tr.Status)
	o, err := f.orders.FindOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusArrived, o.Status)

	_, err = f.trips.UpdateStatus(ctx, "o1", models.StatusDriverAccepted)
	assert.ErrorIs(t, err, errs.ErrConflict)
	_, err = f.trips.UpdateStatus(ctx, "o1", models.StatusArrived)
	assert.NoError(t, err, "same status is a no-op")
}

func TestAddMessageRelaysToCounterpart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t)
	sub, err := f.kv.Subscribe(ctx, dispatch.DriverChannel("d1"))
	require.NoError(t, err)
	defer sub.Close()

	msg, err := f.trips.AddMessage(ctx, "o1", models.SenderRider, "  at the gate  ")
	require.NoError(t, err)
	assert.Equal(t, "at the gate", msg.Content)
	assert.NotEmpty(t, msg.ID)

	select {
	case m := <-sub.Messages():
		var ev dispatch.Event
		require.NoError(t, json.Unmarshal(m.Payload, &ev))
		assert.Equal(t, dispatch.EventMessageReceived, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("driver did not receive the message")
	}

	tr, err := f.trips.Get(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, tr.ChatMessages, 1)

	_, err = f.trips.AddMessage(ctx, "o1", "operator", "hi")
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = f.trips.AddMessage(ctx, "o1", models.SenderDriver, " ")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestUpdateWaitTimeChargesDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t)

	tr, err := f.trips.UpdateWaitTime(ctx, "o1", 4)
	require.NoError(t, err)
	assert.Equal(t, 22.0, tr.CostEstimateForRider)
	assert.Equal(t, 18.0, tr.CostEstimateForDriver)

	tr, err = f.trips.UpdateWaitTime(ctx, "o1", 2)
	require.NoError(t, err)
	assert.Equal(t, 21.0, tr.CostEstimateForRider)
	assert.Equal(t, 17.0, tr.CostEstimateForDriver)
}

func TestAdvanceLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t)

	tr, err := f.trips.AdvanceLeg(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 1, tr.CurrentLegIndex)
	_, err = f.trips.AdvanceLeg(ctx, "o1")
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestDriverCancelReleasesAndCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t)

	_, err := f.trips.Cancel(ctx, "o1", models.SenderDriver)
	require.NoError(t, err)

	_, err = f.trips.Get(ctx, "o1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	d, err := f.registry.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.NotContains(t, d.ActiveOrderIDs, "o1")
	assert.Equal(t, int64(1), d.CancelledOrdersCount)
	rider, err := f.registry.GetRider(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, rider.ActiveOrderIDs)

	o, err := f.orders.FindOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDriverCanceled, o.Status)

	_, err = f.trips.Cancel(ctx, "o1", models.SenderRider)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestReassignMovesOrderBetweenDrivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t)

	prev, tr, err := f.trips.Reassign(ctx, "o1", Assignment{DriverID: "d2", PickupETA: f.now.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, "d1", prev)
	assert.Equal(t, "d2", tr.DriverID)

	d1, _ := f.registry.GetDriver(ctx, "d1")
	d2, _ := f.registry.GetDriver(ctx, "d2")
	assert.NotContains(t, d1.ActiveOrderIDs, "o1")
	assert.Contains(t, d2.ActiveOrderIDs, "o1")

	_, _, err = f.trips.Reassign(ctx, "o1", Assignment{DriverID: "d2"})
	assert.ErrorIs(t, err, errs.ErrConflict)
}
