package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestWaypointVariantsSurviveMapping(t *testing.T) {
	ws := []models.Waypoint{
		{Point: models.Coord{Lat: 1, Lon: 2}, Role: models.RolePickup, Service: models.ShopStop{ShopID: "s1", ItemCount: 3}},
		{Point: models.Coord{Lat: 3, Lon: 4}, Role: models.RoleDropoff, Service: models.DeliveryStop{RecipientName: "Ada"}},
	}
	got, err := ToWaypoints(FromWaypoints(ws))
	require.NoError(t, err)
	assert.Equal(t, ws, got)
}

func TestToWaypointsRejectsUnknownService(t *testing.T) {
	_, err := ToWaypoints([]Waypoint{{Role: "pickup", Service: "teleport"}})
	assert.ErrorContains(t, err, "teleport")
	_, err = ToWaypoints([]Waypoint{{Role: "detour", Service: "ride"}})
	assert.Error(t, err)
}

func TestPaymentMapping(t *testing.T) {
	for _, m := range []models.PaymentMethod{models.Cash{}, models.Wallet{}, models.SavedMethod{MethodID: "pm_1"}, models.Gateway{GatewayID: "g"}} {
		got, err := FromPayment(m).Model()
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := Payment{Kind: "barter"}.Model()
	assert.Error(t, err)
}
