package presence

import (
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Hash field names of a driver snapshot.
const (
	fLat            = "lat"
	fLon            = "lon"
	fHeading        = "heading"
	fLocationTime   = "location_time"
	fOnlineSince    = "online_since"
	fIdleStart      = "idle_start"
	fServices       = "service_ids"
	fFleet          = "fleet_id"
	fWallet         = "wallet_credit"
	fCurrency       = "currency"
	fRating         = "rating"
	fSearchDistance = "search_distance"
	fAccepted       = "accepted_count"
	fRejected       = "rejected_count"
	fCancelled      = "cancelled_count"
	fToken          = "notification_token"
)

// Hash field names of a rider snapshot.
const (
	fFirstName = "first_name"
	fLastName  = "last_name"
	fMobile    = "mobile"
	fEmail     = "email"
)

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
func fmtMillis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseFloat(h map[string]string, f string) float64 {
	v, _ := strconv.ParseFloat(h[f], 64)
	return v
}

func parseInt(h map[string]string, f string) int64 {
	v, _ := strconv.ParseInt(h[f], 10, 64)
	return v
}

func parseMillis(h map[string]string, f string) time.Time {
	ms := parseInt(h, f)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func locationFields(p models.Coord, heading float64, at time.Time) map[string]string {
	return map[string]string{
		fLat:          fmtFloat(p.Lat),
		fLon:          fmtFloat(p.Lon),
		fHeading:      fmtFloat(heading),
		fLocationTime: fmtMillis(at),
	}
}

func encodeDriver(d models.DriverSnapshot) map[string]string {
	h := locationFields(d.Location, d.Heading, d.LocationTime)
	h[fOnlineSince] = fmtMillis(d.OnlineSince)
	h[fIdleStart] = fmtMillis(d.IdleStart)
	h[fServices] = joinList(d.ServiceIDs)
	h[fFleet] = d.FleetID
	h[fWallet] = fmtFloat(d.WalletCredit)
	h[fCurrency] = d.Currency
	h[fRating] = fmtFloat(d.Rating)
	h[fSearchDistance] = fmtFloat(d.SearchDistance)
	h[fAccepted] = strconv.FormatInt(d.AcceptedOrdersCount, 10)
	h[fRejected] = strconv.FormatInt(d.RejectedOrdersCount, 10)
	h[fCancelled] = strconv.FormatInt(d.CancelledOrdersCount, 10)
	h[fToken] = d.NotificationToken
	return h
}

// decodeDriver returns false when h is not a complete snapshot. A counter
// bumped on an offline driver leaves a hash without a location.
func decodeDriver(id string, h map[string]string) (models.DriverSnapshot, bool) {
	if _, ok := h[fLat]; !ok {
		return models.DriverSnapshot{}, false
	}
	return models.DriverSnapshot{
		ID:                   id,
		Location:             models.Coord{Lat: parseFloat(h, fLat), Lon: parseFloat(h, fLon)},
		Heading:              parseFloat(h, fHeading),
		LocationTime:         parseMillis(h, fLocationTime),
		OnlineSince:          parseMillis(h, fOnlineSince),
		IdleStart:            parseMillis(h, fIdleStart),
		ServiceIDs:           splitList(h[fServices]),
		FleetID:              h[fFleet],
		WalletCredit:         parseFloat(h, fWallet),
		Currency:             h[fCurrency],
		Rating:               parseFloat(h, fRating),
		SearchDistance:       parseFloat(h, fSearchDistance),
		AcceptedOrdersCount:  parseInt(h, fAccepted),
		RejectedOrdersCount:  parseInt(h, fRejected),
		CancelledOrdersCount: parseInt(h, fCancelled),
		NotificationToken:    h[fToken],
	}, true
}

func encodeRider(r models.RiderSnapshot) map[string]string {
	return map[string]string{
		fFirstName: r.FirstName,
		fLastName:  r.LastName,
		fMobile:    r.Mobile,
		fEmail:     r.Email,
		fToken:     r.NotificationToken,
		fWallet:    fmtFloat(r.WalletCredit),
		fCurrency:  r.Currency,
	}
}

func decodeRider(id string, h map[string]string) (models.RiderSnapshot, bool) {
	if len(h) == 0 {
		return models.RiderSnapshot{}, false
	}
	return models.RiderSnapshot{
		ID:                id,
		FirstName:         h[fFirstName],
		LastName:          h[fLastName],
		Mobile:            h[fMobile],
		Email:             h[fEmail],
		NotificationToken: h[fToken],
		WalletCredit:      parseFloat(h, fWallet),
		Currency:          h[fCurrency],
	}, true
}

func joinList(v []string) string { return strings.Join(v, ",") }
