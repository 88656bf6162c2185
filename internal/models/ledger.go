package models

import "time"

type LedgerParty string

const (
	PartyRider    LedgerParty = "rider"
	PartyDriver   LedgerParty = "driver"
	PartyFleet    LedgerParty = "fleet"
	PartyPlatform LedgerParty = "platform"
)

type LedgerAction string

const (
	ActionCommission    LedgerAction = "commission"
	ActionFleetShare    LedgerAction = "fleet_share"
	ActionPlatformShare LedgerAction = "platform_share"
	ActionRideEarning   LedgerAction = "ride_earning"
	ActionRidePayment   LedgerAction = "ride_payment"
	ActionTopUp         LedgerAction = "top_up"
	ActionPayout        LedgerAction = "payout"
)

// LedgerEntry is one wallet movement. Amount is signed: positive credits the
// party, negative debits it. (OrderID, Party, PartyID, Action) is unique.
type LedgerEntry struct {
	OrderID   string
	Party     LedgerParty
	PartyID   string
	Action    LedgerAction
	Amount    float64
	Currency  string
	Reference string
	CreatedAt time.Time
}

type Fleet struct {
	ID           string
	SharePercent float64
	ShareFlat    float64
}

type PayoutAccount struct {
	ID            string
	DriverID      string
	AccountID     string
	Currency      string
	InstantPayout bool
}

type ActivityType string

const (
	ActivityPaid      ActivityType = "Paid"
	ActivityExpired   ActivityType = "Expired"
	ActivityCancelled ActivityType = "Cancelled"
)

// Activity is a completion event emitted for reporting.
type Activity struct {
	OrderID  string
	RiderID  string
	DriverID string
	Type     ActivityType
	Amount   float64
	Currency string
	At       time.Time
}
