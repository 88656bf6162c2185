// Package storage is the durable side of the dispatch core: order records,
// payment authorizations, fleets, payout accounts and the wallet ledger.
package storage

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
)

type Orders interface {
	// SaveOrder upserts the non-nil fields of u.
	SaveOrder(ctx context.Context, u models.OrderUpdate) error
	FindOrder(ctx context.Context, id string) (models.Order, error)
}

type Payments interface {
	// FindAuthorizedPayment returns the uncaptured authorization for an order.
	FindAuthorizedPayment(ctx context.Context, orderID string) (models.PaymentAuthorization, error)
	MarkCaptured(ctx context.Context, authorizationID, reference string) error
}

type Fleets interface {
	GetFleet(ctx context.Context, id string) (models.Fleet, error)
}

type Payouts interface {
	DefaultPayoutAccount(ctx context.Context, driverID string) (models.PayoutAccount, error)
}

type Ledger interface {
	// Post records e once. It returns false when an entry with the same
	// (order, party, party id, action) already exists.
	Post(ctx context.Context, e models.LedgerEntry) (bool, error)
	Balance(ctx context.Context, party models.LedgerParty, partyID, currency string) (float64, error)
	Entries(ctx context.Context, orderID string) ([]models.LedgerEntry, error)
}

// Store is everything the core persists.
type Store interface {
	Orders
	Payments
	Fleets
	Payouts
	Ledger
	Close() error
}
