package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// split is the distribution of a settled fare.
type split struct {
	Commission    float64 // taken from the driver
	FleetShare    float64
	PlatformShare float64
	DriverEarning float64 // non-cash part plus tip
	RiderDebit    float64
}

// computeSplit applies the fleet terms to a settled trip.
func computeSplit(t *models.ActiveTrip, c collection, fleet *models.Fleet) split {
	commission := models.Round2(t.CostEstimateForRider - t.CostEstimateForDriver)
	var fleetShare float64
	if fleet != nil {
		fleetShare = models.Round2(commission*fleet.SharePercent/100 + fleet.ShareFlat)
	}
	return split{
		Commission:    commission,
		FleetShare:    fleetShare,
		PlatformShare: models.Round2(commission - fleetShare),
		DriverEarning: models.Round2(t.CostEstimateForDriver - c.cash + t.Tip),
		RiderDebit:    models.Round2(c.wallet),
	}
}

type leg struct {
	name   string
	entry  models.LedgerEntry
	mirror bool // apply to the driver's online wallet
}

// distribute posts every wallet leg and reports whether any of them failed.
func (e *Engine) distribute(ctx context.Context, t *models.ActiveTrip, c collection) bool {
	fleet := e.fleetOf(ctx, t)
	s := computeSplit(t, c, fleet)

	entry := func(party models.LedgerParty, partyID string, action models.LedgerAction, amount float64) models.LedgerEntry {
		return models.LedgerEntry{
			OrderID:   t.ID,
			Party:     party,
			PartyID:   partyID,
			Action:    action,
			Amount:    amount,
			Currency:  t.Currency,
			CreatedAt: e.now(),
		}
	}
	legs := []leg{{name: "commission", entry: entry(models.PartyDriver, t.DriverID, models.ActionCommission, -s.Commission), mirror: true}}
	if fleet != nil && s.FleetShare > 0 {
		legs = append(legs, leg{name: "fleet", entry: entry(models.PartyFleet, fleet.ID, models.ActionFleetShare, s.FleetShare)})
	}
	legs = append(legs, leg{name: "platform", entry: entry(models.PartyPlatform, "platform", models.ActionPlatformShare, s.PlatformShare)})
	if s.DriverEarning > 0 {
		legs = append(legs, leg{name: "driver", entry: entry(models.PartyDriver, t.DriverID, models.ActionRideEarning, s.DriverEarning), mirror: true})
	}
	if s.RiderDebit > 0 {
		legs = append(legs, leg{name: "rider", entry: entry(models.PartyRider, t.RiderID, models.ActionRidePayment, -s.RiderDebit)})
	}

	failed := false
	for _, l := range legs {
		if err := e.post(ctx, l); err != nil {
			failed = true
			observability.SettlementLegFailures.WithLabelValues(l.name).Inc()
			e.logger.ErrorContext(ctx, "settlement leg failed", "order_id", t.ID, "leg", l.name, "amount", l.entry.Amount, "err", err)
		}
	}
	if s.DriverEarning > 0 {
		if err := e.payout(ctx, t, s.DriverEarning); err != nil {
			failed = true
			observability.SettlementLegFailures.WithLabelValues("payout").Inc()
			e.logger.ErrorContext(ctx, "instant payout failed", "order_id", t.ID, "driver_id", t.DriverID, "err", err)
		}
	}
	return failed
}

// fleetOf returns the fleet of the trip's driver, or nil.
func (e *Engine) fleetOf(ctx context.Context, t *models.ActiveTrip) *models.Fleet {
	d, err := e.drivers.GetDriver(ctx, t.DriverID)
	if err != nil || d.FleetID == "" {
		return nil
	}
	f, err := e.store.GetFleet(ctx, d.FleetID)
	if err != nil {
		e.logger.WarnContext(ctx, "fleet lookup", "order_id", t.ID, "fleet_id", d.FleetID, "err", err)
		return nil
	}
	return &f
}

// post records a leg once. A replayed leg is skipped, including its mirror.
func (e *Engine) post(ctx context.Context, l leg) error {
	var posted bool
	err := e.retry(ctx, func() error {
		var err error
		posted, err = e.store.Post(ctx, l.entry)
		return err
	})
	if err != nil || !posted || !l.mirror {
		return err
	}
	if err := e.drivers.AdjustWalletCredit(ctx, l.entry.PartyID, l.entry.Amount); err != nil {
		e.logger.WarnContext(ctx, "driver wallet mirror", "driver_id", l.entry.PartyID, "err", err)
	}
	return nil
}

// payout sends the driver's earning to the default payout account when it
// has instant payouts enabled.
func (e *Engine) payout(ctx context.Context, t *models.ActiveTrip, amount float64) error {
	if e.gateway == nil {
		return nil
	}
	acct, err := e.store.DefaultPayoutAccount(ctx, t.DriverID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !acct.InstantPayout {
		return nil
	}
	var ref string
	err = e.retry(ctx, func() error {
		var err error
		ref, err = e.gateway.Payout(ctx, acct.AccountID, amount, t.Currency, t.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("payout to %s: %w", acct.AccountID, err)
	}
	return e.post(ctx, leg{
		name: "payout",
		entry: models.LedgerEntry{
			OrderID:   t.ID,
			Party:     models.PartyDriver,
			PartyID:   t.DriverID,
			Action:    models.ActionPayout,
			Amount:    -amount,
			Currency:  t.Currency,
			Reference: ref,
			CreatedAt: e.now(),
		},
		mirror: true,
	})
}
