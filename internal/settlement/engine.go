// Package settlement closes finished trips: it collects what the rider owes
// according to the payment mode and distributes the fare across the driver,
// fleet and platform wallets.
//
// Each wallet leg is an independent ledger posting keyed by (order, party,
// action), retried with backoff and never rolled back. A trip that cannot be
// collected in full moves to WaitingForPostPay and keeps its cache entry.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Gateway is the payment collaborator.
type Gateway interface {
	CaptureAuthorization(ctx context.Context, transactionID string, amount float64) (models.CaptureResult, error)
	Payout(ctx context.Context, accountID string, amount float64, currency, orderID string) (string, error)
}

type Trips interface {
	Get(ctx context.Context, id string) (*models.ActiveTrip, error)
	UpdateStatus(ctx context.Context, id string, status models.OrderStatus) (*models.ActiveTrip, error)
	Delete(ctx context.Context, id string) error
}

// Drivers is the presence side of a settlement: the driver's fleet and the
// wallet mirror on the online snapshot.
type Drivers interface {
	GetDriver(ctx context.Context, driverID string) (models.DriverSnapshot, error)
	AdjustWalletCredit(ctx context.Context, driverID string, delta float64) error
}

type ActivitySink interface {
	Publish(ctx context.Context, a models.Activity) error
}

type Config struct {
	LegRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{LegRetries: 3, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second}
}

type Deps struct {
	Trips      Trips
	Drivers    Drivers
	Store      storage.Store
	Gateway    Gateway
	Activities ActivitySink
	Logger     *slog.Logger
}

type Engine struct {
	trips      Trips
	drivers    Drivers
	store      storage.Store
	gateway    Gateway
	activities ActivitySink
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func NewEngine(d Deps, cfg Config) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		trips:      d.Trips,
		drivers:    d.Drivers,
		store:      d.Store,
		gateway:    d.Gateway,
		activities: d.Activities,
		cfg:        cfg,
		logger:     logger.With("component", "settlement"),
		now:        time.Now,
	}
}

// WithClock replaces the engine clock.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// collection is how the rider covers the fare.
type collection struct {
	mode     models.PaymentKind
	cash     float64
	wallet   float64
	captured float64
}

// Finish settles the trip orderID. cash is what the rider handed the driver;
// deduce allows a saved-method trip to be paid from the rider wallet first.
// It returns nil once the trip is closed, or the trip moved to post-pay.
func (e *Engine) Finish(ctx context.Context, orderID string, cash float64, deduce bool) (*models.ActiveTrip, error) {
	if cash < 0 || math.IsNaN(cash) {
		return nil, errs.NewValidationError("cashAmount", "must be >= 0")
	}
	t, err := e.trips.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	due := models.Round2(t.CostEstimateForRider + t.Tip - t.TotalPaid)
	c := collection{mode: t.PaymentMethod.Kind()}
	if cash > 0 {
		c.cash = cash
		due = math.Max(0, models.Round2(due-cash))
		if c.mode != models.PaymentCash {
			e.logger.InfoContext(ctx, "cash received, settling as cash", "order_id", orderID, "mode", c.mode)
			c.mode = models.PaymentCash
		}
	}

	covered, err := e.collect(ctx, t, &c, due, deduce)
	if err != nil {
		return nil, err
	}
	if !covered {
		return e.postPay(ctx, t)
	}

	partial := e.distribute(ctx, t, c)
	if err := e.close(ctx, t, c); err != nil {
		return nil, err
	}
	outcome := "settled"
	if partial {
		outcome = "partial"
	}
	observability.Settlements.WithLabelValues(outcome).Inc()
	return nil, nil
}

// collect resolves the remaining due by payment mode and reports whether it
// is fully covered.
func (e *Engine) collect(ctx context.Context, t *models.ActiveTrip, c *collection, due float64, deduce bool) (bool, error) {
	if due <= 0 {
		return true, nil
	}
	switch c.mode {
	case models.PaymentCash:
		return false, nil
	case models.PaymentWallet:
		balance, err := e.riderBalance(ctx, t)
		if err != nil {
			return false, err
		}
		if balance < due {
			return false, nil
		}
		c.wallet = due
		return true, nil
	case models.PaymentSavedMethod:
		if deduce {
			balance, err := e.riderBalance(ctx, t)
			if err != nil {
				return false, err
			}
			if balance >= due {
				c.wallet = due
				return true, nil
			}
		}
		return e.capture(ctx, t, c, due)
	default:
		// gateway payments settle off-platform
		return false, nil
	}
}

func (e *Engine) riderBalance(ctx context.Context, t *models.ActiveTrip) (float64, error) {
	b, err := e.store.Balance(ctx, models.PartyRider, t.RiderID, t.Currency)
	if err != nil {
		return 0, fmt.Errorf("rider %s balance: %w", t.RiderID, err)
	}
	return b, nil
}

func (e *Engine) capture(ctx context.Context, t *models.ActiveTrip, c *collection, due float64) (bool, error) {
	if e.gateway == nil {
		return false, nil
	}
	auth, err := e.store.FindAuthorizedPayment(ctx, t.ID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	res, err := e.gateway.CaptureAuthorization(ctx, auth.TransactionID, due)
	if err != nil {
		e.logger.WarnContext(ctx, "capture failed", "order_id", t.ID, "err", err)
		return false, nil
	}
	if !res.OK {
		e.logger.InfoContext(ctx, "capture declined", "order_id", t.ID, "reference", res.Reference)
		return false, nil
	}
	if err := e.store.MarkCaptured(ctx, auth.ID, res.Reference); err != nil {
		e.logger.ErrorContext(ctx, "mark authorization captured", "order_id", t.ID, "authorization_id", auth.ID, "err", err)
	}
	c.captured = due
	return true, nil
}

func (e *Engine) postPay(ctx context.Context, t *models.ActiveTrip) (*models.ActiveTrip, error) {
	updated, err := e.trips.UpdateStatus(ctx, t.ID, models.StatusWaitingForPostPay)
	if err != nil {
		return nil, err
	}
	observability.Settlements.WithLabelValues("postpay").Inc()
	e.logger.InfoContext(ctx, "trip waiting for post-pay", "order_id", t.ID)
	return updated, nil
}

// close flushes the final record and retires the trip.
func (e *Engine) close(ctx context.Context, t *models.ActiveTrip, c collection) error {
	now := e.now()
	paid := models.Round2(t.CostEstimateForRider + t.Tip)
	err := e.retry(ctx, func() error {
		return e.store.SaveOrder(ctx, models.OrderUpdate{
			ID:           t.ID,
			Status:       models.Ptr(models.StatusFinished),
			DriverID:     models.Ptr(t.DriverID),
			TotalPaid:    models.Ptr(paid),
			FinishedAt:   models.Ptr(now),
			ChatMessages: t.ChatMessages,
		})
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "flush finished order", "order_id", t.ID, "err", err)
		return fmt.Errorf("flush order %s: %w", t.ID, err)
	}
	if err := e.trips.Delete(ctx, t.ID); err != nil {
		return err
	}
	if e.activities != nil {
		if err := e.activities.Publish(ctx, models.Activity{
			OrderID:  t.ID,
			RiderID:  t.RiderID,
			DriverID: t.DriverID,
			Type:     models.ActivityPaid,
			Amount:   paid,
			Currency: t.Currency,
			At:       now,
		}); err != nil {
			e.logger.WarnContext(ctx, "publish activity", "order_id", t.ID, "err", err)
		}
	}
	e.logger.InfoContext(ctx, "trip settled", "order_id", t.ID, "mode", c.mode, "cash", c.cash, "wallet", c.wallet, "captured", c.captured)
	return nil
}

func (e *Engine) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialInterval
	b.MaxInterval = e.cfg.MaxInterval
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, errs.ErrValidation) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, e.cfg.LegRetries), ctx))
}
