package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const upsertOrder = `
INSERT INTO orders (id, status, rider_id, driver_id, cost_rider, cost_driver, currency, total_paid,
                    pickup_eta, dropoff_eta, finished_at, chat, updated_at)
VALUES ($1, COALESCE($2::text, 'Requested'), COALESCE($3::text, ''), COALESCE($4::text, ''),
        COALESCE($5::numeric, 0), COALESCE($6::numeric, 0), COALESCE($7::text, ''), COALESCE($8::numeric, 0),
        $9::timestamptz, $10::timestamptz, $11::timestamptz, COALESCE($12::jsonb, '[]'::jsonb), now())
ON CONFLICT (id) DO UPDATE SET
    status      = COALESCE($2::text, orders.status),
    rider_id    = COALESCE($3::text, orders.rider_id),
    driver_id   = COALESCE($4::text, orders.driver_id),
    cost_rider  = COALESCE($5::numeric, orders.cost_rider),
    cost_driver = COALESCE($6::numeric, orders.cost_driver),
    currency    = COALESCE($7::text, orders.currency),
    total_paid  = COALESCE($8::numeric, orders.total_paid),
    pickup_eta  = COALESCE($9::timestamptz, orders.pickup_eta),
    dropoff_eta = COALESCE($10::timestamptz, orders.dropoff_eta),
    finished_at = COALESCE($11::timestamptz, orders.finished_at),
    chat        = COALESCE($12::jsonb, orders.chat),
    updated_at  = now()`

func (p *PostgresStore) SaveOrder(ctx context.Context, u models.OrderUpdate) error {
	if u.ID == "" {
		return errs.NewValidationError("orderId", "is required")
	}
	var chat []byte
	if u.ChatMessages != nil {
		b, err := json.Marshal(u.ChatMessages)
		if err != nil {
			return fmt.Errorf("encode chat: %w", err)
		}
		chat = b
	}
	var status *string
	if u.Status != nil {
		s := string(*u.Status)
		status = &s
	}
	_, err := p.db.ExecContext(ctx, upsertOrder,
		u.ID, status, u.RiderID, u.DriverID, u.CostEstimateForRider, u.CostEstimateForDriver, u.Currency,
		u.TotalPaid, u.PickupETA, u.DropoffETA, u.FinishedAt, nullBytes(chat))
	if err != nil {
		return fmt.Errorf("save order %s: %w", u.ID, err)
	}
	return nil
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func (p *PostgresStore) FindOrder(ctx context.Context, id string) (models.Order, error) {
	var (
		o                           models.Order
		status                      string
		pickup, dropoff, finishedAt sql.NullTime
		chat                        []byte
	)
	err := p.db.QueryRowContext(ctx, `
SELECT id, status, rider_id, driver_id, cost_rider, cost_driver, currency, total_paid,
       pickup_eta, dropoff_eta, finished_at, chat, updated_at
FROM orders WHERE id = $1`, id).Scan(
		&o.ID, &status, &o.RiderID, &o.DriverID, &o.CostEstimateForRider, &o.CostEstimateForDriver, &o.Currency,
		&o.TotalPaid, &pickup, &dropoff, &finishedAt, &chat, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, errs.NewNotFoundError("order", id)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("find order %s: %w", id, err)
	}
	o.Status = models.OrderStatus(status)
	o.PickupETA = timePtr(pickup)
	o.DropoffETA = timePtr(dropoff)
	o.FinishedAt = timePtr(finishedAt)
	if len(chat) > 0 {
		if err := json.Unmarshal(chat, &o.ChatMessages); err != nil {
			return models.Order{}, fmt.Errorf("decode chat %s: %w", id, err)
		}
	}
	return o, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func (p *PostgresStore) FindAuthorizedPayment(ctx context.Context, orderID string) (models.PaymentAuthorization, error) {
	var a models.PaymentAuthorization
	err := p.db.QueryRowContext(ctx, `
SELECT id, order_id, transaction_id, amount, currency FROM payment_authorizations
WHERE order_id = $1 AND status = 'authorized' ORDER BY created_at DESC LIMIT 1`, orderID).
		Scan(&a.ID, &a.OrderID, &a.TransactionID, &a.Amount, &a.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PaymentAuthorization{}, errs.NewNotFoundError("payment authorization", orderID)
	}
	if err != nil {
		return models.PaymentAuthorization{}, fmt.Errorf("find authorization %s: %w", orderID, err)
	}
	return a, nil
}

func (p *PostgresStore) MarkCaptured(ctx context.Context, authorizationID, reference string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE payment_authorizations SET status = 'captured', reference = $2 WHERE id = $1`,
		authorizationID, reference)
	return err
}

func (p *PostgresStore) GetFleet(ctx context.Context, id string) (models.Fleet, error) {
	f := models.Fleet{ID: id}
	err := p.db.QueryRowContext(ctx, `SELECT share_percent, share_flat FROM fleets WHERE id = $1`, id).
		Scan(&f.SharePercent, &f.ShareFlat)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Fleet{}, errs.NewNotFoundError("fleet", id)
	}
	if err != nil {
		return models.Fleet{}, fmt.Errorf("get fleet %s: %w", id, err)
	}
	return f, nil
}

func (p *PostgresStore) DefaultPayoutAccount(ctx context.Context, driverID string) (models.PayoutAccount, error) {
	a := models.PayoutAccount{DriverID: driverID}
	err := p.db.QueryRowContext(ctx, `
SELECT id, account_id, currency, instant_payout FROM payout_accounts
WHERE driver_id = $1 AND is_default`, driverID).Scan(&a.ID, &a.AccountID, &a.Currency, &a.InstantPayout)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PayoutAccount{}, errs.NewNotFoundError("payout account", driverID)
	}
	if err != nil {
		return models.PayoutAccount{}, fmt.Errorf("payout account %s: %w", driverID, err)
	}
	return a, nil
}

func (p *PostgresStore) Post(ctx context.Context, e models.LedgerEntry) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
INSERT INTO ledger_entries (order_id, party, party_id, action, amount, currency, reference, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (order_id, party, party_id, action) DO NOTHING`,
		e.OrderID, string(e.Party), e.PartyID, string(e.Action), e.Amount, e.Currency, e.Reference, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("post %s/%s %s: %w", e.OrderID, e.Party, e.Action, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) Balance(ctx context.Context, party models.LedgerParty, partyID, currency string) (float64, error) {
	var v float64
	err := p.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE party = $1 AND party_id = $2 AND currency = $3`,
		string(party), partyID, currency).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("balance %s/%s: %w", party, partyID, err)
	}
	return v, nil
}

func (p *PostgresStore) Entries(ctx context.Context, orderID string) ([]models.LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT order_id, party, party_id, action, amount, currency, reference, created_at
FROM ledger_entries WHERE order_id = $1 ORDER BY created_at, party, action`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LedgerEntry
	for rows.Next() {
		var (
			e             models.LedgerEntry
			party, action string
		)
		if err := rows.Scan(&e.OrderID, &party, &e.PartyID, &action, &e.Amount, &e.Currency, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Party, e.Action = models.LedgerParty(party), models.LedgerAction(action)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutFleet, PutPayoutAccount and PutAuthorization seed reference data.

func (p *PostgresStore) PutFleet(ctx context.Context, f models.Fleet) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO fleets (id, share_percent, share_flat) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET share_percent = EXCLUDED.share_percent, share_flat = EXCLUDED.share_flat`,
		f.ID, f.SharePercent, f.ShareFlat)
	return err
}

func (p *PostgresStore) PutPayoutAccount(ctx context.Context, a models.PayoutAccount) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO payout_accounts (id, driver_id, account_id, currency, instant_payout, is_default)
VALUES ($1, $2, $3, $4, $5, true)
ON CONFLICT (id) DO UPDATE SET account_id = EXCLUDED.account_id, currency = EXCLUDED.currency,
    instant_payout = EXCLUDED.instant_payout`,
		a.ID, a.DriverID, a.AccountID, a.Currency, a.InstantPayout)
	return err
}

func (p *PostgresStore) PutAuthorization(ctx context.Context, a models.PaymentAuthorization) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO payment_authorizations (id, order_id, transaction_id, amount, currency) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.OrderID, a.TransactionID, a.Amount, a.Currency)
	return err
}
