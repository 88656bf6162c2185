//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStoreSuite struct {
	suite.Suite
	container *postgres.PostgresContainer
	store     *PostgresStore
}

func (s *PostgresStoreSuite) SetupSuite() {
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("dispatch"),
		postgres.WithUsername("dispatch"),
		postgres.WithPassword("dispatch"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)
	s.Require().NoError(Migrate(dsn))
	s.Require().NoError(Migrate(dsn), "re-running migrations is a no-op")

	s.store, err = NewPostgresStore(ctx, dsn)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) SetupTest() {
	_, err := s.store.db.Exec("TRUNCATE TABLE orders, payment_authorizations, fleets, payout_accounts, ledger_entries")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *PostgresStoreSuite) TestSaveOrderUpsertsPartialFields() {
	ctx := context.Background()
	s.Require().NoError(s.store.SaveOrder(ctx, models.OrderUpdate{
		ID:                   "o1",
		RiderID:              models.Ptr("r1"),
		CostEstimateForRider: models.Ptr(20.5),
		Currency:             models.Ptr("EUR"),
	}))
	finished := time.Now().UTC().Truncate(time.Second)
	s.Require().NoError(s.store.SaveOrder(ctx, models.OrderUpdate{
		ID:           "o1",
		Status:       models.Ptr(models.StatusFinished),
		TotalPaid:    models.Ptr(20.5),
		FinishedAt:   &finished,
		ChatMessages: []models.ChatMessage{{ID: "m1", Sender: models.SenderRider, Content: "hi"}},
	}))

	o, err := s.store.FindOrder(ctx, "o1")
	s.Require().NoError(err)
	s.Equal(models.StatusFinished, o.Status)
	s.Equal("r1", o.RiderID)
	s.Equal(20.5, o.CostEstimateForRider)
	s.Equal(20.5, o.TotalPaid)
	s.Require().NotNil(o.FinishedAt)
	s.True(o.FinishedAt.Equal(finished))
	s.Require().Len(o.ChatMessages, 1)
	s.Equal("hi", o.ChatMessages[0].Content)

	_, err = s.store.FindOrder(ctx, "nope")
	s.ErrorIs(err, errs.ErrNotFound)
}

func (s *PostgresStoreSuite) TestLedgerPostIsIdempotent() {
	ctx := context.Background()
	e := models.LedgerEntry{OrderID: "o1", Party: models.PartyDriver, PartyID: "d1", Action: models.ActionRideEarning, Amount: 15, Currency: "EUR", CreatedAt: time.Now()}
	ok, err := s.store.Post(ctx, e)
	s.Require().NoError(err)
	s.True(ok)
	ok, err = s.store.Post(ctx, e)
	s.Require().NoError(err)
	s.False(ok)

	bal, err := s.store.Balance(ctx, models.PartyDriver, "d1", "EUR")
	s.Require().NoError(err)
	s.Equal(15.0, bal)
}

func (s *PostgresStoreSuite) TestReferenceData() {
	ctx := context.Background()
	s.Require().NoError(s.store.PutFleet(ctx, models.Fleet{ID: "f1", SharePercent: 10, ShareFlat: 0.5}))
	f, err := s.store.GetFleet(ctx, "f1")
	s.Require().NoError(err)
	s.Equal(10.0, f.SharePercent)

	s.Require().NoError(s.store.PutPayoutAccount(ctx, models.PayoutAccount{ID: "p1", DriverID: "d1", AccountID: "acct_1", Currency: "EUR", InstantPayout: true}))
	a, err := s.store.DefaultPayoutAccount(ctx, "d1")
	s.Require().NoError(err)
	s.True(a.InstantPayout)

	s.Require().NoError(s.store.PutAuthorization(ctx, models.PaymentAuthorization{ID: "a1", OrderID: "o1", TransactionID: "pi_1", Amount: 20, Currency: "EUR"}))
	auth, err := s.store.FindAuthorizedPayment(ctx, "o1")
	s.Require().NoError(err)
	s.Equal("pi_1", auth.TransactionID)
	s.Require().NoError(s.store.MarkCaptured(ctx, "a1", "ch_1"))
	_, err = s.store.FindAuthorizedPayment(ctx, "o1")
	s.ErrorIs(err, errs.ErrNotFound)
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}
