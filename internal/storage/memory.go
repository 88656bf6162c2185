package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

type ledgerKey struct {
	order   string
	party   models.LedgerParty
	partyID string
	action  models.LedgerAction
}

// MemoryStore keeps everything in process. Used when no database is configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]models.Order
	auths    map[string]models.PaymentAuthorization // by order id
	captured map[string]string                      // authorization id -> reference
	fleets   map[string]models.Fleet
	payouts  map[string]models.PayoutAccount
	ledger   map[ledgerKey]models.LedgerEntry
	seq      []ledgerKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]models.Order),
		auths:    make(map[string]models.PaymentAuthorization),
		captured: make(map[string]string),
		fleets:   make(map[string]models.Fleet),
		payouts:  make(map[string]models.PayoutAccount),
		ledger:   make(map[ledgerKey]models.LedgerEntry),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) SaveOrder(_ context.Context, u models.OrderUpdate) error {
	if u.ID == "" {
		return errs.NewValidationError("orderId", "is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[u.ID]
	if !ok {
		o = models.Order{ID: u.ID, Status: models.StatusRequested}
	}
	if u.Status != nil {
		o.Status = *u.Status
	}
	if u.RiderID != nil {
		o.RiderID = *u.RiderID
	}
	if u.DriverID != nil {
		o.DriverID = *u.DriverID
	}
	if u.CostEstimateForRider != nil {
		o.CostEstimateForRider = *u.CostEstimateForRider
	}
	if u.CostEstimateForDriver != nil {
		o.CostEstimateForDriver = *u.CostEstimateForDriver
	}
	if u.Currency != nil {
		o.Currency = *u.Currency
	}
	if u.TotalPaid != nil {
		o.TotalPaid = *u.TotalPaid
	}
	if u.PickupETA != nil {
		o.PickupETA = models.Ptr(*u.PickupETA)
	}
	if u.DropoffETA != nil {
		o.DropoffETA = models.Ptr(*u.DropoffETA)
	}
	if u.FinishedAt != nil {
		o.FinishedAt = models.Ptr(*u.FinishedAt)
	}
	if u.ChatMessages != nil {
		o.ChatMessages = append([]models.ChatMessage(nil), u.ChatMessages...)
	}
	o.UpdatedAt = time.Now()
	m.orders[u.ID] = o
	return nil
}

func (m *MemoryStore) FindOrder(_ context.Context, id string) (models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return models.Order{}, errs.NewNotFoundError("order", id)
	}
	return o, nil
}

func (m *MemoryStore) PutAuthorization(_ context.Context, a models.PaymentAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auths[a.OrderID] = a
	return nil
}

func (m *MemoryStore) FindAuthorizedPayment(_ context.Context, orderID string) (models.PaymentAuthorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auths[orderID]
	if !ok {
		return models.PaymentAuthorization{}, errs.NewNotFoundError("payment authorization", orderID)
	}
	if _, done := m.captured[a.ID]; done {
		return models.PaymentAuthorization{}, errs.NewNotFoundError("payment authorization", orderID)
	}
	return a, nil
}

func (m *MemoryStore) MarkCaptured(_ context.Context, authorizationID, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captured[authorizationID] = reference
	return nil
}

func (m *MemoryStore) PutFleet(_ context.Context, f models.Fleet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fleets[f.ID] = f
	return nil
}

func (m *MemoryStore) GetFleet(_ context.Context, id string) (models.Fleet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.fleets[id]
	if !ok {
		return models.Fleet{}, errs.NewNotFoundError("fleet", id)
	}
	return f, nil
}

func (m *MemoryStore) PutPayoutAccount(_ context.Context, a models.PayoutAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payouts[a.DriverID] = a
	return nil
}

func (m *MemoryStore) DefaultPayoutAccount(_ context.Context, driverID string) (models.PayoutAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.payouts[driverID]
	if !ok {
		return models.PayoutAccount{}, errs.NewNotFoundError("payout account", driverID)
	}
	return a, nil
}

func (m *MemoryStore) Post(_ context.Context, e models.LedgerEntry) (bool, error) {
	k := ledgerKey{e.OrderID, e.Party, e.PartyID, e.Action}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.ledger[k]; dup {
		return false, nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.ledger[k] = e
	m.seq = append(m.seq, k)
	return true, nil
}

func (m *MemoryStore) Balance(_ context.Context, party models.LedgerParty, partyID, currency string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum float64
	for k, e := range m.ledger {
		if k.party == party && k.partyID == partyID && e.Currency == currency {
			sum += e.Amount
		}
	}
	return models.Round2(sum), nil
}

func (m *MemoryStore) Entries(_ context.Context, orderID string) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.LedgerEntry
	for _, k := range m.seq {
		if k.order == orderID {
			out = append(out, m.ledger[k])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
