// Package presence tracks online drivers and riders in the kv store and
// maintains the multi-resolution cell index used for proximity search and
// map aggregation.
//
// Every driver belongs to exactly one cell per resolution. The cell sets,
// the per-driver cell pointers and the stored location are written in one
// TxPipeline, under a short per-driver lock so two concurrent updates for the
// same driver cannot leave it in two cells. Going offline takes the same lock,
// and writes that skip it only touch a snapshot that still exists.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/kv"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	offlineLockAttempts = 20
	offlineLockDelay    = 5 * time.Millisecond
)

// KEYS: driver hash, lastSeen. ARGV: location time field, millis, driver id.
var touchScript = kv.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// KEYS: driver hash. ARGV: presence field, wallet field, delta.
var walletScript = kv.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HINCRBYFLOAT", KEYS[1], ARGV[2], ARGV[3])
return 1
`)

type Config struct {
	MinWalletBalance float64
	// ClusterThreshold: a cell with more drivers than this is returned as a cluster.
	ClusterThreshold int
	MaxCellsPerView  int
	RiderIdleTTL     time.Duration
	LocationLockTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinWalletBalance: 0,
		ClusterThreshold: 19,
		MaxCellsPerView:  4096,
		RiderIdleTTL:     time.Hour,
		LocationLockTTL:  2 * time.Second,
	}
}

// Registry is the Presence Registry.
type Registry struct {
	store  kv.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(store kv.Store, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, cfg: cfg, logger: logger.With("component", "presence"), now: time.Now}
}

// WithClock replaces the registry clock.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// MakeOnline validates and stores a fresh driver snapshot and indexes its location.
func (r *Registry) MakeOnline(ctx context.Context, d models.DriverSnapshot) error {
	if d.ID == "" {
		return errs.NewValidationError("driverId", "is required")
	}
	if d.WalletCredit < r.cfg.MinWalletBalance {
		return errs.NewValidationError("walletCredit", "insufficient wallet balance")
	}
	if len(d.ServiceIDs) == 0 {
		return errs.NewValidationError("serviceIds", "no service is activated")
	}
	if !d.Location.Valid() {
		return errs.NewValidationError("location", "invalid coordinates")
	}

	prev, err := r.store.HGetAll(ctx, driverKey(d.ID))
	if err != nil {
		return fmt.Errorf("load driver %s: %w", d.ID, err)
	}
	old, wasOnline := decodeDriver(d.ID, prev)
	cells, err := r.store.HGetAll(ctx, driverCellsKey(d.ID))
	if err != nil {
		return fmt.Errorf("load driver cells %s: %w", d.ID, err)
	}

	now := r.now()
	d.OnlineSince, d.IdleStart, d.LocationTime = now, now, now
	if wasOnline {
		d.AcceptedOrdersCount = old.AcceptedOrdersCount
		d.RejectedOrdersCount = old.RejectedOrdersCount
		d.CancelledOrdersCount = old.CancelledOrdersCount
	}

	b := r.store.TxPipeline()
	b.Del(driverKey(d.ID))
	b.HSet(driverKey(d.ID), encodeDriver(d))
	for _, sid := range old.ServiceIDs {
		if !d.HasService(sid) {
			b.GeoRemove(serviceGeoKey(sid), d.ID)
		}
	}
	r.queueLocation(b, d.ID, d.ServiceIDs, d.Location, cells)
	b.ZAdd(lastSeenKey, float64(now.UnixMilli()), d.ID)
	if err := b.Exec(ctx); err != nil {
		return fmt.Errorf("store driver %s: %w", d.ID, err)
	}
	if !wasOnline {
		observability.DriversOnline.Inc()
	}
	return nil
}

// queueLocation moves the driver between cell sets where its cell changed
// and rewrites its geo entries.
func (r *Registry) queueLocation(b kv.Batch, id string, services []string, p models.Coord, oldCells map[string]string) {
	for _, res := range geo.Resolutions {
		cell := geo.CellAt(p, res)
		old := oldCells[resField(res)]
		if old == cell {
			continue
		}
		if old != "" {
			b.SRem(clusterKey(res, old), id)
		}
		b.SAdd(clusterKey(res, cell), id)
		b.HSet(driverCellsKey(id), map[string]string{resField(res): cell})
	}
	b.GeoAdd(driversGeoKey, id, p)
	for _, sid := range services {
		b.GeoAdd(serviceGeoKey(sid), id, p)
	}
}

// SetLocation applies a GPS update. Unknown drivers are ignored with a warning.
func (r *Registry) SetLocation(ctx context.Context, driverID string, p models.Coord, heading float64) error {
	if !p.Valid() {
		observability.LocationUpdates.WithLabelValues("invalid").Inc()
		return errs.NewValidationError("location", "invalid coordinates")
	}
	h, err := r.store.HGetAll(ctx, driverKey(driverID))
	if err != nil {
		return fmt.Errorf("load driver %s: %w", driverID, err)
	}
	d, ok := decodeDriver(driverID, h)
	if !ok {
		observability.LocationUpdates.WithLabelValues("unknown").Inc()
		r.logger.WarnContext(ctx, "location update for driver that is not online", "driver_id", driverID)
		return nil
	}

	now := r.now()
	if !geo.Moved(d.Location, p) {
		keys := []string{driverKey(driverID), lastSeenKey}
		if _, err := r.store.Eval(ctx, touchScript, keys, fLocationTime, now.UnixMilli(), driverID); err != nil {
			return fmt.Errorf("touch driver %s: %w", driverID, err)
		}
		observability.LocationUpdates.WithLabelValues("skipped").Inc()
		return nil
	}

	lock, err := kv.AcquireLock(ctx, r.store, driverLocLockKey(driverID), r.cfg.LocationLockTTL, 1, 0)
	if errors.Is(err, kv.ErrLockBusy) {
		// another update for this driver is in flight; the next GPS tick catches up
		observability.LocationUpdates.WithLabelValues("contended").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock driver %s: %w", driverID, err)
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	// the driver may have gone offline before we got the lock
	if h, err = r.store.HGetAll(ctx, driverKey(driverID)); err != nil {
		return fmt.Errorf("load driver %s: %w", driverID, err)
	}
	if d, ok = decodeDriver(driverID, h); !ok {
		observability.LocationUpdates.WithLabelValues("unknown").Inc()
		return nil
	}
	cells, err := r.store.HGetAll(ctx, driverCellsKey(driverID))
	if err != nil {
		return fmt.Errorf("load driver cells %s: %w", driverID, err)
	}
	b := r.store.TxPipeline()
	r.queueLocation(b, driverID, d.ServiceIDs, p, cells)
	b.HSet(driverKey(driverID), locationFields(p, heading, now))
	b.ZAdd(lastSeenKey, float64(now.UnixMilli()), driverID)
	if err := b.Exec(ctx); err != nil {
		return fmt.Errorf("store location %s: %w", driverID, err)
	}
	observability.LocationUpdates.WithLabelValues("moved").Inc()
	return nil
}

// GetDriver returns the driver snapshot with its pending offers and active orders.
func (r *Registry) GetDriver(ctx context.Context, driverID string) (models.DriverSnapshot, error) {
	h, err := r.store.HGetAll(ctx, driverKey(driverID))
	if err != nil {
		return models.DriverSnapshot{}, fmt.Errorf("load driver %s: %w", driverID, err)
	}
	d, ok := decodeDriver(driverID, h)
	if !ok {
		return models.DriverSnapshot{}, errs.NewNotFoundError("driver", driverID)
	}
	if d.PendingOfferIDs, err = r.store.SMembers(ctx, driverOffersKey(driverID)); err != nil {
		return models.DriverSnapshot{}, err
	}
	if d.ActiveOrderIDs, err = r.store.SMembers(ctx, driverOrdersKey(driverID)); err != nil {
		return models.DriverSnapshot{}, err
	}
	return d, nil
}

// PendingOffers lists the offer ids currently proposed to a driver.
func (r *Registry) PendingOffers(ctx context.Context, driverID string) ([]string, error) {
	return r.store.SMembers(ctx, driverOffersKey(driverID))
}

type SuitableQuery struct {
	Point        models.Coord
	RadiusMeters float64
	ServiceID    string
	FleetID      string
	Limit        int
}

// GetSuitableDriversForOrder returns up to q.Limit online drivers that can
// serve q.ServiceID within q.RadiusMeters, nearest first.
func (r *Registry) GetSuitableDriversForOrder(ctx context.Context, q SuitableQuery) ([]models.DriverSnapshot, error) {
	if !q.Point.Valid() {
		return nil, errs.NewValidationError("point", "invalid coordinates")
	}
	if q.ServiceID == "" {
		return nil, errs.NewValidationError("serviceId", "is required")
	}
	count := q.Limit
	if q.FleetID != "" && count > 0 {
		// fleet filtering happens after the geo query
		count *= 4
	}
	hits, err := r.store.GeoRadius(ctx, serviceGeoKey(q.ServiceID), q.Point, q.RadiusMeters, count)
	if err != nil {
		return nil, fmt.Errorf("geo radius: %w", err)
	}
	out := make([]models.DriverSnapshot, 0, len(hits))
	for _, hit := range hits {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		d, err := r.GetDriver(ctx, hit.Member)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if q.FleetID != "" && d.FleetID != q.FleetID {
			continue
		}
		if d.SearchDistance > 0 && hit.DistanceMeters > d.SearchDistance {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// GetDriverLocationsInBounds aggregates drivers per cell at the resolution
// matching zoom. Busy cells become clusters, the rest list their drivers.
func (r *Registry) GetDriverLocationsInBounds(ctx context.Context, b models.Bounds, zoom float64) (models.MapView, error) {
	if !b.Valid() {
		return models.MapView{}, errs.NewValidationError("bounds", "invalid bounds")
	}
	res := geo.ResolutionForZoom(zoom)
	cells, err := geo.CellsInBounds(b, res, r.cfg.MaxCellsPerView)
	if errors.Is(err, geo.ErrTooManyCells) {
		return models.MapView{}, errs.NewValidationErrorWithCause("bounds", "too large for zoom level", err)
	}
	if err != nil {
		return models.MapView{}, err
	}

	view := models.MapView{Resolution: res, Cells: cells}
	for _, cell := range cells {
		members, err := r.store.SMembers(ctx, clusterKey(res, cell))
		if err != nil {
			return models.MapView{}, fmt.Errorf("cell %s: %w", cell, err)
		}
		if len(members) == 0 {
			continue
		}
		if len(members) > r.cfg.ClusterThreshold {
			view.Clusters = append(view.Clusters, models.Cluster{Cell: cell, Center: geo.CellCenter(cell), Count: len(members)})
			view.TotalCount += len(members)
			continue
		}
		for _, id := range members {
			h, err := r.store.HGetAll(ctx, driverKey(id))
			if err != nil {
				return models.MapView{}, err
			}
			d, ok := decodeDriver(id, h)
			if !ok {
				continue
			}
			orders, err := r.store.SMembers(ctx, driverOrdersKey(id))
			if err != nil {
				return models.MapView{}, err
			}
			view.Drivers = append(view.Drivers, models.DriverLocation{
				DriverID:       id,
				Cell:           cell,
				Point:          d.Location,
				Heading:        d.Heading,
				LastUpdatedAt:  d.LocationTime,
				ActiveOrderIDs: orders,
			})
			view.TotalCount++
		}
	}
	return view, nil
}

// UpdateOfferFilters changes which orders a driver is matched against.
func (r *Registry) UpdateOfferFilters(ctx context.Context, driverID string, searchDistance float64, serviceIDs []string) error {
	if len(serviceIDs) == 0 {
		return errs.NewValidationError("serviceIds", "no service is activated")
	}
	if searchDistance < 0 || math.IsNaN(searchDistance) {
		return errs.NewValidationError("searchDistance", "must be >= 0")
	}
	h, err := r.store.HGetAll(ctx, driverKey(driverID))
	if err != nil {
		return err
	}
	d, ok := decodeDriver(driverID, h)
	if !ok {
		return errs.NewNotFoundError("driver", driverID)
	}
	next := models.DriverSnapshot{ServiceIDs: serviceIDs}
	b := r.store.TxPipeline()
	for _, sid := range d.ServiceIDs {
		if !next.HasService(sid) {
			b.GeoRemove(serviceGeoKey(sid), driverID)
		}
	}
	for _, sid := range serviceIDs {
		b.GeoAdd(serviceGeoKey(sid), driverID, d.Location)
	}
	b.HSet(driverKey(driverID), map[string]string{
		fSearchDistance: fmtFloat(searchDistance),
		fServices:       joinList(serviceIDs),
	})
	return b.Exec(ctx)
}

// AdjustWalletCredit mirrors a wallet movement onto an online driver's snapshot.
func (r *Registry) AdjustWalletCredit(ctx context.Context, driverID string, delta float64) error {
	_, err := r.store.Eval(ctx, walletScript, []string{driverKey(driverID)}, fLat, fWallet, delta)
	return err
}

// GoOffline removes a driver and returns the offers that were pending for it.
func (r *Registry) GoOffline(ctx context.Context, driverID string) ([]string, error) {
	removed, err := r.Expire(ctx, []string{driverID})
	if err != nil {
		return nil, err
	}
	return removed[driverID], nil
}

// Expire deletes the given drivers, their cell memberships and geo entries.
// It returns, per removed driver, the offer ids that were still pending so
// the caller can withdraw the driver from those offers.
func (r *Registry) Expire(ctx context.Context, driverIDs []string) (map[string][]string, error) {
	removed := make(map[string][]string, len(driverIDs))
	for _, id := range driverIDs {
		pending, err := r.expire(ctx, id)
		if err != nil {
			return removed, err
		}
		removed[id] = pending
	}
	return removed, nil
}

func (r *Registry) expire(ctx context.Context, id string) ([]string, error) {
	lock, err := kv.AcquireLock(ctx, r.store, driverLocLockKey(id), r.cfg.LocationLockTTL, offlineLockAttempts, offlineLockDelay)
	if err != nil {
		return nil, fmt.Errorf("lock driver %s: %w", id, err)
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	h, err := r.store.HGetAll(ctx, driverKey(id))
	if err != nil {
		return nil, err
	}
	d, online := decodeDriver(id, h)
	cells, err := r.store.HGetAll(ctx, driverCellsKey(id))
	if err != nil {
		return nil, err
	}
	pending, err := r.store.SMembers(ctx, driverOffersKey(id))
	if err != nil {
		return nil, err
	}

	b := r.store.TxPipeline()
	for _, res := range geo.Resolutions {
		if cell := cells[resField(res)]; cell != "" {
			b.SRem(clusterKey(res, cell), id)
		}
	}
	b.GeoRemove(driversGeoKey, id)
	for _, sid := range d.ServiceIDs {
		b.GeoRemove(serviceGeoKey(sid), id)
	}
	b.ZRem(lastSeenKey, id)
	b.Del(driverKey(id), driverCellsKey(id), driverOffersKey(id))
	if err := b.Exec(ctx); err != nil {
		return nil, fmt.Errorf("expire driver %s: %w", id, err)
	}
	if online {
		observability.DriversOnline.Dec()
	}
	return pending, nil
}

// StaleDrivers lists drivers not seen since before.
func (r *Registry) StaleDrivers(ctx context.Context, before time.Time, limit int64) ([]string, error) {
	return r.store.ZRangeByScore(ctx, lastSeenKey, math.Inf(-1), float64(before.UnixMilli()), limit)
}
