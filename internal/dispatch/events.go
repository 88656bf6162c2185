package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Driver event types.
const (
	EventActiveOrderAssigned  = "ActiveOrderAssigned"
	EventActiveOrderCompleted = "ActiveOrderCompleted"
	EventRideOfferReceived    = "RideOfferReceived"
	EventRideOfferRevoked     = "RideOfferRevoked"
	EventOrderUpdated         = "OrderUpdated"
	EventMessageReceived      = "MessageReceived"
)

func DriverChannel(driverID string) string { return "driver:" + driverID + ":event" }
func RiderChannel(riderID string) string   { return "rider:" + riderID + ":order.updated" }
func AdminChannel(op string) string        { return "admin:" + op }

// Event is the envelope published on every channel.
type Event struct {
	Type    string    `json:"type"`
	OrderID string    `json:"orderId"`
	At      time.Time `json:"at"`
	Data    any       `json:"data,omitempty"`
}

// Publisher is the pub/sub half of the kv store.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Events publishes to the event gateway channels. Delivery is best effort.
type Events struct {
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

func NewEvents(pub Publisher, logger *slog.Logger) *Events {
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{pub: pub, logger: logger.With("component", "events"), now: time.Now}
}

func (e *Events) Driver(ctx context.Context, driverID string, ev Event) {
	e.publish(ctx, DriverChannel(driverID), ev)
}

func (e *Events) Rider(ctx context.Context, riderID string, ev Event) {
	e.publish(ctx, RiderChannel(riderID), ev)
}

func (e *Events) Admin(ctx context.Context, op string, ev Event) {
	e.publish(ctx, AdminChannel(op), ev)
}

func (e *Events) publish(ctx context.Context, channel string, ev Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		e.logger.ErrorContext(ctx, "encode event", "channel", channel, "type", ev.Type, "err", err)
		return
	}
	if err := e.pub.Publish(ctx, channel, b); err != nil {
		e.logger.WarnContext(ctx, "event dropped", "channel", channel, "type", ev.Type, "err", err)
	}
}
