package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type activityRecord struct {
	OrderID  string    `json:"orderId"`
	RiderID  string    `json:"riderId,omitempty"`
	DriverID string    `json:"driverId,omitempty"`
	Type     string    `json:"type"`
	Amount   float64   `json:"amount,omitempty"`
	Currency string    `json:"currency,omitempty"`
	At       time.Time `json:"at"`
}

// ActivityProducer emits order completion activity (Paid, Expired,
// Cancelled) for reporting.
type ActivityProducer struct {
	writer messageWriter
}

func NewActivityProducer(brokers []string, topic string) *ActivityProducer {
	return &ActivityProducer{writer: newWriter(brokers, topic)}
}

func (p *ActivityProducer) Publish(ctx context.Context, a models.Activity) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	b, err := json.Marshal(activityRecord{
		OrderID:  a.OrderID,
		RiderID:  a.RiderID,
		DriverID: a.DriverID,
		Type:     string(a.Type),
		Amount:   a.Amount,
		Currency: a.Currency,
		At:       a.At,
	})
	if err != nil {
		return fmt.Errorf("encode activity %s: %w", a.OrderID, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(a.OrderID), Value: b})
}

func (p *ActivityProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// LogActivities logs activity when no broker is configured.
type LogActivities struct {
	Logger *slog.Logger
}

func (l LogActivities) Publish(ctx context.Context, a models.Activity) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "order activity", "order_id", a.OrderID, "type", a.Type, "amount", a.Amount, "currency", a.Currency)
	return nil
}
