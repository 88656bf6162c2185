// Package ingest moves driver locations and order activity through Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const writeTimeout = 2 * time.Second

// messageWriter is the part of *kafka.Writer the producers use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
}

// LocationUpdate is one driver position on the location topic.
type LocationUpdate struct {
	DriverID string    `json:"driverId"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	Heading  float64   `json:"heading"`
	At       time.Time `json:"at"`
}

func (u LocationUpdate) Point() models.Coord { return models.Coord{Lat: u.Lat, Lon: u.Lng} }

// LocationProducer publishes location updates keyed by driver id, so one
// driver's updates stay ordered within a partition.
type LocationProducer struct {
	writer messageWriter
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	return &LocationProducer{writer: newWriter(brokers, topic)}
}

func (p *LocationProducer) PublishLocation(ctx context.Context, u LocationUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode location %s: %w", u.DriverID, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b})
}

func (p *LocationProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// DecodeLocation parses a message read from the location topic.
func DecodeLocation(value []byte) (LocationUpdate, error) {
	var u LocationUpdate
	if err := json.Unmarshal(value, &u); err != nil {
		return LocationUpdate{}, fmt.Errorf("decode location: %w", err)
	}
	if u.DriverID == "" {
		return LocationUpdate{}, fmt.Errorf("decode location: missing driverId")
	}
	return u, nil
}
