package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// BookingRequest is published by the order service when a rider books a
// specific driver for an open ride.
type BookingRequest struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
}

// Booker is the engine entry point the consumer feeds.
type Booker interface {
	Book(ctx context.Context, rideID, driverID string) error
}

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type BookingConsumer struct {
	reader MessageReader
	booker Booker
	logger *slog.Logger
}

func NewBookingConsumer(brokers []string, topic, group string, booker Booker, logger *slog.Logger) *BookingConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
	return NewBookingConsumerWithReader(r, booker, logger)
}

func NewBookingConsumerWithReader(r MessageReader, booker Booker, logger *slog.Logger) *BookingConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BookingConsumer{reader: r, booker: booker, logger: logger}
}

// Run consumes until ctx is cancelled. Undecodable messages and rejected
// bookings are logged and skipped.
func (c *BookingConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		c.handle(ctx, m.Value)
	}
}

func (c *BookingConsumer) handle(ctx context.Context, raw []byte) {
	var req BookingRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.RideID == "" || req.DriverID == "" {
		c.logger.Debug("invalid booking message dropped", "error", err)
		return
	}
	if err := c.booker.Book(ctx, req.RideID, req.DriverID); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		c.logger.Log(ctx, level, "booking rejected", "ride_id", req.RideID, "driver_id", req.DriverID, "error", err)
	}
}

func (c *BookingConsumer) Close() error { return c.reader.Close() }
