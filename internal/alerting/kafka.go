package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaNotifier.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter builds a synchronous writer for the alert topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}
}

// KafkaNotifier publishes alerts as JSON events keyed by vendor, so one
// vendor's alerts stay ordered within a partition.
type KafkaNotifier struct {
	writer MessageWriter
	logger zerolog.Logger
}

// NewKafkaNotifier wraps a writer.
func NewKafkaNotifier(writer MessageWriter, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: writer,
		logger: logger.With().Str("component", "alert_kafka").Logger(),
	}
}

type alertEvent struct {
	Notification
	Message string `json:"message"`
}

// Notify implements Notifier.
func (k *KafkaNotifier) Notify(ctx context.Context, note Notification) error {
	data, err := json.Marshal(alertEvent{Notification: note, Message: note.Message()})
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(note.VendorID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "alert-id", Value: []byte(note.ID.String())},
			{Key: "commodity", Value: []byte(note.Commodity)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write alert event: %w", err)
	}

	k.logger.Debug().Str("vendor", note.VendorID).Str("commodity", note.Commodity).Msg("alert published (kafka)")
	return nil
}

var _ Notifier = (*KafkaNotifier)(nil)
