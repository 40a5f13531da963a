package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/weviu/apr-hunter-sub000/internal/storage"
)

// MessageWriter is the producer side of a kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes triggered alerts as JSON events keyed by alert ID.
type KafkaNotifier struct {
	writer MessageWriter
	topic  string
	logger zerolog.Logger
}

// NewKafkaNotifier builds a synchronous producer for topic.
func NewKafkaNotifier(brokers []string, topic, clientID string, logger zerolog.Logger) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Transport: &kafka.Transport{
			ClientID: clientID,
		},
	}
	return NewKafkaNotifierWithWriter(writer, topic, logger)
}

// NewKafkaNotifierWithWriter wraps an existing writer.
func NewKafkaNotifierWithWriter(writer MessageWriter, topic string, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: writer,
		topic:  topic,
		logger: logger.With().Str("component", "alert_kafka").Str("topic", topic).Logger(),
	}
}

// Name implements Notifier.
func (k *KafkaNotifier) Name() string { return "kafka" }

// Notify implements Notifier.
func (k *KafkaNotifier) Notify(ctx context.Context, note storage.Notification) error {
	value, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(note.AlertID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(note.Type)},
			{Key: "user_id", Value: []byte(note.UserID)},
		},
		Time: note.CreatedAt,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish alert event: %w", err)
	}

	k.logger.Debug().Str("alert_id", note.AlertID).Msg("alert event published")
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

var _ Notifier = (*KafkaNotifier)(nil)
