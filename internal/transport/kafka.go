// ABOUTME: Kafka producer delivering CBOR envelopes to per-agent topics
// ABOUTME: The writer sits behind an interface so tests can capture produced records

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/2389/coven-relay/internal/message"
	"github.com/2389/coven-relay/internal/router"
)

// DefaultTopicPrefix is prepended to the recipient ID to form its topic.
const DefaultTopicPrefix = "coven.inbox."

// MessageWriter is the subset of *kafka.Writer the deliverer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDeliverer produces one record per delivery attempt, keyed by
// conversation so a conversation's records stay on one partition.
type KafkaDeliverer struct {
	writer MessageWriter
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// NewKafkaDeliverer creates a deliverer writing to brokers.
func NewKafkaDeliverer(brokers []string, topicPrefix string, logger *slog.Logger) *KafkaDeliverer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaDelivererWithWriter(w, topicPrefix, logger)
}

// NewKafkaDelivererWithWriter creates a deliverer around an existing writer.
func NewKafkaDelivererWithWriter(w MessageWriter, topicPrefix string, logger *slog.Logger) *KafkaDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	return &KafkaDeliverer{
		writer: w,
		prefix: topicPrefix,
		now:    time.Now,
		logger: logger.With("component", "kafka-deliverer"),
	}
}

// Topic returns the inbox topic for recipientID.
func (d *KafkaDeliverer) Topic(recipientID string) string {
	return d.prefix + recipientID
}

// Deliver writes msg to recipientID's topic and waits for the broker ack.
func (d *KafkaDeliverer) Deliver(ctx context.Context, recipientID string, msg *message.Message) error {
	value, err := NewEnvelope(recipientID, msg).MarshalCBOR()
	if err != nil {
		return fmt.Errorf("%w: encoding envelope: %v", router.ErrDeliveryRejected, err)
	}

	rec := kafka.Message{
		Topic: d.Topic(recipientID),
		Key:   []byte(msg.ConversationID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(msg.ID)},
			{Key: "content_format", Value: []byte(msg.Format)},
		},
		Time: d.now(),
	}
	if err := d.writer.WriteMessages(ctx, rec); err != nil {
		return d.classify(ctx, recipientID, err)
	}

	d.logger.Debug("message produced",
		"topic", rec.Topic,
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID)
	return nil
}

func (d *KafkaDeliverer) classify(ctx context.Context, recipientID string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) && !kerr.Temporary() {
		return fmt.Errorf("%w: producing for %s: %v", router.ErrDeliveryRejected, recipientID, err)
	}
	return fmt.Errorf("%w: producing for %s: %v", router.ErrRecipientUnavailable, recipientID, err)
}

// Close flushes and closes the writer.
func (d *KafkaDeliverer) Close() error {
	return d.writer.Close()
}
