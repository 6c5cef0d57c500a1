package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by Kafka.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes notifications to a topic read by the SMS and email senders.
// Writes are synchronous so a failed publish surfaces to the caller.
type Kafka struct {
	writer MessageWriter
	now    func() time.Time
}

var _ Gateway = (*Kafka)(nil)

// NewKafkaWriter builds a synchronous writer that waits for all in-sync replicas
func NewKafkaWriter(brokers []string, topic string, timeout time.Duration) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		WriteTimeout: timeout,
	}
}

// NewKafka creates a Kafka gateway around writer
func NewKafka(writer MessageWriter) *Kafka {
	return &Kafka{writer: writer, now: time.Now}
}

// Send publishes msg keyed by destination, keeping one recipient's messages ordered
func (k *Kafka) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Destination),
		Value: payload,
		Time:  k.now(),
		Headers: []kafka.Header{
			{Key: "channel", Value: []byte(msg.Channel)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
