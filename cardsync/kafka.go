package cardsync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards engine events to a Kafka topic. Publishing is best
// effort: failures are logged and never fail the sync operation.
type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
		Async:        false,
	}
}

func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, timeout: 5 * time.Second}
}

// Listener returns the engine listener that publishes each event.
func (p *KafkaPublisher) Listener() Listener {
	return p.Publish
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		eventsPublished.WithLabelValues("error").Inc()
		zap.S().Errorf("Sync: failed to encode %s event: %v", ev.Type, err)
		return
	}

	// keyed by card so one card's events stay ordered within a partition
	key := ev.FederatedID
	if key == "" {
		key = string(ev.Platform)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	})
	if err != nil {
		eventsPublished.WithLabelValues("error").Inc()
		zap.S().Errorf("Sync: failed to publish %s event: %v", ev.Type, err)
		return
	}
	eventsPublished.WithLabelValues("ok").Inc()
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
