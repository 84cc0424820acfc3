package live

import (
	"context"

	"github.com/BearBump/ordertrack/internal/broker/kafka"
	"github.com/pkg/errors"
)

// Transport is the duplex link to the notification backend.
type Transport interface {
	// Publish sends an outbound control message.
	Publish(ctx context.Context, key, value []byte) error
	// Consume blocks delivering inbound messages until ctx ends or the link fails.
	Consume(ctx context.Context, handler func(kafka.Delivery) error) error
	Close() error
}

// HealthChecker is an optional Transport extension. A Channel over such a transport reports
// Connected only after Ping succeeds and drops the link when Ping starts failing.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type consumer interface {
	Consume(ctx context.Context, handler func(kafka.Delivery) error) error
	Close() error
}

type producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
	Close() error
}

// KafkaTransport reads updates from one topic and writes subscription commands to another.
type KafkaTransport struct {
	consumer consumer
	producer producer
	topic    string
	brokers  []string
}

func NewKafkaTransport(brokers []string, updatesTopic, subscriptionsTopic, groupID string) *KafkaTransport {
	t := newKafkaTransport(
		kafka.NewConsumer(brokers, updatesTopic, groupID),
		kafka.NewProducer(brokers),
		subscriptionsTopic,
	)
	t.brokers = brokers
	return t
}

func newKafkaTransport(c consumer, p producer, subscriptionsTopic string) *KafkaTransport {
	return &KafkaTransport{consumer: c, producer: p, topic: subscriptionsTopic}
}

func (t *KafkaTransport) Publish(ctx context.Context, key, value []byte) error {
	return t.producer.Publish(ctx, t.topic, key, value)
}

func (t *KafkaTransport) Consume(ctx context.Context, handler func(kafka.Delivery) error) error {
	return t.consumer.Consume(ctx, handler)
}

// Ping dials the brokers; the reader itself retries silently and never reports a dead cluster.
func (t *KafkaTransport) Ping(ctx context.Context) error {
	return kafka.Ping(ctx, t.brokers)
}

func (t *KafkaTransport) Close() error {
	cerr := t.consumer.Close()
	perr := t.producer.Close()
	if cerr != nil {
		return errors.Wrap(cerr, "close consumer")
	}
	return errors.Wrap(perr, "close producer")
}
