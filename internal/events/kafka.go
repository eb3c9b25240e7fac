package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"pricealert/internal/logger"
	"pricealert/internal/models"
)

// KafkaPublisher produces events to Kafka. Delivery reports are logged
// asynchronously; Produce only fails when the local queue rejects a message.
type KafkaPublisher struct {
	producer    *kafka.Producer
	alertsTopic string
	pricesTopic string
	log         *zap.Logger
}

// NewKafkaPublisher connects a producer to brokers.
func NewKafkaPublisher(brokers, alertsTopic, pricesTopic string, log *zap.Logger) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
		"linger.ms":         20,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	kp := &KafkaPublisher{producer: p, alertsTopic: alertsTopic, pricesTopic: pricesTopic, log: logger.OrNop(log)}
	go kp.deliveryReports()
	return kp, nil
}

func (k *KafkaPublisher) deliveryReports() {
	for e := range k.producer.Events() {
		m, ok := e.(*kafka.Message)
		if !ok {
			continue
		}
		if m.TopicPartition.Error != nil {
			k.log.Error("Kafka delivery failed",
				zap.String("topic", *m.TopicPartition.Topic),
				zap.Error(m.TopicPartition.Error))
		}
	}
}

// PublishTriggered produces ev keyed by alert id.
func (k *KafkaPublisher) PublishTriggered(_ context.Context, ev TriggeredEvent) error {
	msg, err := newMessage(k.alertsTopic, ev.AlertID, ev)
	if err != nil {
		return err
	}
	return k.producer.Produce(msg, nil)
}

// PublishPrices produces one message per priced asset, keyed by asset id.
func (k *KafkaPublisher) PublishPrices(_ context.Context, source string, snapshot models.Snapshot) error {
	var errs []error
	for _, u := range PriceUpdates(source, snapshot) {
		msg, err := newMessage(k.pricesTopic, u.AssetID, u)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := k.producer.Produce(msg, nil); err != nil {
			errs = append(errs, fmt.Errorf("produce %s: %w", u.AssetID, err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes outstanding messages and closes the producer.
func (k *KafkaPublisher) Close() {
	if n := k.producer.Flush(5000); n > 0 {
		k.log.Warn("Kafka messages left unflushed", zap.Int("count", n))
	}
	k.producer.Close()
}

func newMessage(topic, key string, v any) (*kafka.Message, error) {
	value, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", topic, err)
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          value,
	}, nil
}

// PriceConsumer reads price updates from Kafka.
type PriceConsumer struct {
	consumer *kafka.Consumer
	log      *zap.Logger
}

// NewPriceConsumer joins group and subscribes to topic.
func NewPriceConsumer(brokers, group, topic string, log *zap.Logger) (*PriceConsumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"group.id":          group,
		"auto.offset.reset": "latest",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if err := c.Subscribe(topic, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return &PriceConsumer{consumer: c, log: logger.OrNop(log)}, nil
}

// Run reads messages until ctx is done, passing each valid update to handle.
// Malformed messages are logged and skipped.
func (p *PriceConsumer) Run(ctx context.Context, handle func(context.Context, PriceUpdate)) error {
	for ctx.Err() == nil {
		msg, err := p.consumer.ReadMessage(500 * time.Millisecond)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			p.log.Error("Kafka consumer error", zap.Error(err))
			continue
		}
		u, err := DecodePriceUpdate(msg.Value)
		if err != nil {
			p.log.Warn("Skipping malformed price update", zap.Error(err))
			continue
		}
		handle(ctx, u)
	}
	return ctx.Err()
}

// Close leaves the group and closes the consumer.
func (p *PriceConsumer) Close() error {
	return p.consumer.Close()
}
