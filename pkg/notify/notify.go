package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codemint-controlplane/pkg/config"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notify", fx.Provide(Provide))

// Publisher delivers owner-facing events. Delivery is best-effort: callers
// log a failed publish and move on.
type Publisher interface {
	Publish(ctx context.Context, ownerID, eventType string, payload any) error
}

type Event struct {
	OwnerID    string          `json:"owner_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func newEvent(ownerID, eventType string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("notify: marshal payload: %w", err)
	}
	return Event{OwnerID: ownerID, Type: eventType, Payload: b, OccurredAt: time.Now().UTC()}, nil
}

type KafkaPublisher struct {
	producer *kafka.Producer
	topic    string
}

func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("notify: create kafka producer: %w", err)
	}

	go func() {
		for e := range producer.Events() {
			if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
				zap.L().Warn("notification delivery failed",
					zap.String("key", string(m.Key)),
					zap.Error(m.TopicPartition.Error),
				)
			}
		}
	}()

	return &KafkaPublisher{producer: producer, topic: topic}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ownerID, eventType string, payload any) error {
	evt, err := newEvent(ownerID, eventType, payload)
	if err != nil {
		return err
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	return p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(ownerID),
		Value:          value,
		Headers:        []kafka.Header{{Key: "event_type", Value: []byte(eventType)}},
	}, nil)
}

func (p *KafkaPublisher) Close() {
	p.producer.Flush(5000)
	p.producer.Close()
}

// LogPublisher writes events to the zap logger. Used when no broker is
// configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, ownerID, eventType string, payload any) error {
	evt, err := newEvent(ownerID, eventType, payload)
	if err != nil {
		return err
	}
	zap.L().Info("notification",
		zap.String("owner_id", evt.OwnerID),
		zap.String("event_type", evt.Type),
		zap.ByteString("payload", evt.Payload),
	)
	return nil
}

func Provide(lc fx.Lifecycle, cfg *config.Config) (Publisher, error) {
	if cfg.Kafka.Addrs == "" {
		return LogPublisher{}, nil
	}

	p, err := NewKafkaPublisher(cfg.Kafka.Addrs, cfg.Kafka.Topic)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			p.Close()
			return nil
		},
	})
	return p, nil
}
