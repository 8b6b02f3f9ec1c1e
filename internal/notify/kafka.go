package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/agrolinq/pumpfleet/pkg/models"
)

// KafkaSink writes notifications and events to two Kafka topics. Messages
// are keyed by user id and starter id respectively so one consumer partition
// observes a given user's or device's stream in order.
type KafkaSink struct {
	notifications *kafka.Writer
	events        *kafka.Writer
}

func NewKafkaSink(brokers []string, notificationsTopic, eventsTopic string) *KafkaSink {
	balancer := &kafka.Hash{}
	return &KafkaSink{
		notifications: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        notificationsTopic,
			Balancer:     balancer,
			BatchSize:    100,
			RequiredAcks: kafka.RequireOne,
		},
		events: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        eventsTopic,
			Balancer:     balancer,
			BatchSize:    100,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (k *KafkaSink) Notify(ctx context.Context, n models.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return k.notifications.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(n.UserID, 10)),
		Value: value,
	})
}

func (k *KafkaSink) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return k.events.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(e.StarterID, 10)),
		Value: value,
	})
}

func (k *KafkaSink) Close() error {
	if err := k.notifications.Close(); err != nil {
		_ = k.events.Close()
		return err
	}
	return k.events.Close()
}
