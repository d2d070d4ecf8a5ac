// Package events publishes order lifecycle events for downstream consumers.
// Publishing is best-effort: failures are logged and never reach callers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/safar/candy-planet/internal/config"
	"github.com/safar/candy-planet/internal/models"
	"github.com/segmentio/kafka-go"
)

const (
	OrderCreated = "created"
	OrderPaid    = "paid"
	OrderFailed  = "failed"
)

type OrderEvent struct {
	Type          string             `json:"type"`
	OrderID       string             `json:"order_id"`
	Status        models.OrderStatus `json:"status"`
	SubtotalCents int64              `json:"subtotal_cents"`
	Provider      string             `json:"provider,omitempty"`
	SessionID     string             `json:"session_id,omitempty"`
	OccurredAt    time.Time          `json:"occurred_at"`
}

// FromOrder fills an event from the order's current state.
func FromOrder(eventType string, order *models.Order) OrderEvent {
	event := OrderEvent{
		Type:          eventType,
		OrderID:       order.ID.String(),
		Status:        order.Status,
		SubtotalCents: order.SubtotalCents,
		OccurredAt:    time.Now().UTC(),
	}
	if order.PaymentProvider != nil {
		event.Provider = *order.PaymentProvider
	}
	if order.PaymentSessionID != nil {
		event.SessionID = *order.PaymentSessionID
	}
	return event
}

type Publisher interface {
	Publish(ctx context.Context, event OrderEvent)
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	logger zerolog.Logger
}

func NewKafkaPublisher(cfg config.KafkaConfig, logger zerolog.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		Async:                  true,
		BatchTimeout:           50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error().Err(err).Int("messages", len(messages)).Msg("Order event delivery failed")
			}
		},
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

func messageKey(event OrderEvent) string {
	return fmt.Sprintf("order.%s.%s", event.Type, event.OrderID)
}

func (p *KafkaPublisher) Publish(ctx context.Context, event OrderEvent) {
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("order_id", event.OrderID).Msg("Encode order event")
		return
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(messageKey(event)),
		Value: value,
	})
	if err != nil {
		p.logger.Error().Err(err).Str("order_id", event.OrderID).Str("type", event.Type).Msg("Publish order event")
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type Nop struct{}

func (Nop) Publish(context.Context, OrderEvent) {}
func (Nop) Close() error                        { return nil }
