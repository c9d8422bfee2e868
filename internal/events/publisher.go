// Package events publishes appended account events to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ayo6706/account-eventsourcing/internal/models"
	"github.com/ayo6706/account-eventsourcing/internal/observability"
)

// Envelope is the JSON document written for each event.
type Envelope struct {
	EventID          string    `json:"event_id"`
	AccountID        string    `json:"account_id"`
	Seq              uint64    `json:"seq"`
	Kind             string    `json:"kind"`
	Amount           string    `json:"amount"`
	RelatedAccountID string    `json:"related_account_id,omitempty"`
	TransferID       string    `json:"transfer_id,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

func NewEnvelope(evt models.Event) Envelope {
	return Envelope{
		EventID:          fmt.Sprintf("%s:%d", evt.AccountID, evt.Seq),
		AccountID:        evt.AccountID,
		Seq:              evt.Seq,
		Kind:             string(evt.Kind),
		Amount:           evt.Amount.String(),
		RelatedAccountID: evt.RelatedAccountID,
		TransferID:       evt.TransferID,
		OccurredAt:       evt.Timestamp,
	}
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.Event) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by account id so one account's events
// land on one partition in sequence order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaPublisher creates an asynchronous publisher. Delivery failures are
// logged and counted; they never fail the command that produced the event.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.L()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err == nil {
				return
			}
			for _, m := range messages {
				observability.IncrementEventPublishFailure()
				logger.Warn("event delivery failed", zap.ByteString("key", m.Key), zap.String("topic", topic), zap.Error(err))
			}
		},
	}

	logger.Info("kafka event publisher initialized", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return &KafkaPublisher{writer: writer, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt models.Event) error {
	payload, err := json.Marshal(NewEnvelope(evt))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.AccountID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_kind", Value: []byte(evt.Kind)},
		},
		Time: evt.Timestamp,
	})
	if err != nil {
		observability.IncrementEventPublishFailure()
		return fmt.Errorf("publish event %s:%d: %w", evt.AccountID, evt.Seq, err)
	}
	return nil
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
