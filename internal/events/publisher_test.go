package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/models"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "account-events", logger: zaptest.NewLogger(t)}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), models.Event{
		AccountID:        "acc-1",
		Seq:              7,
		Kind:             domain.EventTransferOut,
		Amount:           decimal.RequireFromString("12.5"),
		RelatedAccountID: "acc-2",
		TransferID:       "tr-1",
		Timestamp:        at,
	})
	require.NoError(t, err)
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "acc-1", string(msg.Key))
	assert.Equal(t, "event_kind", msg.Headers[0].Key)
	assert.Equal(t, "transfer_out", string(msg.Headers[0].Value))

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, "acc-1:7", env.EventID)
	assert.Equal(t, "12.5", env.Amount)
	assert.Equal(t, "tr-1", env.TransferID)
	assert.True(t, env.OccurredAt.Equal(at))
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("no brokers")}
	p := &KafkaPublisher{writer: w, topic: "account-events", logger: zaptest.NewLogger(t)}

	err := p.Publish(context.Background(), models.Event{AccountID: "acc-1", Seq: 1, Kind: domain.EventDeposited, Amount: decimal.NewFromInt(1)})
	assert.ErrorContains(t, err, "acc-1:1")
}

func TestNopPublisher(t *testing.T) {
	assert.NoError(t, NopPublisher{}.Publish(context.Background(), models.Event{}))
}
