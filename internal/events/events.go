// Package events publishes transaction state changes for downstream consumers
// (notifications, accounting, analytics).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
)

// DefaultTopic carries every StateChanged event.
const DefaultTopic = "settlement.transaction.state_changed"

// StateChanged is emitted after a transition has been persisted.
type StateChanged struct {
	TransactionID     string    `json:"transaction_id"`
	Kind              string    `json:"kind"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	Provider          string    `json:"provider,omitempty"`
	ProviderReference string    `json:"provider_reference,omitempty"`
	Amount            string    `json:"amount"`
	Currency          string    `json:"currency"`
	Reason            string    `json:"reason,omitempty"`
	RetryCount        int       `json:"retry_count"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// NewStateChanged describes tx having moved out of from.
func NewStateChanged(tx *domain.Transaction, from domain.State, reason string) StateChanged {
	return StateChanged{
		TransactionID:     tx.ID,
		Kind:              string(tx.Kind),
		From:              string(from),
		To:                string(tx.State),
		Provider:          tx.Provider,
		ProviderReference: tx.ProviderReference,
		Amount:            tx.Amount.String(),
		Currency:          tx.Currency,
		Reason:            reason,
		RetryCount:        tx.RetryCount,
		OccurredAt:        time.Now().UTC(),
	}
}

// Publisher delivers events. Publishing is best effort: callers log failures
// and never roll back a persisted transition.
type Publisher interface {
	Publish(ctx context.Context, e StateChanged) error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, StateChanged) error { return nil }

// Memory keeps events in order. Used by tests and the report command.
type Memory struct {
	mu     sync.Mutex
	events []StateChanged
}

func (m *Memory) Publish(_ context.Context, e StateChanged) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of the published events.
func (m *Memory) Events() []StateChanged {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StateChanged(nil), m.events...)
}

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes JSON events keyed by transaction id, so all events of one
// transaction land on the same partition in order.
type Kafka struct {
	writer MessageWriter
	topic  string
	logger *slog.Logger
}

// NewKafka creates a publisher writing to brokers.
func NewKafka(brokers []string, topic string, logger *slog.Logger) *Kafka {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
	}
	return NewKafkaWithWriter(w, topic, logger)
}

// NewKafkaWithWriter wraps an existing writer.
func NewKafkaWithWriter(w MessageWriter, topic string, logger *slog.Logger) *Kafka {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{writer: w, topic: topic, logger: logger.With("component", "events", "bus", "kafka")}
}

func (k *Kafka) Publish(ctx context.Context, e StateChanged) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	msg := kafka.Message{
		Topic: k.topic,
		Key:   []byte(e.TransactionID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("transaction.state_changed")},
		},
		Time: e.OccurredAt,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Error("publish failed", "transaction_id", e.TransactionID, "to", e.To, "error", err)
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
