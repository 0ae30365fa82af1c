// Package events defines the domain event envelope shared across the service.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types
const (
	EventPaymentInitiated = "payments.payment.initiated"
	EventPaymentPending   = "payments.payment.pending"
	EventPaymentCompleted = "payments.payment.completed"
	EventPaymentFailed    = "payments.payment.failed"
	EventOTPRequired      = "payments.payment.otp_required"
	EventReceiptPersisted = "payments.receipt.persisted"
)

// PaymentInitiatedData is the data for payments.payment.initiated events
type PaymentInitiatedData struct {
	UserID      string `json:"user_id"`
	Reference   string `json:"reference"`
	Category    string `json:"category"`
	AmountMinor int64  `json:"amount_minor"`
	Gateway     string `json:"gateway"`
}

// PaymentCompletedData is the data for payments.payment.completed events
type PaymentCompletedData struct {
	UserID      string    `json:"user_id"`
	Reference   string    `json:"reference"`
	Category    string    `json:"category"`
	AmountMinor int64     `json:"amount_minor"`
	CompletedAt time.Time `json:"completed_at"`
}

// PaymentFailedData is the data for payments.payment.failed events
type PaymentFailedData struct {
	UserID    string `json:"user_id"`
	Reference string `json:"reference"`
	Category  string `json:"category"`
	Reason    string `json:"reason"`
}

// ReceiptPersistedData is the data for payments.receipt.persisted events
type ReceiptPersistedData struct {
	ReceiptID     string `json:"receipt_id"`
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
	TemplateType  string `json:"template_type"`
}
