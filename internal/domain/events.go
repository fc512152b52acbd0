package domain

import (
	"encoding/json"
	"time"
)

// EventType names a domain event published after a unit of work commits.
type EventType string

const (
	PaymentCompleted      EventType = "payment.completed"
	PaymentFailed         EventType = "payment.failed"
	PaymentRefunded       EventType = "payment.refunded"
	PaymentReviewRequired EventType = "payment.review_required"
)

// Event is an outbox row. Consumers must be idempotent on ID.
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	PaymentID   string          `json:"payment_id"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

// PaymentEventPayload is the body of the payment.* events.
type PaymentEventPayload struct {
	PaymentID          string        `json:"payment_id"`
	ExternalID         string        `json:"external_id"`
	PayerAccountID     string        `json:"payer_account_id"`
	RecipientAccountID string        `json:"recipient_account_id,omitempty"`
	Amount             int64         `json:"amount"`
	Currency           string        `json:"currency"`
	Status             PaymentStatus `json:"status"`
	RefundedAmount     int64         `json:"refunded_amount,omitempty"`
	RefundAmount       int64         `json:"refund_amount,omitempty"`
	FailureReason      string        `json:"failure_reason,omitempty"`
	OccurredAt         time.Time     `json:"occurred_at"`
}

// ReviewPayload is attached to payment.review_required.
type ReviewPayload struct {
	PaymentID       string        `json:"payment_id"`
	Provider        string        `json:"provider"`
	ProviderEventID string        `json:"provider_event_id"`
	EventType       string        `json:"event_type"`
	CurrentStatus   PaymentStatus `json:"current_status"`
	Reason          string        `json:"reason"`
	OccurredAt      time.Time     `json:"occurred_at"`
}

// NewPaymentPayload snapshots p for an event.
func NewPaymentPayload(p *Payment, at time.Time) PaymentEventPayload {
	return PaymentEventPayload{
		PaymentID:          p.ID,
		ExternalID:         p.ExternalID,
		PayerAccountID:     p.PayerAccountID,
		RecipientAccountID: p.RecipientAccountID,
		Amount:             p.Amount,
		Currency:           p.Currency,
		Status:             p.Status,
		RefundedAmount:     p.RefundedAmount,
		FailureReason:      p.FailureReason,
		OccurredAt:         at,
	}
}
