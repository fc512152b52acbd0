package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// PaymentStatus is the position of a Payment in its state machine.
type PaymentStatus string

const (
	StatusPending           PaymentStatus = "PENDING"
	StatusCompleted         PaymentStatus = "COMPLETED"
	StatusFailed            PaymentStatus = "FAILED"
	StatusRefunded          PaymentStatus = "REFUNDED"
	StatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// Valid reports whether s is one of the known statuses.
func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

// Refundable reports whether a refund may be applied from this status.
func (s PaymentStatus) Refundable() bool {
	return s == StatusCompleted || s == StatusPartiallyRefunded
}

// Payment is the single state machine for one movement of funds.
type Payment struct {
	ID                 string            `json:"id"`
	ExternalID         string            `json:"external_id"`
	PayerAccountID     string            `json:"payer_account_id"`
	PayerInstrumentID  string            `json:"payer_instrument_id"`
	RecipientAccountID string            `json:"recipient_account_id,omitempty"`
	Amount             int64             `json:"amount"`
	Currency           string            `json:"currency"`
	Description        string            `json:"description,omitempty"`
	Status             PaymentStatus     `json:"status"`
	RefundedAmount     int64             `json:"refunded_amount"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	GatewayReference   string            `json:"gateway_reference,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	RefundReferences   []string          `json:"refund_references,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	ProcessedAt        *time.Time        `json:"processed_at,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at"`
	LastEventAt        *time.Time        `json:"last_event_at,omitempty"`
}

// Clone returns a deep copy so stores never hand out shared maps or pointers.
func (p *Payment) Clone() *Payment {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	c.RefundReferences = slices.Clone(p.RefundReferences)
	if p.ProcessedAt != nil {
		t := *p.ProcessedAt
		c.ProcessedAt = &t
	}
	if p.LastEventAt != nil {
		t := *p.LastEventAt
		c.LastEventAt = &t
	}
	return &c
}

// RemainingRefundable is the amount that can still be returned to the payer.
func (p *Payment) RemainingRefundable() int64 {
	return p.Amount - p.RefundedAmount
}

// HasRefundReference reports whether a refund with this provider reference
// was already applied.
func (p *Payment) HasRefundReference(ref string) bool {
	return ref != "" && slices.Contains(p.RefundReferences, ref)
}

// AppendMetadata adds key=value to the audit bag. Existing keys are never
// overwritten; a numeric suffix is added instead.
func (p *Payment) AppendMetadata(key, value string) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]string)
	}
	k := key
	for i := 2; ; i++ {
		if _, exists := p.Metadata[k]; !exists {
			break
		}
		k = fmt.Sprintf("%s_%d", key, i)
	}
	p.Metadata[k] = value
}

// ApplyRefund increments RefundedAmount and recomputes the status.
func (p *Payment) ApplyRefund(amount int64) error {
	if p.Status == StatusRefunded {
		return InvalidAmount("refund", fmt.Sprintf("payment %s has no refundable amount left", p.ID))
	}
	if !p.Status.Refundable() {
		return InvalidState("refund", fmt.Sprintf("payment %s is %s", p.ID, p.Status))
	}
	if amount <= 0 || amount > p.RemainingRefundable() {
		return InvalidAmount("refund", fmt.Sprintf("refund of %d exceeds remaining %d", amount, p.RemainingRefundable()))
	}
	p.RefundedAmount += amount
	if p.RefundedAmount == p.Amount {
		p.Status = StatusRefunded
	} else {
		p.Status = StatusPartiallyRefunded
	}
	return nil
}

// CheckInvariants verifies the refund bookkeeping rules.
func (p *Payment) CheckInvariants() error {
	if p.RefundedAmount < 0 || p.RefundedAmount > p.Amount {
		return fmt.Errorf("payment %s: refunded %d outside [0, %d]", p.ID, p.RefundedAmount, p.Amount)
	}
	if (p.Status == StatusRefunded) != (p.RefundedAmount == p.Amount) {
		return fmt.Errorf("payment %s: status %s with refunded %d of %d", p.ID, p.Status, p.RefundedAmount, p.Amount)
	}
	partial := p.RefundedAmount > 0 && p.RefundedAmount < p.Amount
	if (p.Status == StatusPartiallyRefunded) != partial {
		return fmt.Errorf("payment %s: status %s with refunded %d of %d", p.ID, p.Status, p.RefundedAmount, p.Amount)
	}
	return nil
}

// PaymentFilter narrows ListPayments. Zero values mean "any".
type PaymentFilter struct {
	AccountID string
	Status    PaymentStatus
	From      time.Time
	To        time.Time
	Page      int
	PageSize  int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Normalize clamps paging to sane bounds.
func (f PaymentFilter) Normalize() PaymentFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// Offset is the number of rows to skip for the current page.
func (f PaymentFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// BalanceAccount is the stored-value balance of one account.
type BalanceAccount struct {
	AccountID string    `json:"account_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry records one balance mutation and the payment that caused it.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	AccountID    string    `json:"account_id"`
	PaymentID    string    `json:"payment_id"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// Instrument is the funding card as seen by the account directory.
type Instrument struct {
	ID             string `json:"id"`
	OwnerAccountID string `json:"owner_account_id"`
	IsActive       bool   `json:"is_active"`
}

type IdempotencyState string

const (
	KeyInProgress IdempotencyState = "in_progress"
	KeyCommitted  IdempotencyState = "committed"
)

// IdempotencyRecord holds the state of a client supplied key.
type IdempotencyRecord struct {
	Key            string           `json:"key"`
	Scope          string           `json:"scope"`
	RequestHash    string           `json:"request_hash"`
	Owner          string           `json:"owner"`
	State          IdempotencyState `json:"state"`
	PaymentID      string           `json:"payment_id"`
	OutcomeStatus  PaymentStatus    `json:"outcome_status,omitempty"`
	Response       json.RawMessage  `json:"response,omitempty"`
	LeaseExpiresAt time.Time        `json:"lease_expires_at"`
	CreatedAt      time.Time        `json:"created_at"`
	CommittedAt    *time.Time       `json:"committed_at,omitempty"`
}

// Committed reports whether the key already carries a final outcome.
func (r *IdempotencyRecord) Committed() bool {
	return r.State == KeyCommitted
}

// Expired reports whether an uncommitted reservation may be taken over.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return r.State == KeyInProgress && !now.Before(r.LeaseExpiresAt)
}

// Webhook event types understood by the reconciler.
const (
	EventSucceeded = "succeeded"
	EventFailed    = "failed"
	EventRefunded  = "refunded"
)

// WebhookOutcome is what the reconciler did with an event.
type WebhookOutcome string

const (
	OutcomeNone       WebhookOutcome = ""
	OutcomeApplied    WebhookOutcome = "applied"
	OutcomeNoop       WebhookOutcome = "noop"
	OutcomeSuperseded WebhookOutcome = "superseded"
	OutcomeDeferred   WebhookOutcome = "deferred"
	OutcomeOrphaned   WebhookOutcome = "orphaned"
	OutcomeConflict   WebhookOutcome = "conflict"
	OutcomeIgnored    WebhookOutcome = "ignored"
	OutcomeDuplicate  WebhookOutcome = "duplicate"
)

// WebhookEvent is a provider notification as received.
type WebhookEvent struct {
	Provider        string          `json:"provider"`
	ProviderEventID string          `json:"provider_event_id"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	OccurredAt      time.Time       `json:"occurred_at"`
	ReceivedAt      time.Time       `json:"received_at"`
	Processed       bool            `json:"processed"`
	Outcome         WebhookOutcome  `json:"outcome,omitempty"`
	Error           string          `json:"error,omitempty"`
	LinkedPaymentID string          `json:"linked_payment_id,omitempty"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
}

// WebhookPayload is the normalized body forwarded by the ingress.
type WebhookPayload struct {
	CorrelationID string    `json:"correlation_id"`
	ProviderTxnID string    `json:"provider_txn_id"`
	OccurredAt    time.Time `json:"occurred_at"`
	Amount        int64     `json:"amount,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}
