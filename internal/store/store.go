package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/paycore/internal/domain"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrSerialization marks a lost race (serialization failure, deadlock,
	// concurrent insert). The unit of work must be retried from the start.
	ErrSerialization = errors.New("store: serialization conflict")
	ErrDuplicate     = errors.New("store: duplicate key")
	// ErrLeaseLost means an idempotency reservation was taken over by
	// another caller after its lease expired.
	ErrLeaseLost = errors.New("store: idempotency lease lost")
)

// BalanceStore owns the stored-value balances. Every mutation is attributed
// to the payment that caused it and leaves one ledger entry behind.
type BalanceStore interface {
	// LockAccounts takes row locks in ascending id order.
	LockAccounts(ctx context.Context, accountIDs ...string) error
	Debit(ctx context.Context, accountID string, amount int64, causingPaymentID, reason string) (int64, error)
	Credit(ctx context.Context, accountID string, amount int64, causingPaymentID, reason string) (int64, error)
	GetAccount(ctx context.Context, accountID string) (*domain.BalanceAccount, error)
	CreateAccount(ctx context.Context, accountID string, balance int64) error
	ListEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error)
}

// PaymentStore persists payments and their metadata history.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *domain.Payment) error
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
	// GetPaymentForUpdate loads the payment and holds its row lock until the
	// unit of work ends.
	GetPaymentForUpdate(ctx context.Context, id string) (*domain.Payment, error)
	GetPaymentByExternalID(ctx context.Context, externalID string) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, p *domain.Payment) error
	ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, error)
}

// IdempotencyStore backs the idempotency registry.
type IdempotencyStore interface {
	// ReserveKey inserts rec when the key is free or its lease expired, and
	// returns nil. Otherwise it returns the record currently holding the key.
	ReserveKey(ctx context.Context, rec *domain.IdempotencyRecord, now time.Time) (*domain.IdempotencyRecord, error)
	// CommitKey stores the final outcome; it fails with ErrLeaseLost when
	// rec.Owner no longer holds the reservation.
	CommitKey(ctx context.Context, rec *domain.IdempotencyRecord) error
	// ReleaseKey drops an uncommitted reservation held by owner.
	ReleaseKey(ctx context.Context, key, owner string) error
	GetKey(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	PurgeKeys(ctx context.Context, committedBefore time.Time) (int64, error)
}

// WebhookStore keeps every provider event, deduplicated on (provider, id).
type WebhookStore interface {
	// InsertEvent returns false when the event was already stored.
	InsertEvent(ctx context.Context, evt *domain.WebhookEvent) (bool, error)
	GetEvent(ctx context.Context, provider, providerEventID string) (*domain.WebhookEvent, error)
	UpdateEvent(ctx context.Context, evt *domain.WebhookEvent) error
	// PendingEvents lists unprocessed events linked to a payment ordered by
	// provider timestamp.
	PendingEvents(ctx context.Context, paymentID string) ([]domain.WebhookEvent, error)
	// UnresolvedEvents lists unprocessed events (orphaned or deferred).
	UnresolvedEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error)
}

// OutboxStore is the transactional outbox for domain events.
type OutboxStore interface {
	AppendEvent(ctx context.Context, evt *domain.Event) error
	UnpublishedEvents(ctx context.Context, limit int) ([]domain.Event, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
}

// InstrumentStore is the read model of the account/instrument directory.
type InstrumentStore interface {
	GetInstrument(ctx context.Context, instrumentID string) (*domain.Instrument, error)
	CreateInstrument(ctx context.Context, inst *domain.Instrument) error
}

// Tx is one atomic, serializable unit of work.
type Tx interface {
	BalanceStore
	PaymentStore
	IdempotencyStore
	WebhookStore
	OutboxStore
	InstrumentStore
}

// Store exposes the same operations outside a transaction (each call
// commits on its own) plus InTx for units of work.
type Store interface {
	Tx
	// InTx runs fn in a transaction. fn's error rolls everything back; the
	// commit itself is not interrupted by ctx cancellation.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}
