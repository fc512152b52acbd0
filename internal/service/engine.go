package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/gateway"
	"github.com/punchamoorthee/paycore/internal/idempotency"
	"github.com/punchamoorthee/paycore/internal/metrics"
	"github.com/punchamoorthee/paycore/internal/retry"
	"github.com/punchamoorthee/paycore/internal/store"
	"go.uber.org/zap"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type Options struct {
	// SystemPrincipal may confirm and refund any payment. Empty disables it.
	SystemPrincipal string
	Retry           retry.Policy
	Now             func() time.Time
}

// Engine owns every payment state transition.
type Engine struct {
	store   store.Store
	keys    *idempotency.Registry
	gateway gateway.Client
	logger  *zap.Logger
	opts    Options
}

func NewEngine(s store.Store, keys *idempotency.Registry, gw gateway.Client, logger *zap.Logger, opts Options) *Engine {
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = retry.Default
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{store: s, keys: keys, gateway: gw, logger: logger, opts: opts}
}

// Result is what Confirm and Refund return. Body is the serialized payment;
// a replayed idempotent request gets the exact bytes of the first response.
type Result struct {
	Payment  *domain.Payment
	Body     json.RawMessage
	Replayed bool
}

func newResult(p *domain.Payment, body json.RawMessage) (*Result, error) {
	if body == nil {
		var err error
		if body, err = json.Marshal(p); err != nil {
			return nil, domain.Infra("encode payment", err)
		}
	}
	return &Result{Payment: p, Body: body}, nil
}

func replay(rec *domain.IdempotencyRecord) (*Result, error) {
	p, err := idempotency.Replay(rec)
	if err != nil {
		return nil, err
	}
	return &Result{Payment: p, Body: rec.Response, Replayed: true}, nil
}

// classify turns store and driver errors into engine error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &domain.Error{Kind: domain.KindNotFound, Op: op, Msg: "not found", Err: err}
	case errors.Is(err, store.ErrSerialization), errors.Is(err, store.ErrDuplicate):
		return &domain.Error{Kind: domain.KindConflict, Op: op, Msg: "concurrent update, retry the request", Err: err}
	}
	return domain.Infra(op, err)
}

func isSerialization(err error) bool {
	return errors.Is(err, store.ErrSerialization)
}

// inTx runs one unit of work, retrying it from scratch on serialization
// conflicts. Business errors are returned on the first attempt.
func (e *Engine) inTx(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	return e.opts.Retry.Do(ctx, isSerialization, func(attempt int) error {
		if attempt > 1 {
			metrics.TxRetries.WithLabelValues(op).Inc()
			e.logger.Debug("retrying unit of work", zap.String("op", op), zap.Int("attempt", attempt))
		}
		return e.store.InTx(ctx, fn)
	})
}

// observe counts one engine call. A call that returns a FAILED payment with a
// nil error is counted as "failed", not "ok".
func (e *Engine) observe(op string, p *domain.Payment, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(domain.KindOf(err))
	case p != nil && p.Status == domain.StatusFailed:
		outcome = "failed"
	}
	metrics.PaymentOperations.WithLabelValues(op, outcome).Inc()
}

func resultPayment(r *Result) *domain.Payment {
	if r == nil {
		return nil
	}
	return r.Payment
}

// InitiateRequest describes a new payment intent.
type InitiateRequest struct {
	PayerAccountID     string            `json:"payer_account_id"`
	PayerInstrumentID  string            `json:"payer_instrument_id"`
	RecipientAccountID string            `json:"recipient_account_id,omitempty"`
	Amount             int64             `json:"amount"`
	Currency           string            `json:"currency"`
	Description        string            `json:"description,omitempty"`
	ExternalID         string            `json:"external_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Initiate records a PENDING payment. No balance moves.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (p *domain.Payment, err error) {
	const op = "initiate"
	defer func() { e.observe(op, p, err) }()

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	switch {
	case req.PayerAccountID == "":
		return nil, domain.Validation(op, "payer account is required")
	case req.PayerInstrumentID == "":
		return nil, domain.Validation(op, "payer instrument is required")
	case req.Amount <= 0:
		return nil, domain.InvalidAmount(op, "amount must be positive")
	case !currencyPattern.MatchString(currency):
		return nil, domain.Validation(op, fmt.Sprintf("currency %q is not an ISO 4217 code", req.Currency))
	case req.RecipientAccountID == req.PayerAccountID:
		return nil, domain.Validation(op, "recipient must differ from payer")
	}

	inst, err := e.store.GetInstrument(ctx, req.PayerInstrumentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NotFound(op, fmt.Sprintf("instrument %s not found", req.PayerInstrumentID))
		}
		return nil, classify(op, err)
	}
	if inst.OwnerAccountID != req.PayerAccountID {
		return nil, domain.Forbidden(op, fmt.Sprintf("instrument %s does not belong to account %s", inst.ID, req.PayerAccountID))
	}
	if !inst.IsActive {
		return nil, domain.Forbidden(op, fmt.Sprintf("instrument %s is inactive", inst.ID))
	}

	for _, acc := range []string{req.PayerAccountID, req.RecipientAccountID} {
		if acc == "" {
			continue
		}
		if _, err := e.store.GetAccount(ctx, acc); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, domain.NotFound(op, fmt.Sprintf("account %s not found", acc))
			}
			return nil, classify(op, err)
		}
	}

	now := e.opts.Now()
	p = &domain.Payment{
		ID:                 "pay_" + uuid.NewString(),
		ExternalID:         req.ExternalID,
		PayerAccountID:     req.PayerAccountID,
		PayerInstrumentID:  req.PayerInstrumentID,
		RecipientAccountID: req.RecipientAccountID,
		Amount:             req.Amount,
		Currency:           currency,
		Description:        req.Description,
		Status:             domain.StatusPending,
		Metadata:           maps.Clone(req.Metadata),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if p.ExternalID == "" {
		p.ExternalID = "pc_" + uuid.NewString()
	}

	if err := e.store.CreatePayment(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, domain.Validation(op, fmt.Sprintf("external id %s is already in use", p.ExternalID))
		}
		return nil, classify(op, err)
	}

	e.logger.Info("payment initiated",
		zap.String("payment_id", p.ID),
		zap.String("external_id", p.ExternalID),
		zap.Int64("amount", p.Amount),
		zap.String("currency", p.Currency))
	return p, nil
}

func (e *Engine) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	p, err := e.store.GetPayment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NotFound("get_payment", fmt.Sprintf("payment %s not found", id))
		}
		return nil, classify("get_payment", err)
	}
	return p, nil
}

func (e *Engine) GetPaymentByExternalID(ctx context.Context, externalID string) (*domain.Payment, error) {
	p, err := e.store.GetPaymentByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NotFound("get_payment", fmt.Sprintf("payment with external id %s not found", externalID))
		}
		return nil, classify("get_payment", err)
	}
	return p, nil
}

// ListPayments returns one page, newest first.
func (e *Engine) ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.Validation("list_payments", fmt.Sprintf("unknown status %q", filter.Status))
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, domain.Validation("list_payments", "to must not be before from")
	}
	payments, err := e.store.ListPayments(ctx, filter.Normalize())
	if err != nil {
		return nil, classify("list_payments", err)
	}
	return payments, nil
}

func (e *Engine) GetBalance(ctx context.Context, accountID string) (*domain.BalanceAccount, error) {
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NotFound("get_balance", fmt.Sprintf("account %s not found", accountID))
		}
		return nil, classify("get_balance", err)
	}
	return acc, nil
}
