package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/gateway"
	"github.com/punchamoorthee/paycore/internal/idempotency"
	"github.com/punchamoorthee/paycore/internal/store"
	"go.uber.org/zap"
)

type ConfirmRequest struct {
	PaymentID      string `json:"payment_id"`
	AccountID      string `json:"account_id"`
	IdempotencyKey string `json:"-"`
}

// declined rolls back a confirm attempt that must end in FAILED.
type declined struct {
	reason string
	cause  error
}

func (d *declined) Error() string { return "payment declined: " + d.reason }
func (d *declined) Unwrap() error { return d.cause }

func (e *Engine) authorizeConfirm(p *domain.Payment, accountID string) error {
	if accountID == p.PayerAccountID {
		return nil
	}
	if e.opts.SystemPrincipal != "" && accountID == e.opts.SystemPrincipal {
		return nil
	}
	return domain.Forbidden("confirm", fmt.Sprintf("account %s may not confirm payment %s", accountID, p.ID))
}

// Confirm settles a PENDING payment exactly once per idempotency key.
// Insufficient funds and gateway declines are terminal outcomes: the payment
// is returned FAILED with a nil error and the same key replays it.
func (e *Engine) Confirm(ctx context.Context, req ConfirmRequest) (result *Result, err error) {
	const op = "confirm"
	defer func() { e.observe(op, resultPayment(result), err) }()

	switch {
	case req.IdempotencyKey == "":
		return nil, domain.Validation(op, "idempotency key is required")
	case req.PaymentID == "":
		return nil, domain.Validation(op, "payment id is required")
	case req.AccountID == "":
		return nil, domain.Validation(op, "confirming account is required")
	}

	hash := idempotency.Hash(idempotency.ScopeConfirm, req.PaymentID, req.AccountID)
	res, err := e.keys.Reserve(ctx, req.IdempotencyKey, idempotency.ScopeConfirm, hash, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if !res.Fresh() {
		e.logger.Info("confirm replayed",
			zap.String("payment_id", req.PaymentID),
			zap.String("idempotency_key", req.IdempotencyKey))
		return replay(res.Existing)
	}

	result, err = e.confirm(ctx, req, res)
	if err != nil {
		e.keys.Release(ctx, res)
		e.logger.Warn("confirm failed",
			zap.String("payment_id", req.PaymentID),
			zap.String("kind", string(domain.KindOf(err))),
			zap.Error(err))
		return nil, err
	}
	return result, nil
}

func (e *Engine) confirm(ctx context.Context, req ConfirmRequest, res *idempotency.Reservation) (*Result, error) {
	const op = "confirm"
	var (
		p    *domain.Payment
		body json.RawMessage
	)

	err := e.inTx(ctx, op, func(tx store.Tx) error {
		var err error
		p, err = tx.GetPaymentForUpdate(ctx, req.PaymentID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.NotFound(op, fmt.Sprintf("payment %s not found", req.PaymentID))
			}
			return err
		}
		if p.Status != domain.StatusPending {
			return domain.InvalidState(op, fmt.Sprintf("payment %s is %s", p.ID, p.Status))
		}
		if err := e.authorizeConfirm(p, req.AccountID); err != nil {
			return err
		}

		if err := settle(ctx, tx, p); err != nil {
			if errors.Is(err, domain.ErrInsufficientFunds) {
				return &declined{reason: "insufficient funds", cause: err}
			}
			return err
		}

		charge, err := e.gateway.Charge(ctx, gateway.ChargeRequest{
			PaymentID:      p.ID,
			CorrelationID:  p.ExternalID,
			IdempotencyKey: req.IdempotencyKey,
			AccountID:      p.PayerAccountID,
			InstrumentID:   p.PayerInstrumentID,
			Amount:         p.Amount,
			Currency:       p.Currency,
		})
		if err != nil {
			return domain.Infra("gateway.charge", err)
		}
		if !charge.Approved {
			return &declined{reason: "gateway declined: " + charge.DeclineReason}
		}

		// The charge was sent: finish regardless of caller cancellation.
		dctx := context.WithoutCancel(ctx)
		at := e.opts.Now()
		if err := complete(dctx, tx, p, charge.Reference, at); err != nil {
			return err
		}
		body, err = e.keys.Commit(dctx, tx, res, p)
		return err
	})

	var d *declined
	if errors.As(err, &d) {
		return e.confirmFailed(ctx, req, res, d.reason)
	}
	if err != nil {
		return nil, classify(op, err)
	}

	e.logger.Info("payment completed",
		zap.String("payment_id", p.ID),
		zap.String("gateway_reference", p.GatewayReference),
		zap.Int64("amount", p.Amount))
	return newResult(p, body)
}

// confirmFailed records the terminal FAILED outcome in a fresh unit of work
// after the settlement attempt was rolled back.
func (e *Engine) confirmFailed(ctx context.Context, req ConfirmRequest, res *idempotency.Reservation, reason string) (*Result, error) {
	const op = "confirm"
	var (
		p    *domain.Payment
		body json.RawMessage
	)

	err := e.inTx(ctx, op, func(tx store.Tx) error {
		var err error
		p, err = tx.GetPaymentForUpdate(ctx, req.PaymentID)
		if err != nil {
			return err
		}
		if p.Status != domain.StatusPending {
			return domain.InvalidState(op, fmt.Sprintf("payment %s is %s", p.ID, p.Status))
		}
		at := e.opts.Now()
		if err := fail(ctx, tx, p, reason, at); err != nil {
			return err
		}
		body, err = e.keys.Commit(ctx, tx, res, p)
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}

	e.logger.Info("payment failed",
		zap.String("payment_id", p.ID),
		zap.String("reason", reason))
	return newResult(p, body)
}
