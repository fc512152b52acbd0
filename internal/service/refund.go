package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/gateway"
	"github.com/punchamoorthee/paycore/internal/idempotency"
	"github.com/punchamoorthee/paycore/internal/store"
	"go.uber.org/zap"
)

type RefundRequest struct {
	PaymentID string `json:"payment_id"`
	// Amount zero means the whole remaining refundable amount.
	Amount         int64  `json:"amount,omitempty"`
	Reason         string `json:"reason"`
	AccountID      string `json:"account_id"`
	IdempotencyKey string `json:"-"`
}

func (e *Engine) authorizeRefund(p *domain.Payment, accountID string) error {
	switch {
	case accountID == p.PayerAccountID:
		return nil
	case p.RecipientAccountID != "" && accountID == p.RecipientAccountID:
		return nil
	case e.opts.SystemPrincipal != "" && accountID == e.opts.SystemPrincipal:
		return nil
	}
	return domain.Forbidden("refund", fmt.Sprintf("account %s may not refund payment %s", accountID, p.ID))
}

// Refund returns money to the payer from a COMPLETED or PARTIALLY_REFUNDED
// payment. With an idempotency key a retried refund is applied only once.
func (e *Engine) Refund(ctx context.Context, req RefundRequest) (result *Result, err error) {
	const op = "refund"
	defer func() { e.observe(op, resultPayment(result), err) }()

	switch {
	case req.PaymentID == "":
		return nil, domain.Validation(op, "payment id is required")
	case req.AccountID == "":
		return nil, domain.Validation(op, "acting account is required")
	case req.Amount < 0:
		return nil, domain.InvalidAmount(op, "refund amount must be positive")
	}

	var res *idempotency.Reservation
	if req.IdempotencyKey != "" {
		hash := idempotency.Hash(idempotency.ScopeRefund, req.PaymentID, req.AccountID,
			strconv.FormatInt(req.Amount, 10), req.Reason)
		res, err = e.keys.Reserve(ctx, req.IdempotencyKey, idempotency.ScopeRefund, hash, req.PaymentID)
		if err != nil {
			return nil, err
		}
		if !res.Fresh() {
			return replay(res.Existing)
		}
	}

	result, err = e.refund(ctx, req, res)
	if err != nil {
		e.keys.Release(ctx, res)
		e.logger.Warn("refund failed",
			zap.String("payment_id", req.PaymentID),
			zap.Int64("amount", req.Amount),
			zap.String("kind", string(domain.KindOf(err))),
			zap.Error(err))
		return nil, err
	}
	return result, nil
}

func (e *Engine) refund(ctx context.Context, req RefundRequest, res *idempotency.Reservation) (*Result, error) {
	const op = "refund"
	var (
		p      *domain.Payment
		amount int64
		body   json.RawMessage
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
		if err := e.authorizeRefund(p, req.AccountID); err != nil {
			return err
		}

		amount = req.Amount
		if amount == 0 {
			amount = p.RemainingRefundable()
		}
		// validate against a copy before any side effect
		if err := p.Clone().ApplyRefund(amount); err != nil {
			return err
		}

		gw, err := e.gateway.Refund(ctx, gateway.RefundRequest{
			PaymentID:      p.ID,
			CorrelationID:  p.ExternalID,
			IdempotencyKey: req.IdempotencyKey,
			Reference:      p.GatewayReference,
			Sequence:       refundCount(p) + 1,
			Amount:         amount,
			Currency:       p.Currency,
			Reason:         req.Reason,
		})
		if err != nil {
			return domain.Infra("gateway.refund", err)
		}
		if !gw.Approved {
			return domain.InvalidState(op, "gateway declined refund: "+gw.DeclineReason)
		}

		dctx := context.WithoutCancel(ctx)
		if err := refund(dctx, tx, p, amount, req.Reason, gw.Reference, e.opts.Now()); err != nil {
			return err
		}
		if res != nil {
			body, err = e.keys.Commit(dctx, tx, res, p)
		}
		return err
	})
	if err != nil {
		return nil, classify(op, err)
	}

	e.logger.Info("payment refunded",
		zap.String("payment_id", p.ID),
		zap.Int64("amount", amount),
		zap.Int64("refunded_amount", p.RefundedAmount),
		zap.String("status", string(p.Status)))
	return newResult(p, body)
}
