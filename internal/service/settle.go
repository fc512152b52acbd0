package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/events"
	"github.com/punchamoorthee/paycore/internal/metrics"
	"github.com/punchamoorthee/paycore/internal/store"
)

// Ledger reasons written with every balance mutation.
const (
	reasonPayment        = "payment"
	reasonPaymentReceipt = "payment_receipt"
	reasonRefund         = "refund"
	reasonRefundReversal = "refund_reversal"
)

// settle moves the payment amount from payer to recipient. The caller holds
// the payment row lock; account rows are locked here in ascending order.
func settle(ctx context.Context, tx store.Tx, p *domain.Payment) error {
	if err := tx.LockAccounts(ctx, p.PayerAccountID, p.RecipientAccountID); err != nil {
		return err
	}
	if _, err := tx.Debit(ctx, p.PayerAccountID, p.Amount, p.ID, reasonPayment); err != nil {
		return err
	}
	metrics.BalanceMutations.WithLabelValues("debit").Inc()

	if p.RecipientAccountID != "" {
		if _, err := tx.Credit(ctx, p.RecipientAccountID, p.Amount, p.ID, reasonPaymentReceipt); err != nil {
			return err
		}
		metrics.BalanceMutations.WithLabelValues("credit").Inc()
	}
	return nil
}

// reverse returns amount to the payer and takes it back from the recipient.
func reverse(ctx context.Context, tx store.Tx, p *domain.Payment, amount int64) error {
	if err := tx.LockAccounts(ctx, p.PayerAccountID, p.RecipientAccountID); err != nil {
		return err
	}
	if p.RecipientAccountID != "" {
		if _, err := tx.Debit(ctx, p.RecipientAccountID, amount, p.ID, reasonRefundReversal); err != nil {
			return err
		}
		metrics.BalanceMutations.WithLabelValues("debit").Inc()
	}
	if _, err := tx.Credit(ctx, p.PayerAccountID, amount, p.ID, reasonRefund); err != nil {
		return err
	}
	metrics.BalanceMutations.WithLabelValues("credit").Inc()
	return nil
}

func complete(ctx context.Context, tx store.Tx, p *domain.Payment, reference string, at time.Time) error {
	p.Status = domain.StatusCompleted
	p.ProcessedAt = &at
	p.UpdatedAt = at
	if reference != "" {
		p.GatewayReference = reference
	}
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return err
	}
	return events.Record(ctx, tx, domain.PaymentCompleted, p.ID, domain.NewPaymentPayload(p, at), at)
}

func fail(ctx context.Context, tx store.Tx, p *domain.Payment, reason string, at time.Time) error {
	p.Status = domain.StatusFailed
	p.FailureReason = reason
	p.ProcessedAt = &at
	p.UpdatedAt = at
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return err
	}
	return events.Record(ctx, tx, domain.PaymentFailed, p.ID, domain.NewPaymentPayload(p, at), at)
}

func refundCount(p *domain.Payment) int {
	n := 0
	for k := range p.Metadata {
		if strings.HasPrefix(k, "refund_") {
			n++
		}
	}
	return n
}

// refund applies a validated refund of amount in tx. The provider reference is
// kept so a webhook echoing this refund is recognized.
func refund(ctx context.Context, tx store.Tx, p *domain.Payment, amount int64, reason, reference string, at time.Time) error {
	n := refundCount(p) + 1
	if err := p.ApplyRefund(amount); err != nil {
		return err
	}
	if err := reverse(ctx, tx, p, amount); err != nil {
		return err
	}

	p.UpdatedAt = at
	if reference != "" && !p.HasRefundReference(reference) {
		p.RefundReferences = append(p.RefundReferences, reference)
	}
	p.AppendMetadata(fmt.Sprintf("refund_%d", n), fmt.Sprintf("amount=%d reason=%s reference=%s at=%s",
		amount, reason, reference, at.Format(time.RFC3339)))
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return err
	}

	payload := domain.NewPaymentPayload(p, at)
	payload.RefundAmount = amount
	return events.Record(ctx, tx, domain.PaymentRefunded, p.ID, payload, at)
}
