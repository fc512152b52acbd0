package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/events"
	"github.com/punchamoorthee/paycore/internal/metrics"
	"github.com/punchamoorthee/paycore/internal/store"
	"go.uber.org/zap"
)

// Ack is returned to the webhook ingress once the event is durably stored.
type Ack struct {
	Outcome   domain.WebhookOutcome `json:"outcome"`
	PaymentID string                `json:"payment_id,omitempty"`
}

// errNeedsReview rolls back a webhook unit of work that hit a conflict.
var errNeedsReview = errors.New("webhook conflicts with payment state")

// Reconciler applies provider webhook events to payments. Events are
// deduplicated on (provider, event id) and applied per payment in provider
// timestamp order.
type Reconciler struct {
	store    store.Store
	engine   *Engine
	provider string
	logger   *zap.Logger
	locks    *keyedMutex
}

func NewReconciler(s store.Store, engine *Engine, provider string, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:    s,
		engine:   engine,
		provider: provider,
		logger:   logger.With(zap.String("provider", provider)),
		locks:    newKeyedMutex(),
	}
}

func (r *Reconciler) Provider() string { return r.provider }

func decodePayload(raw []byte) (*domain.WebhookPayload, error) {
	var wp domain.WebhookPayload
	if err := json.Unmarshal(raw, &wp); err != nil {
		return nil, err
	}
	return &wp, nil
}

func knownEventType(t string) bool {
	switch t {
	case domain.EventSucceeded, domain.EventFailed, domain.EventRefunded:
		return true
	}
	return false
}

func (r *Reconciler) count(evt *domain.WebhookEvent, outcome domain.WebhookOutcome) {
	metrics.WebhookEvents.WithLabelValues(evt.EventType, string(outcome)).Inc()
}

// HandleEvent stores the event and applies it if its payment is known.
// A nil error means the event is durable and the provider may stop
// redelivering it.
func (r *Reconciler) HandleEvent(ctx context.Context, providerEventID, eventType string, payload []byte) (*Ack, error) {
	const op = "webhook"
	if providerEventID == "" {
		return nil, domain.Validation(op, "provider event id is required")
	}

	now := r.engine.opts.Now()
	evt := &domain.WebhookEvent{
		Provider:        r.provider,
		ProviderEventID: providerEventID,
		EventType:       eventType,
		Payload:         payload,
		OccurredAt:      now,
		ReceivedAt:      now,
	}
	if wp, err := decodePayload(payload); err == nil && !wp.OccurredAt.IsZero() {
		evt.OccurredAt = wp.OccurredAt.UTC()
	}

	inserted, err := r.store.InsertEvent(ctx, evt)
	if err != nil {
		return nil, classify(op, err)
	}
	if !inserted {
		existing, err := r.store.GetEvent(ctx, r.provider, providerEventID)
		if err != nil {
			return nil, classify(op, err)
		}
		if existing.Processed {
			r.count(existing, domain.OutcomeDuplicate)
			r.logger.Debug("duplicate webhook", zap.String("event_id", providerEventID))
			return &Ack{Outcome: domain.OutcomeDuplicate, PaymentID: existing.LinkedPaymentID}, nil
		}
		// redelivery of an event we could not apply yet
		evt = existing
	}

	return r.process(ctx, evt)
}

func (r *Reconciler) process(ctx context.Context, evt *domain.WebhookEvent) (*Ack, error) {
	const op = "webhook"
	if !knownEventType(evt.EventType) {
		at := r.engine.opts.Now()
		evt.Processed = true
		evt.Outcome = domain.OutcomeIgnored
		evt.ProcessedAt = &at
		if err := r.store.UpdateEvent(ctx, evt); err != nil {
			return nil, classify(op, err)
		}
		r.count(evt, domain.OutcomeIgnored)
		r.logger.Info("ignored webhook type",
			zap.String("event_id", evt.ProviderEventID),
			zap.String("event_type", evt.EventType))
		return &Ack{Outcome: domain.OutcomeIgnored}, nil
	}

	wp, err := decodePayload(evt.Payload)
	if err != nil {
		return r.orphan(ctx, evt, "malformed payload: "+err.Error())
	}
	if wp.CorrelationID == "" {
		return r.orphan(ctx, evt, "missing correlation id")
	}

	p, err := r.store.GetPaymentByExternalID(ctx, wp.CorrelationID)
	if errors.Is(err, store.ErrNotFound) {
		return r.orphan(ctx, evt, fmt.Sprintf("no payment with correlation id %s", wp.CorrelationID))
	}
	if err != nil {
		return nil, classify(op, err)
	}

	done, err := r.link(ctx, evt, p.ID)
	if err != nil {
		return nil, err
	}
	if done != domain.OutcomeNone {
		return &Ack{Outcome: done, PaymentID: p.ID}, nil
	}

	outcomes, err := r.drain(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	outcome, ok := outcomes[evt.ProviderEventID]
	if !ok {
		// applied by a concurrent drain before we took the lock
		stored, err := r.store.GetEvent(ctx, evt.Provider, evt.ProviderEventID)
		if err != nil {
			return nil, classify(op, err)
		}
		outcome = stored.Outcome
	}
	return &Ack{Outcome: outcome, PaymentID: p.ID}, nil
}

// link attaches the event to its payment under the payment row lock. It
// returns the stored outcome when a concurrent delivery already applied it.
func (r *Reconciler) link(ctx context.Context, evt *domain.WebhookEvent, paymentID string) (domain.WebhookOutcome, error) {
	outcome := domain.OutcomeNone
	err := r.engine.inTx(ctx, "webhook", func(tx store.Tx) error {
		outcome = domain.OutcomeNone
		if _, err := tx.GetPaymentForUpdate(ctx, paymentID); err != nil {
			return err
		}
		current, err := tx.GetEvent(ctx, evt.Provider, evt.ProviderEventID)
		if err != nil {
			return err
		}
		if current.Processed {
			outcome = current.Outcome
			return nil
		}
		if current.LinkedPaymentID == paymentID {
			return nil
		}
		current.LinkedPaymentID = paymentID
		current.Error = ""
		return tx.UpdateEvent(ctx, current)
	})
	if err != nil {
		return "", classify("webhook", err)
	}
	evt.LinkedPaymentID = paymentID
	return outcome, nil
}

func (r *Reconciler) orphan(ctx context.Context, evt *domain.WebhookEvent, reason string) (*Ack, error) {
	evt.Processed = false
	evt.Outcome = domain.OutcomeOrphaned
	evt.Error = reason
	if err := r.store.UpdateEvent(ctx, evt); err != nil {
		return nil, classify("webhook", err)
	}
	r.count(evt, domain.OutcomeOrphaned)
	r.logger.Warn("orphaned webhook",
		zap.String("event_id", evt.ProviderEventID),
		zap.String("event_type", evt.EventType),
		zap.String("reason", reason))
	return &Ack{Outcome: domain.OutcomeOrphaned}, nil
}

// drain applies every unprocessed event linked to the payment. Deferred
// events are retried after a pass that changed the payment.
func (r *Reconciler) drain(ctx context.Context, paymentID string) (map[string]domain.WebhookOutcome, error) {
	unlock := r.locks.Lock(paymentID)
	defer unlock()

	outcomes := make(map[string]domain.WebhookOutcome)
	for {
		pending, err := r.store.PendingEvents(ctx, paymentID)
		if err != nil {
			return outcomes, classify("webhook", err)
		}

		applied, deferred := false, false
		for i := range pending {
			outcome, err := r.apply(ctx, &pending[i])
			if err != nil {
				return outcomes, err
			}
			outcomes[pending[i].ProviderEventID] = outcome
			switch outcome {
			case domain.OutcomeApplied:
				applied = true
			case domain.OutcomeDeferred:
				deferred = true
			}
		}
		if !applied || !deferred {
			return outcomes, nil
		}
	}
}

// apply handles one event in its own unit of work with the payment row locked.
func (r *Reconciler) apply(ctx context.Context, evt *domain.WebhookEvent) (domain.WebhookOutcome, error) {
	const op = "webhook"
	var (
		outcome domain.WebhookOutcome
		reason  string
		already bool
	)

	err := r.engine.inTx(ctx, op, func(tx store.Tx) error {
		outcome, reason, already = domain.OutcomeNone, "", false

		p, err := tx.GetPaymentForUpdate(ctx, evt.LinkedPaymentID)
		if err != nil {
			return err
		}
		current, err := tx.GetEvent(ctx, evt.Provider, evt.ProviderEventID)
		if err != nil {
			return err
		}
		if current.Processed {
			outcome, already = current.Outcome, true
			return nil
		}
		wp, err := decodePayload(current.Payload)
		if err != nil {
			return err
		}

		at := r.engine.opts.Now()
		outcome, reason, err = r.decide(ctx, tx, p, current, wp, at)
		if err != nil {
			return err
		}
		if outcome == domain.OutcomeConflict {
			return errNeedsReview
		}

		current.Outcome = outcome
		current.Error = ""
		if outcome != domain.OutcomeDeferred {
			current.Processed = true
			current.ProcessedAt = &at
		}
		return tx.UpdateEvent(ctx, current)
	})

	if errors.Is(err, errNeedsReview) {
		return domain.OutcomeConflict, r.flagConflict(ctx, evt, reason)
	}
	if err != nil {
		return "", classify(op, err)
	}

	if already {
		return outcome, nil
	}
	r.count(evt, outcome)
	if outcome == domain.OutcomeApplied {
		r.logger.Info("webhook applied",
			zap.String("event_id", evt.ProviderEventID),
			zap.String("event_type", evt.EventType),
			zap.String("payment_id", evt.LinkedPaymentID))
	}
	return outcome, nil
}

// decide moves the payment according to the event. A conflict outcome comes
// with a reason and leaves the payment untouched.
func (r *Reconciler) decide(ctx context.Context, tx store.Tx, p *domain.Payment, evt *domain.WebhookEvent, wp *domain.WebhookPayload, at time.Time) (domain.WebhookOutcome, string, error) {
	isState := evt.EventType == domain.EventSucceeded || evt.EventType == domain.EventFailed
	if isState && p.LastEventAt != nil && evt.OccurredAt.Before(*p.LastEventAt) {
		return domain.OutcomeSuperseded, "", nil
	}

	occurred := evt.OccurredAt
	switch evt.EventType {
	case domain.EventSucceeded:
		switch p.Status {
		case domain.StatusPending:
			if err := settle(ctx, tx, p); err != nil {
				if domain.IsBusiness(err) {
					return domain.OutcomeConflict, "provider success cannot be settled: " + err.Error(), nil
				}
				return "", "", err
			}
			p.LastEventAt = &occurred
			p.AppendMetadata("provider_event", evt.ProviderEventID)
			if err := complete(ctx, tx, p, wp.ProviderTxnID, at); err != nil {
				return "", "", err
			}
			return domain.OutcomeApplied, "", nil
		case domain.StatusFailed:
			return domain.OutcomeConflict, "provider reports success for a failed payment", nil
		default:
			return domain.OutcomeNoop, "", nil
		}

	case domain.EventFailed:
		switch p.Status {
		case domain.StatusPending:
			reason := wp.FailureReason
			if reason == "" {
				reason = "provider reported failure"
			}
			p.LastEventAt = &occurred
			p.AppendMetadata("provider_event", evt.ProviderEventID)
			if wp.ProviderTxnID != "" {
				p.GatewayReference = wp.ProviderTxnID
			}
			if err := fail(ctx, tx, p, reason, at); err != nil {
				return "", "", err
			}
			return domain.OutcomeApplied, "", nil
		case domain.StatusFailed:
			return domain.OutcomeNoop, "", nil
		default:
			return domain.OutcomeConflict, fmt.Sprintf("provider reports failure for a %s payment", p.Status), nil
		}

	case domain.EventRefunded:
		if p.HasRefundReference(wp.ProviderTxnID) {
			// echo of a refund already applied
			return domain.OutcomeNoop, "", nil
		}
		switch p.Status {
		case domain.StatusPending:
			return domain.OutcomeDeferred, "", nil
		case domain.StatusFailed, domain.StatusRefunded:
			return domain.OutcomeConflict, fmt.Sprintf("provider refund for a %s payment", p.Status), nil
		}
		amount := wp.Amount
		if amount == 0 {
			amount = p.RemainingRefundable()
		}
		if amount < 0 || amount > p.RemainingRefundable() {
			return domain.OutcomeConflict, fmt.Sprintf("provider refund of %d exceeds remaining %d", amount, p.RemainingRefundable()), nil
		}
		if err := refund(ctx, tx, p, amount, "provider refund "+evt.ProviderEventID, wp.ProviderTxnID, at); err != nil {
			if domain.IsBusiness(err) {
				return domain.OutcomeConflict, "provider refund cannot be applied: " + err.Error(), nil
			}
			return "", "", err
		}
		return domain.OutcomeApplied, "", nil
	}

	return domain.OutcomeIgnored, "", nil
}

// flagConflict marks the event processed as a conflict and asks an operator
// to review the payment. The payment itself is not changed.
func (r *Reconciler) flagConflict(ctx context.Context, evt *domain.WebhookEvent, reason string) error {
	const op = "webhook"
	var status domain.PaymentStatus

	err := r.engine.inTx(ctx, op, func(tx store.Tx) error {
		p, err := tx.GetPaymentForUpdate(ctx, evt.LinkedPaymentID)
		if err != nil {
			return err
		}
		current, err := tx.GetEvent(ctx, evt.Provider, evt.ProviderEventID)
		if err != nil {
			return err
		}
		if current.Processed {
			return nil
		}

		at := r.engine.opts.Now()
		status = p.Status
		current.Processed = true
		current.Outcome = domain.OutcomeConflict
		current.Error = reason
		current.ProcessedAt = &at
		if err := tx.UpdateEvent(ctx, current); err != nil {
			return err
		}
		return events.Record(ctx, tx, domain.PaymentReviewRequired, p.ID, domain.ReviewPayload{
			PaymentID:       p.ID,
			Provider:        current.Provider,
			ProviderEventID: current.ProviderEventID,
			EventType:       current.EventType,
			CurrentStatus:   p.Status,
			Reason:          reason,
			OccurredAt:      current.OccurredAt,
		}, at)
	})
	if err != nil {
		return classify(op, err)
	}

	r.count(evt, domain.OutcomeConflict)
	r.logger.Warn("webhook conflicts with payment state",
		zap.String("event_id", evt.ProviderEventID),
		zap.String("event_type", evt.EventType),
		zap.String("payment_id", evt.LinkedPaymentID),
		zap.String("payment_status", string(status)),
		zap.String("reason", reason))
	return nil
}

// RetryPending re-attempts orphaned and deferred events and returns how many
// reached a final outcome.
func (r *Reconciler) RetryPending(ctx context.Context, limit int) (int, error) {
	unresolved, err := r.store.UnresolvedEvents(ctx, limit)
	if err != nil {
		return 0, classify("webhook", err)
	}

	resolved := 0
	drained := make(map[string]bool)
	for i := range unresolved {
		evt := &unresolved[i]
		if evt.LinkedPaymentID == "" {
			ack, err := r.process(ctx, evt)
			if err != nil {
				r.logger.Warn("retry of webhook failed", zap.String("event_id", evt.ProviderEventID), zap.Error(err))
				continue
			}
			if ack.Outcome != domain.OutcomeOrphaned && ack.Outcome != domain.OutcomeDeferred {
				resolved++
			}
			continue
		}

		if drained[evt.LinkedPaymentID] {
			continue
		}
		drained[evt.LinkedPaymentID] = true
		outcomes, err := r.drain(ctx, evt.LinkedPaymentID)
		if err != nil {
			r.logger.Warn("retry of webhook failed", zap.String("payment_id", evt.LinkedPaymentID), zap.Error(err))
			continue
		}
		for _, outcome := range outcomes {
			if outcome != domain.OutcomeDeferred {
				resolved++
			}
		}
	}
	return resolved, nil
}

// ListUnresolved returns events still waiting for a payment or a state change.
func (r *Reconciler) ListUnresolved(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	evts, err := r.store.UnresolvedEvents(ctx, limit)
	if err != nil {
		return nil, classify("webhook", err)
	}
	return evts, nil
}
