package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/metrics"
	"github.com/punchamoorthee/paycore/internal/store"
	"go.uber.org/zap"
)

// Publisher delivers committed domain events. Delivery is at-least-once;
// consumers deduplicate on Event.ID.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// Record appends an event to the outbox inside the caller's unit of work.
func Record(ctx context.Context, tx store.OutboxStore, typ domain.EventType, paymentID string, payload any, at time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return tx.AppendEvent(ctx, &domain.Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      typ,
		PaymentID: paymentID,
		Payload:   body,
		CreatedAt: at,
	})
}

// Dispatcher drains the outbox into a Publisher.
type Dispatcher struct {
	Store        store.OutboxStore
	Publisher    Publisher
	Logger       *zap.Logger
	PollInterval time.Duration
	BatchSize    int
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.Logger.Warn("outbox dispatch failed", zap.Error(err))
			}
		}
	}
}

// DispatchOnce publishes one batch and returns how many events were marked
// published. A failed publish leaves the event for the next pass.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	events, err := d.Store.UnpublishedEvents(ctx, d.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load outbox: %w", err)
	}

	published := 0
	for _, evt := range events {
		if err := d.Publisher.Publish(ctx, evt); err != nil {
			metrics.OutboxPublished.WithLabelValues("error").Inc()
			d.Logger.Warn("publish failed",
				zap.String("event_id", evt.ID),
				zap.String("type", string(evt.Type)),
				zap.Error(err))
			continue
		}
		metrics.OutboxPublished.WithLabelValues("ok").Inc()

		if err := d.Store.MarkPublished(ctx, evt.ID, time.Now().UTC()); err != nil {
			return published, fmt.Errorf("mark %s published: %w", evt.ID, err)
		}
		published++
	}
	return published, nil
}
