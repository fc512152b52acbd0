package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/metrics"
	"github.com/punchamoorthee/paycore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type flakyPublisher struct {
	failFor map[string]bool
	seen    []string
}

func (f *flakyPublisher) Publish(ctx context.Context, evt domain.Event) error {
	if f.failFor[evt.ID] {
		return errors.New("broker down")
	}
	f.seen = append(f.seen, evt.ID)
	return nil
}

func TestRecord_AppendsWithinUnitOfWork(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	err := mem.InTx(ctx, func(tx store.Tx) error {
		return Record(ctx, tx, domain.PaymentCompleted, "pay-1", map[string]string{"payment_id": "pay-1"}, time.Now())
	})
	require.NoError(t, err)

	rolledBack := errors.New("rollback")
	err = mem.InTx(ctx, func(tx store.Tx) error {
		if err := Record(ctx, tx, domain.PaymentFailed, "pay-2", nil, time.Now()); err != nil {
			return err
		}
		return rolledBack
	})
	require.ErrorIs(t, err, rolledBack)

	events := mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.PaymentCompleted, events[0].Type)
	assert.Contains(t, events[0].ID, "evt_")
	assert.JSONEq(t, `{"payment_id":"pay-1"}`, string(events[0].Payload))
}

func TestDispatcher_PublishesAndMarks(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.AppendEvent(ctx, &domain.Event{ID: "evt-1", Type: domain.PaymentCompleted, PaymentID: "pay-1", Payload: []byte(`{}`)}))
	require.NoError(t, mem.AppendEvent(ctx, &domain.Event{ID: "evt-2", Type: domain.PaymentFailed, PaymentID: "pay-2", Payload: []byte(`{}`)}))

	pub := &flakyPublisher{failFor: map[string]bool{"evt-2": true}}
	d := &Dispatcher{Store: mem, Publisher: pub, Logger: zap.NewNop(), PollInterval: time.Millisecond, BatchSize: 10}

	okBefore := testutil.ToFloat64(metrics.OutboxPublished.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(metrics.OutboxPublished.WithLabelValues("error"))

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"evt-1"}, pub.seen)
	assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.OutboxPublished.WithLabelValues("ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(metrics.OutboxPublished.WithLabelValues("error")))

	remaining, err := mem.UnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "evt-2", remaining[0].ID)

	// broker recovers
	pub.failFor = nil
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	mem := store.NewMemory()
	bus := NewMemoryBus()
	require.NoError(t, mem.AppendEvent(context.Background(), &domain.Event{ID: "evt-1", Type: domain.PaymentRefunded, PaymentID: "pay-1"}))

	d := &Dispatcher{Store: mem, Publisher: bus, Logger: zap.NewNop(), PollInterval: time.Millisecond, BatchSize: 10}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(bus.Published()) == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestMemoryBus_SubscribersAndFilter(t *testing.T) {
	bus := NewMemoryBus()
	var got []string
	bus.Subscribe(domain.PaymentCompleted, func(ctx context.Context, evt domain.Event) error {
		got = append(got, evt.ID)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, domain.Event{ID: "a", Type: domain.PaymentCompleted}))
	require.NoError(t, bus.Publish(ctx, domain.Event{ID: "b", Type: domain.PaymentFailed}))

	assert.Equal(t, []string{"a"}, got)
	assert.Len(t, bus.Published(), 2)
	assert.Len(t, bus.Published(domain.PaymentFailed), 1)
}

func TestKafkaPublisher(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	pub := NewKafkaPublisherWithProducer(producer, "payments.events", zap.NewNop())

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt domain.Event
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.ID != "evt-1" || evt.Type != domain.PaymentCompleted {
			return errors.New("unexpected event")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, domain.Event{ID: "evt-1", Type: domain.PaymentCompleted, PaymentID: "pay-1", Payload: []byte(`{}`)}))

	err := pub.Publish(ctx, domain.Event{ID: "evt-2", Type: domain.PaymentFailed, PaymentID: "pay-2", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	require.NoError(t, pub.Close())
}
