package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPayment(id string, created time.Time) *domain.Payment {
	return &domain.Payment{
		ID:                id,
		ExternalID:        "pc_" + id,
		PayerAccountID:    "acc-a",
		PayerInstrumentID: "card-a",
		Amount:            100,
		Currency:          "USD",
		Status:            domain.StatusPending,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
}

func TestMemory_DebitCredit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateAccount(ctx, "acc-a", 100))

	balance, err := m.Debit(ctx, "acc-a", 40, "pay-1", "confirm")
	require.NoError(t, err)
	assert.Equal(t, int64(60), balance)

	balance, err = m.Credit(ctx, "acc-a", 15, "pay-1", "refund")
	require.NoError(t, err)
	assert.Equal(t, int64(75), balance)

	_, err = m.Debit(ctx, "acc-a", 1000, "pay-2", "confirm")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = m.Debit(ctx, "missing", 1, "pay-2", "confirm")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Debit(ctx, "acc-a", 1, "", "confirm")
	assert.Error(t, err)

	entries, err := m.ListEntries(ctx, "acc-a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(-40), entries[0].Delta)
	assert.Equal(t, "pay-1", entries[1].PaymentID)
	assert.Equal(t, int64(75), entries[1].BalanceAfter)
}

func TestMemory_RollbackDiscardsStagedWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateAccount(ctx, "acc-a", 100))

	boom := errors.New("boom")
	err := m.InTx(ctx, func(tx Tx) error {
		if _, err := tx.Debit(ctx, "acc-a", 30, "pay-1", "confirm"); err != nil {
			return err
		}
		acc, err := tx.GetAccount(ctx, "acc-a")
		require.NoError(t, err)
		assert.Equal(t, int64(70), acc.Balance)
		return boom
	})
	require.ErrorIs(t, err, boom)

	acc, err := m.GetAccount(ctx, "acc-a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)

	entries, err := m.ListEntries(ctx, "acc-a")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemory_FailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateAccount(ctx, "acc-a", 100))

	boom := errors.New("disk full")
	m.FailNext("debit", boom)

	_, err := m.Debit(ctx, "acc-a", 10, "pay-1", "confirm")
	require.ErrorIs(t, err, boom)

	_, err = m.Debit(ctx, "acc-a", 10, "pay-1", "confirm")
	require.NoError(t, err)
}

func TestMemory_RowLockSerializesUnitsOfWork(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreatePayment(ctx, newPayment("pay-1", time.Now())))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.InTx(ctx, func(tx Tx) error {
				p, err := tx.GetPaymentForUpdate(ctx, "pay-1")
				if err != nil {
					return err
				}
				if p.Status != domain.StatusPending {
					return nil
				}
				p.Status = domain.StatusCompleted
				mu.Lock()
				completed++
				mu.Unlock()
				return tx.UpdatePayment(ctx, p)
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, completed)
}

func TestMemory_LockHonorsContext(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.CreatePayment(context.Background(), newPayment("pay-1", time.Now())))

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = m.InTx(context.Background(), func(tx Tx) error {
			_, err := tx.GetPaymentForUpdate(context.Background(), "pay-1")
			close(held)
			<-done
			return err
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.GetPaymentForUpdate(ctx, "pay-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(done)
}

func TestMemory_ListPayments(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"pay-1", "pay-2", "pay-3"} {
		p := newPayment(id, base.Add(time.Duration(i)*time.Hour))
		if id == "pay-2" {
			p.Status = domain.StatusCompleted
			p.RecipientAccountID = "acc-b"
		}
		require.NoError(t, m.CreatePayment(ctx, p))
	}

	all, err := m.ListPayments(ctx, domain.PaymentFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "pay-3", all[0].ID)
	assert.Equal(t, "pay-1", all[2].ID)

	completed, err := m.ListPayments(ctx, domain.PaymentFilter{Status: domain.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)

	byRecipient, err := m.ListPayments(ctx, domain.PaymentFilter{AccountID: "acc-b"})
	require.NoError(t, err)
	require.Len(t, byRecipient, 1)
	assert.Equal(t, "pay-2", byRecipient[0].ID)

	page2, err := m.ListPayments(ctx, domain.PaymentFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "pay-1", page2[0].ID)

	window, err := m.ListPayments(ctx, domain.PaymentFilter{From: base.Add(time.Hour), To: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "pay-2", window[0].ID)
}

func TestMemory_DuplicateExternalID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p := newPayment("pay-1", time.Now())
	require.NoError(t, m.CreatePayment(ctx, p))

	dup := newPayment("pay-2", time.Now())
	dup.ExternalID = p.ExternalID
	assert.ErrorIs(t, m.CreatePayment(ctx, dup), ErrDuplicate)

	got, err := m.GetPaymentByExternalID(ctx, p.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, "pay-1", got.ID)
}

func TestMemory_ReserveAndCommitKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	rec := &domain.IdempotencyRecord{
		Key: "k1", Scope: "confirm", RequestHash: "h1", Owner: "o1",
		PaymentID: "pay-1", LeaseExpiresAt: now.Add(time.Second), CreatedAt: now,
	}
	existing, err := m.ReserveKey(ctx, rec, now)
	require.NoError(t, err)
	assert.Nil(t, existing)

	contender := *rec
	contender.Owner = "o2"
	existing, err = m.ReserveKey(ctx, &contender, now)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "o1", existing.Owner)

	// expired lease is taken over
	existing, err = m.ReserveKey(ctx, &contender, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Nil(t, existing)

	committedAt := now
	rec.CommittedAt = &committedAt
	rec.Response = []byte(`{"id":"pay-1"}`)
	require.ErrorIs(t, m.CommitKey(ctx, rec), ErrLeaseLost)

	contender.CommittedAt = &committedAt
	contender.Response = rec.Response
	require.NoError(t, m.CommitKey(ctx, &contender))

	got, err := m.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, got.Committed())
	assert.JSONEq(t, `{"id":"pay-1"}`, string(got.Response))

	purged, err := m.PurgeKeys(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	_, err = m.GetKey(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ReleaseKeyOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	rec := &domain.IdempotencyRecord{Key: "k1", Scope: "confirm", Owner: "o1", LeaseExpiresAt: now.Add(time.Minute)}
	_, err := m.ReserveKey(ctx, rec, now)
	require.NoError(t, err)

	require.NoError(t, m.ReleaseKey(ctx, "k1", "someone-else"))
	_, err = m.GetKey(ctx, "k1")
	require.NoError(t, err)

	require.NoError(t, m.ReleaseKey(ctx, "k1", "o1"))
	_, err = m.GetKey(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_WebhookEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	later := &domain.WebhookEvent{Provider: "gw", ProviderEventID: "e2", EventType: "failed",
		OccurredAt: base.Add(time.Minute), ReceivedAt: base, LinkedPaymentID: "pay-1"}
	earlier := &domain.WebhookEvent{Provider: "gw", ProviderEventID: "e1", EventType: "succeeded",
		OccurredAt: base, ReceivedAt: base.Add(time.Second), LinkedPaymentID: "pay-1"}

	inserted, err := m.InsertEvent(ctx, later)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = m.InsertEvent(ctx, earlier)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = m.InsertEvent(ctx, earlier)
	require.NoError(t, err)
	assert.False(t, inserted)

	pending, err := m.PendingEvents(ctx, "pay-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "e1", pending[0].ProviderEventID)

	earlier.Processed = true
	earlier.Outcome = domain.OutcomeApplied
	require.NoError(t, m.UpdateEvent(ctx, earlier))

	unresolved, err := m.UnresolvedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "e2", unresolved[0].ProviderEventID)
}

func TestMemory_Outbox(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.AppendEvent(ctx, &domain.Event{ID: "evt-1", Type: domain.PaymentCompleted, PaymentID: "pay-1", Payload: []byte(`{}`)}))
	require.NoError(t, m.AppendEvent(ctx, &domain.Event{ID: "evt-2", Type: domain.PaymentFailed, PaymentID: "pay-2", Payload: []byte(`{}`)}))

	events, err := m.UnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.NoError(t, m.MarkPublished(ctx, "evt-1", time.Now()))
	events, err = m.UnpublishedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-2", events[0].ID)
	assert.Len(t, m.Events(), 2)
}
