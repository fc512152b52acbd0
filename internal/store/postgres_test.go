package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a disposable database: TEST_DB_SOURCE=postgres://... go test ./internal/store
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TEST_DB_SOURCE")
	if dsn == "" {
		t.Skip("TEST_DB_SOURCE not set")
	}
	ctx := context.Background()
	pg, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, pg.Db))
	t.Cleanup(pg.Close)
	return pg
}

func TestPostgres_DebitIsConditional(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()
	acc := "acc-" + uuid.NewString()
	require.NoError(t, pg.CreateAccount(ctx, acc, 50))

	err := pg.InTx(ctx, func(tx Tx) error {
		if err := tx.LockAccounts(ctx, acc); err != nil {
			return err
		}
		_, err := tx.Debit(ctx, acc, 80, "pay-x", "confirm")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	balance, err := pg.Debit(ctx, acc, 50, "pay-x", "confirm")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	entries, err := pg.ListEntries(ctx, acc)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pay-x", entries[0].PaymentID)
}

func TestPostgres_PaymentRoundTrip(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	p := newPayment("pay_"+uuid.NewString(), now)
	p.ExternalID = "pc_" + uuid.NewString()
	p.Metadata = map[string]string{"channel": "test"}
	require.NoError(t, pg.CreatePayment(ctx, p))

	got, err := pg.GetPaymentByExternalID(ctx, p.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "test", got.Metadata["channel"])
	assert.Empty(t, got.RecipientAccountID)

	assert.Empty(t, got.RefundReferences)

	got.Status = domain.StatusCompleted
	got.ProcessedAt = &now
	got.RefundReferences = []string{"re_1", "re_2"}
	require.NoError(t, pg.UpdatePayment(ctx, got))

	reloaded, err := pg.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, reloaded.Status)
	require.NotNil(t, reloaded.ProcessedAt)
	assert.True(t, reloaded.HasRefundReference("re_2"))

	_, err = pg.GetPayment(ctx, "pay_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_IdempotencyLease(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	key := "key-" + uuid.NewString()

	rec := &domain.IdempotencyRecord{Key: key, Scope: "confirm", RequestHash: "h", Owner: "o1",
		PaymentID: "pay-1", LeaseExpiresAt: now.Add(time.Minute), CreatedAt: now}
	existing, err := pg.ReserveKey(ctx, rec, now)
	require.NoError(t, err)
	require.Nil(t, existing)

	other := *rec
	other.Owner = "o2"
	existing, err = pg.ReserveKey(ctx, &other, now)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "o1", existing.Owner)

	assert.ErrorIs(t, pg.CommitKey(ctx, &other), ErrLeaseLost)

	// key order and spacing a JSONB column would rewrite
	body := []byte(`{"status":"COMPLETED","id":"pay-1","amount":1000}`)
	rec.Response = body
	rec.OutcomeStatus = domain.StatusCompleted
	rec.CommittedAt = &now
	require.NoError(t, pg.CommitKey(ctx, rec))

	got, err := pg.GetKey(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.Committed())
	assert.Equal(t, string(body), string(got.Response))

	replay, err := pg.ReserveKey(ctx, &other, now)
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.Equal(t, body, replay.Response)
}

func TestPostgres_WebhookDedup(t *testing.T) {
	pg := newTestPostgres(t)
	ctx := context.Background()
	evt := &domain.WebhookEvent{Provider: "gw", ProviderEventID: uuid.NewString(), EventType: "succeeded",
		Payload: []byte(`{}`), OccurredAt: time.Now(), ReceivedAt: time.Now()}

	inserted, err := pg.InsertEvent(ctx, evt)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = pg.InsertEvent(ctx, evt)
	require.NoError(t, err)
	assert.False(t, inserted)
}
