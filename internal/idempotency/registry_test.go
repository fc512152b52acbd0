package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/retry"
	"github.com/punchamoorthee/paycore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRegistry(t *testing.T) (*Registry, *store.Memory, *clock) {
	t.Helper()
	mem := store.NewMemory()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := NewRegistry(mem, zap.NewNop(), 30*time.Second,
		WithClock(clk.Now),
		WithPoll(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	return reg, mem, clk
}

func commit(t *testing.T, reg *Registry, mem *store.Memory, res *Reservation, p *domain.Payment) []byte {
	t.Helper()
	var body []byte
	err := mem.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		body, err = reg.Commit(context.Background(), tx, res, p)
		return err
	})
	require.NoError(t, err)
	return body
}

func TestRegistry_FreshThenReplay(t *testing.T) {
	reg, mem, _ := newRegistry(t)
	ctx := context.Background()
	hash := Hash("pay-1", "acc-a")

	res, err := reg.Reserve(ctx, "key-1", ScopeConfirm, hash, "pay-1")
	require.NoError(t, err)
	require.True(t, res.Fresh())

	p := &domain.Payment{ID: "pay-1", Amount: 100, Currency: "USD", Status: domain.StatusCompleted}
	body := commit(t, reg, mem, res, p)

	again, err := reg.Reserve(ctx, "key-1", ScopeConfirm, hash, "pay-1")
	require.NoError(t, err)
	require.False(t, again.Fresh())
	assert.Equal(t, string(body), string(again.Existing.Response))
	assert.Equal(t, domain.StatusCompleted, again.Existing.OutcomeStatus)

	replayed, err := Replay(again.Existing)
	require.NoError(t, err)
	assert.Equal(t, "pay-1", replayed.ID)
}

func TestRegistry_Mismatch(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Reserve(ctx, "key-1", ScopeConfirm, Hash("pay-1", "acc-a"), "pay-1")
	require.NoError(t, err)

	_, err = reg.Reserve(ctx, "key-1", ScopeConfirm, Hash("pay-2", "acc-a"), "pay-2")
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)

	_, err = reg.Reserve(ctx, "key-1", ScopeRefund, Hash("pay-1", "acc-a"), "pay-1")
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
}

func TestRegistry_LiveLeaseIsConflict(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()
	hash := Hash("pay-1")

	_, err := reg.Reserve(ctx, "key-1", ScopeConfirm, hash, "pay-1")
	require.NoError(t, err)

	_, err = reg.Reserve(ctx, "key-1", ScopeConfirm, hash, "pay-1")
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.True(t, domain.IsRetryable(err))
}

func TestRegistry_WaitsForHolderToCommit(t *testing.T) {
	mem := store.NewMemory()
	reg := NewRegistry(mem, zap.NewNop(), 30*time.Second,
		WithPoll(retry.Policy{MaxAttempts: 50, BaseDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond}))
	ctx := context.Background()
	hash := Hash("pay-1")

	holder, err := reg.Reserve(ctx, "key-1", ScopeConfirm, hash, "pay-1")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = mem.InTx(ctx, func(tx store.Tx) error {
			_, err := reg.Commit(ctx, tx, holder, &domain.Payment{ID: "pay-1", Status: domain.StatusCompleted})
			return err
		})
	}()

	waiter, err := reg.Reserve(ctx, "key-1", ScopeConfirm, hash, "pay-1")
	require.NoError(t, err)
	require.False(t, waiter.Fresh())
	assert.Equal(t, domain.StatusCompleted, waiter.Existing.OutcomeStatus)
}

func TestRegistry_ExpiredLeaseIsTakenOver(t *testing.T) {
	reg, mem, clk := newRegistry(t)
	ctx := context.Background()
	hash := Hash("pay-1")

	stale, err := reg.Reserve(ctx, "key-1", ScopeConfirm, hash, "pay-1")
	require.NoError(t, err)

	clk.Advance(31 * time.Second)
	takeover, err := reg.Reserve(ctx, "key-1", ScopeConfirm, hash, "pay-1")
	require.NoError(t, err)
	require.True(t, takeover.Fresh())
	assert.NotEqual(t, stale.Record.Owner, takeover.Record.Owner)

	err = mem.InTx(ctx, func(tx store.Tx) error {
		_, err := reg.Commit(ctx, tx, stale, &domain.Payment{ID: "pay-1", Status: domain.StatusCompleted})
		return err
	})
	assert.ErrorIs(t, err, domain.ErrConflict)

	commit(t, reg, mem, takeover, &domain.Payment{ID: "pay-1", Status: domain.StatusCompleted})
}

func TestRegistry_ReleaseFreesKey(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx := context.Background()
	hash := Hash("pay-1")

	res, err := reg.Reserve(ctx, "key-1", ScopeConfirm, hash, "pay-1")
	require.NoError(t, err)
	reg.Release(ctx, res)

	again, err := reg.Reserve(ctx, "key-1", ScopeConfirm, hash, "pay-1")
	require.NoError(t, err)
	assert.True(t, again.Fresh())
}

func TestRegistry_EmptyKey(t *testing.T) {
	reg, _, _ := newRegistry(t)
	_, err := reg.Reserve(context.Background(), " ", ScopeConfirm, "h", "pay-1")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRegistry_Purge(t *testing.T) {
	reg, mem, clk := newRegistry(t)
	ctx := context.Background()

	res, err := reg.Reserve(ctx, "key-1", ScopeConfirm, "h", "pay-1")
	require.NoError(t, err)
	commit(t, reg, mem, res, &domain.Payment{ID: "pay-1", Status: domain.StatusCompleted})

	n, err := reg.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(2 * time.Hour)
	n, err = reg.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
