package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/punchamoorthee/paycore/internal/api"
	"github.com/punchamoorthee/paycore/internal/app"
	"github.com/punchamoorthee/paycore/internal/config"
	"github.com/punchamoorthee/paycore/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func memoryApp(t *testing.T) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), &config.Config{
		StoreDriver:        "memory",
		SystemPrincipal:    "system",
		IdempotencyLease:   time.Second,
		TxMaxRetries:       5,
		TxRetryBaseDelay:   time.Millisecond,
		TxRetryMaxDelay:    5 * time.Millisecond,
		WebhookProvider:    "gateway",
		OutboxPollInterval: time.Second,
		OutboxBatchSize:    2,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestSeed_Memory(t *testing.T) {
	ctx := context.Background()
	a := memoryApp(t)

	n, err := seed(ctx, a, 3, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	acc, err := a.Store.GetAccount(ctx, "acc-0003")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acc.Balance)
	inst, err := a.Store.GetInstrument(ctx, "card-0003")
	require.NoError(t, err)
	assert.Equal(t, "acc-0003", inst.OwnerAccountID)

	_, err = seed(ctx, a, 0, 500)
	assert.Error(t, err)
}

func TestBench_AgainstServer(t *testing.T) {
	ctx := context.Background()
	a := memoryApp(t)
	_, err := seed(ctx, a, 4, 1000)
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewHandler(a.Engine, a.Reconciler, "", zap.NewNop()).Router())
	defer srv.Close()

	res := runBench(ctx, benchConfig{
		URL:      srv.URL,
		Workers:  4,
		Duration: 200 * time.Millisecond,
		Workload: "hotspot",
		Accounts: 4,
		Amount:   10,
	})
	assert.Positive(t, res.TotalPayments)
	assert.Equal(t, res.TotalPayments, res.Completed+res.Failed+res.Conflicts+res.Errors)
	assert.Zero(t, res.Errors)

	// money is moved, never created
	var sum int64
	for i := 1; i <= 4; i++ {
		acc, err := a.Store.GetAccount(ctx, accountID(i))
		require.NoError(t, err)
		sum += acc.Balance
	}
	assert.Equal(t, int64(4000), sum)
}

func TestPickAccounts(t *testing.T) {
	for range 100 {
		from, to := pickAccounts("uniform", 3)
		assert.NotEqual(t, from, to)
		assert.True(t, from >= 1 && from <= 3)
	}
}

func TestDrainOutbox(t *testing.T) {
	ctx := context.Background()
	a := memoryApp(t)
	_, err := seed(ctx, a, 2, 1000)
	require.NoError(t, err)

	for range 3 {
		p, err := a.Engine.Initiate(ctx, service.InitiateRequest{
			PayerAccountID: accountID(1), PayerInstrumentID: instrumentID(1),
			RecipientAccountID: accountID(2), Amount: 10, Currency: "USD",
		})
		require.NoError(t, err)
		_, err = a.Engine.Confirm(ctx, service.ConfirmRequest{PaymentID: p.ID, AccountID: accountID(1), IdempotencyKey: "k-" + p.ID})
		require.NoError(t, err)
	}

	n, err := drainOutbox(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "batch size 2 needs two passes")

	n, err = drainOutbox(ctx, a)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRootCommand_MemoryDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("ENVIRONMENT", "production")

	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs([]string{"webhooks", "retry", "--limit", "5"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "resolved 0 events")

	out.Reset()
	root = newRootCmd(&out)
	root.SetArgs([]string{"migrate"})
	assert.Error(t, root.Execute())
}
