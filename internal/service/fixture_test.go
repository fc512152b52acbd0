package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/gateway"
	"github.com/punchamoorthee/paycore/internal/idempotency"
	"github.com/punchamoorthee/paycore/internal/retry"
	"github.com/punchamoorthee/paycore/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	payer     = "acc-a"
	recipient = "acc-b"
	stranger  = "acc-c"
	system    = "system"
)

// scriptedGateway wraps the internal gateway with switchable failures.
type scriptedGateway struct {
	mu       sync.Mutex
	inner    *gateway.Internal
	decline  string
	err      error
	onCharge func()
}

func (g *scriptedGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Result, error) {
	g.mu.Lock()
	decline, err, hook := g.decline, g.err, g.onCharge
	g.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if decline != "" {
		return &gateway.Result{Approved: false, DeclineReason: decline}, nil
	}
	return g.inner.Charge(context.WithoutCancel(ctx), req)
}

func (g *scriptedGateway) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.Result, error) {
	g.mu.Lock()
	decline, err := g.decline, g.err
	g.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if decline != "" {
		return &gateway.Result{Approved: false, DeclineReason: decline}, nil
	}
	return g.inner.Refund(ctx, req)
}

func (g *scriptedGateway) set(decline string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decline, g.err = decline, err
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	mem    *store.Memory
	gw     *scriptedGateway
	keys   *idempotency.Registry
	engine *Engine
	recon  *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	logger := zap.NewNop()

	keys := idempotency.NewRegistry(mem, logger, 30*time.Second,
		idempotency.WithPoll(retry.Policy{MaxAttempts: 40, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}))
	gw := &scriptedGateway{inner: gateway.NewInternal()}
	engine := NewEngine(mem, keys, gw, logger, Options{
		SystemPrincipal: system,
		Retry:           retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})

	f := &fixture{
		t:      t,
		ctx:    ctx,
		mem:    mem,
		gw:     gw,
		keys:   keys,
		engine: engine,
		recon:  NewReconciler(mem, engine, "gateway", logger),
	}
	f.account(payer, 1000)
	f.account(recipient, 0)
	f.account(stranger, 0)
	f.instrument("card-a", payer, true)
	f.instrument("card-a-old", payer, false)
	f.instrument("card-c", stranger, true)
	return f
}

func (f *fixture) account(id string, balance int64) {
	require.NoError(f.t, f.mem.CreateAccount(f.ctx, id, balance))
}

func (f *fixture) instrument(id, owner string, active bool) {
	require.NoError(f.t, f.mem.CreateInstrument(f.ctx, &domain.Instrument{ID: id, OwnerAccountID: owner, IsActive: active}))
}

func (f *fixture) balance(id string) int64 {
	acc, err := f.mem.GetAccount(f.ctx, id)
	require.NoError(f.t, err)
	return acc.Balance
}

func (f *fixture) payment(id string) *domain.Payment {
	p, err := f.mem.GetPayment(f.ctx, id)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) initiate(amount int64, to string) *domain.Payment {
	p, err := f.engine.Initiate(f.ctx, InitiateRequest{
		PayerAccountID:     payer,
		PayerInstrumentID:  "card-a",
		RecipientAccountID: to,
		Amount:             amount,
		Currency:           "USD",
	})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) confirm(id, key string) *domain.Payment {
	res, err := f.engine.Confirm(f.ctx, ConfirmRequest{PaymentID: id, AccountID: payer, IdempotencyKey: key})
	require.NoError(f.t, err)
	return res.Payment
}

func (f *fixture) events(types ...domain.EventType) []domain.Event {
	var out []domain.Event
	for _, evt := range f.mem.Events() {
		for _, typ := range types {
			if evt.Type == typ {
				out = append(out, evt)
			}
		}
	}
	return out
}
