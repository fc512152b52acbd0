package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternal_ChargeIsDeterministic(t *testing.T) {
	g := NewInternal()
	req := ChargeRequest{PaymentID: "pay-1", CorrelationID: "pc_1", IdempotencyKey: "k1", Amount: 100, Currency: "USD"}

	first, err := g.Charge(context.Background(), req)
	require.NoError(t, err)
	second, err := g.Charge(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, first.Approved)
	assert.Equal(t, first.Reference, second.Reference)
	assert.Contains(t, first.Reference, "ch_")
	assert.Equal(t, 2, g.Calls())
}

func TestInternal_RefundReferencesAreUniquePerRefund(t *testing.T) {
	g := NewInternal()
	ctx := context.Background()
	req := RefundRequest{CorrelationID: "pc_1", Sequence: 1, Amount: 100}

	first, err := g.Refund(ctx, req)
	require.NoError(t, err)
	retried, err := g.Refund(ctx, req)
	require.NoError(t, err)
	req.Sequence = 2
	second, err := g.Refund(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Reference, retried.Reference)
	assert.NotEqual(t, first.Reference, second.Reference)
	assert.Contains(t, first.Reference, "re_")
}

func TestInternal_DeclinesMalformed(t *testing.T) {
	g := NewInternal()
	res, err := g.Refund(context.Background(), RefundRequest{CorrelationID: "pc_1", Amount: 0})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.NotEmpty(t, res.DeclineReason)
	assert.Zero(t, g.Calls())
}

func TestInternal_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewInternal().Charge(ctx, ChargeRequest{CorrelationID: "pc_1", Amount: 1})
	assert.ErrorIs(t, err, context.Canceled)
}
