package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// ChargeRequest carries the correlation id and idempotency key so the
// provider can deduplicate retried calls.
type ChargeRequest struct {
	PaymentID      string
	CorrelationID  string
	IdempotencyKey string
	AccountID      string
	InstrumentID   string
	Amount         int64
	Currency       string
}

type RefundRequest struct {
	PaymentID      string
	CorrelationID  string
	IdempotencyKey string
	Reference      string
	// Sequence numbers the refunds of one payment starting at 1.
	Sequence       int
	Amount         int64
	Currency       string
	Reason         string
}

// Result is the provider's answer. A decline is a Result with Approved
// false, not an error; errors are reserved for transport failures.
type Result struct {
	Approved      bool
	Reference     string
	DeclineReason string
}

type Client interface {
	Charge(ctx context.Context, req ChargeRequest) (*Result, error)
	Refund(ctx context.Context, req RefundRequest) (*Result, error)
}

// Internal is the stored-value gateway: the balance store is the source of
// funds, so every well-formed call is approved. References are derived from
// the correlation id and key, which makes retries return the same reference.
// Refund references also carry the refund sequence, so two refunds of the
// same amount never share one.
type Internal struct {
	mu    sync.Mutex
	calls int
}

func NewInternal() *Internal {
	return &Internal{}
}

func reference(prefix string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return prefix + hex.EncodeToString(h.Sum(nil))[:24]
}

func (g *Internal) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Amount <= 0 || req.CorrelationID == "" {
		return &Result{Approved: false, DeclineReason: "malformed charge"}, nil
	}
	g.count()
	return &Result{
		Approved:  true,
		Reference: reference("ch_", req.CorrelationID, req.IdempotencyKey, fmt.Sprint(req.Amount)),
	}, nil
}

func (g *Internal) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Amount <= 0 || req.CorrelationID == "" {
		return &Result{Approved: false, DeclineReason: "malformed refund"}, nil
	}
	g.count()
	return &Result{
		Approved:  true,
		Reference: reference("re_", req.CorrelationID, req.IdempotencyKey, fmt.Sprint(req.Sequence), fmt.Sprint(req.Amount)),
	}, nil
}

func (g *Internal) count() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
}

// Calls reports how many calls were approved.
func (g *Internal) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}
