package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/retry"
	"github.com/punchamoorthee/paycore/internal/store"
	"go.uber.org/zap"
)

const (
	ScopeConfirm = "confirm"
	ScopeRefund  = "refund"
)

// Reservation is the result of Reserve. Exactly one of Record (the caller
// owns the key and must Commit or Release it) and Existing (the key already
// carries a final outcome) is set.
type Reservation struct {
	Record   *domain.IdempotencyRecord
	Existing *domain.IdempotencyRecord
}

func (r *Reservation) Fresh() bool { return r.Record != nil }

type Registry struct {
	store  store.Store
	logger *zap.Logger
	lease  time.Duration
	// poll governs waiting on a live lease held by another caller.
	poll retry.Policy
	now  func() time.Time
}

type Option func(*Registry)

func WithPoll(p retry.Policy) Option {
	return func(r *Registry) { r.poll = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(s store.Store, logger *zap.Logger, lease time.Duration, opts ...Option) *Registry {
	r := &Registry{
		store:  s,
		logger: logger,
		lease:  lease,
		poll:   retry.Policy{MaxAttempts: 8, BaseDelay: 25 * time.Millisecond, MaxDelay: time.Second},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hash fingerprints the parameters of an operation so a key reused for a
// different request is detected.
func Hash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Reserve claims key for scope in its own short transaction. It waits while
// another caller holds a live lease and gives up with a Conflict.
func (r *Registry) Reserve(ctx context.Context, key, scope, requestHash, paymentID string) (*Reservation, error) {
	const op = "idempotency.reserve"
	if strings.TrimSpace(key) == "" {
		return nil, domain.Validation(op, "idempotency key is required")
	}

	for attempt := 1; ; attempt++ {
		now := r.now()
		rec := &domain.IdempotencyRecord{
			Key:            key,
			Scope:          scope,
			RequestHash:    requestHash,
			Owner:          uuid.NewString(),
			State:          domain.KeyInProgress,
			PaymentID:      paymentID,
			LeaseExpiresAt: now.Add(r.lease),
			CreatedAt:      now,
		}

		existing, err := r.store.ReserveKey(ctx, rec, now)
		switch {
		case errors.Is(err, store.ErrSerialization):
			// lost the insert race; look again
		case err != nil:
			return nil, domain.Infra(op, err)
		case existing == nil:
			return &Reservation{Record: rec}, nil
		case existing.Scope != scope || existing.RequestHash != requestHash:
			return nil, &domain.Error{
				Kind: domain.KindIdempotencyMismatch,
				Op:   op,
				Msg:  fmt.Sprintf("key %q was already used for a different request", key),
			}
		case existing.Committed():
			return &Reservation{Existing: existing}, nil
		}

		if attempt >= r.poll.MaxAttempts {
			r.logger.Warn("idempotency key still in flight",
				zap.String("key", key),
				zap.String("scope", scope),
				zap.Int("attempts", attempt))
			return nil, domain.Conflict(op, fmt.Sprintf("request with key %q is still in progress", key))
		}
		if err := r.poll.Wait(ctx, attempt); err != nil {
			return nil, domain.Infra(op, err)
		}
	}
}

// Commit records p as the final outcome of res inside tx. The serialized
// payment is returned so the first caller and every replay see the same bytes.
func (r *Registry) Commit(ctx context.Context, tx store.Tx, res *Reservation, p *domain.Payment) (json.RawMessage, error) {
	const op = "idempotency.commit"
	body, err := json.Marshal(p)
	if err != nil {
		return nil, domain.Infra(op, err)
	}

	now := r.now()
	rec := res.Record
	rec.PaymentID = p.ID
	rec.OutcomeStatus = p.Status
	rec.Response = body
	rec.CommittedAt = &now

	if err := tx.CommitKey(ctx, rec); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			return nil, &domain.Error{Kind: domain.KindConflict, Op: op, Msg: "idempotency lease expired before commit", Err: err}
		}
		return nil, err
	}
	return body, nil
}

// Release drops an uncommitted reservation so a corrected retry is not
// blocked for the rest of the lease.
func (r *Registry) Release(ctx context.Context, res *Reservation) {
	if res == nil || res.Record == nil {
		return
	}
	if err := r.store.ReleaseKey(context.WithoutCancel(ctx), res.Record.Key, res.Record.Owner); err != nil {
		r.logger.Warn("failed to release idempotency key",
			zap.String("key", res.Record.Key),
			zap.Error(err))
	}
}

// Replay decodes the payment stored with a committed key.
func Replay(rec *domain.IdempotencyRecord) (*domain.Payment, error) {
	var p domain.Payment
	if err := json.Unmarshal(rec.Response, &p); err != nil {
		return nil, domain.Infra("idempotency.replay", fmt.Errorf("stored response for key %s: %w", rec.Key, err))
	}
	return &p, nil
}

// Purge removes committed keys older than retention.
func (r *Registry) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := r.store.PurgeKeys(ctx, r.now().Add(-retention))
	if err != nil {
		return 0, domain.Infra("idempotency.purge", err)
	}
	r.logger.Info("purged idempotency keys", zap.Int64("count", n), zap.Duration("retention", retention))
	return n, nil
}
