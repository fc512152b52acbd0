package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/paycore/internal/domain"
)

// Memory is an in-process Store used by tests and STORE_DRIVER=memory. Row
// locks are emulated with a lock table; writes are staged per transaction
// and applied atomically on commit.
type Memory struct {
	mu          sync.Mutex
	locks       *lockTable
	accounts    map[string]domain.BalanceAccount
	entries     []domain.LedgerEntry
	payments    map[string]*domain.Payment
	externalIDs map[string]string
	keys        map[string]*domain.IdempotencyRecord
	webhooks    map[string]*domain.WebhookEvent
	outbox      []domain.Event
	instruments map[string]domain.Instrument
	faults      map[string][]error
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		locks:       newLockTable(),
		accounts:    make(map[string]domain.BalanceAccount),
		payments:    make(map[string]*domain.Payment),
		externalIDs: make(map[string]string),
		keys:        make(map[string]*domain.IdempotencyRecord),
		webhooks:    make(map[string]*domain.WebhookEvent),
		instruments: make(map[string]domain.Instrument),
		faults:      make(map[string][]error),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// FailNext makes the next call of op (e.g. "credit", "update_payment",
// "commit_key") return err. Used to exercise rollback paths.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], err)
}

func (m *Memory) fault(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	queued := m.faults[op]
	if len(queued) == 0 {
		return nil
	}
	m.faults[op] = queued[1:]
	return queued[0]
}

func (m *Memory) Close() {}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := m.begin()
	defer tx.releaseLocks()

	if err := fn(tx); err != nil {
		return err
	}
	if err := m.fault("commit"); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	tx.commit()
	return nil
}

func autocommit[T any](ctx context.Context, m *Memory, fn func(tx Tx) (T, error)) (T, error) {
	var out T
	err := m.InTx(ctx, func(tx Tx) error {
		var err error
		out, err = fn(tx)
		return err
	})
	return out, err
}

func exec(ctx context.Context, m *Memory, fn func(tx Tx) error) error {
	return m.InTx(ctx, fn)
}

// Autocommit wrappers: each call is its own unit of work.

func (m *Memory) LockAccounts(ctx context.Context, ids ...string) error {
	return exec(ctx, m, func(tx Tx) error { return tx.LockAccounts(ctx, ids...) })
}

func (m *Memory) Debit(ctx context.Context, accountID string, amount int64, paymentID, reason string) (int64, error) {
	return autocommit(ctx, m, func(tx Tx) (int64, error) { return tx.Debit(ctx, accountID, amount, paymentID, reason) })
}

func (m *Memory) Credit(ctx context.Context, accountID string, amount int64, paymentID, reason string) (int64, error) {
	return autocommit(ctx, m, func(tx Tx) (int64, error) { return tx.Credit(ctx, accountID, amount, paymentID, reason) })
}

func (m *Memory) GetAccount(ctx context.Context, accountID string) (*domain.BalanceAccount, error) {
	return autocommit(ctx, m, func(tx Tx) (*domain.BalanceAccount, error) { return tx.GetAccount(ctx, accountID) })
}

func (m *Memory) CreateAccount(ctx context.Context, accountID string, balance int64) error {
	return exec(ctx, m, func(tx Tx) error { return tx.CreateAccount(ctx, accountID, balance) })
}

func (m *Memory) ListEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	return autocommit(ctx, m, func(tx Tx) ([]domain.LedgerEntry, error) { return tx.ListEntries(ctx, accountID) })
}

func (m *Memory) CreatePayment(ctx context.Context, p *domain.Payment) error {
	return exec(ctx, m, func(tx Tx) error { return tx.CreatePayment(ctx, p) })
}

func (m *Memory) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return autocommit(ctx, m, func(tx Tx) (*domain.Payment, error) { return tx.GetPayment(ctx, id) })
}

func (m *Memory) GetPaymentForUpdate(ctx context.Context, id string) (*domain.Payment, error) {
	return autocommit(ctx, m, func(tx Tx) (*domain.Payment, error) { return tx.GetPaymentForUpdate(ctx, id) })
}

func (m *Memory) GetPaymentByExternalID(ctx context.Context, externalID string) (*domain.Payment, error) {
	return autocommit(ctx, m, func(tx Tx) (*domain.Payment, error) { return tx.GetPaymentByExternalID(ctx, externalID) })
}

func (m *Memory) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	return exec(ctx, m, func(tx Tx) error { return tx.UpdatePayment(ctx, p) })
}

func (m *Memory) ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, error) {
	return autocommit(ctx, m, func(tx Tx) ([]domain.Payment, error) { return tx.ListPayments(ctx, filter) })
}

func (m *Memory) ReserveKey(ctx context.Context, rec *domain.IdempotencyRecord, now time.Time) (*domain.IdempotencyRecord, error) {
	return autocommit(ctx, m, func(tx Tx) (*domain.IdempotencyRecord, error) { return tx.ReserveKey(ctx, rec, now) })
}

func (m *Memory) CommitKey(ctx context.Context, rec *domain.IdempotencyRecord) error {
	return exec(ctx, m, func(tx Tx) error { return tx.CommitKey(ctx, rec) })
}

func (m *Memory) ReleaseKey(ctx context.Context, key, owner string) error {
	return exec(ctx, m, func(tx Tx) error { return tx.ReleaseKey(ctx, key, owner) })
}

func (m *Memory) GetKey(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	return autocommit(ctx, m, func(tx Tx) (*domain.IdempotencyRecord, error) { return tx.GetKey(ctx, key) })
}

func (m *Memory) PurgeKeys(ctx context.Context, before time.Time) (int64, error) {
	return autocommit(ctx, m, func(tx Tx) (int64, error) { return tx.PurgeKeys(ctx, before) })
}

func (m *Memory) InsertEvent(ctx context.Context, evt *domain.WebhookEvent) (bool, error) {
	return autocommit(ctx, m, func(tx Tx) (bool, error) { return tx.InsertEvent(ctx, evt) })
}

func (m *Memory) GetEvent(ctx context.Context, provider, id string) (*domain.WebhookEvent, error) {
	return autocommit(ctx, m, func(tx Tx) (*domain.WebhookEvent, error) { return tx.GetEvent(ctx, provider, id) })
}

func (m *Memory) UpdateEvent(ctx context.Context, evt *domain.WebhookEvent) error {
	return exec(ctx, m, func(tx Tx) error { return tx.UpdateEvent(ctx, evt) })
}

func (m *Memory) PendingEvents(ctx context.Context, paymentID string) ([]domain.WebhookEvent, error) {
	return autocommit(ctx, m, func(tx Tx) ([]domain.WebhookEvent, error) { return tx.PendingEvents(ctx, paymentID) })
}

func (m *Memory) UnresolvedEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	return autocommit(ctx, m, func(tx Tx) ([]domain.WebhookEvent, error) { return tx.UnresolvedEvents(ctx, limit) })
}

func (m *Memory) AppendEvent(ctx context.Context, evt *domain.Event) error {
	return exec(ctx, m, func(tx Tx) error { return tx.AppendEvent(ctx, evt) })
}

func (m *Memory) UnpublishedEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	return autocommit(ctx, m, func(tx Tx) ([]domain.Event, error) { return tx.UnpublishedEvents(ctx, limit) })
}

func (m *Memory) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return exec(ctx, m, func(tx Tx) error { return tx.MarkPublished(ctx, id, at) })
}

func (m *Memory) GetInstrument(ctx context.Context, id string) (*domain.Instrument, error) {
	return autocommit(ctx, m, func(tx Tx) (*domain.Instrument, error) { return tx.GetInstrument(ctx, id) })
}

func (m *Memory) CreateInstrument(ctx context.Context, inst *domain.Instrument) error {
	return exec(ctx, m, func(tx Tx) error { return tx.CreateInstrument(ctx, inst) })
}

// memTx stages writes until commit.
type memTx struct {
	m           *Memory
	held        []string
	accounts    map[string]domain.BalanceAccount
	entries     []domain.LedgerEntry
	payments    map[string]*domain.Payment
	keys        map[string]*domain.IdempotencyRecord
	deletedKeys map[string]bool
	webhooks    map[string]*domain.WebhookEvent
	outbox      []domain.Event
	published   map[string]time.Time
	instruments map[string]domain.Instrument
}

func (m *Memory) begin() *memTx {
	return &memTx{
		m:           m,
		accounts:    make(map[string]domain.BalanceAccount),
		payments:    make(map[string]*domain.Payment),
		keys:        make(map[string]*domain.IdempotencyRecord),
		deletedKeys: make(map[string]bool),
		webhooks:    make(map[string]*domain.WebhookEvent),
		published:   make(map[string]time.Time),
		instruments: make(map[string]domain.Instrument),
	}
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if slices.Contains(t.held, key) {
		return nil
	}
	if err := t.m.locks.acquire(ctx, key); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	t.held = append(t.held, key)
	return nil
}

func (t *memTx) releaseLocks() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.m.locks.release(t.held[i])
	}
	t.held = nil
}

func (t *memTx) commit() {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, acc := range t.accounts {
		m.accounts[id] = acc
	}
	for _, e := range t.entries {
		e.ID = int64(len(m.entries) + 1)
		m.entries = append(m.entries, e)
	}
	for id, p := range t.payments {
		m.payments[id] = p
		m.externalIDs[p.ExternalID] = id
	}
	for k := range t.deletedKeys {
		delete(m.keys, k)
	}
	for k, rec := range t.keys {
		m.keys[k] = rec
	}
	for k, evt := range t.webhooks {
		m.webhooks[k] = evt
	}
	m.outbox = append(m.outbox, t.outbox...)
	for i := range m.outbox {
		if at, ok := t.published[m.outbox[i].ID]; ok {
			at := at
			m.outbox[i].PublishedAt = &at
		}
	}
	for id, inst := range t.instruments {
		m.instruments[id] = inst
	}
}

// --- balances ---

func accountLock(id string) string { return "account:" + id }

func (t *memTx) account(id string) (domain.BalanceAccount, bool) {
	if acc, ok := t.accounts[id]; ok {
		return acc, true
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	acc, ok := t.m.accounts[id]
	return acc, ok
}

func (t *memTx) LockAccounts(ctx context.Context, accountIDs ...string) error {
	ids := slices.Clone(accountIDs)
	slices.Sort(ids)
	for _, id := range slices.Compact(ids) {
		if id == "" {
			continue
		}
		if err := t.lock(ctx, accountLock(id)); err != nil {
			return err
		}
		if _, ok := t.account(id); !ok {
			return fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

func (t *memTx) mutate(ctx context.Context, op, accountID string, delta int64, paymentID, reason string) (int64, error) {
	if err := t.m.fault(op); err != nil {
		return 0, err
	}
	if paymentID == "" {
		return 0, fmt.Errorf("%s requires a causing payment id", op)
	}
	if err := t.lock(ctx, accountLock(accountID)); err != nil {
		return 0, err
	}
	acc, ok := t.account(accountID)
	if !ok {
		return 0, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if delta < 0 && acc.Balance < -delta {
		return 0, domain.InsufficientFunds("debit",
			fmt.Sprintf("insufficient funds: account %s balance %d < %d", accountID, acc.Balance, -delta))
	}
	if delta > 0 && acc.Balance > math.MaxInt64-delta {
		return 0, domain.InvalidAmount("credit", fmt.Sprintf("credit of %d overflows account %s", delta, accountID))
	}

	now := t.m.now()
	acc.Balance += delta
	acc.UpdatedAt = now
	t.accounts[accountID] = acc
	t.entries = append(t.entries, domain.LedgerEntry{
		AccountID:    accountID,
		PaymentID:    paymentID,
		Delta:        delta,
		BalanceAfter: acc.Balance,
		Reason:       reason,
		CreatedAt:    now,
	})
	return acc.Balance, nil
}

func (t *memTx) Debit(ctx context.Context, accountID string, amount int64, paymentID, reason string) (int64, error) {
	return t.mutate(ctx, "debit", accountID, -amount, paymentID, reason)
}

func (t *memTx) Credit(ctx context.Context, accountID string, amount int64, paymentID, reason string) (int64, error) {
	return t.mutate(ctx, "credit", accountID, amount, paymentID, reason)
}

func (t *memTx) GetAccount(ctx context.Context, accountID string) (*domain.BalanceAccount, error) {
	acc, ok := t.account(accountID)
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return &acc, nil
}

func (t *memTx) CreateAccount(ctx context.Context, accountID string, balance int64) error {
	if err := t.lock(ctx, accountLock(accountID)); err != nil {
		return err
	}
	if _, ok := t.account(accountID); ok {
		return fmt.Errorf("account %s: %w", accountID, ErrDuplicate)
	}
	if balance < 0 {
		return fmt.Errorf("account %s: negative opening balance", accountID)
	}
	now := t.m.now()
	t.accounts[accountID] = domain.BalanceAccount{AccountID: accountID, Balance: balance, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (t *memTx) ListEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	if _, ok := t.account(accountID); !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	t.m.mu.Lock()
	var entries []domain.LedgerEntry
	for _, e := range t.m.entries {
		if e.AccountID == accountID {
			entries = append(entries, e)
		}
	}
	t.m.mu.Unlock()
	for _, e := range t.entries {
		if e.AccountID == accountID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// --- payments ---

func paymentLock(id string) string { return "payment:" + id }

func (t *memTx) payment(id string) (*domain.Payment, bool) {
	if p, ok := t.payments[id]; ok {
		return p.Clone(), true
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	p, ok := t.m.payments[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (t *memTx) CreatePayment(ctx context.Context, p *domain.Payment) error {
	if err := t.m.fault("create_payment"); err != nil {
		return err
	}
	if err := t.lock(ctx, paymentLock(p.ID)); err != nil {
		return err
	}
	if err := t.lock(ctx, "payment-external:"+p.ExternalID); err != nil {
		return err
	}
	if _, ok := t.payment(p.ID); ok {
		return fmt.Errorf("payment %s: %w", p.ID, ErrDuplicate)
	}
	if _, err := t.GetPaymentByExternalID(ctx, p.ExternalID); err == nil {
		return fmt.Errorf("external id %s: %w", p.ExternalID, ErrDuplicate)
	}
	t.payments[p.ID] = p.Clone()
	return nil
}

func (t *memTx) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	p, ok := t.payment(id)
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (t *memTx) GetPaymentForUpdate(ctx context.Context, id string) (*domain.Payment, error) {
	if err := t.lock(ctx, paymentLock(id)); err != nil {
		return nil, err
	}
	return t.GetPayment(ctx, id)
}

func (t *memTx) GetPaymentByExternalID(ctx context.Context, externalID string) (*domain.Payment, error) {
	for _, p := range t.payments {
		if p.ExternalID == externalID {
			return p.Clone(), nil
		}
	}
	t.m.mu.Lock()
	id, ok := t.m.externalIDs[externalID]
	t.m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", externalID, ErrNotFound)
	}
	return t.GetPayment(ctx, id)
}

func (t *memTx) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	if err := t.m.fault("update_payment"); err != nil {
		return err
	}
	if err := t.lock(ctx, paymentLock(p.ID)); err != nil {
		return err
	}
	current, ok := t.payment(p.ID)
	if !ok {
		return fmt.Errorf("payment %s: %w", p.ID, ErrNotFound)
	}
	if p.RefundedAmount < 0 || p.RefundedAmount > current.Amount {
		return fmt.Errorf("payment %s: refunded amount %d violates bounds", p.ID, p.RefundedAmount)
	}
	updated := p.Clone()
	// immutable columns
	updated.ExternalID = current.ExternalID
	updated.Amount = current.Amount
	updated.PayerAccountID = current.PayerAccountID
	updated.CreatedAt = current.CreatedAt
	t.payments[p.ID] = updated
	return nil
}

func (t *memTx) allPayments() map[string]*domain.Payment {
	t.m.mu.Lock()
	all := make(map[string]*domain.Payment, len(t.m.payments)+len(t.payments))
	for id, p := range t.m.payments {
		all[id] = p
	}
	t.m.mu.Unlock()
	for id, p := range t.payments {
		all[id] = p
	}
	return all
}

func (t *memTx) ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, error) {
	filter = filter.Normalize()

	var matched []domain.Payment
	for _, p := range t.allPayments() {
		if filter.AccountID != "" && p.PayerAccountID != filter.AccountID && p.RecipientAccountID != filter.AccountID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && p.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !p.CreatedAt.Before(filter.To) {
			continue
		}
		matched = append(matched, *p.Clone())
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	start := min(filter.Offset(), len(matched))
	end := min(start+filter.PageSize, len(matched))
	return matched[start:end], nil
}

// --- idempotency ---

func keyLock(key string) string { return "idempotency:" + key }

func cloneKey(rec *domain.IdempotencyRecord) *domain.IdempotencyRecord {
	c := *rec
	c.Response = slices.Clone(rec.Response)
	if rec.CommittedAt != nil {
		at := *rec.CommittedAt
		c.CommittedAt = &at
	}
	return &c
}

func (t *memTx) key(key string) (*domain.IdempotencyRecord, bool) {
	if t.deletedKeys[key] {
		return nil, false
	}
	if rec, ok := t.keys[key]; ok {
		return cloneKey(rec), true
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	rec, ok := t.m.keys[key]
	if !ok {
		return nil, false
	}
	return cloneKey(rec), true
}

func (t *memTx) putKey(rec *domain.IdempotencyRecord) {
	delete(t.deletedKeys, rec.Key)
	t.keys[rec.Key] = cloneKey(rec)
}

func (t *memTx) GetKey(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec, ok := t.key(key)
	if !ok {
		return nil, fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
	}
	return rec, nil
}

func (t *memTx) ReserveKey(ctx context.Context, rec *domain.IdempotencyRecord, now time.Time) (*domain.IdempotencyRecord, error) {
	if err := t.m.fault("reserve_key"); err != nil {
		return nil, err
	}
	if err := t.lock(ctx, keyLock(rec.Key)); err != nil {
		return nil, err
	}
	existing, ok := t.key(rec.Key)
	if !ok {
		fresh := cloneKey(rec)
		fresh.State = domain.KeyInProgress
		t.putKey(fresh)
		return nil, nil
	}
	if !existing.Expired(now) || existing.Scope != rec.Scope || existing.RequestHash != rec.RequestHash {
		return existing, nil
	}
	existing.Owner = rec.Owner
	existing.LeaseExpiresAt = rec.LeaseExpiresAt
	t.putKey(existing)
	return nil, nil
}

func (t *memTx) CommitKey(ctx context.Context, rec *domain.IdempotencyRecord) error {
	if err := t.m.fault("commit_key"); err != nil {
		return err
	}
	if err := t.lock(ctx, keyLock(rec.Key)); err != nil {
		return err
	}
	existing, ok := t.key(rec.Key)
	if !ok || existing.Owner != rec.Owner || existing.State != domain.KeyInProgress {
		return fmt.Errorf("key %s: %w", rec.Key, ErrLeaseLost)
	}
	existing.State = domain.KeyCommitted
	existing.PaymentID = rec.PaymentID
	existing.OutcomeStatus = rec.OutcomeStatus
	existing.Response = rec.Response
	existing.CommittedAt = rec.CommittedAt
	t.putKey(existing)
	return nil
}

func (t *memTx) ReleaseKey(ctx context.Context, key, owner string) error {
	if err := t.lock(ctx, keyLock(key)); err != nil {
		return err
	}
	existing, ok := t.key(key)
	if ok && existing.Owner == owner && existing.State == domain.KeyInProgress {
		delete(t.keys, key)
		t.deletedKeys[key] = true
	}
	return nil
}

func (t *memTx) PurgeKeys(ctx context.Context, committedBefore time.Time) (int64, error) {
	t.m.mu.Lock()
	var expired []string
	for k, rec := range t.m.keys {
		if rec.Committed() && rec.CommittedAt != nil && rec.CommittedAt.Before(committedBefore) {
			expired = append(expired, k)
		}
	}
	t.m.mu.Unlock()

	for _, k := range expired {
		if err := t.lock(ctx, keyLock(k)); err != nil {
			return 0, err
		}
		delete(t.keys, k)
		t.deletedKeys[k] = true
	}
	return int64(len(expired)), nil
}

// --- webhooks ---

func webhookKey(provider, id string) string { return provider + "/" + id }

func cloneWebhook(evt *domain.WebhookEvent) *domain.WebhookEvent {
	c := *evt
	c.Payload = slices.Clone(evt.Payload)
	if evt.ProcessedAt != nil {
		at := *evt.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}

func (t *memTx) webhook(k string) (*domain.WebhookEvent, bool) {
	if evt, ok := t.webhooks[k]; ok {
		return cloneWebhook(evt), true
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	evt, ok := t.m.webhooks[k]
	if !ok {
		return nil, false
	}
	return cloneWebhook(evt), true
}

func (t *memTx) InsertEvent(ctx context.Context, evt *domain.WebhookEvent) (bool, error) {
	if err := t.m.fault("insert_event"); err != nil {
		return false, err
	}
	k := webhookKey(evt.Provider, evt.ProviderEventID)
	if err := t.lock(ctx, "webhook:"+k); err != nil {
		return false, err
	}
	if _, ok := t.webhook(k); ok {
		return false, nil
	}
	t.webhooks[k] = cloneWebhook(evt)
	return true, nil
}

func (t *memTx) GetEvent(ctx context.Context, provider, providerEventID string) (*domain.WebhookEvent, error) {
	evt, ok := t.webhook(webhookKey(provider, providerEventID))
	if !ok {
		return nil, fmt.Errorf("webhook event %s/%s: %w", provider, providerEventID, ErrNotFound)
	}
	return evt, nil
}

func (t *memTx) UpdateEvent(ctx context.Context, evt *domain.WebhookEvent) error {
	if err := t.m.fault("update_event"); err != nil {
		return err
	}
	k := webhookKey(evt.Provider, evt.ProviderEventID)
	if err := t.lock(ctx, "webhook:"+k); err != nil {
		return err
	}
	current, ok := t.webhook(k)
	if !ok {
		return fmt.Errorf("webhook event %s: %w", k, ErrNotFound)
	}
	current.Processed = evt.Processed
	current.Outcome = evt.Outcome
	current.Error = evt.Error
	current.LinkedPaymentID = evt.LinkedPaymentID
	current.ProcessedAt = evt.ProcessedAt
	t.webhooks[k] = current
	return nil
}

func (t *memTx) allWebhooks() []domain.WebhookEvent {
	t.m.mu.Lock()
	all := make(map[string]*domain.WebhookEvent, len(t.m.webhooks))
	for k, evt := range t.m.webhooks {
		all[k] = evt
	}
	t.m.mu.Unlock()
	for k, evt := range t.webhooks {
		all[k] = evt
	}
	events := make([]domain.WebhookEvent, 0, len(all))
	for _, evt := range all {
		events = append(events, *cloneWebhook(evt))
	}
	return events
}

func (t *memTx) PendingEvents(ctx context.Context, paymentID string) ([]domain.WebhookEvent, error) {
	var pending []domain.WebhookEvent
	for _, evt := range t.allWebhooks() {
		if evt.LinkedPaymentID == paymentID && !evt.Processed {
			pending = append(pending, evt)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.ProviderEventID < b.ProviderEventID
	})
	return pending, nil
}

func (t *memTx) UnresolvedEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	var unresolved []domain.WebhookEvent
	for _, evt := range t.allWebhooks() {
		if !evt.Processed {
			unresolved = append(unresolved, evt)
		}
	}
	sort.Slice(unresolved, func(i, j int) bool {
		a, b := unresolved[i], unresolved[j]
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.ProviderEventID < b.ProviderEventID
	})
	if limit > 0 && len(unresolved) > limit {
		unresolved = unresolved[:limit]
	}
	return unresolved, nil
}

// --- outbox ---

func (t *memTx) AppendEvent(ctx context.Context, evt *domain.Event) error {
	if err := t.m.fault("append_event"); err != nil {
		return err
	}
	c := *evt
	c.Payload = slices.Clone(evt.Payload)
	t.outbox = append(t.outbox, c)
	return nil
}

func (t *memTx) UnpublishedEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	var events []domain.Event
	for _, evt := range t.m.outbox {
		if evt.PublishedAt != nil {
			continue
		}
		if _, ok := t.published[evt.ID]; ok {
			continue
		}
		events = append(events, evt)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

func (t *memTx) MarkPublished(ctx context.Context, id string, at time.Time) error {
	if err := t.lock(ctx, "outbox:"+id); err != nil {
		return err
	}
	t.published[id] = at
	return nil
}

// Events returns every outbox row, published or not.
func (m *Memory) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.outbox)
}

// --- instruments ---

func (t *memTx) GetInstrument(ctx context.Context, instrumentID string) (*domain.Instrument, error) {
	if inst, ok := t.instruments[instrumentID]; ok {
		return &inst, nil
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	inst, ok := t.m.instruments[instrumentID]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", instrumentID, ErrNotFound)
	}
	return &inst, nil
}

func (t *memTx) CreateInstrument(ctx context.Context, inst *domain.Instrument) error {
	if strings.TrimSpace(inst.ID) == "" {
		return errors.New("instrument id is required")
	}
	t.instruments[inst.ID] = *inst
	return nil
}
