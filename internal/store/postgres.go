package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/paycore/internal/domain"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

// Postgres is the production Store. Units of work run at REPEATABLE READ with
// explicit row locks.
type Postgres struct {
	queries
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{queries: queries{db: pool}, Db: pool}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

func (s *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", mapErr(err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("tx commit failed: %w", mapErr(err))
	}
	return nil
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", ErrSerialization, pgErr.Message)
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		}
	}
	return err
}

// --- balances ---

func (q *queries) LockAccounts(ctx context.Context, accountIDs ...string) error {
	ids := slices.Clone(accountIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	// Acquire locks in ID order
	for _, id := range ids {
		if id == "" {
			continue
		}
		var locked string
		err := q.db.QueryRow(ctx, "SELECT account_id FROM balance_accounts WHERE account_id = $1 FOR UPDATE", id).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("account %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("lock acquisition failed: %w", mapErr(err))
		}
	}
	return nil
}

func (q *queries) Debit(ctx context.Context, accountID string, amount int64, causingPaymentID, reason string) (int64, error) {
	if causingPaymentID == "" {
		return 0, errors.New("debit requires a causing payment id")
	}
	var balance int64
	err := q.db.QueryRow(ctx,
		"UPDATE balance_accounts SET balance = balance - $1, updated_at = now() WHERE account_id = $2 AND balance >= $1 RETURNING balance",
		amount, accountID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := q.GetAccount(ctx, accountID)
		if getErr != nil {
			return 0, getErr
		}
		return 0, domain.InsufficientFunds("debit",
			fmt.Sprintf("insufficient funds: account %s balance %d < %d", accountID, current.Balance, amount))
	}
	if err != nil {
		return 0, fmt.Errorf("debit failed: %w", mapErr(err))
	}

	if err := q.insertEntry(ctx, accountID, causingPaymentID, -amount, balance, reason); err != nil {
		return 0, err
	}
	return balance, nil
}

func (q *queries) Credit(ctx context.Context, accountID string, amount int64, causingPaymentID, reason string) (int64, error) {
	if causingPaymentID == "" {
		return 0, errors.New("credit requires a causing payment id")
	}
	var balance int64
	err := q.db.QueryRow(ctx,
		"UPDATE balance_accounts SET balance = balance + $1, updated_at = now() WHERE account_id = $2 AND balance <= $3 - $1 RETURNING balance",
		amount, accountID, int64(math.MaxInt64),
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := q.GetAccount(ctx, accountID); getErr != nil {
			return 0, getErr
		}
		return 0, domain.InvalidAmount("credit", fmt.Sprintf("credit of %d overflows account %s", amount, accountID))
	}
	if err != nil {
		return 0, fmt.Errorf("credit failed: %w", mapErr(err))
	}

	if err := q.insertEntry(ctx, accountID, causingPaymentID, amount, balance, reason); err != nil {
		return 0, err
	}
	return balance, nil
}

func (q *queries) insertEntry(ctx context.Context, accountID, paymentID string, delta, balanceAfter int64, reason string) error {
	_, err := q.db.Exec(ctx,
		"INSERT INTO ledger_entries (account_id, payment_id, delta, balance_after, reason) VALUES ($1, $2, $3, $4, $5)",
		accountID, paymentID, delta, balanceAfter, reason,
	)
	if err != nil {
		return fmt.Errorf("ledger entry failed: %w", mapErr(err))
	}
	return nil
}

func (q *queries) GetAccount(ctx context.Context, accountID string) (*domain.BalanceAccount, error) {
	var acc domain.BalanceAccount
	err := q.db.QueryRow(ctx,
		"SELECT account_id, balance, created_at, updated_at FROM balance_accounts WHERE account_id = $1",
		accountID,
	).Scan(&acc.AccountID, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return nil, mapErr(err)
	}
	return &acc, nil
}

func (q *queries) CreateAccount(ctx context.Context, accountID string, balance int64) error {
	_, err := q.db.Exec(ctx,
		"INSERT INTO balance_accounts (account_id, balance) VALUES ($1, $2)",
		accountID, balance,
	)
	return mapErr(err)
}

func (q *queries) ListEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	rows, err := q.db.Query(ctx,
		"SELECT id, account_id, payment_id, delta, balance_after, reason, created_at FROM ledger_entries WHERE account_id = $1 ORDER BY id",
		accountID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.PaymentID, &e.Delta, &e.BalanceAfter, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- payments ---

const paymentColumns = `id, external_id, payer_account_id, payer_instrument_id, recipient_account_id,
	amount, currency, description, status, refunded_amount, failure_reason, gateway_reference,
	metadata, refund_references, created_at, processed_at, updated_at, last_event_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p         domain.Payment
		recipient *string
		status    string
		metadata  []byte
	)
	err := row.Scan(&p.ID, &p.ExternalID, &p.PayerAccountID, &p.PayerInstrumentID, &recipient,
		&p.Amount, &p.Currency, &p.Description, &status, &p.RefundedAmount, &p.FailureReason, &p.GatewayReference,
		&metadata, &p.RefundReferences, &p.CreatedAt, &p.ProcessedAt, &p.UpdatedAt, &p.LastEventAt)
	if err != nil {
		return nil, err
	}
	if recipient != nil {
		p.RecipientAccountID = *recipient
	}
	p.Status = domain.PaymentStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("payment %s metadata: %w", p.ID, err)
		}
	}
	return &p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// jsonArg passes raw JSON as text so pgx does not re-encode it; empty maps to NULL.
func jsonArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// textArray keeps NOT NULL array columns from receiving NULL for a nil slice.
func textArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// bytesArg passes a replay body through byte for byte; empty maps to NULL.
func bytesArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func encodeMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (q *queries) CreatePayment(ctx context.Context, p *domain.Payment) error {
	metadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		p.ID, p.ExternalID, p.PayerAccountID, p.PayerInstrumentID, nullable(p.RecipientAccountID),
		p.Amount, p.Currency, p.Description, string(p.Status), p.RefundedAmount, p.FailureReason, p.GatewayReference,
		metadata, textArray(p.RefundReferences), p.CreatedAt, p.ProcessedAt, p.UpdatedAt, p.LastEventAt,
	)
	if err != nil {
		return fmt.Errorf("payment insert failed: %w", mapErr(err))
	}
	return nil
}

func (q *queries) getPayment(ctx context.Context, query string, arg string) (*domain.Payment, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment %s: %w", arg, ErrNotFound)
		}
		return nil, mapErr(err)
	}
	return p, nil
}

func (q *queries) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return q.getPayment(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
}

func (q *queries) GetPaymentForUpdate(ctx context.Context, id string) (*domain.Payment, error) {
	return q.getPayment(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1 FOR UPDATE", id)
}

func (q *queries) GetPaymentByExternalID(ctx context.Context, externalID string) (*domain.Payment, error) {
	return q.getPayment(ctx, "SELECT "+paymentColumns+" FROM payments WHERE external_id = $1", externalID)
}

func (q *queries) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	metadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx,
		`UPDATE payments SET status = $2, refunded_amount = $3, failure_reason = $4, gateway_reference = $5,
		 metadata = $6, refund_references = $7, processed_at = $8, updated_at = $9, last_event_at = $10
		 WHERE id = $1`,
		p.ID, string(p.Status), p.RefundedAmount, p.FailureReason, p.GatewayReference,
		metadata, textArray(p.RefundReferences), p.ProcessedAt, p.UpdatedAt, p.LastEventAt,
	)
	if err != nil {
		return fmt.Errorf("payment update failed: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (q *queries) ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, error) {
	filter = filter.Normalize()

	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		where = append(where, fmt.Sprintf("(payer_account_id = $%d OR recipient_account_id = $%d)", len(args), len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}

	query := "SELECT " + paymentColumns + " FROM payments"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.PageSize, filter.Offset())
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// --- idempotency ---

const keyColumns = `key, scope, request_hash, owner, state, payment_id, outcome_status, response_body,
	lease_expires_at, created_at, committed_at`

func scanKey(row pgx.Row) (*domain.IdempotencyRecord, error) {
	var (
		rec     domain.IdempotencyRecord
		state   string
		outcome string
		body    []byte
	)
	err := row.Scan(&rec.Key, &rec.Scope, &rec.RequestHash, &rec.Owner, &state, &rec.PaymentID, &outcome, &body,
		&rec.LeaseExpiresAt, &rec.CreatedAt, &rec.CommittedAt)
	if err != nil {
		return nil, err
	}
	rec.State = domain.IdempotencyState(state)
	rec.OutcomeStatus = domain.PaymentStatus(outcome)
	rec.Response = body
	return &rec, nil
}

func (q *queries) GetKey(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec, err := scanKey(q.db.QueryRow(ctx, "SELECT "+keyColumns+" FROM idempotency_keys WHERE key = $1", key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
		}
		return nil, mapErr(err)
	}
	return rec, nil
}

func (q *queries) ReserveKey(ctx context.Context, rec *domain.IdempotencyRecord, now time.Time) (*domain.IdempotencyRecord, error) {
	existing, err := scanKey(q.db.QueryRow(ctx, "SELECT "+keyColumns+" FROM idempotency_keys WHERE key = $1 FOR UPDATE", rec.Key))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		tag, err := q.db.Exec(ctx,
			`INSERT INTO idempotency_keys (key, scope, request_hash, owner, state, payment_id, lease_expires_at, created_at)
			 VALUES ($1, $2, $3, $4, 'in_progress', $5, $6, $7) ON CONFLICT (key) DO NOTHING`,
			rec.Key, rec.Scope, rec.RequestHash, rec.Owner, rec.PaymentID, rec.LeaseExpiresAt, rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("key reservation failed: %w", mapErr(err))
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("key %s reserved concurrently: %w", rec.Key, ErrSerialization)
		}
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("idempotency query failed: %w", mapErr(err))
	}

	if !existing.Expired(now) || existing.Scope != rec.Scope || existing.RequestHash != rec.RequestHash {
		return existing, nil
	}

	// Lease expired: a previous attempt died mid-flight, take it over.
	_, err = q.db.Exec(ctx,
		"UPDATE idempotency_keys SET owner = $2, lease_expires_at = $3 WHERE key = $1",
		rec.Key, rec.Owner, rec.LeaseExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("lease takeover failed: %w", mapErr(err))
	}
	return nil, nil
}

func (q *queries) CommitKey(ctx context.Context, rec *domain.IdempotencyRecord) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE idempotency_keys SET state = 'committed', payment_id = $3, outcome_status = $4, response_body = $5, committed_at = $6
		 WHERE key = $1 AND owner = $2 AND state = 'in_progress'`,
		rec.Key, rec.Owner, rec.PaymentID, string(rec.OutcomeStatus), bytesArg(rec.Response), rec.CommittedAt,
	)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("key %s: %w", rec.Key, ErrLeaseLost)
	}
	return nil
}

func (q *queries) ReleaseKey(ctx context.Context, key, owner string) error {
	_, err := q.db.Exec(ctx,
		"DELETE FROM idempotency_keys WHERE key = $1 AND owner = $2 AND state = 'in_progress'",
		key, owner,
	)
	return mapErr(err)
}

func (q *queries) PurgeKeys(ctx context.Context, committedBefore time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx,
		"DELETE FROM idempotency_keys WHERE state = 'committed' AND committed_at < $1",
		committedBefore,
	)
	if err != nil {
		return 0, mapErr(err)
	}
	return tag.RowsAffected(), nil
}

// --- webhooks ---

const webhookColumns = `provider, provider_event_id, event_type, payload, occurred_at, received_at,
	processed, outcome, error, linked_payment_id, processed_at`

func scanWebhook(row pgx.Row) (*domain.WebhookEvent, error) {
	var (
		evt     domain.WebhookEvent
		outcome string
		payload []byte
	)
	err := row.Scan(&evt.Provider, &evt.ProviderEventID, &evt.EventType, &payload, &evt.OccurredAt, &evt.ReceivedAt,
		&evt.Processed, &outcome, &evt.Error, &evt.LinkedPaymentID, &evt.ProcessedAt)
	if err != nil {
		return nil, err
	}
	evt.Outcome = domain.WebhookOutcome(outcome)
	evt.Payload = payload
	return &evt, nil
}

func (q *queries) InsertEvent(ctx context.Context, evt *domain.WebhookEvent) (bool, error) {
	tag, err := q.db.Exec(ctx,
		`INSERT INTO webhook_events (`+webhookColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		evt.Provider, evt.ProviderEventID, evt.EventType, []byte(evt.Payload), evt.OccurredAt, evt.ReceivedAt,
		evt.Processed, string(evt.Outcome), evt.Error, evt.LinkedPaymentID, evt.ProcessedAt,
	)
	if err != nil {
		return false, fmt.Errorf("webhook insert failed: %w", mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (q *queries) GetEvent(ctx context.Context, provider, providerEventID string) (*domain.WebhookEvent, error) {
	evt, err := scanWebhook(q.db.QueryRow(ctx,
		"SELECT "+webhookColumns+" FROM webhook_events WHERE provider = $1 AND provider_event_id = $2",
		provider, providerEventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("webhook event %s/%s: %w", provider, providerEventID, ErrNotFound)
		}
		return nil, mapErr(err)
	}
	return evt, nil
}

func (q *queries) UpdateEvent(ctx context.Context, evt *domain.WebhookEvent) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE webhook_events SET processed = $3, outcome = $4, error = $5, linked_payment_id = $6, processed_at = $7
		 WHERE provider = $1 AND provider_event_id = $2`,
		evt.Provider, evt.ProviderEventID, evt.Processed, string(evt.Outcome), evt.Error, evt.LinkedPaymentID, evt.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("webhook update failed: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %s/%s: %w", evt.Provider, evt.ProviderEventID, ErrNotFound)
	}
	return nil
}

func (q *queries) listWebhooks(ctx context.Context, query string, args ...any) ([]domain.WebhookEvent, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		evt, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *evt)
	}
	return events, rows.Err()
}

func (q *queries) PendingEvents(ctx context.Context, paymentID string) ([]domain.WebhookEvent, error) {
	return q.listWebhooks(ctx,
		"SELECT "+webhookColumns+` FROM webhook_events WHERE linked_payment_id = $1 AND NOT processed
		 ORDER BY occurred_at, received_at, provider_event_id`,
		paymentID)
}

func (q *queries) UnresolvedEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	return q.listWebhooks(ctx,
		"SELECT "+webhookColumns+" FROM webhook_events WHERE NOT processed ORDER BY received_at, provider_event_id LIMIT $1",
		limit)
}

// --- outbox ---

func (q *queries) AppendEvent(ctx context.Context, evt *domain.Event) error {
	_, err := q.db.Exec(ctx,
		"INSERT INTO outbox_events (id, event_type, payment_id, payload, created_at) VALUES ($1, $2, $3, $4, $5)",
		evt.ID, string(evt.Type), evt.PaymentID, jsonArg(evt.Payload), evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("outbox insert failed: %w", mapErr(err))
	}
	return nil
}

func (q *queries) UnpublishedEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, event_type, payment_id, payload, created_at FROM outbox_events
		 WHERE published_at IS NULL ORDER BY created_at, id LIMIT $1`,
		limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			evt     domain.Event
			typ     string
			payload []byte
		)
		if err := rows.Scan(&evt.ID, &typ, &evt.PaymentID, &payload, &evt.CreatedAt); err != nil {
			return nil, err
		}
		evt.Type = domain.EventType(typ)
		evt.Payload = payload
		events = append(events, evt)
	}
	return events, rows.Err()
}

func (q *queries) MarkPublished(ctx context.Context, id string, at time.Time) error {
	_, err := q.db.Exec(ctx, "UPDATE outbox_events SET published_at = $2 WHERE id = $1", id, at)
	return mapErr(err)
}

// --- instruments ---

func (q *queries) GetInstrument(ctx context.Context, instrumentID string) (*domain.Instrument, error) {
	var inst domain.Instrument
	err := q.db.QueryRow(ctx,
		"SELECT instrument_id, owner_account_id, is_active FROM instruments WHERE instrument_id = $1",
		instrumentID,
	).Scan(&inst.ID, &inst.OwnerAccountID, &inst.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("instrument %s: %w", instrumentID, ErrNotFound)
		}
		return nil, mapErr(err)
	}
	return &inst, nil
}

func (q *queries) CreateInstrument(ctx context.Context, inst *domain.Instrument) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO instruments (instrument_id, owner_account_id, is_active) VALUES ($1, $2, $3)
		 ON CONFLICT (instrument_id) DO UPDATE SET owner_account_id = EXCLUDED.owner_account_id, is_active = EXCLUDED.is_active`,
		inst.ID, inst.OwnerAccountID, inst.IsActive,
	)
	return mapErr(err)
}
