package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/paycore/internal/app"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	defaultAccounts       = 1000
	defaultInitialBalance = 10000 // $100.00
)

func accountID(i int) string    { return fmt.Sprintf("acc-%04d", i) }
func instrumentID(i int) string { return fmt.Sprintf("card-%04d", i) }

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Pool == nil {
					return errors.New("migrate requires STORE_DRIVER=postgres")
				}
				if err := store.Migrate(ctx, a.Pool); err != nil {
					return err
				}
				a.Logger.Info("schema applied")
				return nil
			})
		},
	}
}

func newSeedCmd() *cobra.Command {
	var (
		accounts int
		balance  int64
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create funded accounts with one active instrument each",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := seed(ctx, a, accounts, balance)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d accounts\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&accounts, "accounts", defaultAccounts, "number of accounts to create")
	cmd.Flags().Int64Var(&balance, "balance", defaultInitialBalance, "opening balance in minor units")
	return cmd
}

// seed creates accounts acc-0001.. with instruments card-0001.. and returns
// how many were created. An already seeded database is left alone.
func seed(ctx context.Context, a *app.App, accounts int, balance int64) (int64, error) {
	if accounts < 1 {
		return 0, errors.New("accounts must be positive")
	}
	if a.Pool != nil {
		return seedPostgres(ctx, a, accounts, balance)
	}

	for i := 1; i <= accounts; i++ {
		if err := a.Store.CreateAccount(ctx, accountID(i), balance); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			return int64(i - 1), err
		}
		if err := a.Store.CreateInstrument(ctx, &domain.Instrument{ID: instrumentID(i), OwnerAccountID: accountID(i), IsActive: true}); err != nil {
			return int64(i - 1), err
		}
	}
	return int64(accounts), nil
}

func seedPostgres(ctx context.Context, a *app.App, accounts int, balance int64) (int64, error) {
	var count int
	if err := a.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM balance_accounts").Scan(&count); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	if count >= accounts {
		a.Logger.Info("database already seeded, skipping", zap.Int("accounts", count))
		return 0, nil
	}

	now := time.Now()
	accountRows := make([][]any, 0, accounts)
	instrumentRows := make([][]any, 0, accounts)
	for i := 1; i <= accounts; i++ {
		accountRows = append(accountRows, []any{accountID(i), balance, now, now})
		instrumentRows = append(instrumentRows, []any{instrumentID(i), accountID(i), true})
	}

	tx, err := a.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	copied, err := tx.CopyFrom(ctx,
		pgx.Identifier{"balance_accounts"},
		[]string{"account_id", "balance", "created_at", "updated_at"},
		pgx.CopyFromRows(accountRows))
	if err != nil {
		return 0, fmt.Errorf("bulk insert accounts: %w", err)
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"instruments"},
		[]string{"instrument_id", "owner_account_id", "is_active"},
		pgx.CopyFromRows(instrumentRows)); err != nil {
		return 0, fmt.Errorf("bulk insert instruments: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit seed: %w", err)
	}

	a.Logger.Info("seeded accounts", zap.Int64("count", copied), zap.Int64("balance", balance))
	return copied, nil
}
