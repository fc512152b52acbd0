package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/punchamoorthee/paycore/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newKeysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage idempotency keys"}

	var retention time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete committed keys older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				window := retention
				if window <= 0 {
					window = a.Config.IdempotencyRetention
				}
				n, err := a.Keys.Purge(ctx, window)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d keys\n", n)
				return nil
			})
		},
	}
	purge.Flags().DurationVar(&retention, "retention", 0, "override IDEMPOTENCY_RETENTION")
	keys.AddCommand(purge)
	return keys
}

func newWebhooksCmd() *cobra.Command {
	webhooks := &cobra.Command{Use: "webhooks", Short: "Inspect and retry provider webhook events"}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List orphaned and deferred events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				evts, err := a.Reconciler.ListUnresolved(ctx, limit)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, evt := range evts {
					if err := enc.Encode(evt); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Re-apply orphaned and deferred events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Reconciler.RetryPending(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resolved %d events\n", n)
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{list, retry} {
		c.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
		webhooks.AddCommand(c)
	}
	return webhooks
}

func newOutboxCmd() *cobra.Command {
	outbox := &cobra.Command{Use: "outbox", Short: "Operate the transactional outbox"}

	dispatch := &cobra.Command{
		Use:   "dispatch",
		Short: "Publish every pending outbox event once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := drainOutbox(ctx, a)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %d events\n", n)
				return nil
			})
		},
	}
	outbox.AddCommand(dispatch)
	return outbox
}

// drainOutbox dispatches batches until a pass publishes nothing.
func drainOutbox(ctx context.Context, a *app.App) (int, error) {
	d := a.Dispatcher()
	total := 0
	for {
		n, err := d.DispatchOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			a.Logger.Info("outbox drained", zap.Int("published", total))
			return total, nil
		}
	}
}
