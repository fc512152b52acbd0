package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type benchConfig struct {
	URL      string
	Workers  int
	Duration time.Duration
	Workload string
	Accounts int
	Amount   int64
	Output   string
}

type benchCounters struct {
	total     atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64 // confirmed as FAILED (insufficient funds, decline)
	conflicts atomic.Uint64
	errors    atomic.Uint64
}

type benchResults struct {
	Workload      string  `json:"workload"`
	DurationSec   float64 `json:"duration_sec"`
	TotalPayments uint64  `json:"total_payments"`
	ThroughputTPS float64 `json:"throughput_tps"`
	Completed     uint64  `json:"completed"`
	Failed        uint64  `json:"failed"`
	Conflicts     uint64  `json:"aborts_conflict"`
	AbortRatePct  float64 `json:"abort_rate_pct"`
	Errors        uint64  `json:"errors"`
}

func newBenchCmd() *cobra.Command {
	cfg := benchConfig{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive concurrent initiate+confirm load against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Workload != "uniform" && cfg.Workload != "hotspot" {
				return fmt.Errorf("unknown workload %q", cfg.Workload)
			}
			if cfg.Accounts < 2 || cfg.Workers < 1 {
				return fmt.Errorf("bench needs at least 2 accounts and 1 worker")
			}
			res := runBench(cmd.Context(), cfg)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if cfg.Output == "" {
				return nil
			}
			raw, err := json.Marshal(res)
			if err != nil {
				return err
			}
			return os.WriteFile(cfg.Output, raw, 0o644)
		},
	}
	cmd.Flags().StringVar(&cfg.URL, "url", "http://localhost:8080", "API base URL")
	cmd.Flags().IntVar(&cfg.Workers, "workers", 10, "number of concurrent workers")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", 30*time.Second, "test duration")
	cmd.Flags().StringVar(&cfg.Workload, "workload", "uniform", "workload type: uniform | hotspot")
	cmd.Flags().IntVar(&cfg.Accounts, "accounts", defaultAccounts, "number of seeded accounts")
	cmd.Flags().Int64Var(&cfg.Amount, "amount", 100, "payment amount in minor units")
	cmd.Flags().StringVar(&cfg.Output, "out", "", "also write the results to this file")
	return cmd
}

func runBench(ctx context.Context, cfg benchConfig) benchResults {
	var (
		counters benchCounters
		wg       sync.WaitGroup
	)
	start := time.Now()
	for range cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			benchWorker(ctx, cfg, start, &counters)
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	total := counters.total.Load()
	res := benchResults{
		Workload:      cfg.Workload,
		DurationSec:   elapsed.Seconds(),
		TotalPayments: total,
		ThroughputTPS: float64(total) / elapsed.Seconds(),
		Completed:     counters.completed.Load(),
		Failed:        counters.failed.Load(),
		Conflicts:     counters.conflicts.Load(),
		Errors:        counters.errors.Load(),
	}
	if total > 0 {
		res.AbortRatePct = float64(res.Conflicts) / float64(total) * 100
	}
	return res
}

func benchWorker(ctx context.Context, cfg benchConfig, start time.Time, c *benchCounters) {
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < cfg.Duration && ctx.Err() == nil {
		from, to := pickAccounts(cfg.Workload, cfg.Accounts)

		var payment struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		code, err := postJSON(ctx, client, cfg.URL+"/api/v1/payments", "", map[string]any{
			"payer_account_id":     accountID(from),
			"payer_instrument_id":  instrumentID(from),
			"recipient_account_id": accountID(to),
			"amount":               cfg.Amount,
			"currency":             "USD",
		}, &payment)
		if err != nil || code != http.StatusCreated {
			c.errors.Add(1)
			continue
		}

		c.total.Add(1)
		code, err = postJSON(ctx, client, cfg.URL+"/api/v1/payments/"+payment.ID+"/confirm", uuid.NewString(),
			map[string]string{"account_id": accountID(from)}, &payment)
		switch {
		case err != nil:
			c.errors.Add(1)
		case code == http.StatusOK && payment.Status == "COMPLETED":
			c.completed.Add(1)
		case code == http.StatusOK:
			c.failed.Add(1)
		case code == http.StatusConflict:
			c.conflicts.Add(1)
		default:
			c.errors.Add(1)
		}
	}
}

// pickAccounts returns 1-based payer and recipient indexes. The hotspot
// workload sends 90% of the traffic between the first two accounts.
func pickAccounts(workload string, accounts int) (int, int) {
	if workload == "hotspot" && rand.Float32() < 0.90 {
		if rand.Float32() < 0.5 {
			return 1, 2
		}
		return 2, 1
	}

	a := rand.IntN(accounts) + 1
	b := rand.IntN(accounts) + 1
	for a == b && accounts > 1 {
		b = rand.IntN(accounts) + 1
	}
	return a, b
}

func postJSON(ctx context.Context, client *http.Client, url, key string, payload, dst any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode < 300 && dst != nil {
		if err := json.Unmarshal(raw, dst); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
