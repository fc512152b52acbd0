package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/paycore/internal/config"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/events"
	"github.com/punchamoorthee/paycore/internal/gateway"
	"github.com/punchamoorthee/paycore/internal/idempotency"
	"github.com/punchamoorthee/paycore/internal/retry"
	"github.com/punchamoorthee/paycore/internal/service"
	"github.com/punchamoorthee/paycore/internal/store"
	"go.uber.org/zap"
)

// App holds the wired components shared by the server and the CLI.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Store      store.Store
	Pool       *pgxpool.Pool
	Keys       *idempotency.Registry
	Engine     *service.Engine
	Reconciler *service.Reconciler
	Publisher  events.Publisher

	closers []func()
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, state is lost on exit")
		a.Store = store.NewMemory()
	default:
		pg, err := store.NewPostgres(ctx, cfg.DBSource)
		if err != nil {
			return nil, err
		}
		a.Store, a.Pool = pg, pg.Db
	}
	a.closers = append(a.closers, a.Store.Close)

	publisher, err := a.newPublisher()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Publisher = publisher

	a.Keys = idempotency.NewRegistry(a.Store, logger, cfg.IdempotencyLease)
	a.Engine = service.NewEngine(a.Store, a.Keys, gateway.NewInternal(), logger, service.Options{
		SystemPrincipal: cfg.SystemPrincipal,
		Retry: retry.Policy{
			MaxAttempts: cfg.TxMaxRetries,
			BaseDelay:   cfg.TxRetryBaseDelay,
			MaxDelay:    cfg.TxRetryMaxDelay,
		},
	})
	a.Reconciler = service.NewReconciler(a.Store, a.Engine, cfg.WebhookProvider, logger)
	return a, nil
}

func (a *App) newPublisher() (events.Publisher, error) {
	if len(a.Config.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(a.Config.KafkaBrokers, a.Config.KafkaTopic, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := kp.Close(); err != nil {
				a.Logger.Warn("closing kafka producer", zap.Error(err))
			}
		})
		return kp, nil
	}

	bus := events.NewMemoryBus()
	for _, typ := range []domain.EventType{
		domain.PaymentCompleted, domain.PaymentFailed, domain.PaymentRefunded, domain.PaymentReviewRequired,
	} {
		bus.Subscribe(typ, func(ctx context.Context, evt domain.Event) error {
			a.Logger.Debug("event published",
				zap.String("event_id", evt.ID),
				zap.String("type", string(evt.Type)),
				zap.String("payment_id", evt.PaymentID))
			return nil
		})
	}
	return bus, nil
}

// Dispatcher returns an outbox dispatcher bound to the configured publisher.
func (a *App) Dispatcher() *events.Dispatcher {
	return &events.Dispatcher{
		Store:        a.Store,
		Publisher:    a.Publisher,
		Logger:       a.Logger,
		PollInterval: a.Config.OutboxPollInterval,
		BatchSize:    a.Config.OutboxBatchSize,
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
