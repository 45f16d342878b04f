package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	httpapi "github.com/bountyhub/bountyhub/internal/api/http"
	appAudit "github.com/bountyhub/bountyhub/internal/application/audit"
	appDispute "github.com/bountyhub/bountyhub/internal/application/dispute"
	"github.com/bountyhub/bountyhub/internal/application/escrow"
	appMarketplace "github.com/bountyhub/bountyhub/internal/application/marketplace"
	"github.com/bountyhub/bountyhub/internal/application/processors"
	"github.com/bountyhub/bountyhub/internal/application/queue"
	"github.com/bountyhub/bountyhub/internal/application/statemachine"
	"github.com/bountyhub/bountyhub/internal/application/txn"
	"github.com/bountyhub/bountyhub/internal/config"
	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/internal/domain/marketplace"
	"github.com/bountyhub/bountyhub/internal/domain/notification"
	"github.com/bountyhub/bountyhub/internal/domain/payment"
	sm "github.com/bountyhub/bountyhub/internal/domain/statemachine"
	"github.com/bountyhub/bountyhub/internal/infrastructure/docstore"
	"github.com/bountyhub/bountyhub/internal/infrastructure/kafka"
	"github.com/bountyhub/bountyhub/internal/infrastructure/paymentapi"
	"github.com/bountyhub/bountyhub/internal/infrastructure/redis"
	"github.com/bountyhub/bountyhub/internal/infrastructure/smtp"
	"github.com/bountyhub/bountyhub/internal/infrastructure/sse"
	"github.com/bountyhub/bountyhub/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task queue workers and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, buildLogger(cfg.LogLevel))
		},
	}
}

// core is what every command needs: the store, the transaction engine,
// the audit log and the queue runtime on top of them.
type core struct {
	store   document.Store
	engine  *txn.Engine
	audit   *appAudit.Service
	runtime *queue.Runtime
}

func newCore(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...queue.Option) (*core, error) {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	engine := txn.NewEngine(store, logger,
		txn.WithMaxRetries(cfg.Txn.MaxRetries),
		txn.WithRetryDelay(cfg.Txn.RetryDelay),
	)
	auditSvc := appAudit.NewService(docstore.NewAuditRepository(store), logger)

	qcfg := queue.DefaultConfig()
	qcfg.PollInterval = cfg.Queue.PollInterval
	qcfg.Concurrency = cfg.Queue.Concurrency
	qcfg.CleanupInterval = cfg.Queue.CleanupInterval
	qcfg.Retention = cfg.Queue.Retention
	qcfg.DeadLetter = cfg.Queue.DeadLetter
	qcfg.EnableRecurrence = cfg.Queue.Recurrence

	opts = append([]queue.Option{queue.WithAuditor(auditSvc)}, opts...)
	rt := queue.NewRuntime(docstore.NewTaskRepository(store), qcfg, logger, opts...)
	return &core{store: store, engine: engine, audit: auditSvc, runtime: rt}, nil
}

// loadMachines returns the built-in state machines, replaced per entity
// type by any found in the configured YAML file.
func loadMachines(cfg *config.Config, auditor statemachine.Auditor, logger zerolog.Logger) (appMarketplace.Machines, error) {
	configs := map[string]sm.Config{
		marketplace.EntityBounty:      statemachine.BountyConfig(),
		marketplace.EntityApplication: statemachine.ApplicationConfig(),
		payment.EntityType:            statemachine.PaymentConfig(),
	}
	if cfg.StateMachinesFile != "" {
		data, err := os.ReadFile(cfg.StateMachinesFile)
		if err != nil {
			return appMarketplace.Machines{}, fmt.Errorf("read state machines: %w", err)
		}
		overrides, err := statemachine.LoadConfigsYAML(data, nil)
		if err != nil {
			return appMarketplace.Machines{}, err
		}
		for entity, c := range overrides {
			if _, ok := configs[entity]; !ok {
				return appMarketplace.Machines{}, fmt.Errorf("state machines: unknown entity type %q", entity)
			}
			configs[entity] = c
			logger.Info().Str("entity_type", entity).Msg("state machine loaded from file")
		}
	}

	engines := make(map[string]*statemachine.Engine, len(configs))
	for entity, c := range configs {
		e, err := statemachine.NewEngine(c, auditor, logger)
		if err != nil {
			return appMarketplace.Machines{}, fmt.Errorf("state machine %s: %w", entity, err)
		}
		engines[entity] = e
	}
	return appMarketplace.Machines{
		Bounties:     engines[marketplace.EntityBounty],
		Applications: engines[marketplace.EntityApplication],
		Payments:     engines[payment.EntityType],
	}, nil
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTelEndpoint != "" {
		shutdown, err := telemetry.InitTracer(ctx, "bountyhub", cfg.OTelEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("tracing disabled")
		} else {
			defer shutdown()
		}
	}

	var (
		producer  *kafka.Producer
		queueOpts []queue.Option
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer = kafka.NewProducer(cfg.KafkaBrokers, logger, kafka.WithTopics(cfg.AnalyticsTopic, cfg.DeadLetterTopic))
		defer producer.Close()
		queueOpts = append(queueOpts, queue.WithDeadLetterPublisher(producer))
	}

	c, err := newCore(ctx, cfg, logger, queueOpts...)
	if err != nil {
		return err
	}
	defer c.store.Close()

	machines, err := loadMachines(cfg, c.audit, logger)
	if err != nil {
		return err
	}

	hub := sse.NewHub()
	sinks := notification.Fanout{docstore.NewNotificationSink(c.store), hub}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(cfg.RedisAddr)
		defer rdb.Close()
		sinks = append(sinks, redis.NewNotificationSink(rdb))
	}

	escrowSvc := escrow.NewService(c.engine,
		paymentapi.NewClient(cfg.Payment.BaseURL, cfg.Payment.APIKey),
		machines.Payments, machines.Bounties, c.audit, logger,
		escrow.WithNotifier(c.runtime),
	)

	deps := processors.Deps{
		Engine:   c.engine,
		Escrow:   escrowSvc,
		Sink:     sinks,
		Enqueuer: c.runtime,
		Audit:    c.audit,
		Content:  processors.DefaultContentRules(),
		Cleanup:  processors.DefaultCleanupCollections(),
		Logger:   logger,
	}
	if producer != nil {
		deps.Publisher = producer
	}
	if cfg.SMTP.Host != "" {
		deps.Email = smtp.NewSender(smtp.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		})
	} else {
		logger.Info().Msg("smtp.host not set; email_send tasks will dead-letter")
	}
	processors.Register(c.runtime, deps)

	disputes := appDispute.NewService(c.engine, c.audit,
		appDispute.NewTaskActionExecutor(c.engine, c.runtime), logger,
		appDispute.WithNotifier(c.runtime),
	)
	market := appMarketplace.NewService(c.engine, machines, c.runtime, logger)

	opts := []httpapi.Option{
		httpapi.WithAdminToken(cfg.AdminToken),
		httpapi.WithJWTSecret(cfg.JWTSecret),
		httpapi.WithReadiness(func(context.Context) error {
			if !c.runtime.Running() {
				return errors.New("queue runtime not running")
			}
			return nil
		}),
		httpapi.WithDisputes(disputes),
		httpapi.WithMarketplace(market),
		httpapi.WithNotificationStream(hub),
	}
	if cfg.MetricsEnabled {
		opts = append(opts, httpapi.WithMetrics(promhttp.Handler()))
	}
	api := httpapi.NewServer(c.runtime, c.audit, logger, opts...)

	if err := c.runtime.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.StoreDriver).Msg("bountyhub listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err = <-errCh:
		logger.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	hub.Stop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error().Err(serr).Msg("http shutdown")
	}
	c.runtime.Stop()
	return err
}
