package main

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/lorawan-telemetry-hub/internal/auth"
	"github.com/septivank/lorawan-telemetry-hub/internal/config"
	"github.com/septivank/lorawan-telemetry-hub/internal/db"
	"github.com/septivank/lorawan-telemetry-hub/internal/downlink"
	"github.com/septivank/lorawan-telemetry-hub/internal/httpapi"
	"github.com/septivank/lorawan-telemetry-hub/internal/mq"
	"github.com/septivank/lorawan-telemetry-hub/internal/mqtt"
	"github.com/septivank/lorawan-telemetry-hub/internal/repository"
	"github.com/septivank/lorawan-telemetry-hub/internal/service"
	"github.com/septivank/lorawan-telemetry-hub/internal/stream"
	"github.com/septivank/lorawan-telemetry-hub/internal/uplink"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideStore opens the backend selected by DATABASE_URL. The sqlite
// schema is always applied; Postgres only with DB_AUTO_MIGRATE.
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (repository.Store, error) {
	driver, target, err := db.ParseURL(cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	var store repository.Store
	migrate := cfg.Database.AutoMigrate
	switch driver {
	case db.DriverPostgres:
		pool, err := db.NewPool(lc, logger, target, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		store = repository.NewPostgresStore(pool)
	case db.DriverSQLite:
		sqlDB, err := db.NewSQLite(lc, logger, target)
		if err != nil {
			return nil, err
		}
		store = repository.NewSQLiteStore(sqlDB)
		migrate = true
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	if migrate {
		appendMigration(lc, logger, store)
	}
	return store, nil
}

// appendMigration runs after the connection hooks registered before it
func appendMigration(lc fx.Lifecycle, logger *zap.Logger, store repository.Store) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			logger.Info("database schema applied")
			return nil
		},
	})
}

// ProvideRegistry creates the live subscriber registry
func ProvideRegistry(cfg *config.Config, logger *zap.Logger) (*stream.Registry, error) {
	policy, err := stream.ParseOverflowPolicy(cfg.Stream.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	return stream.NewRegistry(cfg.Stream.BufferSize, policy, logger), nil
}

// ProvideMQConnection returns nil when RabbitMQ is not configured
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if !cfg.RabbitMQ.Enabled() {
		logger.Info("RABBITMQ_URL not set, queue ingest and reading mirror disabled")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvideMirror publishes accepted readings when RabbitMQ is configured
func ProvideMirror(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (service.Mirror, error) {
	if conn == nil {
		return nil, nil
	}

	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.WorkerExchange, cfg.RabbitMQ.WorkerRoutingKey, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideDispatcher creates the fan-out dispatcher and runs its mirror worker
// for the lifetime of the app. It stops before the mirror publisher closes.
func ProvideDispatcher(lc fx.Lifecycle, registry *stream.Registry, mirror service.Mirror, cfg *config.Config, logger *zap.Logger) *service.Dispatcher {
	dispatcher := service.NewDispatcher(registry, mirror, cfg.RabbitMQ.PublishTimeout, cfg.RabbitMQ.MirrorBuffer, logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			dispatcher.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return dispatcher.Stop(ctx)
		},
	})
	return dispatcher
}

// ProvideIngestService creates the ingest service
func ProvideIngestService(store repository.Store, dispatcher *service.Dispatcher, logger *zap.Logger) *service.IngestService {
	return service.NewIngestService(store, uplink.NewDecoder(time.Now), dispatcher, logger)
}

// ProvideSessions creates the dashboard session authority
func ProvideSessions(cfg *config.Config) *auth.Sessions {
	return auth.NewSessions(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL)
}

// ProvideDownlinkClient creates the network server downlink client
func ProvideDownlinkClient(cfg *config.Config, logger *zap.Logger) *downlink.Client {
	return downlink.NewClient(cfg.TTN, logger)
}

// ProvideHTTPServer creates the HTTP API server
func ProvideHTTPServer(
	cfg *config.Config,
	ingest *service.IngestService,
	store repository.Store,
	registry *stream.Registry,
	sessions *auth.Sessions,
	downlinkClient *downlink.Client,
	logger *zap.Logger,
) *httpapi.Server {
	return httpapi.NewServer(httpapi.Deps{
		Config:   cfg,
		Ingest:   ingest,
		Store:    store,
		Registry: registry,
		Sessions: sessions,
		Downlink: downlinkClient,
		Logger:   logger,
	})
}

func ingestHandler(svc *service.IngestService) func(ctx context.Context, body []byte) error {
	return func(ctx context.Context, body []byte) error {
		_, err := svc.Ingest(ctx, body)
		return err
	}
}

func startHTTPServer(lc fx.Lifecycle, server *httpapi.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return server.Start()
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}

func startQueueConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	svc *service.IngestService,
) error {
	if conn == nil || cfg.RabbitMQ.IngestQueue == "" {
		return nil
	}

	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.IngestQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		RequeueDelay:     cfg.RabbitMQ.RequeueDelay,
		Logger:           logger,
		MessageProcessor: ingestHandler(svc),
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting queue consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("queue consumer stopped")
			return nil
		},
	})
	return nil
}

func startMQTTSubscriber(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger, svc *service.IngestService) {
	if !cfg.MQTT.Enabled() {
		return
	}

	subscriber := mqtt.NewSubscriber(cfg.MQTT, ingestHandler(svc), logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return subscriber.Start()
		},
		OnStop: func(ctx context.Context) error {
			subscriber.Stop()
			return nil
		},
	})
}
