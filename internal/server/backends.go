package server

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/mediascrape/internal/clock/system"
	"github.com/JakeFAU/mediascrape/internal/config"
	"github.com/JakeFAU/mediascrape/internal/hash/sha256"
	"github.com/JakeFAU/mediascrape/internal/id/uuid"
	"github.com/JakeFAU/mediascrape/internal/logging"
	"github.com/JakeFAU/mediascrape/internal/media"
	memoryqueue "github.com/JakeFAU/mediascrape/internal/queue/memory"
	mysqlqueue "github.com/JakeFAU/mediascrape/internal/queue/mysql"
	nsqqueue "github.com/JakeFAU/mediascrape/internal/queue/nsq"
	pubsubqueue "github.com/JakeFAU/mediascrape/internal/queue/pubsub"
	"github.com/JakeFAU/mediascrape/internal/retry"
	gcsstorage "github.com/JakeFAU/mediascrape/internal/storage/gcs"
	memorystorage "github.com/JakeFAU/mediascrape/internal/storage/memory"
	pgstore "github.com/JakeFAU/mediascrape/internal/storage/postgres"
)

// ErrVolatileQueue is returned when enqueueing from a separate process onto
// the in-memory queue.
var ErrVolatileQueue = errors.New("the memory queue only lives inside the run process; use run --seed or a durable queue backend")

func setupStorage(ctx context.Context, app *App) (media.Store, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case config.BackendPostgres:
		store, err := pgstore.NewMediaStore(ctx, pgstore.MediaStoreConfig{
			DSN:      cfg.Postgres.DSN,
			Table:    cfg.Postgres.Table,
			MaxConns: cfg.Postgres.MaxConns,
			Migrate:  cfg.Postgres.Migrate,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres media store init failed: %w", err)
		}
		app.logger.Info("using postgres storage backend", zap.String("table", cfg.Postgres.Table))
		return store, nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: cfg.GCS.Bucket,
			Prefix: cfg.GCS.Prefix,
		}, sha256.New(), app.clock)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs media store init failed: %w", err)
		}
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCS.Bucket))
		return store, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewStore(), nil
	}
}

type queueBackend struct {
	// queue is nil when opened for enqueueing only.
	queue        media.JobQueue
	enqueuer     media.Enqueuer
	pubsubClient *pubsub.Client
	release      func()
}

func openQueue(
	ctx context.Context,
	cfg *config.Config,
	logger *zap.Logger,
	clock media.Clock,
	ids media.IDGenerator,
	consume bool,
) (queueBackend, error) {
	qcfg := cfg.Queue
	policy := retry.NewPolicy(qcfg.MaxAttempts, qcfg.BackoffBase, qcfg.BackoffMax)
	logger = logger.Named("queue")

	switch qcfg.Backend {
	case config.BackendMySQL:
		q, err := mysqlqueue.Open(ctx, mysqlqueue.Config{
			DSN:          qcfg.MySQL.DSN,
			Table:        qcfg.MySQL.Table,
			PollInterval: qcfg.MySQL.PollInterval,
			LockTimeout:  qcfg.MySQL.LockTimeout,
			Migrate:      qcfg.MySQL.Migrate,
			Policy:       policy,
			IDs:          ids,
			Clock:        clock,
			Logger:       logger,
		})
		if err != nil {
			return queueBackend{}, fmt.Errorf("mysql queue init failed: %w", err)
		}
		logger.Info("using mysql queue backend", zap.String("table", qcfg.MySQL.Table))
		backend := queueBackend{enqueuer: q, release: func() { _ = q.Close(context.Background()) }}
		if consume {
			backend.queue = q
		}
		return backend, nil

	case config.BackendNSQ:
		nsqCfg := nsqqueue.Config{
			NSQDAddress:      qcfg.NSQ.NSQDAddress,
			LookupdAddresses: qcfg.NSQ.LookupdAddresses,
			Topic:            qcfg.NSQ.Topic,
			Channel:          qcfg.NSQ.Channel,
			MaxInFlight:      cfg.Worker.Concurrency,
			Policy:           policy,
			IDs:              ids,
			Clock:            clock,
			Logger:           logger,
		}
		publisher, err := nsqqueue.NewPublisher(nsqCfg)
		if err != nil {
			return queueBackend{}, fmt.Errorf("nsq publisher init failed: %w", err)
		}
		backend := queueBackend{enqueuer: publisher, release: publisher.Stop}
		if consume {
			q, err := nsqqueue.NewQueue(nsqCfg, publisher)
			if err != nil {
				publisher.Stop()
				return queueBackend{}, fmt.Errorf("nsq consumer init failed: %w", err)
			}
			backend.queue, backend.enqueuer = q, q
		}
		logger.Info("using nsq queue backend", zap.String("topic", nsqCfg.Topic), zap.String("channel", nsqCfg.Channel))
		return backend, nil

	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, qcfg.PubSub.ProjectID)
		if err != nil {
			return queueBackend{}, fmt.Errorf("pubsub client init failed: %w", err)
		}
		psCfg := pubsubqueue.Config{
			Topic:          qcfg.PubSub.Topic,
			Subscription:   qcfg.PubSub.Subscription,
			MaxOutstanding: cfg.Worker.Concurrency,
			Policy:         policy,
			IDs:            ids,
			Clock:          clock,
			Logger:         logger,
		}
		publisher, err := pubsubqueue.NewPublisher(client, psCfg)
		if err != nil {
			_ = client.Close()
			return queueBackend{}, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		backend := queueBackend{
			enqueuer:     publisher,
			pubsubClient: client,
			release: func() {
				publisher.Stop()
				_ = client.Close()
			},
		}
		if consume {
			q, err := pubsubqueue.NewQueue(ctx, client, psCfg, publisher)
			if err != nil {
				backend.release()
				return queueBackend{}, fmt.Errorf("pubsub queue init failed: %w", err)
			}
			backend.queue, backend.enqueuer = q, q
		}
		logger.Info("using pubsub queue backend",
			zap.String("project", qcfg.PubSub.ProjectID),
			zap.String("topic", qcfg.PubSub.Topic),
			zap.String("subscription", qcfg.PubSub.Subscription),
		)
		return backend, nil

	default:
		if !consume {
			return queueBackend{}, ErrVolatileQueue
		}
		q := memoryqueue.NewQueue(memoryqueue.Config{
			Capacity: qcfg.Memory.Capacity,
			Policy:   policy,
			IDs:      ids,
			Clock:    clock,
		})
		logger.Info("using in-memory queue backend", zap.Int("capacity", qcfg.Memory.Capacity))
		return queueBackend{queue: q, enqueuer: q, release: func() {}}, nil
	}
}

// Enqueuer is a standalone handle for submitting jobs to a durable queue.
type Enqueuer struct {
	media.Enqueuer
	logger  *zap.Logger
	release func()
}

// Close releases the queue connection.
func (e *Enqueuer) Close() {
	e.release()
	_ = e.logger.Sync()
}

// BuildEnqueuer opens only the producer side of the configured queue.
func BuildEnqueuer(ctx context.Context, cfg *config.Config) (*Enqueuer, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	backend, err := openQueue(ctx, cfg, logger, system.New(), uuid.New(), false)
	if err != nil {
		return nil, err
	}
	return &Enqueuer{Enqueuer: backend.enqueuer, logger: logger, release: backend.release}, nil
}
