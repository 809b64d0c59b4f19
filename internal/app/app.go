// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the CLI and the server.
package app

import (
	"context"
	"fmt"
	"time"

	gcpubsub "cloud.google.com/go/pubsub/v2"
	gcstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/batch"
	"github.com/jobsift/jobsift/internal/blob/gcs"
	"github.com/jobsift/jobsift/internal/blob/local"
	blobmem "github.com/jobsift/jobsift/internal/blob/memory"
	"github.com/jobsift/jobsift/internal/checkpoint"
	"github.com/jobsift/jobsift/internal/clock/system"
	"github.com/jobsift/jobsift/internal/config"
	"github.com/jobsift/jobsift/internal/controller"
	"github.com/jobsift/jobsift/internal/hash/sha256"
	"github.com/jobsift/jobsift/internal/id/uuid"
	"github.com/jobsift/jobsift/internal/logging"
	"github.com/jobsift/jobsift/internal/monitor"
	"github.com/jobsift/jobsift/internal/pipeline"
	"github.com/jobsift/jobsift/internal/pool"
	"github.com/jobsift/jobsift/internal/publisher/memory"
	"github.com/jobsift/jobsift/internal/publisher/pubsub"
	"github.com/jobsift/jobsift/internal/ratelimit"
	"github.com/jobsift/jobsift/internal/source"
)

// App holds the shared, long-lived services for the application. It is
// initialized once at startup and passed to the commands that need it.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	store   pipeline.CheckpointStore
	blobs   pipeline.BlobStore
	pub     pipeline.Publisher
	mon     *monitor.Monitor
	ctrl    *controller.Controller
	seeder  *source.Seeder
	closers []func()
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the checkpoint store.
func (a *App) Store() pipeline.CheckpointStore { return a.store }

// Controller returns the pipeline controller.
func (a *App) Controller() *controller.Controller { return a.ctrl }

// Monitor returns the resource pressure monitor.
func (a *App) Monitor() *monitor.Monitor { return a.mon }

// New builds every service the pipeline needs. It fails fast: a critical
// service that cannot be initialized aborts startup.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger}

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initBlobs(ctx); err != nil {
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		return nil, err
	}

	a.mon = monitor.New(monitor.SystemSampler{}, monitor.Config{
		Interval: secondsDuration(cfg.Monitor.IntervalSeconds),
		CPUHigh:  cfg.Monitor.CPUHigh,
		MemHigh:  cfg.Monitor.MemHigh,
		CPULow:   cfg.Monitor.CPULow,
		MemLow:   cfg.Monitor.MemLow,
	}, logger)

	if cfg.Source.BaseURL != "" {
		seeder, err := source.NewSeeder(source.SeedConfig{
			BaseURL:        cfg.Source.BaseURL,
			Categories:     cfg.Source.Categories,
			Locations:      cfg.Source.Locations,
			PagesPerSearch: cfg.Source.PagesPerSearch,
		}, hasher)
		if err != nil {
			return nil, err
		}
		a.seeder = seeder
	}

	postings, err := a.initPostings(ctx)
	if err != nil {
		return nil, err
	}

	ops := source.Operations{
		Fetcher: source.NewProxyFetcher(source.FetcherConfig{
			ProxyEndpoint: cfg.Source.ProxyEndpoint,
			ProxyAPIKey:   cfg.Source.ProxyAPIKey,
			RenderJS:      cfg.Source.RenderJS,
			UserAgent:     cfg.Source.UserAgent,
			Timeout:       secondsDuration(cfg.Source.TimeoutSeconds),
		}),
		Extractor:   source.NewPostingExtractor(hasher, clock),
		Classifier:  a.buildClassifier(),
		Blobs:       a.blobs,
		Hasher:      hasher,
		Prefix:      cfg.Storage.Prefix,
		ContentType: cfg.Storage.ContentType,
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		rdb = client
	}

	stages := make(map[pipeline.Stage]*controller.StageRuntime, len(pipeline.Stages))
	for _, stage := range pipeline.Stages {
		rt, err := a.buildStage(stage, ops, postings, rdb)
		if err != nil {
			return nil, err
		}
		stages[stage] = rt
	}

	thresholds := make(map[pipeline.Stage]int64, len(cfg.Pipeline.AdvanceThreshold))
	for name, v := range cfg.Pipeline.AdvanceThreshold {
		thresholds[pipeline.Stage(name)] = v
	}
	eventTopic := cfg.Pipeline.EventTopic
	if eventTopic == "" {
		eventTopic = cfg.PubSub.TopicName
	}
	ctrl, err := controller.New(a.store, stages, a.pub, clock, idGen, controller.Config{
		AdvanceThreshold: thresholds,
		BoostRateCeiling: cfg.Pipeline.RateMaxCeiling,
		BoostDuration:    cfg.BoostDuration(),
		EventTopic:       eventTopic,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.ctrl = ctrl

	logger.Info("application services initialized",
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("redis_gate", rdb != nil),
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.Checkpoint.Backend {
	case "postgres":
		store, err := checkpoint.NewPostgresStore(ctx, checkpoint.PostgresConfig{DSN: a.cfg.Checkpoint.DSN})
		if err != nil {
			return err
		}
		if a.cfg.Checkpoint.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				store.Close()
				return err
			}
		}
		a.closers = append(a.closers, store.Close)
		a.store = store
	default:
		a.store = checkpoint.NewMemoryStore(nil)
	}
	return nil
}

func (a *App) initBlobs(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return err
		}
		a.blobs = store
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return err
		}
		a.blobs = store
	default:
		a.blobs = blobmem.NewBlobStore()
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.pub = memory.New()
		return nil
	}
	client, err := gcpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.pub = pubsub.New(client.Publisher(a.cfg.PubSub.TopicName))
	return nil
}

// initPostings picks the bulk destination for the index stage.
func (a *App) initPostings(ctx context.Context) (pipeline.BulkWriter, error) {
	if a.cfg.Postings.DSN == "" {
		return source.NewMemoryPostings(), nil
	}
	writer, err := source.NewPostingsWriter(ctx, source.PostingsConfig{
		DSN:   a.cfg.Postings.DSN,
		Table: a.cfg.Postings.Table,
	})
	if err != nil {
		return nil, err
	}
	if err := writer.EnsureSchema(ctx); err != nil {
		writer.Close()
		return nil, err
	}
	a.closers = append(a.closers, writer.Close)
	return writer, nil
}

func (a *App) buildClassifier() pipeline.Classifier {
	if a.cfg.Classifier.BaseURL == "" {
		a.logger.Warn("no classifier endpoint configured, using keyword fallback")
		return source.FallbackClassifier{}
	}
	classifier, err := source.NewChatClassifier(source.ClassifierConfig{
		BaseURL:     a.cfg.Classifier.BaseURL,
		APIKey:      a.cfg.Classifier.APIKey,
		Model:       a.cfg.Classifier.Model,
		Temperature: a.cfg.Classifier.Temperature,
		Timeout:     secondsDuration(a.cfg.Classifier.TimeoutSeconds),
	})
	if err != nil {
		a.logger.Warn("classifier misconfigured, using keyword fallback", zap.Error(err))
		return source.FallbackClassifier{}
	}
	return classifier
}

func (a *App) buildStage(
	stage pipeline.Stage,
	ops source.Operations,
	postings pipeline.BulkWriter,
	rdb redis.UniversalClient,
) (*controller.StageRuntime, error) {
	sc := a.cfg.Stage(string(stage))

	var gate ratelimit.BoostGate
	if rdb != nil {
		distributed, err := ratelimit.NewDistributed(rdb, ratelimit.DistributedConfig{
			Key:   a.cfg.Redis.KeyPrefix + ":" + string(stage),
			RPS:   sc.RatePerSecond,
			Burst: sc.Burst,
		})
		if err != nil {
			return nil, err
		}
		gate = distributed
	} else {
		limiter, err := ratelimit.New(string(stage), sc.RatePerSecond, sc.Burst)
		if err != nil {
			return nil, err
		}
		gate = limiter
	}

	// Only the index stage emits batch records; the others persist through
	// the checkpoint store and blob archive.
	var writer *batch.Writer
	if stage == pipeline.StageIndex {
		writer = batch.NewWriter(postings, batch.Config{
			Collection: a.cfg.Postings.Table,
			Size:       sc.BatchSize,
			Interval:   secondsDuration(sc.FlushIntervalSec),
		}, a.logger)
	}

	op, err := ops.ByStage(stage)
	if err != nil {
		return nil, err
	}

	p, err := pool.New(pool.Config{
		Stage:            stage,
		Size:             sc.Workers,
		MinSize:          sc.MinWorkers,
		MaxSize:          sc.MaxWorkers,
		ClaimBatch:       a.cfg.Checkpoint.ClaimBatch,
		OperationTimeout: secondsDuration(sc.TimeoutSeconds),
		Retry: pool.RetryPolicy{
			MaxAttempts: a.cfg.Pipeline.MaxAttempts,
			BackoffBase: a.cfg.BackoffInitial(),
			BackoffMax:  a.cfg.BackoffMax(),
		},
	}, op, pool.Deps{
		Store:    a.store,
		Limiter:  gate,
		Batch:    writer,
		Pressure: a.mon.Subscribe(),
		Logger:   a.logger.Named(string(stage)),
	})
	if err != nil {
		return nil, err
	}

	return &controller.StageRuntime{Pool: p, Limiter: gate, Batch: writer}, nil
}

// Seed inserts the configured search space into the discover stage. Seeding
// is idempotent; URLs already tracked are left untouched.
func (a *App) Seed(ctx context.Context) (int, error) {
	if a.seeder == nil {
		return 0, fmt.Errorf("source.base_url is not configured, nothing to seed")
	}
	items, err := a.seeder.Items()
	if err != nil {
		return 0, err
	}
	inserted, err := a.store.Seed(ctx, items)
	if err != nil {
		return 0, err
	}
	a.logger.Info("seeded discover stage",
		zap.Int("generated", len(items)),
		zap.Int("inserted", inserted),
	)
	return inserted, nil
}

// Close shuts down every service in reverse initialization order and flushes
// the logger.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
