// Package server builds the sync service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/santarrsgrotto/readarr-server/internal/api"
	"github.com/santarrsgrotto/readarr-server/internal/catalog"
	"github.com/santarrsgrotto/readarr-server/internal/clock/system"
	"github.com/santarrsgrotto/readarr-server/internal/config"
	"github.com/santarrsgrotto/readarr-server/internal/control"
	"github.com/santarrsgrotto/readarr-server/internal/discovery"
	collyfetcher "github.com/santarrsgrotto/readarr-server/internal/fetcher/colly"
	"github.com/santarrsgrotto/readarr-server/internal/id/uuid"
	"github.com/santarrsgrotto/readarr-server/internal/lock"
	"github.com/santarrsgrotto/readarr-server/internal/metrics"
	"github.com/santarrsgrotto/readarr-server/internal/normalizer"
	"github.com/santarrsgrotto/readarr-server/internal/orchestrator"
	"github.com/santarrsgrotto/readarr-server/internal/pacing"
	"github.com/santarrsgrotto/readarr-server/internal/processor"
	gcppublisher "github.com/santarrsgrotto/readarr-server/internal/publisher/pubsub"
	"github.com/santarrsgrotto/readarr-server/internal/scheduler"
	gcsstorage "github.com/santarrsgrotto/readarr-server/internal/storage/gcs"
	localstorage "github.com/santarrsgrotto/readarr-server/internal/storage/local"
	memorystorage "github.com/santarrsgrotto/readarr-server/internal/storage/memory"
	pgstore "github.com/santarrsgrotto/readarr-server/internal/storage/postgres"
	redisstore "github.com/santarrsgrotto/readarr-server/internal/storage/redis"
	"github.com/santarrsgrotto/readarr-server/internal/store"
	"github.com/santarrsgrotto/readarr-server/internal/telemetry"
	"github.com/santarrsgrotto/readarr-server/internal/upstream"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool        *pgxpool.Pool
	redis       *goredis.Client
	storage     *storage.Client
	publisher   *gcppublisher.Publisher
	tracer      *sdktrace.TracerProvider
	checks      map[string]api.Check
	control     *control.Store
	runner      *orchestrator.Runner
	scheduler   *scheduler.Scheduler
	apiServer   *api.Server
	runCanceler context.CancelFunc
}

// Build creates the application's dependencies. Runs started in the
// background are parented to ctx.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger, checks: map[string]api.Check{}}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	logger.Info("building application dependencies",
		zap.String("control_backend", cfg.Control.Backend),
		zap.String("records_backend", cfg.Records.Backend),
		zap.String("lock_backend", cfg.Lock.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.String("upstream", cfg.Upstream.BaseURL),
	)

	if err = app.setupTelemetry(ctx); err != nil {
		return nil, err
	}
	if err = app.connect(ctx); err != nil {
		return nil, err
	}
	kv, err := app.setupControl()
	if err != nil {
		return nil, err
	}
	records, err := app.setupRecords()
	if err != nil {
		return nil, err
	}
	runLock, err := app.setupLock()
	if err != nil {
		return nil, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	app.control = control.New(kv)
	client, err := upstream.New(cfg.Upstream.BaseURL, collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Upstream.UserAgent,
		Timeout:   cfg.Sync.FetchTimeout,
	}))
	if err != nil {
		return nil, fmt.Errorf("upstream client init failed: %w", err)
	}
	norm, err := normalizer.New(records)
	if err != nil {
		return nil, fmt.Errorf("normalizer init failed: %w", err)
	}

	clock := system.New()
	sleeper := pacing.TimerSleeper{}
	crawler := discovery.New(
		client,
		app.control,
		pacing.NewGate("feed", cfg.Sync.PageDelay),
		sleeper,
		clock,
		discovery.Config{
			PageLimit:           cfg.Sync.PageLimit,
			MaxPages:            cfg.Sync.MaxPages,
			MaxRetries:          cfg.Sync.DiscoveryMaxRetries,
			RetryDelay:          cfg.Sync.RetryDelay,
			InitialLookbackDays: cfg.Sync.InitialLookbackDays,
			PartialDay:          cfg.Sync.PartialDay,
		},
		logger.Named("discovery"),
	)
	proc := processor.New(
		client,
		norm,
		app.control,
		pacing.NewGate("record", cfg.Sync.FetchDelay),
		sleeper,
		archive,
		processor.Config{
			BatchSize:     cfg.Sync.BatchSize,
			FetchTimeout:  cfg.Sync.FetchTimeout,
			Cooldown:      cfg.Sync.Cooldown,
			MaxAttempts:   cfg.Sync.MaxAttempts,
			ArchivePrefix: cfg.Archive.Prefix,
		},
		logger.Named("processor"),
	)
	orch := orchestrator.New(
		app.control,
		crawler,
		proc,
		publisher,
		clock,
		uuid.New(),
		orchestrator.Config{Topic: cfg.PubSub.TopicName},
		logger.Named("orchestrator"),
	)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app.runCanceler = cancel
	app.runner = orchestrator.NewRunner(orch.Run, runLock, orchestrator.RunnerConfig{BaseContext: runCtx}, logger.Named("runner"))

	app.scheduler, err = scheduler.New(cfg.Sync.Schedule, app.runner, logger.Named("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}
	app.apiServer = api.NewServer(app.control, app.runner, app.checks, cfg, logger.Named("api"))
	return app, nil
}

func (a *App) setupTelemetry(ctx context.Context) error {
	if !a.cfg.Telemetry.Enabled {
		a.logger.Info("tracing disabled")
		return nil
	}
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Version:     a.cfg.Telemetry.Version,
		ProjectID:   a.cfg.Telemetry.ProjectID,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	a.tracer = tp
	a.logger.Info("tracing initialized",
		zap.String("service", a.cfg.Telemetry.ServiceName),
		zap.Bool("cloud_trace", a.cfg.Telemetry.ProjectID != ""),
		zap.Float64("sample_ratio", a.cfg.Telemetry.SampleRatio),
	)
	return nil
}

func (a *App) connect(ctx context.Context) error {
	if a.cfg.UsesPostgres() {
		pool, err := pgstore.Connect(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("database init failed: %w", err)
		}
		a.pool = pool
		a.checks["postgres"] = pool.Ping
		if a.cfg.Database.Migrate {
			if err := pgstore.EnsureSchema(ctx, pool, ""); err != nil {
				return fmt.Errorf("schema migration failed: %w", err)
			}
			a.logger.Info("database schema ensured")
		}
	}
	if a.cfg.UsesRedis() {
		client, err := redisstore.Connect(ctx, redisstore.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			Prefix:   a.cfg.Redis.Prefix,
		})
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		a.redis = client
		a.checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}
	return nil
}

func (a *App) setupControl() (store.KV, error) {
	switch a.cfg.Control.Backend {
	case config.BackendPostgres:
		a.logger.Info("using postgres control state")
		cs, err := pgstore.NewControlStore(a.pool, "")
		if err != nil {
			return nil, fmt.Errorf("control store init failed: %w", err)
		}
		return cs, nil
	case config.BackendRedis:
		a.logger.Info("using redis control state", zap.String("prefix", a.cfg.Redis.Prefix))
		return redisstore.NewKVStore(a.redis, a.cfg.Redis.Prefix), nil
	default:
		a.logger.Warn("using in-memory control state; progress is lost on restart")
		return memorystorage.NewKVStore(), nil
	}
}

func (a *App) setupRecords() (store.RecordStore, error) {
	if a.cfg.Records.Backend == config.BackendPostgres {
		a.logger.Info("using postgres record store")
		rs, err := pgstore.NewRecordStore(a.pool)
		if err != nil {
			return nil, fmt.Errorf("record store init failed: %w", err)
		}
		return rs, nil
	}
	a.logger.Warn("using in-memory record store")
	return memorystorage.NewRecordStore(), nil
}

func (a *App) setupLock() (lock.Lock, error) {
	switch a.cfg.Lock.Backend {
	case config.BackendPostgres:
		a.logger.Info("using postgres advisory lock")
		lk, err := pgstore.NewAdvisoryLock(pgstore.PoolConnector(a.pool), pgstore.DefaultLockName)
		if err != nil {
			return nil, fmt.Errorf("advisory lock init failed: %w", err)
		}
		return lk, nil
	case config.BackendRedis:
		a.logger.Info("using redis run lock", zap.Duration("ttl", a.cfg.Lock.TTL))
		lk, err := redisstore.NewLock(a.redis, a.cfg.Redis.Prefix, a.cfg.Lock.TTL, uuid.New())
		if err != nil {
			return nil, fmt.Errorf("redis lock init failed: %w", err)
		}
		return lk, nil
	default:
		return lock.NewMutex(), nil
	}
}

func (a *App) setupArchive(ctx context.Context) (catalog.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Archive.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		bs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.checks["archive"] = bs.Ping
		return bs, nil
	case config.BackendLocal:
		a.logger.Info("using local archive", zap.String("path", a.cfg.Archive.Local.BaseDir))
		bs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		return bs, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory archive")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (catalog.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, run notifications disabled")
		return nil, nil
	}
	pub, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// RunOnce executes a single run in the foreground and releases resources.
func (a *App) RunOnce(ctx context.Context) (orchestrator.Report, error) {
	defer a.Close()
	return a.runner.Trigger(ctx, "cli")
}

// Run serves the API and the schedule until ctx is canceled, then waits for
// any in-flight run to stop.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	if a.cfg.Sync.RunOnStart {
		if err := a.runner.TriggerAsync("startup"); err != nil {
			a.logger.Warn("startup run not started", zap.Error(err))
		}
	}

	return g.Wait()
}

// Close cancels background runs, waits for them, and releases clients.
func (a *App) Close() {
	if a.runCanceler != nil {
		a.runCanceler()
	}
	if a.runner != nil {
		a.runner.Wait()
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
		a.tracer = nil
	}
}
