// Package bootstrap wires the generation engine from configuration. Both
// binaries build the same graph; only what they run on top of it differs.
package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/adapter/repo"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/adapter/sqlitestore"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/callback"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/events"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/generation"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/http/handlers"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra/credentials"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/lock"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/poller"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/providers/gateway"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/providers/mureka"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/providers/music"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/providers/suno"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/reconcile"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/resilience"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/storage"
)

const (
	providerAttemptTimeout = 30 * time.Second
	sweepLockName          = "generation:sweep:lock"
)

// Engine is the wired component graph.
type Engine struct {
	Config     *infra.Config
	Logger     *infra.Logger
	Store      domain.Store
	Pool       *pgxpool.Pool
	Sink       events.Sink
	Breakers   *resilience.Registry
	Providers  *music.Registry
	Reconciler *reconcile.Reconciler
	Poller     *poller.Poller
	Generation *generation.Service
	Callbacks  *callback.Processor
	Sweeper    *reconcile.Sweeper
	Archive    *storage.Archiver

	closers []func()
}

// Build connects storage and the event bus and wires every component. Call
// Close when done, also after a partial failure.
func Build(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (*Engine, error) {
	e := &Engine{Config: cfg, Logger: infra.OrDiscard(logger)}

	if err := e.openStore(ctx); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.openSink(); err != nil {
		e.Close()
		return nil, err
	}

	e.Breakers = resilience.NewRegistry(resilience.BreakerOptions{
		Threshold:   cfg.Breaker.Threshold,
		OpenTimeout: cfg.Breaker.OpenTimeout,
		Sink:        e.Sink,
		IsFailure:   gateway.CountsAgainstCircuit,
	})

	providers, err := e.buildProviders(ctx)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Providers = providers

	media, err := e.buildMedia()
	if err != nil {
		e.Close()
		return nil, err
	}

	e.Reconciler = reconcile.New(reconcile.Options{
		Store:           e.Store,
		Providers:       e.Providers,
		Media:           media,
		Sink:            e.Sink,
		Logger:          e.Logger,
		DeadLetterAfter: cfg.Sweep.DeadLetterAfter,
	})
	e.Poller = poller.New(poller.Options{
		Store:  e.Store,
		Syncer: e.Reconciler,
		Logger: e.Logger,
		Config: cfg.Poll,
	})

	signer := callback.NewSigner(cfg.CallbackSecret, 0)
	e.Generation = generation.NewService(generation.Options{
		Store:           e.Store,
		Providers:       e.Providers,
		Signer:          signer,
		CallbackBaseURL: cfg.CallbackBaseURL,
		Waiter:          e.Poller,
		Sink:            e.Sink,
		Logger:          e.Logger,
	})
	e.Callbacks = callback.NewProcessor(callback.Options{
		Store:     e.Store,
		Providers: e.Providers,
		Applier:   e.Reconciler,
		Signer:    signer,
		Sink:      e.Sink,
		Logger:    e.Logger,
	})
	e.Sweeper = reconcile.NewSweeper(reconcile.SweeperOptions{
		Store:       e.Store,
		Reconciler:  e.Reconciler,
		Sink:        e.Sink,
		Logger:      e.Logger,
		StuckAfter:  cfg.Sweep.StuckAfter,
		Concurrency: cfg.Sweep.Concurrency,
		BatchLimit:  cfg.Sweep.BatchLimit,
		JobTimeout:  cfg.Sweep.JobTimeout,
	})
	return e, nil
}

// App exposes the engine to the HTTP handlers.
func (e *Engine) App() *handlers.App {
	return &handlers.App{
		Config:     e.Config,
		Logger:     *e.Logger,
		Store:      e.Store,
		Generation: e.Generation,
		Reconciler: e.Reconciler,
		Sweeper:    e.Sweeper,
		Callbacks:  e.Callbacks,
		Breakers:   e.Breakers,
		Archive:    e.Archive,
	}
}

// SweepLocker picks the sweep election backend: redis when REDIS_URL is set,
// a postgres advisory lock otherwise, and an in-process mutex on sqlite.
func (e *Engine) SweepLocker() (lock.Locker, error) {
	if e.Config.RedisURL != "" {
		opts, err := redis.ParseURL(e.Config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		e.closers = append(e.closers, func() { _ = client.Close() })
		// the ttl must outlive a full sweep
		ttl := 2 * e.Config.Sweep.Interval
		if ttl < 10*time.Minute {
			ttl = 10 * time.Minute
		}
		return lock.NewRedisLocker(client, sweepLockName, ttl), nil
	}
	if e.Pool != nil {
		return lock.NewPGLocker(e.Pool, lock.SweepLockKey, e.Logger), nil
	}
	return &lock.LocalLocker{}, nil
}

// Close releases connections in reverse order of acquisition.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func (e *Engine) openStore(ctx context.Context) error {
	switch e.Config.StoreDriver {
	case infra.StoreDriverSQLite:
		s, err := sqlitestore.Open(e.Config.SQLitePath)
		if err != nil {
			return fmt.Errorf("bootstrap: open sqlite: %w", err)
		}
		e.closers = append(e.closers, func() { _ = s.Close() })
		e.Store = s
		e.Logger.Info().Str("path", e.Config.SQLitePath).Msg("bootstrap: sqlite store ready")
	default:
		pool, err := infra.NewDBPool(ctx, e.Config)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		e.closers = append(e.closers, pool.Close)
		e.Pool = pool
		s := repo.NewJobStore(pool, *e.Logger)
		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("bootstrap: migrate: %w", err)
		}
		e.Store = s
		e.Logger.Info().Msg("bootstrap: postgres store ready")
	}
	return nil
}

func (e *Engine) openSink() error {
	sinks := events.Multi{events.NewLogSink(e.Logger)}
	if e.Config.NATSURL != "" {
		nc, err := events.ConnectNATS(e.Config.NATSURL, e.Logger)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		e.closers = append(e.closers, func() { drainNATS(nc) })
		sinks = append(sinks, events.NewNATSSink(nc, e.Config.NATSSubject, e.Logger))
	}
	e.Sink = sinks
	return nil
}

func drainNATS(nc *nats.Conn) {
	if err := nc.Drain(); err != nil {
		nc.Close()
	}
}

// buildProviders resolves API keys (environment first, then the
// integration_tokens table on postgres) and registers both adapters.
func (e *Engine) buildProviders(ctx context.Context) (*music.Registry, error) {
	var creds *credentials.Store
	if e.Pool != nil {
		creds = credentials.NewStore(infra.NewSQLRunner(e.Pool, *e.Logger))
	}

	sunoCfg := e.Config.Suno
	key, err := creds.Resolve(ctx, domain.ProviderSuno, sunoCfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	sunoCfg.APIKey = key

	murekaCfg := e.Config.Mureka
	key, err = creds.Resolve(ctx, domain.ProviderMureka, murekaCfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	murekaCfg.APIKey = key

	if sunoCfg.APIKey == "" {
		e.Logger.Warn().Msg("bootstrap: suno api key not configured")
	}
	if murekaCfg.APIKey == "" {
		e.Logger.Warn().Msg("bootstrap: mureka api key not configured")
	}

	retry := resilience.PolicyFromConfig(e.Config.Retry, providerAttemptTimeout, e.Logger)
	return music.NewRegistry(
		suno.NewClient(suno.Options{Config: sunoCfg, Retry: retry, Breakers: e.Breakers, Logger: e.Logger}),
		mureka.NewClient(mureka.Options{Config: murekaCfg, Retry: retry, Breakers: e.Breakers, Logger: e.Logger}),
	), nil
}

func (e *Engine) buildMedia() (*storage.MediaStore, error) {
	path := e.Config.StoragePath
	if path == "" {
		path = "./storage"
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	files, err := storage.NewFileStore(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	e.Archive = storage.NewArchiver(files, e.Config.StorageBaseURL)
	media, err := storage.NewMediaStore(storage.MediaOptions{
		Files:   files,
		BaseURL: e.Config.StorageBaseURL,
		Retry:   resilience.PolicyFromConfig(e.Config.Retry, providerAttemptTimeout, e.Logger),
		Logger:  e.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return media, nil
}
