package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/bootstrap"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/lock"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/reconcile"
)

type sweepWorker struct {
	sweeper  *reconcile.Sweeper
	locker   lock.Locker
	interval time.Duration
	logger   *infra.Logger
}

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := bootstrap.Build(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: bootstrap failed")
	}
	defer engine.Close()

	locker, err := engine.SweepLocker()
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: sweep lock unavailable")
	}

	w := &sweepWorker{
		sweeper:  engine.Sweeper,
		locker:   locker,
		interval: cfg.Sweep.Interval,
		logger:   &logger,
	}
	w.run(ctx)
	logger.Info().Msg("worker: stopped")
}

func (w *sweepWorker) run(ctx context.Context) {
	interval := w.interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	w.logger.Info().Dur("interval", interval).Msg("worker: started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *sweepWorker) tick(ctx context.Context) {
	won, err := lock.Run(ctx, w.locker, w.logger, func(ctx context.Context) error {
		_, err := w.sweeper.Sweep(ctx, reconcile.SweepRequest{})
		return err
	})
	if err != nil {
		w.logger.Error().Err(err).Msg("worker: sweep failed")
		return
	}
	if !won {
		w.logger.Debug().Msg("worker: sweep skipped, another worker holds the lock")
	}
}
