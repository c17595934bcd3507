// Package maintenance runs periodic housekeeping on the download queue.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dlqueue/pkg/logger"
)

// ErrNoSpec is returned when the scheduler is built without a cron spec.
var ErrNoSpec = errors.New("maintenance: empty cron spec")

// Pruner drops finished queue items.
type Pruner interface {
	ClearFinished(ctx context.Context, withRecords bool) error
}

// Config controls the prune job.
type Config struct {
	// Spec accepts six-field expressions (seconds first) and descriptors
	// such as "@every 1h" or "@daily".
	Spec        string
	WithRecords bool
	Timeout     time.Duration
}

// Scheduler prunes the Finished set on a cron spec.
type Scheduler struct {
	cfg    Config
	pruner Pruner
	cron   *cron.Cron
	log    zerolog.Logger

	runs     atomic.Int64
	failures atomic.Int64
}

func New(cfg Config, pruner Pruner) (*Scheduler, error) {
	if cfg.Spec == "" {
		return nil, ErrNoSpec
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &Scheduler{cfg: cfg, pruner: pruner, log: logger.With("maintenance")}
	s.cron = cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&s.log))),
	)
	if _, err := s.cron.AddFunc(cfg.Spec, s.tick); err != nil {
		return nil, fmt.Errorf("maintenance: parse spec %q: %w", cfg.Spec, err)
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is done. A prune in
// progress is allowed to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info().Str("spec", s.cfg.Spec).Bool("with_records", s.cfg.WithRecords).Msg("maintenance scheduler started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info().Int64("runs", s.runs.Load()).Msg("maintenance scheduler stopped")
	return nil
}

// Prune clears the Finished set once.
func (s *Scheduler) Prune(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	s.runs.Add(1)
	if err := s.pruner.ClearFinished(ctx, s.cfg.WithRecords); err != nil {
		s.failures.Add(1)
		return fmt.Errorf("maintenance: prune finished: %w", err)
	}
	return nil
}

// Runs reports how many prunes were attempted and how many failed.
func (s *Scheduler) Runs() (total, failed int64) {
	return s.runs.Load(), s.failures.Load()
}

func (s *Scheduler) tick() {
	start := time.Now()
	if err := s.Prune(context.Background()); err != nil {
		s.log.Error().Err(err).Msg("scheduled prune failed")
		return
	}
	s.log.Debug().Dur("took", time.Since(start)).Msg("finished items pruned")
}
