package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/dlqueue/internal/admission"
	"github.com/ChuLiYu/dlqueue/internal/controller"
	"github.com/ChuLiYu/dlqueue/internal/executor"
	"github.com/ChuLiYu/dlqueue/internal/maintenance"
	"github.com/ChuLiYu/dlqueue/internal/metrics"
	"github.com/ChuLiYu/dlqueue/internal/notifier"
	"github.com/ChuLiYu/dlqueue/internal/server"
	"github.com/ChuLiYu/dlqueue/internal/settings"
	"github.com/ChuLiYu/dlqueue/internal/storage/queuestore"
	"github.com/ChuLiYu/dlqueue/internal/storage/records"
	"github.com/ChuLiYu/dlqueue/pkg/logger"
)

// daemon is one fully wired queue process.
type daemon struct {
	cfg      *Config
	records  records.Store
	settings *settings.Source
	bus      *notifier.Bus
	exec     *executor.Executor
	ctrl     *controller.Controller
	sched    *maintenance.Scheduler
}

// newDaemon builds every component from cfg. collector may be nil.
func newDaemon(cfg *Config, collector *metrics.Collector) (_ *daemon, err error) {
	d := &daemon{cfg: cfg}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if d.records, err = openRecords(cfg); err != nil {
		return nil, err
	}
	if d.settings, err = settings.NewSource(cfg.Settings.File, cfg.Settings.Defaults); err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	var (
		recorder admission.Recorder
		observer executor.Observer
	)
	if collector != nil {
		recorder, observer = collector, collector
	}

	d.bus = notifier.NewBus(64)
	d.exec, err = executor.New(executor.Config{
		DownloadDir:      cfg.Executor.DownloadDir,
		Workers:          cfg.Executor.Workers,
		QueueSize:        cfg.Executor.QueueSize,
		ProgressInterval: cfg.Executor.ProgressInterval,
		UserAgent:        cfg.Executor.UserAgent,
		Records:          d.records,
		Notifier:         d.bus,
		Settings:         d.settings,
		Observer:         observer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	stores := make(map[string]*queuestore.Store, 3)
	for _, name := range []string{"pending", "running", "finished"} {
		var opts []queuestore.Option
		if name == "finished" {
			opts = append(opts, queuestore.WithKey(queuestore.ByDownloadID))
		}
		s, err := queuestore.New(cfg.Queue.Dir, name, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", name, err)
		}
		stores[name] = s
	}

	queue := admission.New(admission.Config{
		Pending:   stores["pending"],
		Running:   stores["running"],
		Finished:  stores["finished"],
		Records:   d.records,
		Executor:  d.exec,
		Limits:    d.settings,
		Publisher: d.bus,
		Metrics:   recorder,
	})
	d.ctrl = controller.New(controller.Config{
		Queue:           queue,
		Events:          d.bus,
		RecordChanges:   d.records.Changes(),
		SettingsChanges: d.settings.Changes(),
	})

	if cfg.Maintenance.Spec != "" {
		d.sched, err = maintenance.New(maintenance.Config{
			Spec:        cfg.Maintenance.Spec,
			WithRecords: cfg.Maintenance.WithRecords,
		}, d.ctrl)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

func openRecords(cfg *Config) (records.Store, error) {
	switch cfg.Records.Backend {
	case "redis":
		s := records.NewRedisStore(cfg.Records.Addr, cfg.Records.Prefix)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Records.Addr, err)
		}
		return s, nil
	default:
		s, err := records.NewSQLiteStore(cfg.Records.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open records db: %w", err)
		}
		return s, nil
	}
}

// start recovers the queue and starts the controller loop.
func (d *daemon) start(ctx context.Context) error {
	report, err := d.ctrl.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	logger.Log.Info().
		Int("restored", report.Restored).
		Int("duplicates", report.Duplicates).
		Int("finished", report.Finished).
		Int("abandoned_records", report.AbandonedRecords).
		Dur("took", report.Took).
		Msg("queue recovered")
	return nil
}

// stop halts admission first, then the transfers. Loading records are left
// behind for the next start to recover.
func (d *daemon) stop() {
	if d.ctrl != nil {
		d.ctrl.Stop()
	}
	if d.exec != nil {
		d.exec.Close()
	}
}

func (d *daemon) close() {
	d.stop()
	if d.records != nil {
		if err := d.records.Close(); err != nil {
			logger.Log.Warn().Err(err).Msg("failed to close records")
		}
	}
}

// serve runs every long-lived component until ctx is done or one of them
// fails.
func (d *daemon) serve(ctx context.Context) error {
	if err := d.start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if d.cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Log.Info().Int("port", d.cfg.Metrics.Port).Msg("starting metrics server")
			return metrics.StartServer(gctx, d.cfg.Metrics.Port)
		})
	}
	g.Go(func() error {
		return server.New(d.ctrl, d.exec).ListenAndServe(gctx, d.cfg.Server.Addr)
	})
	g.Go(func() error {
		return d.settings.Watch(gctx, d.cfg.Settings.WatchInterval)
	})
	if d.sched != nil {
		g.Go(func() error { return d.sched.Run(gctx) })
	}
	g.Go(func() error {
		d.logEvents(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-d.ctrl.Done():
			if gctx.Err() != nil {
				return nil
			}
			return errors.New("controller loop exited")
		}
	})

	err := g.Wait()
	d.stop()
	return err
}

func (d *daemon) logEvents(ctx context.Context) {
	events, unsubscribe := d.bus.Subscribe(32)
	defer unsubscribe()

	log := logger.With("events")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			log.Info().
				Str("kind", string(ev.Kind)).
				Str("event_id", ev.ID).
				Str("url", ev.Request.URL).
				Str("target", ev.Request.TargetName()).
				Msg("queue event")
		}
	}
}
