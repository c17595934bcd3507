// ============================================================================
// Controller - serialized owner of the admission queue
// ============================================================================
//
// Package: internal/controller
//
// The admission queue is not safe for concurrent use, so exactly one goroutine
// (the loop) touches it. Everything else talks to the loop:
//
//	public API ──ops──────────────┐
//	executor ──start/state/retry──┤
//	record store ──changes────────┼──> loop ──> admission.Queue
//	settings ──changes────────────┤
//	refreshCh (capacity 1) ───────┘
//
// Refresh coalescing:
//
//	Every input marks refreshCh with a non-blocking send. However many
//	signals arrive while the loop is busy, at most one Refresh follows and it
//	sees the latest state.
//
// Startup:
//
//	Start runs Queue.Recover synchronously, then starts the loop and asks for
//	a first Refresh so restored items get admitted.
//
// Shutdown:
//
//	Stop closes stopCh and waits for the loop. Calls submitted after that
//	return ErrStopped. On its way out the loop applies the events already
//	buffered and writes launched items back to the pending store; a start
//	the executor had not begun yet is retried after the next recovery.
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dlqueue/internal/admission"
	"github.com/ChuLiYu/dlqueue/pkg/logger"
	"github.com/ChuLiYu/dlqueue/pkg/types"
)

var (
	ErrStopped        = errors.New("controller: stopped")
	ErrNotStarted     = errors.New("controller: not started")
	ErrAlreadyStarted = errors.New("controller: already started")
)

// EventSource delivers the executor's lifecycle events.
type EventSource interface {
	StartEvents() <-chan types.StartInfo
	StateEvents() <-chan types.StateEvent
	RetryEvents() <-chan types.Request
}

// Config wires a Controller. RecordChanges and SettingsChanges are optional.
type Config struct {
	Queue           *admission.Queue
	Events          EventSource
	RecordChanges   <-chan struct{}
	SettingsChanges <-chan struct{}
	OpBuffer        int
}

// Status is a point-in-time picture of the queue.
type Status struct {
	Uptime time.Duration
	Stats  admission.Stats
	View   admission.View
}

type op struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Controller serializes every access to the admission queue.
type Controller struct {
	queue  *admission.Queue
	events EventSource

	recordChanges   <-chan struct{}
	settingsChanges <-chan struct{}

	ops       chan op
	refreshCh chan struct{}
	stopCh    chan struct{}
	loopDone  chan struct{}
	loopWg    sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time

	log zerolog.Logger
}

// New creates a controller. Nothing runs until Start.
func New(cfg Config) *Controller {
	if cfg.OpBuffer <= 0 {
		cfg.OpBuffer = 16
	}
	return &Controller{
		queue:           cfg.Queue,
		events:          cfg.Events,
		recordChanges:   cfg.RecordChanges,
		settingsChanges: cfg.SettingsChanges,
		ops:             make(chan op, cfg.OpBuffer),
		refreshCh:       make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		loopDone:        make(chan struct{}),
		log:             logger.With("controller"),
	}
}

// Start recovers the queue and starts the loop. The loop lives until Stop is
// called or ctx is done.
func (c *Controller) Start(ctx context.Context) (admission.RecoveryReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return admission.RecoveryReport{}, ErrStopped
	}
	if c.started {
		return admission.RecoveryReport{}, ErrAlreadyStarted
	}

	c.log.Info().Msg("starting recovery")
	report, err := c.queue.Recover(ctx)
	if err != nil {
		return report, fmt.Errorf("controller: recover: %w", err)
	}

	c.started = true
	c.startTime = time.Now()
	c.requestRefresh()

	c.loopWg.Add(1)
	go c.loop(ctx)

	c.log.Info().Int("restored", report.Restored).Dur("took", report.Took).Msg("controller started")
	return report, nil
}

// Stop stops the loop and waits for it to exit. It is safe to call more than
// once.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info().Msg("stopping controller")
	close(c.stopCh)
	c.loopWg.Wait()
	c.log.Info().Msg("controller stopped")
}

// Done is closed when the loop has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.loopDone
}

// ============================================================================
// Loop
// ============================================================================

func (c *Controller) loop(ctx context.Context) {
	defer c.loopWg.Done()
	defer close(c.loopDone)

	var (
		starts  <-chan types.StartInfo
		states  <-chan types.StateEvent
		retries <-chan types.Request
	)
	if c.events != nil {
		starts = c.events.StartEvents()
		states = c.events.StateEvents()
		retries = c.events.RetryEvents()
	}
	defer c.suspend(starts, states)

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			c.log.Info().Err(ctx.Err()).Msg("context done, loop exiting")
			return

		case o := <-c.ops:
			o.done <- o.fn(ctx)

		case info := <-starts:
			c.queue.OnStartConfirmed(info)
			c.requestRefresh()

		case ev := <-states:
			c.queue.OnStateChanged(ev)
			c.requestRefresh()

		case req := <-retries:
			// the executor reports the terminal state before asking for a
			// retry; apply it first or the request is still running here
			c.drainStates(states)
			if _, err := c.queue.OnRetryRequested(ctx, req); err != nil {
				c.log.Error().Err(err).Str("target", req.TargetName()).Msg("failed to requeue retry")
			}
			c.requestRefresh()

		case <-c.recordChanges:
			c.requestRefresh()

		case <-c.settingsChanges:
			c.log.Debug().Msg("settings changed")
			c.requestRefresh()

		case <-c.refreshCh:
			c.refresh(ctx)
		}
	}
}

// suspend runs once the loop has left its select.
func (c *Controller) suspend(starts <-chan types.StartInfo, states <-chan types.StateEvent) {
	for done := false; !done; {
		select {
		case info := <-starts:
			c.queue.OnStartConfirmed(info)
		default:
			done = true
		}
	}
	c.drainStates(states)
	if n := c.queue.Suspend(); n > 0 {
		c.log.Info().Int("items", n).Msg("launched items returned to pending")
	}
}

// drainStates applies every state event already buffered.
func (c *Controller) drainStates(states <-chan types.StateEvent) {
	for {
		select {
		case ev := <-states:
			c.queue.OnStateChanged(ev)
		default:
			return
		}
	}
}

func (c *Controller) requestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

func (c *Controller) refresh(ctx context.Context) {
	started, err := c.queue.Refresh(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("refresh failed")
		return
	}
	if started > 0 {
		c.log.Debug().Int("started", started).Msg("refresh admitted items")
	}
}

// do runs fn on the loop and waits for its result.
func (c *Controller) do(ctx context.Context, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	started, stopped := c.started, c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !started {
		return ErrNotStarted
	}

	o := op{fn: fn, done: make(chan error, 1)}
	select {
	case c.ops <- o:
	case <-c.loopDone:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-o.done:
		return err
	case <-c.loopDone:
		// the loop may have run the op right before exiting
		select {
		case err := <-o.done:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// Public API
// ============================================================================

// EnqueueDownload adds req to the queue. It reports false without error when
// the request was rejected as empty or duplicate.
func (c *Controller) EnqueueDownload(ctx context.Context, req types.Request) (bool, error) {
	var added bool
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		added, err = c.queue.Enqueue(ctx, req)
		if added {
			c.requestRefresh()
		}
		return err
	})
	return added, err
}

// ClearPending drops every pending item.
func (c *Controller) ClearPending(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.queue.ClearPending()
	})
}

// ClearFinished drops every finished item, and their records when
// withRecords is set.
func (c *Controller) ClearFinished(ctx context.Context, withRecords bool) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.queue.ClearFinished(ctx, withRecords)
	})
}

// RemoveFinished drops the finished item of one record.
func (c *Controller) RemoveFinished(ctx context.Context, downloadID int64, withRecords bool) (bool, error) {
	var removed bool
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		removed, err = c.queue.RemoveFinished(ctx, downloadID, withRecords)
		return err
	})
	return removed, err
}

// Status returns the queue counters and a copy of every set.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, func(ctx context.Context) error {
		st = Status{
			Uptime: time.Since(c.startTime),
			Stats:  c.queue.Stats(),
			View:   c.queue.View(),
		}
		return nil
	})
	return st, err
}

// Flush runs a Refresh on the loop now, absorbing any pending refresh
// request, and returns the number of accepted start attempts.
func (c *Controller) Flush(ctx context.Context) (int, error) {
	var started int
	err := c.do(ctx, func(ctx context.Context) error {
		select {
		case <-c.refreshCh:
		default:
		}
		var err error
		started, err = c.queue.Refresh(ctx)
		return err
	})
	return started, err
}
