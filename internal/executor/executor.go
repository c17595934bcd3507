// ============================================================================
// Executor - runs admitted downloads
// ============================================================================
//
// Package: internal/executor
//
// Lifecycle of one task, as seen by the admission queue:
//
//	Start(req) == true     task buffered in the pool
//	BeginLoading           loading record opened (counts against the cap)
//	NotifyStarted          queue moves the item to Running
//	NotifyState(loading)   throttled progress
//	Finish + NotifyState   terminal success | failed | cancelled
//	NotifyRetry            optional, after a retryable failure
//
// When the record cannot be opened (another transfer of the same target is
// loading, or the store fails) the task ends with NotifyNotStarted.
//
// Shutdown leaves in-flight records loading on purpose: the next process
// marks them removed and re-queues their items during recovery.
// ============================================================================

package executor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dlqueue/internal/settings"
	"github.com/ChuLiYu/dlqueue/pkg/logger"
	"github.com/ChuLiYu/dlqueue/pkg/types"
)

var errCancelled = errors.New("executor: transfer cancelled")

// RecordStore is the part of the record store the executor writes.
type RecordStore interface {
	BeginLoading(ctx context.Context, req types.Request) (int64, error)
	Finish(ctx context.Context, id int64, status types.RecordStatus, localPath, errMsg string) error
}

// Notifier receives the lifecycle events of every task.
type Notifier interface {
	NotifyStarted(ctx context.Context, req types.Request, recordID int64) error
	NotifyNotStarted(ctx context.Context, req types.Request) error
	NotifyState(ctx context.Context, ev types.StateEvent) error
	NotifyRetry(ctx context.Context, req types.Request) error
}

// SettingsSource supplies the live retry and timeout settings.
type SettingsSource interface {
	Current() settings.Settings
}

// Observer is told about every finished transfer. Optional.
type Observer interface {
	ObserveTransfer(state types.DownloadState, took time.Duration, bytes int64)
}

// Config configures an Executor.
type Config struct {
	DownloadDir      string
	Workers          int
	QueueSize        int
	ProgressInterval time.Duration
	UserAgent        string
	Client           *http.Client

	Records  RecordStore
	Notifier Notifier
	Settings SettingsSource
	Observer Observer
}

// Executor downloads admitted requests on a worker pool.
type Executor struct {
	cfg    Config
	client *http.Client
	pool   *Pool
	log    zerolog.Logger
	nowFn  func() time.Time

	// base is cancelled on Close; every transfer context derives from it
	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	active   map[string]*transfer // by target name
	attempts map[types.Identity]int
}

type transfer struct {
	cancel context.CancelCauseFunc
}

// New creates an executor and starts its workers.
func New(cfg Config) (*Executor, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "dlqueue"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	base, cancel := context.WithCancel(context.Background())
	e := &Executor{
		cfg:        cfg,
		client:     client,
		log:        logger.With("executor"),
		nowFn:      time.Now,
		base:       base,
		cancelBase: cancel,
		active:     make(map[string]*transfer),
		attempts:   make(map[types.Identity]int),
	}
	e.pool = NewPool(cfg.Workers, cfg.QueueSize, e.run)
	if err := e.pool.Start(); err != nil {
		cancel()
		return nil, err
	}
	return e, nil
}

// Start submits req without blocking. It returns false when the request is
// invalid or the pool cannot take it.
func (e *Executor) Start(ctx context.Context, req types.Request) bool {
	if err := validateTarget(req); err != nil {
		e.log.Warn().Err(err).Str("url", req.URL).Msg("refusing start")
		return false
	}

	task := Task{ID: uuid.NewString(), Request: req, Submitted: e.nowFn()}
	if err := e.pool.TrySubmit(task); err != nil {
		e.log.Warn().Err(err).Str("target", req.TargetName()).Msg("refusing start")
		return false
	}
	e.log.Debug().Str("task", task.ID).Str("target", req.TargetName()).Msg("task submitted")
	return true
}

// Cancel stops the active transfer of target. It reports whether one was
// running.
func (e *Executor) Cancel(target string) bool {
	e.mu.Lock()
	tr, ok := e.active[target]
	e.mu.Unlock()
	if ok {
		tr.cancel(errCancelled)
	}
	return ok
}

// Active returns the number of transfers currently holding a worker.
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Close cancels every transfer and waits for the workers.
func (e *Executor) Close() {
	e.cancelBase()
	e.pool.Stop()
}

// run is the worker body of one task.
func (e *Executor) run(task Task) {
	req := task.Request
	target := req.TargetName()
	log := e.log.With().Str("task", task.ID).Str("target", target).Logger()

	ctx, cancel := context.WithCancelCause(e.base)
	defer cancel(nil)

	e.mu.Lock()
	if _, busy := e.active[target]; busy {
		e.mu.Unlock()
		log.Warn().Msg("target already transferring")
		_ = e.cfg.Notifier.NotifyNotStarted(e.base, req)
		return
	}
	tr := &transfer{cancel: cancel}
	e.active[target] = tr
	e.mu.Unlock()
	defer e.release(target, tr)

	recordID, err := e.cfg.Records.BeginLoading(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("could not open loading record")
		_ = e.cfg.Notifier.NotifyNotStarted(e.base, req)
		return
	}
	if err := e.cfg.Notifier.NotifyStarted(e.base, req, recordID); err != nil {
		log.Warn().Err(err).Int64("record_id", recordID).Msg("start confirmation not delivered")
		return
	}
	log.Info().Int64("record_id", recordID).Msg("transfer started")

	st := e.cfg.Settings.Current()
	start := e.nowFn()
	onProgress := func(written, total int64) {
		_ = e.cfg.Notifier.NotifyState(e.base, types.StateEvent{
			Request:      req,
			State:        types.StateLoading,
			RecordID:     recordID,
			CurrentBytes: written,
			TotalBytes:   total,
		})
	}

	res, err := e.fetch(ctx, req, st.ConnectTimeout, onProgress)
	took := e.nowFn().Sub(start)

	if err != nil && e.base.Err() != nil {
		// shutting down: leave the record loading for recovery
		log.Info().Int64("record_id", recordID).Msg("transfer interrupted by shutdown")
		return
	}
	cancelled := errors.Is(context.Cause(ctx), errCancelled)
	// the target is free again before anyone hears about the outcome
	e.release(target, tr)

	switch {
	case err == nil:
		e.resetAttempts(req)
		e.finish(log, req, recordID, types.StateSuccess, res, "", took)
		if res.skipped {
			log.Info().Str("path", res.localPath).Msg("target exists, skipped")
		}

	case cancelled:
		e.resetAttempts(req)
		e.finish(log, req, recordID, types.StateCancelled, res, errCancelled.Error(), took)

	default:
		e.finish(log, req, recordID, types.StateFailed, res, err.Error(), took)
		if IsRetryable(err) && e.takeAttempt(req, st) {
			log.Info().Err(err).Msg("requesting retry")
			_ = e.cfg.Notifier.NotifyRetry(e.base, req)
		} else {
			e.resetAttempts(req)
		}
	}
}

func (e *Executor) release(target string, tr *transfer) {
	e.mu.Lock()
	if e.active[target] == tr {
		delete(e.active, target)
	}
	e.mu.Unlock()
}

func (e *Executor) finish(log zerolog.Logger, req types.Request, recordID int64, state types.DownloadState, res transferResult, errMsg string, took time.Duration) {
	localPath := ""
	if state == types.StateSuccess {
		localPath = res.localPath
	}
	if err := e.cfg.Records.Finish(e.base, recordID, types.RecordStatus(state), localPath, errMsg); err != nil {
		log.Error().Err(err).Int64("record_id", recordID).Msg("failed to close record")
	}

	ev := types.StateEvent{
		Request:      req,
		State:        state,
		RecordID:     recordID,
		CurrentBytes: res.written,
		TotalBytes:   res.total,
		Error:        errMsg,
	}
	if err := e.cfg.Notifier.NotifyState(e.base, ev); err != nil {
		log.Warn().Err(err).Msg("terminal state not delivered")
	}
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveTransfer(state, took, res.written)
	}

	l := log.Info()
	if state == types.StateFailed {
		l = log.Warn().Str("error", errMsg)
	}
	l.Int64("record_id", recordID).Str("state", string(state)).Int64("bytes", res.written).Dur("took", took).Msg("transfer finished")
}

// takeAttempt consumes one retry of the request's budget.
func (e *Executor) takeAttempt(req types.Request, st settings.Settings) bool {
	if !st.RetryDownloads {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id := req.Identity()
	if e.attempts[id] >= st.MaxRetries {
		return false
	}
	e.attempts[id]++
	return true
}

func (e *Executor) resetAttempts(req types.Request) {
	e.mu.Lock()
	delete(e.attempts, req.Identity())
	e.mu.Unlock()
}
