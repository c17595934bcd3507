package admission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dlqueue/internal/storage/records"
	"github.com/ChuLiYu/dlqueue/pkg/logger"
	"github.com/ChuLiYu/dlqueue/pkg/types"
)

// Rejection reasons reported to the Recorder.
const (
	RejectEmptyURL  = "empty_url"
	RejectDuplicate = "duplicate"
	RejectLoading   = "already_loading"
)

// Config wires a Queue to its collaborators. Metrics is optional.
type Config struct {
	Pending  ItemStore
	Running  ItemStore
	Finished ItemStore

	Records   RecordStore
	Executor  Executor
	Limits    Limits
	Publisher Publisher
	Metrics   Recorder
}

// Progress is the last known state of a transfer.
type Progress struct {
	Request      types.Request
	RecordID     int64
	State        types.DownloadState
	CurrentBytes int64
	TotalBytes   int64
	Error        string
	UpdatedAt    time.Time
}

// Stats counts the items of each set.
type Stats struct {
	Pending  int
	Launched int
	Running  int
	Finished int
	LastID   uint64
}

// View is a copy of every set plus the progress table.
type View struct {
	Pending  []types.QueueItem
	Launched []types.QueueItem
	Running  []types.QueueItem
	Finished []types.QueueItem
	Progress []Progress
}

// RecoveryReport describes what Recover found on disk.
type RecoveryReport struct {
	AbandonedRecords int
	Restored         int
	Duplicates       int
	Finished         int
	Took             time.Duration
}

// Queue is the admission queue.
type Queue struct {
	cfg Config
	log zerolog.Logger

	pending  []types.QueueItem // ascending by ID
	launched []types.QueueItem
	running  []types.QueueItem
	finished []types.QueueItem

	progress map[string]Progress // keyed by target name
	lastID   uint64

	nowFn func() time.Time
}

// New creates an empty queue. Call Recover before any other method.
func New(cfg Config) *Queue {
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	return &Queue{
		cfg:      cfg,
		log:      logger.With("admission"),
		progress: make(map[string]Progress),
		nowFn:    time.Now,
	}
}

// ============================================================================
// Recovery
// ============================================================================

// Recover rebuilds the in-memory state from the durable stores.
//
// Loading records left by a previous process are marked removed, so they no
// longer count against the cap. Items that were pending or running are merged,
// deduplicated by identity (oldest wins), renumbered 1..N in their original
// order and rewritten into the pending store; the sequence counter continues
// from N, or from the highest surviving finished id when that is larger.
// Finished items whose record is gone, loading or abandoned are dropped.
func (q *Queue) Recover(ctx context.Context) (RecoveryReport, error) {
	start := q.nowFn()
	var report RecoveryReport

	abandoned, err := q.cfg.Records.MarkUnfinishedRemoved(ctx)
	if err != nil {
		return report, fmt.Errorf("admission: mark unfinished records: %w", err)
	}
	report.AbandonedRecords = abandoned

	running, err := q.cfg.Running.RestoreAll()
	if err != nil {
		return report, fmt.Errorf("admission: restore running: %w", err)
	}
	pending, err := q.cfg.Pending.RestoreAll()
	if err != nil {
		return report, fmt.Errorf("admission: restore pending: %w", err)
	}

	merged := make([]types.QueueItem, 0, len(running)+len(pending))
	merged = append(merged, running...)
	merged = append(merged, pending...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })

	seen := make(map[types.Identity]struct{}, len(merged))
	restored := make([]types.QueueItem, 0, len(merged))
	for _, item := range merged {
		key := item.Request.Identity()
		if _, dup := seen[key]; dup {
			report.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		restored = append(restored, types.QueueItem{Request: item.Request})
	}

	// Rewriting in ascending order never overwrites a file whose item has not
	// been written to its new slot yet: the k-th oldest item has an id >= k.
	for i := range restored {
		restored[i].ID = uint64(i + 1)
		if err := q.cfg.Pending.Add(restored[i]); err != nil {
			return report, fmt.Errorf("admission: rewrite pending item %d: %w", restored[i].ID, err)
		}
	}
	n := uint64(len(restored))
	for _, item := range pending {
		if item.ID > n {
			if err := q.cfg.Pending.Remove(item); err != nil {
				q.log.Warn().Err(err).Uint64("id", item.ID).Msg("failed to delete renumbered pending record")
			}
		}
	}
	if err := q.cfg.Running.Clear(); err != nil {
		q.log.Warn().Err(err).Msg("failed to clear running store")
	}

	q.pending = restored
	q.launched = nil
	q.running = nil
	q.lastID = n
	report.Restored = len(restored)

	finished, err := q.recoverFinished(ctx)
	if err != nil {
		return report, err
	}
	q.finished = finished
	report.Finished = len(finished)

	// Finished items keep their old ids; keep new ids clear of them in views.
	for _, item := range finished {
		if item.ID > q.lastID {
			q.lastID = item.ID
		}
	}

	report.Took = q.nowFn().Sub(start)
	q.cfg.Metrics.Recovered(report.Restored, report.Took)
	q.reportSizes()

	q.log.Info().
		Int("abandoned_records", report.AbandonedRecords).
		Int("restored", report.Restored).
		Int("duplicates", report.Duplicates).
		Int("finished", report.Finished).
		Dur("took", report.Took).
		Msg("queue recovered")

	return report, nil
}

func (q *Queue) recoverFinished(ctx context.Context) ([]types.QueueItem, error) {
	items, err := q.cfg.Finished.RestoreAll()
	if err != nil {
		return nil, fmt.Errorf("admission: restore finished: %w", err)
	}

	kept := make([]types.QueueItem, 0, len(items))
	for _, item := range items {
		keep := false
		if item.DownloadID != 0 {
			rec, err := q.cfg.Records.GetByID(ctx, item.DownloadID)
			switch {
			case errors.Is(err, records.ErrNotFound):
			case err != nil:
				return nil, fmt.Errorf("admission: check finished item %d: %w", item.ID, err)
			default:
				keep = rec.Status != types.RecordLoading && rec.Status != types.RecordRemoved
				if keep {
					q.progress[rec.Name] = progressFromRecord(item.Request, rec)
				}
			}
		}

		if !keep {
			if err := q.cfg.Finished.Remove(item); err != nil {
				q.log.Warn().Err(err).Uint64("id", item.ID).Msg("failed to delete stale finished record")
			}
			continue
		}
		kept = append(kept, item)
	}
	return kept, nil
}

// ============================================================================
// Enqueue / Refresh
// ============================================================================

// Enqueue adds the request to the back of the pending line. It returns false
// without error when the request is rejected: empty URL, already queued,
// launched or running, or a loading record exists for its target.
func (q *Queue) Enqueue(ctx context.Context, req types.Request) (bool, error) {
	if req.URL == "" {
		q.reject(req, RejectEmptyURL)
		return false, nil
	}

	id := req.Identity()
	if indexOfIdentity(q.launched, id) >= 0 || indexOfIdentity(q.pending, id) >= 0 || indexOfIdentity(q.running, id) >= 0 {
		q.reject(req, RejectDuplicate)
		return false, nil
	}

	rec, err := q.cfg.Records.FindByTarget(ctx, req.TargetName())
	if err != nil {
		return false, fmt.Errorf("admission: look up record for %s: %w", req.TargetName(), err)
	}
	if rec != nil && rec.IsLoading() {
		q.reject(req, RejectLoading)
		return false, nil
	}

	item := types.QueueItem{ID: q.lastID + 1, Request: req}
	if err := q.cfg.Pending.Add(item); err != nil {
		return false, fmt.Errorf("admission: persist item %d: %w", item.ID, err)
	}
	q.lastID = item.ID
	q.pending = append(q.pending, item)

	q.log.Info().Uint64("id", item.ID).Str("target", req.TargetName()).Msg("added to queue")
	q.cfg.Metrics.ItemEnqueued()
	q.reportSizes()
	q.cfg.Publisher.Publish(types.QueueEvent{Kind: types.EventAddedToQueue, Request: req})
	return true, nil
}

func (q *Queue) reject(req types.Request, reason string) {
	q.log.Debug().Str("url", req.URL).Str("target", req.TargetName()).Str("reason", reason).Msg("enqueue rejected")
	q.cfg.Metrics.EnqueueRejected(reason)
}

// Refresh admits pending items in FIFO order while the cap allows. Admission
// stops at the first item that does not fit; nothing behind it is started.
// It returns the number of accepted start attempts.
func (q *Queue) Refresh(ctx context.Context) (int, error) {
	limit := q.cfg.Limits.CurrentMaxConcurrent()
	loading, err := q.cfg.Records.CountLoading(ctx)
	if err != nil {
		return 0, fmt.Errorf("admission: count loading: %w", err)
	}
	active := loading + len(q.launched)

	started := 0
	consumed := 0
	for _, item := range q.pending {
		if limit != 0 && active >= limit {
			break
		}
		consumed++

		if indexOfID(q.launched, item.ID) < 0 {
			if q.cfg.Executor.Start(ctx, item.Request) {
				q.log.Info().Uint64("id", item.ID).Str("target", item.Request.TargetName()).Msg("start accepted")
				q.launched = append(q.launched, item)
				active++
				started++
				q.cfg.Metrics.StartAttempted(true)
			} else {
				q.log.Warn().Uint64("id", item.ID).Str("target", item.Request.TargetName()).Msg("start refused")
				q.cfg.Metrics.StartAttempted(false)
				q.cfg.Publisher.Publish(types.QueueEvent{Kind: types.EventStartFailed, Request: item.Request})
			}
		}

		if err := q.cfg.Pending.Remove(item); err != nil {
			q.log.Warn().Err(err).Uint64("id", item.ID).Msg("failed to delete pending record")
		}
	}

	if consumed > 0 {
		q.pending = append([]types.QueueItem(nil), q.pending[consumed:]...)
		q.reportSizes()
	}
	return started, nil
}

// ============================================================================
// Lifecycle events
// ============================================================================

// OnStartConfirmed frees the launch slot of the request. A positive
// confirmation moves the item to Running under its record id.
func (q *Queue) OnStartConfirmed(info types.StartInfo) {
	i := indexOfIdentity(q.launched, info.Request.Identity())
	if i < 0 {
		q.log.Debug().Str("target", info.Request.TargetName()).Bool("started", info.Started).Msg("start confirmation for unknown item")
		return
	}
	item := q.launched[i]
	q.launched = removeAt(q.launched, i)

	if info.Started {
		item.DownloadID = info.RecordID
		if err := q.cfg.Running.Add(item); err != nil {
			q.log.Warn().Err(err).Uint64("id", item.ID).Msg("failed to persist running item")
		}
		q.running = append(q.running, item)
		q.progress[item.Request.TargetName()] = Progress{
			Request:   item.Request,
			RecordID:  info.RecordID,
			State:     types.StateLoading,
			UpdatedAt: q.nowFn(),
		}
		q.log.Info().Uint64("id", item.ID).Int64("record_id", info.RecordID).Msg("transfer started")
	} else {
		q.log.Warn().Uint64("id", item.ID).Str("target", item.Request.TargetName()).Msg("transfer did not start")
	}
	q.reportSizes()
}

// OnStateChanged records progress and, for terminal states, moves the item
// from Running (or Launched, when the outcome overtook the start
// confirmation) to Finished.
func (q *Queue) OnStateChanged(ev types.StateEvent) {
	target := ev.Request.TargetName()
	q.progress[target] = Progress{
		Request:      ev.Request,
		RecordID:     ev.RecordID,
		State:        ev.State,
		CurrentBytes: ev.CurrentBytes,
		TotalBytes:   ev.TotalBytes,
		Error:        ev.Error,
		UpdatedAt:    q.nowFn(),
	}
	if !ev.State.IsTerminal() {
		return
	}
	q.cfg.Metrics.TransferFinished(ev.State)

	var (
		item  types.QueueItem
		found bool
	)
	if i := q.indexOfEvent(q.running, ev); i >= 0 {
		item = q.running[i]
		q.running = removeAt(q.running, i)
		if err := q.cfg.Running.Remove(item); err != nil {
			q.log.Warn().Err(err).Uint64("id", item.ID).Msg("failed to delete running record")
		}
		found = true
	} else if i := q.indexOfEvent(q.launched, ev); i >= 0 {
		item = q.launched[i]
		q.launched = removeAt(q.launched, i)
		found = true
	}
	if !found {
		q.log.Debug().Str("target", target).Str("state", string(ev.State)).Msg("terminal state for unknown item")
		return
	}

	if ev.RecordID != 0 {
		item.DownloadID = ev.RecordID
	}
	if ev.Request.URL != "" {
		item.Request = ev.Request
	}
	q.addFinished(item)

	q.log.Info().
		Uint64("id", item.ID).
		Int64("record_id", item.DownloadID).
		Str("state", string(ev.State)).
		Msg("transfer finished")
	q.reportSizes()
}

// addFinished stores item, replacing an older entry for the same record.
func (q *Queue) addFinished(item types.QueueItem) {
	if item.DownloadID != 0 {
		if i := indexOfDownload(q.finished, item.DownloadID); i >= 0 {
			prev := q.finished[i]
			q.finished = removeAt(q.finished, i)
			if prev.ID != item.ID {
				if err := q.cfg.Finished.Remove(prev); err != nil {
					q.log.Warn().Err(err).Uint64("id", prev.ID).Msg("failed to delete replaced finished record")
				}
			}
		}
	}
	// recovery drops items without a record, so they stay in memory only
	if item.DownloadID != 0 {
		if err := q.cfg.Finished.Add(item); err != nil {
			q.log.Warn().Err(err).Uint64("id", item.ID).Msg("failed to persist finished item")
		}
	}
	q.finished = append(q.finished, item)
}

// Suspend writes every launched item back to the pending store under its
// current id and returns how many were written. Their pending records were
// dropped when the start was accepted, so without this a stop before the
// executor confirms the start would lose them. The in-memory state is left
// untouched; the queue must not be used again until Recover.
func (q *Queue) Suspend() int {
	n := 0
	for _, item := range q.launched {
		if err := q.cfg.Pending.Add(item); err != nil {
			q.log.Warn().Err(err).Uint64("id", item.ID).Msg("failed to return launched item to pending")
			continue
		}
		n++
	}
	return n
}

// OnRetryRequested puts the request at the back of the line under a new id.
func (q *Queue) OnRetryRequested(ctx context.Context, req types.Request) (bool, error) {
	q.cfg.Metrics.RetryRequested()
	return q.Enqueue(ctx, req)
}

// ============================================================================
// Maintenance
// ============================================================================

// ClearPending drops every pending item.
func (q *Queue) ClearPending() error {
	q.pending = nil
	q.reportSizes()
	if err := q.cfg.Pending.Clear(); err != nil {
		return fmt.Errorf("admission: clear pending: %w", err)
	}
	return nil
}

// ClearFinished drops every finished item, and with withRecords also every
// finished record.
func (q *Queue) ClearFinished(ctx context.Context, withRecords bool) error {
	for _, item := range q.finished {
		q.dropProgress(item)
	}
	q.finished = nil
	q.reportSizes()

	if err := q.cfg.Finished.Clear(); err != nil {
		return fmt.Errorf("admission: clear finished: %w", err)
	}
	if withRecords {
		if _, err := q.cfg.Records.RemoveFinished(ctx); err != nil {
			return fmt.Errorf("admission: remove finished records: %w", err)
		}
	}
	return nil
}

// RemoveFinished drops the finished item of one record. It reports whether
// such an item existed.
func (q *Queue) RemoveFinished(ctx context.Context, downloadID int64, withRecords bool) (bool, error) {
	i := indexOfDownload(q.finished, downloadID)
	if i < 0 {
		return false, nil
	}
	item := q.finished[i]
	q.finished = removeAt(q.finished, i)
	q.dropProgress(item)
	q.reportSizes()

	if err := q.cfg.Finished.Remove(item); err != nil {
		q.log.Warn().Err(err).Uint64("id", item.ID).Msg("failed to delete finished record")
	}
	if withRecords {
		if err := q.cfg.Records.Remove(ctx, downloadID); err != nil {
			return true, fmt.Errorf("admission: remove record %d: %w", downloadID, err)
		}
	}
	return true, nil
}

func (q *Queue) dropProgress(item types.QueueItem) {
	target := item.Request.TargetName()
	if p, ok := q.progress[target]; ok && p.State.IsTerminal() {
		delete(q.progress, target)
	}
}

// ============================================================================
// Queries
// ============================================================================

func (q *Queue) Stats() Stats {
	return Stats{
		Pending:  len(q.pending),
		Launched: len(q.launched),
		Running:  len(q.running),
		Finished: len(q.finished),
		LastID:   q.lastID,
	}
}

// View returns copies of every set; progress is ordered by target name.
func (q *Queue) View() View {
	v := View{
		Pending:  append([]types.QueueItem(nil), q.pending...),
		Launched: append([]types.QueueItem(nil), q.launched...),
		Running:  append([]types.QueueItem(nil), q.running...),
		Finished: append([]types.QueueItem(nil), q.finished...),
		Progress: make([]Progress, 0, len(q.progress)),
	}
	for _, p := range q.progress {
		v.Progress = append(v.Progress, p)
	}
	sort.Slice(v.Progress, func(i, j int) bool {
		return v.Progress[i].Request.TargetName() < v.Progress[j].Request.TargetName()
	})
	return v
}

func (q *Queue) reportSizes() {
	q.cfg.Metrics.QueueSizes(len(q.pending), len(q.launched), len(q.running), len(q.finished))
}

// ============================================================================
// Helpers
// ============================================================================

// indexOfEvent matches by identity, or by record id once the item has one.
func (q *Queue) indexOfEvent(items []types.QueueItem, ev types.StateEvent) int {
	if i := indexOfIdentity(items, ev.Request.Identity()); i >= 0 {
		return i
	}
	if ev.RecordID != 0 {
		return indexOfDownload(items, ev.RecordID)
	}
	return -1
}

func indexOfIdentity(items []types.QueueItem, id types.Identity) int {
	for i := range items {
		if items[i].Request.Identity() == id {
			return i
		}
	}
	return -1
}

func indexOfID(items []types.QueueItem, id uint64) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func indexOfDownload(items []types.QueueItem, downloadID int64) int {
	for i := range items {
		if items[i].DownloadID == downloadID {
			return i
		}
	}
	return -1
}

func removeAt(items []types.QueueItem, i int) []types.QueueItem {
	return append(items[:i:i], items[i+1:]...)
}

func progressFromRecord(req types.Request, rec types.DownloadRecord) Progress {
	state := types.StateFailed
	switch rec.Status {
	case types.RecordSuccess:
		state = types.StateSuccess
	case types.RecordCancelled:
		state = types.StateCancelled
	}
	return Progress{
		Request:   req,
		RecordID:  rec.ID,
		State:     state,
		Error:     rec.Error,
		UpdatedAt: time.UnixMilli(rec.UpdatedAt),
	}
}
