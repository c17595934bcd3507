package admission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/dlqueue/internal/storage/records"
	"github.com/ChuLiYu/dlqueue/pkg/types"
)

// memStore is an in-memory ItemStore with failure injection.
type memStore struct {
	items   map[uint64]types.QueueItem
	addErr  error
	removes int
}

func newMemStore() *memStore {
	return &memStore{items: make(map[uint64]types.QueueItem)}
}

func (s *memStore) Add(item types.QueueItem) error {
	if s.addErr != nil {
		return s.addErr
	}
	s.items[item.ID] = item
	return nil
}

func (s *memStore) Remove(item types.QueueItem) error {
	s.removes++
	delete(s.items, item.ID)
	return nil
}

func (s *memStore) RestoreAll() ([]types.QueueItem, error) {
	out := make([]types.QueueItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Clear() error {
	s.items = make(map[uint64]types.QueueItem)
	return nil
}

func (s *memStore) ids() []uint64 {
	items, _ := s.RestoreAll()
	ids := make([]uint64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

// fakeRecords is a record table keyed by id.
type fakeRecords struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]types.DownloadRecord
	err     error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{records: make(map[int64]types.DownloadRecord)}
}

func (r *fakeRecords) open(req types.Request) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.records[r.nextID] = types.DownloadRecord{
		ID:     r.nextID,
		Name:   req.TargetName(),
		URL:    req.URL,
		Status: types.RecordLoading,
	}
	return r.nextID
}

func (r *fakeRecords) finish(id int64, status types.RecordStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[id]
	rec.Status = status
	r.records[id] = rec
}

func (r *fakeRecords) CountLoading(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	n := 0
	for _, rec := range r.records {
		if rec.IsLoading() {
			n++
		}
	}
	return n, nil
}

func (r *fakeRecords) GetByID(ctx context.Context, id int64) (types.DownloadRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return rec, fmt.Errorf("%w: %d", records.ErrNotFound, id)
	}
	return rec, nil
}

func (r *fakeRecords) FindByTarget(ctx context.Context, name string) (*types.DownloadRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, rec := range r.records {
		if rec.Name == name {
			rec := rec
			return &rec, nil
		}
	}
	return nil, nil
}

func (r *fakeRecords) MarkUnfinishedRemoved(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.records {
		if rec.IsLoading() {
			rec.Status = types.RecordRemoved
			r.records[id] = rec
			n++
		}
	}
	return n, nil
}

func (r *fakeRecords) RemoveFinished(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.records {
		if !rec.IsLoading() {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeRecords) Remove(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

// fakeExecutor accepts or refuses start attempts per URL.
type fakeExecutor struct {
	refuse  map[string]bool
	started []types.Request
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{refuse: make(map[string]bool)}
}

func (e *fakeExecutor) Start(ctx context.Context, req types.Request) bool {
	e.started = append(e.started, req)
	return !e.refuse[req.URL]
}

func (e *fakeExecutor) urls() []string {
	out := make([]string, len(e.started))
	for i, r := range e.started {
		out[i] = r.URL
	}
	return out
}

type fixedLimit int

func (l fixedLimit) CurrentMaxConcurrent() int { return int(l) }

type fakePublisher struct {
	events []types.QueueEvent
}

func (p *fakePublisher) Publish(ev types.QueueEvent) {
	p.events = append(p.events, ev)
}

func (p *fakePublisher) kinds() []types.QueueEventKind {
	out := make([]types.QueueEventKind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

// countingRecorder keeps the calls the queue makes on its Recorder.
type countingRecorder struct {
	enqueued  int
	rejected  map[string]int
	attempts  map[bool]int
	finished  map[types.DownloadState]int
	retries   int
	recovered int
	sizes     [4]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		rejected: make(map[string]int),
		attempts: make(map[bool]int),
		finished: make(map[types.DownloadState]int),
	}
}

func (c *countingRecorder) ItemEnqueued() {
	c.enqueued++
}

func (c *countingRecorder) EnqueueRejected(reason string) {
	c.rejected[reason]++
}

func (c *countingRecorder) StartAttempted(accepted bool) {
	c.attempts[accepted]++
}

func (c *countingRecorder) TransferFinished(state types.DownloadState) {
	c.finished[state]++
}

func (c *countingRecorder) RetryRequested() {
	c.retries++
}

func (c *countingRecorder) QueueSizes(pending, launched, running, finished int) {
	c.sizes = [4]int{pending, launched, running, finished}
}

func (c *countingRecorder) Recovered(items int, took time.Duration) {
	c.recovered = items
}

var errDisk = errors.New("disk full")
