// Package notifier carries lifecycle events between the executor and the
// queue, and fans queue events out to observers.
package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dlqueue/pkg/logger"
	"github.com/ChuLiYu/dlqueue/pkg/types"
)

// Bus is an in-process event bus.
//
// Inbound streams (start, state, retry) are buffered channels read by a single
// consumer; senders block when the buffer is full, so no lifecycle event is
// ever dropped. Outbound QueueEvents are delivered best effort: a slow
// subscriber misses events instead of stalling the queue.
type Bus struct {
	starts  chan types.StartInfo
	states  chan types.StateEvent
	retries chan types.Request

	mu     sync.RWMutex
	subs   map[int]chan types.QueueEvent
	nextID int

	nowFn func() time.Time
	log   zerolog.Logger
}

// NewBus creates a bus whose inbound channels hold up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		starts:  make(chan types.StartInfo, buffer),
		states:  make(chan types.StateEvent, buffer),
		retries: make(chan types.Request, buffer),
		subs:    make(map[int]chan types.QueueEvent),
		nowFn:   time.Now,
		log:     logger.With("notifier"),
	}
}

// NotifyStarted confirms that a transfer began and owns record recordID.
func (b *Bus) NotifyStarted(ctx context.Context, req types.Request, recordID int64) error {
	return send(ctx, b.starts, types.StartInfo{Request: req, Started: true, RecordID: recordID})
}

// NotifyNotStarted reports that an accepted start attempt was abandoned.
func (b *Bus) NotifyNotStarted(ctx context.Context, req types.Request) error {
	return send(ctx, b.starts, types.StartInfo{Request: req})
}

// NotifyState reports a lifecycle update of a transfer.
func (b *Bus) NotifyState(ctx context.Context, ev types.StateEvent) error {
	return send(ctx, b.states, ev)
}

// NotifyRetry asks the queue to schedule the request again.
func (b *Bus) NotifyRetry(ctx context.Context, req types.Request) error {
	return send(ctx, b.retries, req)
}

func (b *Bus) StartEvents() <-chan types.StartInfo  { return b.starts }
func (b *Bus) StateEvents() <-chan types.StateEvent { return b.states }
func (b *Bus) RetryEvents() <-chan types.Request    { return b.retries }

// Publish stamps the event with an id and time when missing and hands it to
// every subscriber that has room.
func (b *Bus) Publish(ev types.QueueEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = b.nowFn()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn().Int("subscriber", id).Str("event", string(ev.Kind)).Msg("subscriber is full, dropping queue event")
		}
	}
}

// Subscribe registers an observer. The returned cancel function unregisters it
// and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan types.QueueEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan types.QueueEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
