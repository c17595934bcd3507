package admission

import (
	"context"
	"time"

	"github.com/ChuLiYu/dlqueue/pkg/types"
)

// Executor starts transfers. Start must not block on the transfer itself:
// true means the attempt was accepted, false means it was refused outright.
type Executor interface {
	Start(ctx context.Context, req types.Request) bool
}

// RecordStore is the part of the record table the queue reads and prunes.
type RecordStore interface {
	CountLoading(ctx context.Context) (int, error)
	GetByID(ctx context.Context, id int64) (types.DownloadRecord, error)
	FindByTarget(ctx context.Context, name string) (*types.DownloadRecord, error)
	MarkUnfinishedRemoved(ctx context.Context) (int, error)
	RemoveFinished(ctx context.Context) (int, error)
	Remove(ctx context.Context, id int64) error
}

// ItemStore persists one collection of queue items.
type ItemStore interface {
	Add(item types.QueueItem) error
	Remove(item types.QueueItem) error
	RestoreAll() ([]types.QueueItem, error)
	Clear() error
}

// Limits supplies the concurrency cap; 0 means unlimited.
type Limits interface {
	CurrentMaxConcurrent() int
}

// Publisher receives outbound queue events.
type Publisher interface {
	Publish(ev types.QueueEvent)
}

// Recorder receives queue metrics. A nil Recorder in Config is replaced by a no-op.
type Recorder interface {
	ItemEnqueued()
	EnqueueRejected(reason string)
	StartAttempted(accepted bool)
	TransferFinished(state types.DownloadState)
	RetryRequested()
	QueueSizes(pending, launched, running, finished int)
	Recovered(items int, took time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ItemEnqueued()                        {}
func (nopRecorder) EnqueueRejected(string)               {}
func (nopRecorder) StartAttempted(bool)                  {}
func (nopRecorder) TransferFinished(types.DownloadState) {}
func (nopRecorder) RetryRequested()                      {}
func (nopRecorder) QueueSizes(int, int, int, int)        {}
func (nopRecorder) Recovered(int, time.Duration)         {}
