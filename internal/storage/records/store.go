// Package records holds the durable download record table: one row per target
// name, carrying the status of the last transfer into that target.
package records

import (
	"context"
	"errors"

	"github.com/ChuLiYu/dlqueue/pkg/types"
)

var (
	// ErrNotFound is returned when no record has the requested id
	ErrNotFound = errors.New("records: record not found")

	// ErrAlreadyLoading is returned when a loading record for the target already exists
	ErrAlreadyLoading = errors.New("records: target is already loading")
)

// Store is the record table as seen by the queue and the executor.
//
// Every mutation signals Changes(); a burst of mutations may collapse into a
// single signal.
type Store interface {
	// BeginLoading opens a loading record for the request target and returns
	// its id. A previous finished record for the same target is replaced.
	BeginLoading(ctx context.Context, req types.Request) (int64, error)

	// Finish moves a record to a terminal status.
	Finish(ctx context.Context, id int64, status types.RecordStatus, localPath, errMsg string) error

	CountLoading(ctx context.Context) (int, error)
	GetAllRaw(ctx context.Context) ([]types.DownloadRecord, error)
	GetByID(ctx context.Context, id int64) (types.DownloadRecord, error)

	// FindByTarget returns the record of a target name, or nil when none exists.
	FindByTarget(ctx context.Context, name string) (*types.DownloadRecord, error)

	// MarkUnfinishedRemoved flips every loading record to removed. Called at
	// startup: a loading record that survived a restart has no transfer behind it.
	MarkUnfinishedRemoved(ctx context.Context) (int, error)

	// RemoveFinished deletes every record that is not loading.
	RemoveFinished(ctx context.Context) (int, error)

	// Remove deletes one record. A missing record is not an error.
	Remove(ctx context.Context, id int64) error

	Changes() <-chan struct{}
	Close() error
}

// signal is a single-slot change notifier shared by the backends.
type signal chan struct{}

func newSignal() signal {
	return make(signal, 1)
}

func (s signal) notify() {
	select {
	case s <- struct{}{}:
	default:
	}
}
