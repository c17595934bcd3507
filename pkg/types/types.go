// Package types defines the core domain model shared by the dlqueue packages.
package types

import (
	"path"
	"strings"
	"time"
)

// HashInfo is an expected checksum of the downloaded resource.
type HashInfo struct {
	Algorithm string `json:"algorithm"` // md5, sha1 or sha256
	Value     string `json:"value"`     // hex encoded digest
}

// IsEmpty reports whether no usable hash is set.
func (h *HashInfo) IsEmpty() bool {
	return h == nil || h.Algorithm == "" || h.Value == ""
}

// Request describes one download as supplied by a caller.
type Request struct {
	URL             string            `json:"url"`
	FileName        string            `json:"file_name"`
	SubDir          string            `json:"sub_dir,omitempty"`
	ReplaceExisting bool              `json:"replace_existing,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Hash            *HashInfo         `json:"hash,omitempty"`
}

// TargetName is the final name of the resource relative to the download root.
func (r Request) TargetName() string {
	sub := strings.Trim(path.Clean("/"+strings.ReplaceAll(r.SubDir, "\\", "/")), "/")
	if sub == "" {
		return r.FileName
	}
	return sub + "/" + r.FileName
}

// Identity is the deduplication key of a request: two requests with the same
// identity would overwrite the same target.
type Identity struct {
	URL    string
	Target string
}

// Identity returns the (source, target) pair of the request.
func (r Request) Identity() Identity {
	return Identity{URL: r.URL, Target: r.TargetName()}
}

// SameAs reports whether both requests denote the same logical download.
func (r Request) SameAs(other Request) bool {
	return r.Identity() == other.Identity()
}

// QueueItem is a request accepted by the queue, ordered by its sequence id.
type QueueItem struct {
	ID         uint64  `json:"id"`
	Request    Request `json:"request"`
	DownloadID int64   `json:"download_id,omitempty"` // record id, known after start confirmation
}

// DownloadState is the lifecycle state reported for a transfer.
type DownloadState string

const (
	StateLoading   DownloadState = "loading"
	StateSuccess   DownloadState = "success"
	StateFailed    DownloadState = "failed"
	StateCancelled DownloadState = "cancelled"
)

// IsTerminal reports whether no further events follow this state.
func (s DownloadState) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCancelled:
		return true
	}
	return false
}

// RecordStatus is the status column of a download record.
type RecordStatus string

const (
	RecordLoading   RecordStatus = "loading"
	RecordSuccess   RecordStatus = "success"
	RecordFailed    RecordStatus = "failed"
	RecordCancelled RecordStatus = "cancelled"
	RecordRemoved   RecordStatus = "removed" // abandoned by an unclean shutdown
)

// DownloadRecord is one row of the durable download record table.
type DownloadRecord struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"` // target name
	URL       string       `json:"url"`
	Status    RecordStatus `json:"status"`
	LocalPath string       `json:"local_path,omitempty"`
	Error     string       `json:"error,omitempty"`
	CreatedAt int64        `json:"created_at"` // Unix milliseconds
	UpdatedAt int64        `json:"updated_at"` // Unix milliseconds
}

// IsLoading reports whether the record occupies a concurrency slot.
func (r DownloadRecord) IsLoading() bool {
	return r.Status == RecordLoading
}

// StartInfo is the executor's confirmation (or refusal) of a start attempt.
type StartInfo struct {
	Request  Request
	Started  bool
	RecordID int64
}

// StateEvent is a lifecycle update of a running transfer.
type StateEvent struct {
	Request      Request
	State        DownloadState
	RecordID     int64
	CurrentBytes int64
	TotalBytes   int64
	Error        string
}

// QueueEventKind classifies outbound queue notifications.
type QueueEventKind string

const (
	EventAddedToQueue QueueEventKind = "added_to_queue"
	EventStartFailed  QueueEventKind = "start_failed"
)

// QueueEvent is published for observers when the queue accepts a request or
// fails to start it.
type QueueEvent struct {
	ID      string         `json:"id"`
	Kind    QueueEventKind `json:"kind"`
	Request Request        `json:"request"`
	At      time.Time      `json:"at"`
}
