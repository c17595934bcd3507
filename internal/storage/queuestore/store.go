package queuestore

// ============================================================================
// Durable queue store
// Responsibility:
// 1. Persist every QueueItem as its own file, named after its key (the
//    sequence id unless the collection is opened WithKey)
// 2. Write each record atomically (temp file + rename) so a crash leaves
//    either the old state or the new one, never half a record
// 3. Restore all records at startup, dropping the ones that fail to decode
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dlqueue/pkg/logger"
	"github.com/ChuLiYu/dlqueue/pkg/types"
)

const (
	filePrefix = "item_"
	fileExt    = ".dat"
	tmpExt     = ".tmp"

	schemaVersion = 1
)

// Store keeps one collection of queue items under <root>/<name>.
//
// Files are independent of each other, so Add/Remove/RestoreAll for
// different keys may run concurrently. Same-key races are the caller's
// problem: the queue never re-adds a key it has not removed.
type Store struct {
	name string
	dir  string
	key  KeyFunc
	log  zerolog.Logger
}

// KeyFunc names the file an item is stored under.
type KeyFunc func(types.QueueItem) uint64

// Option configures a Store.
type Option func(*Store)

// BySequenceID keys items by their queue sequence id. This is the default.
func BySequenceID(item types.QueueItem) uint64 { return item.ID }

// ByDownloadID keys items by their download record id. Sequence ids are
// reassigned on recovery, record ids are not, so collections that outlive a
// renumbering (finished) use this key.
func ByDownloadID(item types.QueueItem) uint64 { return uint64(item.DownloadID) }

// WithKey overrides the key items are stored under.
func WithKey(fn KeyFunc) Option {
	return func(s *Store) { s.key = fn }
}

// envelope is the on-disk format of one record.
type envelope struct {
	Version  int             `json:"version"`
	Checksum uint32          `json:"checksum"`
	Item     json.RawMessage `json:"item"`
}

// New opens (creating when missing) the collection directory and removes temp
// files left behind by an interrupted write.
func New(root, name string, opts ...Option) (*Store, error) {
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queuestore: create %s: %w", dir, err)
	}

	s := &Store{
		name: name,
		dir:  dir,
		key:  BySequenceID,
		log:  logger.With("queuestore").With().Str("collection", name).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	stale, _ := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileExt+tmpExt))
	for _, p := range stale {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("file", p).Msg("failed to remove stale temp file")
		}
	}

	return s, nil
}

// Name returns the collection name.
func (s *Store) Name() string {
	return s.name
}

// Dir returns the collection directory.
func (s *Store) Dir() string {
	return s.dir
}

// Add writes the item to its own record, replacing any previous record with
// the same key.
func (s *Store) Add(item types.QueueItem) error {
	key := s.key(item)
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queuestore: marshal item %d: %w", key, err)
	}

	data, err := json.Marshal(envelope{
		Version:  schemaVersion,
		Checksum: checksum(payload),
		Item:     payload,
	})
	if err != nil {
		return fmt.Errorf("queuestore: marshal envelope %d: %w", key, err)
	}

	path := s.pathFor(key)
	tmpPath := path + tmpExt

	if err := writeSynced(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("queuestore: write item %d: %w", key, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("queuestore: rename item %d: %w", key, err)
	}

	return nil
}

// Remove deletes the record of the item. A missing record is not an error.
func (s *Store) Remove(item types.QueueItem) error {
	return s.removeID(s.key(item))
}

func (s *Store) removeID(id uint64) error {
	if err := os.Remove(s.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queuestore: remove item %d: %w", id, err)
	}
	return nil
}

// RestoreAll reads every record of the collection, sorted by sequence id
// ascending.
// Records that cannot be decoded are deleted and left out of the result.
func (s *Store) RestoreAll() ([]types.QueueItem, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("queuestore: read %s: %w", s.dir, err)
	}

	items := make([]types.QueueItem, 0, len(entries))
	for _, entry := range entries {
		id, ok := parseFileName(entry.Name())
		if entry.IsDir() || !ok {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		item, err := readRecord(path)
		if err == nil && s.key(item) != id {
			err = fmt.Errorf("%w: file key %d holds item keyed %d", ErrCorruptedRecord, id, s.key(item))
		}
		if err != nil {
			s.log.Warn().Err(err).Str("file", path).Msg("dropping unreadable queue record")
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				s.log.Warn().Err(rmErr).Str("file", path).Msg("failed to delete unreadable queue record")
			}
			continue
		}

		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// Clear deletes every record in the collection.
func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("queuestore: read %s: %w", s.dir, err)
	}

	var errs []error
	for _, entry := range entries {
		if _, ok := parseFileName(entry.Name()); !ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("queuestore: clear %s: %w", s.name, errors.Join(errs...))
	}
	return nil
}

func (s *Store) pathFor(id uint64) string {
	return filepath.Join(s.dir, fileName(id))
}

func fileName(id uint64) string {
	return filePrefix + strconv.FormatUint(id, 10) + fileExt
}

// parseFileName accepts exactly item_<id>.dat.
func parseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func readRecord(path string) (types.QueueItem, error) {
	var item types.QueueItem

	data, err := os.ReadFile(path)
	if err != nil {
		return item, err
	}
	if len(data) == 0 {
		return item, fmt.Errorf("%w: empty file", ErrCorruptedRecord)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return item, fmt.Errorf("%w: %v", ErrCorruptedRecord, err)
	}
	if env.Version != schemaVersion {
		return item, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.Version, schemaVersion)
	}
	if sum := checksum(env.Item); sum != env.Checksum {
		return item, &ChecksumError{Path: path, Expected: env.Checksum, Actual: sum}
	}
	if err := json.Unmarshal(env.Item, &item); err != nil {
		return item, fmt.Errorf("%w: %v", ErrCorruptedRecord, err)
	}

	return item, nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
