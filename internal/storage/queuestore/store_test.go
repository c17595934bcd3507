package queuestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dlqueue/pkg/types"
)

func newTestItem(id uint64) types.QueueItem {
	return types.QueueItem{
		ID: id,
		Request: types.Request{
			URL:      fmt.Sprintf("https://example.com/file-%d.bin", id),
			FileName: fmt.Sprintf("file-%d.bin", id),
			SubDir:   "test",
			Headers:  map[string]string{"Authorization": "Bearer x"},
			Hash:     &types.HashInfo{Algorithm: "sha256", Value: "abcd"},
		},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), "download_pending_queue")
	require.NoError(t, err)
	return s
}

func TestNewCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, "queue")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(root, "queue"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, "queue", s.Name())
}

func TestNewRemovesStaleTempFiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "queue")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	stale := filepath.Join(dir, "item_3.dat.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("{"), 0o644))

	_, err := New(root, "queue")
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale temp file should be removed")
}

func TestAddAndRestoreAll(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []uint64{3, 1, 2} {
		require.NoError(t, s.Add(newTestItem(id)))
	}

	items, err := s.RestoreAll()
	require.NoError(t, err)
	require.Len(t, items, 3)

	for i, item := range items {
		assert.Equal(t, uint64(i+1), item.ID, "items must be sorted by id")
		assert.Equal(t, newTestItem(item.ID), item, "item must round-trip exactly")
	}

	_, err = os.Stat(filepath.Join(s.Dir(), "item_1.dat"))
	assert.NoError(t, err, "record should be named after its id")
}

func TestAddOverwritesSameID(t *testing.T) {
	s := newTestStore(t)

	item := newTestItem(1)
	require.NoError(t, s.Add(item))
	item.DownloadID = 42
	require.NoError(t, s.Add(item))

	items, err := s.RestoreAll()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(42), items[0].DownloadID)
}

func TestWithKeyByDownloadID(t *testing.T) {
	s, err := New(t.TempDir(), "download_finished_queue", WithKey(ByDownloadID))
	require.NoError(t, err)

	// two items sharing a sequence id, as after a renumbering recovery
	a := newTestItem(1)
	a.DownloadID = 10
	b := newTestItem(1)
	b.Request.FileName = "other.bin"
	b.DownloadID = 20
	require.NoError(t, s.Add(a))
	require.NoError(t, s.Add(b))

	items, err := s.RestoreAll()
	require.NoError(t, err)
	require.Len(t, items, 2, "same sequence id must not overwrite")
	assert.Equal(t, a, items[0])
	assert.Equal(t, b, items[1])

	_, err = os.Stat(filepath.Join(s.Dir(), "item_20.dat"))
	assert.NoError(t, err, "record should be named after its download id")

	require.NoError(t, s.Remove(a))
	items, err = s.RestoreAll()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(20), items[0].DownloadID)
}

func TestRestoreAllDropsRecordUnderWrongKey(t *testing.T) {
	s, err := New(t.TempDir(), "download_finished_queue", WithKey(ByDownloadID))
	require.NoError(t, err)

	item := newTestItem(5)
	item.DownloadID = 9
	require.NoError(t, s.Add(item))
	require.NoError(t, os.Rename(filepath.Join(s.Dir(), "item_9.dat"), filepath.Join(s.Dir(), "item_5.dat")))

	items, err := s.RestoreAll()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add(newTestItem(1)))
	require.NoError(t, s.Add(newTestItem(2)))

	assert.NoError(t, s.Remove(newTestItem(1)))
	assert.NoError(t, s.Remove(newTestItem(1)), "second remove must not fail")
	assert.NoError(t, s.Remove(newTestItem(99)), "removing an unknown item must not fail")

	items, err := s.RestoreAll()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, uint64(2), items[0].ID, "other items are untouched")
}

func TestRestoreAllDropsCorruptRecords(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add(newTestItem(1)))
	require.NoError(t, s.Add(newTestItem(2)))

	garbage := filepath.Join(s.Dir(), "item_7.dat")
	require.NoError(t, os.WriteFile(garbage, []byte("not json"), 0o644))
	empty := filepath.Join(s.Dir(), "item_8.dat")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	items, err := s.RestoreAll()
	require.NoError(t, err)
	require.Len(t, items, 2)

	for _, p := range []string{garbage, empty} {
		_, err = os.Stat(p)
		assert.True(t, os.IsNotExist(err), "corrupt record %s should be deleted", p)
	}
}

func TestRestoreAllDetectsChecksumMismatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add(newTestItem(1)))

	path := filepath.Join(s.Dir(), "item_1.dat")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "file-1.bin", "file-9.bin", 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	_, err = readRecord(path)
	require.Error(t, err)
	var csErr *ChecksumError
	assert.True(t, errors.As(err, &csErr))
	assert.True(t, errors.Is(err, ErrCorruptedRecord))

	items, err := s.RestoreAll()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRestoreAllIgnoresForeignFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add(newTestItem(1)))

	foreign := filepath.Join(s.Dir(), "notes.txt")
	require.NoError(t, os.WriteFile(foreign, []byte("keep me"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(s.Dir(), "item_5.dat"), 0o755))

	items, err := s.RestoreAll()
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = os.Stat(foreign)
	assert.NoError(t, err, "unrelated files are left alone")
}

func TestRestoreAllOnMissingDirectory(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.RemoveAll(s.Dir()))

	items, err := s.RestoreAll()
	assert.NoError(t, err)
	assert.Empty(t, items)
}

func TestClear(t *testing.T) {
	s := newTestStore(t)
	for id := uint64(1); id <= 5; id++ {
		require.NoError(t, s.Add(newTestItem(id)))
	}

	require.NoError(t, s.Clear())

	items, err := s.RestoreAll()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestConcurrentAddRemoveDifferentIDs(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for id := uint64(1); id <= 50; id++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			item := newTestItem(id)
			assert.NoError(t, s.Add(item))
			if id%2 == 0 {
				assert.NoError(t, s.Remove(item))
			}
		}(id)
	}
	wg.Wait()

	items, err := s.RestoreAll()
	require.NoError(t, err)
	require.Len(t, items, 25)
	for _, item := range items {
		assert.Equal(t, uint64(1), item.ID%2)
	}
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name   string
		wantID uint64
		wantOK bool
	}{
		{"item_1.dat", 1, true},
		{"item_123.dat", 123, true},
		{"item_1.dat.tmp", 0, false},
		{"item_.dat", 0, false},
		{"item_x.dat", 0, false},
		{"other_1.dat", 0, false},
	}

	for _, tt := range tests {
		id, ok := parseFileName(tt.name)
		assert.Equal(t, tt.wantOK, ok, tt.name)
		assert.Equal(t, tt.wantID, id, tt.name)
	}
}
