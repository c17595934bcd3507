package records

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dlqueue/pkg/types"
)

type backendFactory func(t *testing.T) Store

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "records.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			s := NewRedisStore(mr.Addr(), "test")
			require.NoError(t, s.Ping(context.Background()))
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

// forEachBackend runs the same contract against every implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func req(name string) types.Request {
	return types.Request{URL: "https://example.com/" + name, FileName: name, SubDir: "dl"}
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func TestBeginLoadingAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		id, err := s.BeginLoading(ctx, req("a.bin"))
		require.NoError(t, err)
		assert.Positive(t, id)

		rec, err := s.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "dl/a.bin", rec.Name)
		assert.Equal(t, "https://example.com/a.bin", rec.URL)
		assert.Equal(t, types.RecordLoading, rec.Status)
		assert.NotZero(t, rec.CreatedAt)

		n, err := s.CountLoading(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestBeginLoadingRejectsSecondLoadingRecord(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.BeginLoading(ctx, req("a.bin"))
		require.NoError(t, err)

		_, err = s.BeginLoading(ctx, req("a.bin"))
		assert.True(t, errors.Is(err, ErrAlreadyLoading))

		n, err := s.CountLoading(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestBeginLoadingReplacesFinishedRecord(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first, err := s.BeginLoading(ctx, req("a.bin"))
		require.NoError(t, err)
		require.NoError(t, s.Finish(ctx, first, types.RecordFailed, "", "boom"))

		second, err := s.BeginLoading(ctx, req("a.bin"))
		require.NoError(t, err)
		assert.NotEqual(t, first, second)

		_, err = s.GetByID(ctx, first)
		assert.True(t, errors.Is(err, ErrNotFound), "old record is replaced")

		all, err := s.GetAllRaw(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, second, all[0].ID)
	})
}

func TestFinish(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		id, err := s.BeginLoading(ctx, req("a.bin"))
		require.NoError(t, err)
		require.NoError(t, s.Finish(ctx, id, types.RecordSuccess, "/data/dl/a.bin", ""))

		rec, err := s.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.RecordSuccess, rec.Status)
		assert.Equal(t, "/data/dl/a.bin", rec.LocalPath)

		n, err := s.CountLoading(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		err = s.Finish(ctx, id+100, types.RecordSuccess, "", "")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestFindByTarget(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		rec, err := s.FindByTarget(ctx, "dl/a.bin")
		require.NoError(t, err)
		assert.Nil(t, rec)

		id, err := s.BeginLoading(ctx, req("a.bin"))
		require.NoError(t, err)

		rec, err = s.FindByTarget(ctx, "dl/a.bin")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, id, rec.ID)
		assert.True(t, rec.IsLoading())
	})
}

func TestMarkUnfinishedRemoved(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		a, err := s.BeginLoading(ctx, req("a.bin"))
		require.NoError(t, err)
		b, err := s.BeginLoading(ctx, req("b.bin"))
		require.NoError(t, err)
		require.NoError(t, s.Finish(ctx, b, types.RecordSuccess, "/x", ""))

		n, err := s.MarkUnfinishedRemoved(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rec, err := s.GetByID(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, types.RecordRemoved, rec.Status)

		rec, err = s.GetByID(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, types.RecordSuccess, rec.Status, "finished records are untouched")

		loading, err := s.CountLoading(ctx)
		require.NoError(t, err)
		assert.Zero(t, loading)
	})
}

func TestRemoveFinishedKeepsLoading(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		a, err := s.BeginLoading(ctx, req("a.bin"))
		require.NoError(t, err)
		b, err := s.BeginLoading(ctx, req("b.bin"))
		require.NoError(t, err)
		c, err := s.BeginLoading(ctx, req("c.bin"))
		require.NoError(t, err)
		require.NoError(t, s.Finish(ctx, b, types.RecordSuccess, "/b", ""))
		require.NoError(t, s.Finish(ctx, c, types.RecordCancelled, "", ""))

		n, err := s.RemoveFinished(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		all, err := s.GetAllRaw(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, a, all[0].ID)

		rec, err := s.FindByTarget(ctx, "dl/b.bin")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func TestRemoveIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		id, err := s.BeginLoading(ctx, req("a.bin"))
		require.NoError(t, err)

		require.NoError(t, s.Remove(ctx, id))
		require.NoError(t, s.Remove(ctx, id))

		_, err = s.GetByID(ctx, id)
		assert.True(t, errors.Is(err, ErrNotFound))

		n, err := s.CountLoading(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = s.BeginLoading(ctx, req("a.bin"))
		assert.NoError(t, err, "target is free again")
	})
}

func TestGetAllRawOrdered(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		all, err := s.GetAllRaw(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)

		for _, name := range []string{"a", "b", "c", "d"} {
			_, err := s.BeginLoading(ctx, req(name))
			require.NoError(t, err)
		}

		all, err = s.GetAllRaw(ctx)
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i := 1; i < len(all); i++ {
			assert.Less(t, all[i-1].ID, all[i].ID)
		}
	})
}

func TestChangesSignalled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		drain(s.Changes())

		id, err := s.BeginLoading(ctx, req("a.bin"))
		require.NoError(t, err)

		select {
		case <-s.Changes():
		case <-time.After(time.Second):
			t.Fatal("expected change signal after BeginLoading")
		}

		// A burst of mutations collapses into one pending signal.
		require.NoError(t, s.Finish(ctx, id, types.RecordSuccess, "/a", ""))
		require.NoError(t, s.Remove(ctx, id))
		assert.Len(t, s.Changes(), 1)
	})
}

func TestConcurrentBeginLoadingSameTarget(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			started int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.BeginLoading(ctx, req("same.bin")); err == nil {
					mu.Lock()
					started++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, started, "exactly one loading record per target")
	})
}

func TestSQLiteTimestampsUseClock(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "records.db"), WithSQLiteNowFunc(func() time.Time { return fixed }))
	require.NoError(t, err)
	defer s.Close()

	id, err := s.BeginLoading(context.Background(), req("a.bin"))
	require.NoError(t, err)

	rec, err := s.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, fixed.UnixMilli(), rec.CreatedAt)
	assert.Equal(t, fixed.UnixMilli(), rec.UpdatedAt)
}

func TestNewSQLiteStoreRejectsEmptyPath(t *testing.T) {
	_, err := NewSQLiteStore("  ")
	assert.Error(t, err)
}
