package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/dlqueue/pkg/types"
)

const maxTxRetries = 8

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisNowFunc overrides the clock used for timestamps.
func WithRedisNowFunc(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// RedisStore keeps records in Redis.
//
// Key layout (all under prefix):
//   - <p>:seq           INCR counter for record ids
//   - <p>:record:<id>   JSON encoded DownloadRecord
//   - <p>:byname        hash target name -> record id
//   - <p>:ids           set of every record id
//   - <p>:loading       set of loading record ids
type RedisStore struct {
	rdb     *redis.Client
	prefix  string
	nowFn   func() time.Time
	changes signal
}

// NewRedisStore connects to the Redis server at addr.
func NewRedisStore(addr, prefix string, opts ...RedisOption) *RedisStore {
	if prefix == "" {
		prefix = "dlqueue"
	}
	s := &RedisStore{
		rdb:     redis.NewClient(&redis.Options{Addr: addr}),
		prefix:  prefix,
		nowFn:   time.Now,
		changes: newSignal(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) seqKey() string     { return s.prefix + ":seq" }
func (s *RedisStore) byNameKey() string  { return s.prefix + ":byname" }
func (s *RedisStore) idsKey() string     { return s.prefix + ":ids" }
func (s *RedisStore) loadingKey() string { return s.prefix + ":loading" }

func (s *RedisStore) recordKey(id int64) string {
	return s.prefix + ":record:" + strconv.FormatInt(id, 10)
}

func (s *RedisStore) now() int64 {
	return s.nowFn().UnixMilli()
}

// watch runs fn in an optimistic transaction, retrying when a watched key changed.
func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (s *RedisStore) BeginLoading(ctx context.Context, req types.Request) (int64, error) {
	name := req.TargetName()
	var id int64

	err := s.watch(ctx, func(tx *redis.Tx) error {
		var prev *types.DownloadRecord
		prevID, err := tx.HGet(ctx, s.byNameKey(), name).Int64()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			rec, err := s.get(ctx, tx, prevID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err == nil {
				prev = &rec
			}
		}
		if prev != nil && prev.IsLoading() {
			return fmt.Errorf("%w: %s", ErrAlreadyLoading, name)
		}

		id, err = tx.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return err
		}
		now := s.now()
		data, err := json.Marshal(types.DownloadRecord{
			ID:        id,
			Name:      name,
			URL:       req.URL,
			Status:    types.RecordLoading,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != nil {
				pipe.Del(ctx, s.recordKey(prev.ID))
				pipe.SRem(ctx, s.idsKey(), prev.ID)
			}
			pipe.Set(ctx, s.recordKey(id), data, 0)
			pipe.HSet(ctx, s.byNameKey(), name, id)
			pipe.SAdd(ctx, s.idsKey(), id)
			pipe.SAdd(ctx, s.loadingKey(), id)
			return nil
		})
		return err
	}, s.byNameKey())
	if err != nil {
		if errors.Is(err, ErrAlreadyLoading) {
			return 0, err
		}
		return 0, fmt.Errorf("records: begin %s: %w", name, err)
	}

	s.changes.notify()
	return id, nil
}

func (s *RedisStore) Finish(ctx context.Context, id int64, status types.RecordStatus, localPath, errMsg string) error {
	key := s.recordKey(id)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		rec.Status = status
		rec.LocalPath = localPath
		rec.Error = errMsg
		rec.UpdatedAt = s.now()
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if status == types.RecordLoading {
				pipe.SAdd(ctx, s.loadingKey(), id)
			} else {
				pipe.SRem(ctx, s.loadingKey(), id)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("records: finish %d: %w", id, err)
	}

	s.changes.notify()
	return nil
}

func (s *RedisStore) CountLoading(ctx context.Context) (int, error) {
	n, err := s.rdb.SCard(ctx, s.loadingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("records: count loading: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) GetAllRaw(ctx context.Context) ([]types.DownloadRecord, error) {
	ids, err := s.rdb.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("records: list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, s.recordKey(id))
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("records: list: %w", err)
	}

	out := make([]types.DownloadRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec types.DownloadRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("records: decode: %w", err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RedisStore) GetByID(ctx context.Context, id int64) (types.DownloadRecord, error) {
	return s.get(ctx, s.rdb, id)
}

func (s *RedisStore) FindByTarget(ctx context.Context, name string) (*types.DownloadRecord, error) {
	id, err := s.rdb.HGet(ctx, s.byNameKey(), name).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("records: find %s: %w", name, err)
	}
	rec, err := s.get(ctx, s.rdb, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) MarkUnfinishedRemoved(ctx context.Context) (int, error) {
	ids, err := s.rdb.SMembers(ctx, s.loadingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("records: mark unfinished: %w", err)
	}

	marked := 0
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.rdb.SRem(ctx, s.loadingKey(), raw)
			continue
		}
		err = s.Finish(ctx, id, types.RecordRemoved, "", "")
		if errors.Is(err, ErrNotFound) {
			s.rdb.SRem(ctx, s.loadingKey(), raw)
			continue
		}
		if err != nil {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

func (s *RedisStore) RemoveFinished(ctx context.Context) (int, error) {
	all, err := s.GetAllRaw(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range all {
		if rec.IsLoading() {
			continue
		}
		if err := s.remove(ctx, rec.ID, true); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.changes.notify()
	}
	return removed, nil
}

func (s *RedisStore) Remove(ctx context.Context, id int64) error {
	if err := s.remove(ctx, id, false); err != nil {
		return err
	}
	s.changes.notify()
	return nil
}

// remove deletes a record and its index entries. With finishedOnly set a
// record that went back to loading in the meantime is kept.
func (s *RedisStore) remove(ctx context.Context, id int64, finishedOnly bool) error {
	key := s.recordKey(id)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.get(ctx, tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if finishedOnly && rec.IsLoading() {
			return nil
		}

		owner, err := tx.HGet(ctx, s.byNameKey(), rec.Name).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, s.idsKey(), id)
			pipe.SRem(ctx, s.loadingKey(), id)
			if owner == id {
				pipe.HDel(ctx, s.byNameKey(), rec.Name)
			}
			return nil
		})
		return err
	}, key, s.byNameKey())
	if err != nil {
		return fmt.Errorf("records: remove %d: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, id int64) (types.DownloadRecord, error) {
	var rec types.DownloadRecord
	raw, err := c.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return rec, fmt.Errorf("records: get %d: %w", id, err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("records: decode %d: %w", id, err)
	}
	return rec, nil
}
