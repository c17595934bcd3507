package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPruner struct {
	mu    sync.Mutex
	calls []bool
	err   error
}

func (p *recordingPruner) ClearFinished(ctx context.Context, withRecords bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, withRecords)
	return p.err
}

func (p *recordingPruner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New(Config{}, &recordingPruner{})
	assert.ErrorIs(t, err, ErrNoSpec)

	_, err = New(Config{Spec: "not a spec"}, &recordingPruner{})
	assert.Error(t, err)
}

func TestPrunePassesWithRecords(t *testing.T) {
	p := &recordingPruner{}
	s, err := New(Config{Spec: "@daily", WithRecords: true}, p)
	require.NoError(t, err)

	require.NoError(t, s.Prune(context.Background()))
	assert.Equal(t, []bool{true}, p.calls)

	total, failed := s.Runs()
	assert.Equal(t, int64(1), total)
	assert.Zero(t, failed)
}

func TestPruneFailureCounted(t *testing.T) {
	boom := errors.New("boom")
	s, err := New(Config{Spec: "@daily"}, &recordingPruner{err: boom})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Prune(context.Background()), boom)
	_, failed := s.Runs()
	assert.Equal(t, int64(1), failed)
}

func TestRunFiresOnSchedule(t *testing.T) {
	p := &recordingPruner{}
	s, err := New(Config{Spec: "@every 1s"}, p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return p.count() >= 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
