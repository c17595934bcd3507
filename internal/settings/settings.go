// Package settings provides the user-tunable download settings, backed by a
// YAML file that may be edited while the daemon runs.
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/dlqueue/pkg/logger"
)

// Settings are the live-tunable knobs of the queue and the executor.
type Settings struct {
	MaxDownloads   int           `yaml:"max_downloads"` // 0 = unlimited
	RetryDownloads bool          `yaml:"retry_downloads"`
	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Defaults returns the settings used when no file exists.
func Defaults() Settings {
	return Settings{
		MaxDownloads:   3,
		RetryDownloads: true,
		MaxRetries:     3,
		ConnectTimeout: 30 * time.Second,
	}
}

// Validate rejects values the queue cannot work with.
func (s Settings) Validate() error {
	if s.MaxDownloads < 0 {
		return fmt.Errorf("settings: max_downloads must be >= 0, got %d", s.MaxDownloads)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("settings: max_retries must be >= 0, got %d", s.MaxRetries)
	}
	if s.ConnectTimeout < 0 {
		return fmt.Errorf("settings: connect_timeout must be >= 0, got %s", s.ConnectTimeout)
	}
	return nil
}

// Source serves the current settings and signals when they change.
type Source struct {
	path     string
	defaults Settings
	log      zerolog.Logger

	mu      sync.RWMutex
	current Settings
	modTime time.Time

	changes chan struct{}
}

// NewSource loads the file at path. A missing file yields the defaults; an
// empty path keeps the settings in memory only.
func NewSource(path string, defaults Settings) (*Source, error) {
	s := &Source{
		path:     path,
		defaults: defaults,
		current:  defaults,
		log:      logger.With("settings"),
		changes:  make(chan struct{}, 1),
	}
	if path == "" {
		return s, nil
	}

	if _, err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// CurrentMaxConcurrent returns the concurrency cap; 0 means unlimited.
func (s *Source) CurrentMaxConcurrent() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.MaxDownloads
}

// Current returns a copy of the current settings.
func (s *Source) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Changes fires after the settings changed. Bursts collapse into one signal.
func (s *Source) Changes() <-chan struct{} {
	return s.changes
}

// Set replaces the settings and persists them when the source is file backed.
func (s *Source) Set(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.path != "" {
		modTime, err := s.write(next)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.modTime = modTime
	}
	changed := s.current != next
	s.current = next
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return nil
}

// Watch polls the file every interval and reloads it when its modification
// time moves. It returns when ctx is done.
func (s *Source) Watch(ctx context.Context, interval time.Duration) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			changed, err := s.reload()
			if err != nil {
				s.log.Warn().Err(err).Str("path", s.path).Msg("failed to reload settings, keeping previous values")
				continue
			}
			if changed {
				cur := s.Current()
				s.log.Info().
					Int("max_downloads", cur.MaxDownloads).
					Bool("retry_downloads", cur.RetryDownloads).
					Int("max_retries", cur.MaxRetries).
					Msg("settings reloaded")
			}
		}
	}
}

// reload re-reads the file when its mtime differs from the last seen one.
func (s *Source) reload() (bool, error) {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settings: stat %s: %w", s.path, err)
	}

	s.mu.RLock()
	seen := s.modTime
	s.mu.RUnlock()
	if info.ModTime().Equal(seen) {
		return false, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("settings: read %s: %w", s.path, err)
	}

	next := s.defaults
	if err := yaml.Unmarshal(data, &next); err != nil {
		return false, fmt.Errorf("settings: parse %s: %w", s.path, err)
	}
	if err := next.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	changed := s.current != next
	s.current = next
	s.modTime = info.ModTime()
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return changed, nil
}

func (s *Source) write(next Settings) (time.Time, error) {
	data, err := yaml.Marshal(next)
	if err != nil {
		return time.Time{}, fmt.Errorf("settings: marshal: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return time.Time{}, fmt.Errorf("settings: create %s: %w", dir, err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return time.Time{}, fmt.Errorf("settings: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return time.Time{}, fmt.Errorf("settings: rename %s: %w", tmp, err)
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}, fmt.Errorf("settings: stat %s: %w", s.path, err)
	}
	return info.ModTime(), nil
}

func (s *Source) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
