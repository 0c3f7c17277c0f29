// Package audiostore keeps synthesized reply audio on disk and serves it by URL.
package audiostore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tutorline/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultURLPrefix is the path stored audio is served under
const DefaultURLPrefix = "/static/audio/"

// Config holds audio store settings
type Config struct {
	Dir       string
	URLPrefix string
	// Retention is how long a file is kept; zero disables the sweep
	Retention time.Duration
	// SweepSchedule is a cron expression or descriptor such as "@every 10m"
	SweepSchedule string
	Logger        zerolog.Logger
}

// Store writes audio files into a directory
type Store struct {
	dir       string
	urlPrefix string
	retention time.Duration
	schedule  string
	logger    zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates the store directory if needed
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("audio directory is required")
	}
	if cfg.URLPrefix == "" {
		cfg.URLPrefix = DefaultURLPrefix
	}
	if !strings.HasSuffix(cfg.URLPrefix, "/") {
		cfg.URLPrefix += "/"
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 10m"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio directory: %w", err)
	}

	return &Store{
		dir:       cfg.Dir,
		urlPrefix: cfg.URLPrefix,
		retention: cfg.Retention,
		schedule:  cfg.SweepSchedule,
		logger:    cfg.Logger,
	}, nil
}

// Save writes MP3 bytes and returns the URL they are served at
func (s *Store) Save(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("no audio to save")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := uuid.New().String() + ".mp3"
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, audio, 0o644); err != nil {
		return "", fmt.Errorf("failed to write audio: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to store audio: %w", err)
	}
	return s.urlPrefix + name, nil
}

// URLPrefix returns the path prefix audio is served under
func (s *Store) URLPrefix() string {
	return s.urlPrefix
}

// Handler serves stored files under the URL prefix
func (s *Store) Handler() http.Handler {
	return http.StripPrefix(s.urlPrefix, http.FileServer(audioDir{http.Dir(s.dir)}))
}

// audioDir hides directory listings and temp files
type audioDir struct {
	fs http.FileSystem
}

func (d audioDir) Open(name string) (http.File, error) {
	if !strings.HasSuffix(name, ".mp3") {
		return nil, os.ErrNotExist
	}
	return d.fs.Open(name)
}

// Sweep removes files older than the retention window and returns how many were removed
func (s *Store) Sweep(now time.Time) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read audio directory: %w", err)
	}

	cutoff := now.Add(-s.retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to remove expired audio")
			continue
		}
		removed++
	}

	if removed > 0 {
		observability.RecordAudioSwept(removed)
	}
	return removed, nil
}

// StartJanitor schedules the retention sweep. It is a no-op when retention is disabled.
func (s *Store) StartJanitor() error {
	if s.retention <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(s.schedule, func() {
		removed, err := s.Sweep(time.Now())
		if err != nil {
			s.logger.Error().Err(err).Msg("Audio retention sweep failed")
			return
		}
		if removed > 0 {
			s.logger.Debug().Int("removed", removed).Msg("Expired audio removed")
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	c.Start()
	s.cron = c
	s.logger.Info().Str("schedule", s.schedule).Dur("retention", s.retention).Msg("Audio janitor started")
	return nil
}

// StopJanitor stops the sweep and waits for a running sweep to finish
func (s *Store) StopJanitor() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
