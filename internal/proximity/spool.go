package proximity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
)

const defaultDrainInterval = 15 * time.Second

// ErrSinkUnavailable is returned by a drain sink when the link cannot
// carry traffic right now. The spool keeps the remaining artifacts and
// retries on the next drain tick.
var ErrSinkUnavailable = errors.New("proximity: sink unavailable")

// WithDrainInterval sets how often the spool scans for queued artifacts.
func WithDrainInterval(interval time.Duration) func(s *Spool) {
	return func(s *Spool) {
		s.interval = interval
	}
}

// WithSpoolLogger sets the logger for the spool.
func WithSpoolLogger(logger *slog.Logger) func(s *Spool) {
	return func(s *Spool) {
		s.logger = logger.With(slog.String("channel", "proximity"))
	}
}

// WithSpoolClock sets the clock used for drain scheduling.
func WithSpoolClock(c clock.Clock) func(s *Spool) {
	return func(s *Spool) {
		s.clock = c
	}
}

// Spool is the deferred-delivery transport behind the queued-transfer
// tier. Artifacts handed to it stay on disk until a drain pass delivers
// them through the sink, which makes the queue survive process restarts
// as a best-effort fallback.
type Spool struct {
	dir      string
	sink     func(payload []byte) error
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewSpool creates a spool draining artifacts from dir into sink, oldest
// first. The sink returns ErrSinkUnavailable to pause draining until
// connectivity resumes.
func NewSpool(dir string, sink func(payload []byte) error, options ...func(s *Spool)) *Spool {
	s := Spool{
		dir:      dir,
		sink:     sink,
		interval: defaultDrainInterval,
		clock:    clock.New(),
		logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Run drains opportunistically until the context is cancelled.
func (s *Spool) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Drain(); err != nil && !errors.Is(err, ErrSinkUnavailable) {
				s.logger.Error("spool drain failed", slog.Any("error", err))
			}
		}
	}
}

// Drain performs one drain pass, delivering queued artifacts oldest first
// and removing each one after a successful hand-off. Draining stops at the
// first sink failure so ordering is preserved across passes.
func (s *Spool) Drain() error {
	paths, err := s.pending()
	if err != nil {
		return err
	}

	for _, path := range paths {
		payload, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // claimed by a concurrent pass
			}
			return fmt.Errorf("reading artifact %s: %w", path, err)
		}

		if err = s.sink(payload); err != nil {
			return err
		}

		if err = os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing artifact %s: %w", path, err)
		}

		s.logger.Debug("drained queued transfer", slog.String("artifact", filepath.Base(path)))
	}

	return nil
}

// Size returns the number of artifacts currently queued.
func (s *Spool) Size() int {
	paths, err := s.pending()
	if err != nil {
		return 0
	}
	return len(paths)
}

// pending lists queued artifacts in creation order. CreateTemp names are
// not ordered, so artifacts are sorted by modification time.
func (s *Spool) pending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool directory: %w", err)
	}

	type artifact struct {
		path    string
		modTime time.Time
	}

	artifacts := make([]artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, artifact{
			path:    filepath.Join(s.dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].modTime.Before(artifacts[j].modTime)
	})

	paths := make([]string, len(artifacts))
	for i, a := range artifacts {
		paths[i] = a.path
	}
	return paths, nil
}
