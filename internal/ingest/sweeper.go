package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/dwalters/threadkeeper/internal/logging"
)

// Sweeper periodically rescans a transcript directory and feeds every
// session log through the pipeline. The per-session cursor makes repeated
// sweeps cheap: an unchanged file is a read and a no-op.
type Sweeper struct {
	pipeline *Pipeline
	dir      string
	interval time.Duration

	// cpuThreshold defers a sweep cycle when system CPU load is above it.
	// Zero disables the gate.
	cpuThreshold float64
}

// NewSweeper creates a sweeper over dir. interval <= 0 defaults to 5m.
func NewSweeper(pipeline *Pipeline, dir string, interval time.Duration, cpuThreshold float64) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		pipeline:     pipeline,
		dir:          dir,
		interval:     interval,
		cpuThreshold: cpuThreshold,
	}
}

// Run sweeps immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	logging.Info("sweep", "watching %s every %s", s.dir, s.interval)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info("sweep", "stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Sweep runs one pass over the directory. Exported for on-demand rescans.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	return s.sweepDir(ctx)
}

func (s *Sweeper) sweep(ctx context.Context) {
	if s.deferForCPU() {
		return
	}
	if _, err := s.sweepDir(ctx); err != nil {
		logging.Warn("sweep", "pass failed: %v", err)
	}
}

func (s *Sweeper) sweepDir(ctx context.Context) (int, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, path := range paths {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		key := SessionKeyForPath(path)
		result, err := s.pipeline.IngestFile(ctx, key, path, "")
		if err != nil {
			// One broken file must not starve the rest of the directory
			logging.Warn("sweep", "%s: %v", filepath.Base(path), err)
			continue
		}
		processed += result.Processed
	}

	if processed > 0 {
		logging.Info("sweep", "%d files, %d new turns", len(paths), processed)
	}
	return processed, nil
}

// deferForCPU reports whether the machine is too busy to sweep right now.
func (s *Sweeper) deferForCPU() bool {
	if s.cpuThreshold <= 0 {
		return false
	}
	percents, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil || len(percents) == 0 {
		return false
	}
	if percents[0] > s.cpuThreshold {
		logging.Info("sweep", "deferred, cpu at %.0f%% (threshold %.0f%%)", percents[0], s.cpuThreshold)
		return true
	}
	return false
}

// SessionKeyForPath derives a stable session key from a log file name.
func SessionKeyForPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// EnsureDir creates the transcript directory if missing.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
