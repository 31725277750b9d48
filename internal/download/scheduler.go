package download

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sync/semaphore"

	"codeberg.org/depot-center/depot/internal/plugin"
)

// Scheduler gates downloads for non-interactive jobs. A job acquires a
// slot before downloading and releases it afterwards regardless of
// outcome; slots bound concurrent downloads so a background refresh never
// saturates a metered connection.
type Scheduler struct {
	sem          *semaphore.Weighted
	minFreeBytes uint64
	logger       *slog.Logger

	// statFS is swapped out in tests.
	statFS func(path string) (*disk.UsageStat, error)
}

// Slot is an acquired download slot. Release exactly once.
type Slot struct {
	release  func()
	released bool
	mu       sync.Mutex
}

// Release frees the slot. Releasing twice is an error the caller logs.
func (s *Slot) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return fmt.Errorf("download slot already released")
	}
	s.released = true
	s.release()
	return nil
}

// NewScheduler creates a scheduler allowing maxConcurrent parallel
// downloads and refusing downloads when the destination filesystem has
// less than minFreeBytes available.
func NewScheduler(maxConcurrent int64, minFreeBytes uint64, logger *slog.Logger) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scheduler{
		sem:          semaphore.NewWeighted(maxConcurrent),
		minFreeBytes: minFreeBytes,
		logger:       logger,
		statFS:       disk.Usage,
	}
}

// Acquire blocks until a download slot is free, then verifies the
// destination filesystem has room for the download.
func (s *Scheduler) Acquire(ctx context.Context, destDir string, sizeHint uint64) (*Slot, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, plugin.WrapError(plugin.CodeCancelled, err)
	}
	slot := &Slot{release: func() { s.sem.Release(1) }}

	if s.minFreeBytes > 0 && destDir != "" {
		usage, err := s.statFS(destDir)
		if err != nil {
			// Disk stats are advisory; a stat failure never blocks a download.
			s.logger.Warn("failed to stat filesystem for download", "dir", destDir, "error", err)
			return slot, nil
		}
		if usage.Free < s.minFreeBytes+sizeHint {
			if rerr := slot.Release(); rerr != nil {
				s.logger.Warn("failed to release download slot", "error", rerr)
			}
			return nil, plugin.Errorf(plugin.CodeWriteFailed,
				"not enough free space in %s: %d bytes free, need %d",
				destDir, usage.Free, s.minFreeBytes+sizeHint)
		}
	}
	return slot, nil
}
