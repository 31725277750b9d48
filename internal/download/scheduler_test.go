package download

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/depot-center/depot/internal/plugin"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireRelease(t *testing.T) {
	s := NewScheduler(1, 0, testLogger())
	slot, err := s.Acquire(context.Background(), "", 0)
	require.NoError(t, err)
	require.NoError(t, slot.Release())
	assert.Error(t, slot.Release())
}

func TestAcquireInsufficientSpace(t *testing.T) {
	s := NewScheduler(1, 1<<20, testLogger())
	s.statFS = func(path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: 1 << 10}, nil
	}

	_, err := s.Acquire(context.Background(), "/tmp/downloads", 0)
	require.Error(t, err)
	assert.Equal(t, plugin.CodeWriteFailed, plugin.CodeOf(err))

	// The slot must have been returned to the pool.
	slot, err := s.Acquire(context.Background(), "", 0)
	require.NoError(t, err)
	require.NoError(t, slot.Release())
}

func TestAcquireStatFailureIsAdvisory(t *testing.T) {
	s := NewScheduler(1, 1<<20, testLogger())
	s.statFS = func(path string) (*disk.UsageStat, error) {
		return nil, errors.New("stat failed")
	}

	slot, err := s.Acquire(context.Background(), "/tmp/downloads", 0)
	require.NoError(t, err)
	require.NoError(t, slot.Release())
}

func TestAcquireHonorsContext(t *testing.T) {
	s := NewScheduler(1, 0, testLogger())
	held, err := s.Acquire(context.Background(), "", 0)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Acquire(ctx, "", 0)
	require.Error(t, err)
	assert.Equal(t, plugin.CodeCancelled, plugin.CodeOf(err))
}
