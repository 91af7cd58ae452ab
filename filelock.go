package gdwhisper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/shogo82148/go-retry"
)

var lockPolicy = retry.Policy{
	MinDelay: 100 * time.Millisecond,
	MaxDelay: 1 * time.Second,
	MaxCount: 10,
	Jitter:   35 * time.Millisecond,
}

// withFileLock runs fn while holding an exclusive advisory lock on lockFile.
func withFileLock(ctx context.Context, lockFile string, fn func(context.Context) error) error {
	if err := os.MkdirAll(filepath.Dir(lockFile), 0755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	fileLock := flock.New(lockFile)
	retrier := lockPolicy.Start(ctx)
	var err error
	var locked bool
	for retrier.Continue() {
		slog.DebugContext(ctx, "try file lock", "lock_file", lockFile)
		locked, err = fileLock.TryLock()
		if err != nil {
			slog.DebugContext(ctx, "get file lock failed", "lock_file", lockFile, "error", err)
			continue
		}
		if locked {
			slog.DebugContext(ctx, "get file lock success", "lock_file", lockFile)
			break
		}
	}
	if !locked {
		if err == nil {
			err = ctx.Err()
		}
		if err == nil {
			return fmt.Errorf("cannot get lock %s: held by another process", lockFile)
		}
		return fmt.Errorf("cannot get lock %s: %w", lockFile, err)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.DebugContext(ctx, "file unlock failed", "lock_file", lockFile, "error", err)
			return
		}
		slog.DebugContext(ctx, "file unlock success", "lock_file", lockFile)
	}()
	return fn(ctx)
}
