package offlinequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/harunnryd/scribehub/pkg/errorsx"
)

const snapshotVersion = 1

// Snapshot is the on-disk queue document.
type Snapshot struct {
	Version    int         `json:"version"`
	SavedAt    time.Time   `json:"saved_at"`
	Operations []Operation `json:"operations"`
}

// ReadSnapshot loads a queue document without taking the file lock. A
// missing file is an empty queue.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{Version: snapshotVersion}, nil
	}
	if err != nil {
		return Snapshot{}, errorsx.Wrap(fmt.Errorf("read queue file: %w", err), errorsx.ReasonQueuePersist)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errorsx.Wrap(fmt.Errorf("decode queue file %s: %w", path, err), errorsx.ReasonQueuePersist)
	}
	if snap.Version > snapshotVersion {
		return Snapshot{}, errorsx.Newf(errorsx.ReasonQueuePersist, "unsupported queue file version %d", snap.Version)
	}
	return snap, nil
}

// writeSnapshot replaces path atomically: temp file in the same directory,
// fsync, rename.
func writeSnapshot(path string, ops []Operation, now time.Time) error {
	if ops == nil {
		ops = []Operation{}
	}
	data, err := json.MarshalIndent(Snapshot{Version: snapshotVersion, SavedAt: now.UTC(), Operations: ops}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errorsx.Wrap(fmt.Errorf("create queue directory: %w", err), errorsx.ReasonQueuePersist)
	}
	return nil
}

// EditFile applies fn to a queue file while holding its lock. It fails with
// ErrLocked when a running broker owns the file.
func EditFile(path string, fn func(ops []Operation) ([]Operation, error)) error {
	lock, err := acquire(path)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	snap, err := ReadSnapshot(path)
	if err != nil {
		return err
	}
	ops, err := fn(snap.Operations)
	if err != nil {
		return err
	}
	if err := writeSnapshot(path, ops, time.Now()); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonQueuePersist)
	}
	return nil
}

// RetryFailedFile clears dead-letter flags in a queue file.
func RetryFailedFile(path string) (int, error) {
	var n int
	err := EditFile(path, func(ops []Operation) ([]Operation, error) {
		n = retryFailed(ops)
		return ops, nil
	})
	return n, err
}

// DiscardFile removes one operation from a queue file.
func DiscardFile(path, id string) (bool, error) {
	var found bool
	err := EditFile(path, func(ops []Operation) ([]Operation, error) {
		out := ops[:0]
		for _, op := range ops {
			if op.ID == id {
				found = true
				continue
			}
			out = append(out, op)
		}
		return out, nil
	})
	return found, err
}
