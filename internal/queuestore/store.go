package queuestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/mkemmerer/devtoolbox/internal/logging"
	"github.com/mkemmerer/devtoolbox/internal/reoerr"
)

// Store is the on-disk-backed queue. All mutation goes through WithLock;
// load and save are unexported, so no other package can read-modify-write
// the state file outside the lock.
type Store struct {
	statePath string
	lockPath  string
	retry     time.Duration
}

// New builds a Store rooted at statePath, with its advisory lock at
// lockPath — deliberately two different files; the lock file is never
// itself read as state.
func New(statePath, lockPath string, retryInterval time.Duration) *Store {
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	return &Store{statePath: statePath, lockPath: lockPath, retry: retryInterval}
}

// WithLock acquires the exclusive advisory lock on lockPath, runs fn with
// the freshly loaded state, persists whatever fn leaves in state (unless
// fn returns an error), and releases the lock on every exit path.
//
// Acquisition policy: try non-blocking; if contended, sleep the
// configured retry interval and try again, until timeout elapses.
func (s *Store) WithLock(timeout time.Duration, fn func(state *QueueState) error) error {
	lock, err := s.acquire(timeout)
	if err != nil {
		return err
	}
	defer s.release(lock)

	state, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return s.save(state)
}

func (s *Store) acquire(timeout time.Duration) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o755); err != nil {
		return nil, reoerr.Wrap(reoerr.KindIO, "create lock dir", err)
	}
	lock := flock.New(s.lockPath)

	deadline := time.Now().Add(timeout)
	for {
		ok, err := lock.TryLock()
		if err != nil {
			return nil, reoerr.Wrap(reoerr.KindIO, "acquire queue lock", err)
		}
		if ok {
			return lock, nil
		}
		if time.Now().After(deadline) {
			return nil, reoerr.New(reoerr.KindSlotTimeout, fmt.Sprintf("queue lock busy after %s", timeout))
		}
		time.Sleep(s.retry)
	}
}

func (s *Store) release(lock *flock.Flock) {
	if err := lock.Unlock(); err != nil {
		logging.Op().Warn("failed to release queue lock", "path", s.lockPath, "error", err)
	}
}

// load reads the state file, tolerating a missing or corrupt file by
// returning a default empty state, then sweeps
// stale entries whose owner process is provably dead before returning.
func (s *Store) load() (*QueueState, error) {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return empty(), nil
		}
		return nil, reoerr.Wrap(reoerr.KindIO, "read queue state", err)
	}
	if len(data) == 0 {
		return empty(), nil
	}

	state := &QueueState{}
	if err := json.Unmarshal(data, state); err != nil {
		logging.Op().Warn("queue state file corrupt, resetting", "path", s.statePath, "error", err)
		return empty(), nil
	}
	if state.WindowQueue == nil {
		state.WindowQueue = []*WindowRequest{}
	}
	sweepDead(state)
	return state, nil
}

// sweepDead removes entries whose owner process is no longer alive: a
// request whose heartbeat updater never ran a single tick (process killed
// immediately after enqueue) would otherwise require eviction by a waiter
// that might not exist yet.
func sweepDead(state *QueueState) {
	kept := state.WindowQueue[:0]
	for _, r := range state.WindowQueue {
		if r.Status != StatusCompleted && !processAlive(r.OwnerPID) {
			logging.Op().Info("sweeping dead queue entry", "id", r.ID, "pid", r.OwnerPID)
			continue
		}
		kept = append(kept, r)
	}
	state.WindowQueue = kept
}

// save atomically persists state: write to a temp file in the same
// directory, then rename over the target, so readers never observe a
// partially written file.
func (s *Store) save(state *QueueState) error {
	state.LastUpdate = nowSeconds()

	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return reoerr.Wrap(reoerr.KindIO, "create state dir", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return reoerr.Wrap(reoerr.KindIO, "marshal queue state", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.statePath), ".queue_state-*.tmp")
	if err != nil {
		return reoerr.Wrap(reoerr.KindIO, "create temp state file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return reoerr.Wrap(reoerr.KindIO, "write temp state file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return reoerr.Wrap(reoerr.KindIO, "close temp state file", err)
	}
	if err := os.Rename(tmpPath, s.statePath); err != nil {
		os.Remove(tmpPath)
		return reoerr.Wrap(reoerr.KindIO, "rename temp state file", err)
	}
	return nil
}

// Snapshot loads and returns the current state without holding the lock
// for the duration of the caller's work — used by read-only debug
// surfaces (--queue-status) where a momentarily stale read is acceptable.
func (s *Store) Snapshot() (*QueueState, error) {
	lock, err := s.acquire(2 * time.Second)
	if err != nil {
		return nil, err
	}
	defer s.release(lock)
	return s.load()
}

// Reset clears the window queue (operator escape hatch, --reset-queue),
// preserving CompletedWindowsCount.
func (s *Store) Reset(timeout time.Duration) error {
	return s.WithLock(timeout, func(state *QueueState) error {
		state.WindowQueue = []*WindowRequest{}
		state.LastWindowOpenTime = 0
		return nil
	})
}
