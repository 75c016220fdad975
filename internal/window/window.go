// Package window implements the window lifecycle manager. It owns the
// process-level lock that serializes window *creation* (distinct from the
// queue-state lock), enqueues the request and runs its heartbeat role, and
// spawns/monitors/reaps the interactive window subprocess.
package window

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/mkemmerer/devtoolbox/internal/heartbeat"
	"github.com/mkemmerer/devtoolbox/internal/logging"
	"github.com/mkemmerer/devtoolbox/internal/queuestore"
	"github.com/mkemmerer/devtoolbox/internal/reoerr"
)

// Action is the outcome reported by the window subprocess.
type Action string

const (
	ActionSuccess        Action = "success"
	ActionDirectFeedback Action = "direct_feedback"
	ActionTimeout        Action = "timeout"
	ActionParentKilled   Action = "parent_killed"
	ActionError          Action = "error"
)

// Response is request_window's return shape.
type Response struct {
	Action  Action `json:"action"`
	Message string `json:"message,omitempty"`
}

// Manager owns the window-creation lock, the queue slot lifecycle, and the
// subprocess it spawns for one request at a time per owning process.
type Manager struct {
	Store     *queuestore.Store
	Heartbeat *heartbeat.Engine

	LockPath string // window.lock — distinct from the queue-state lock.
	PIDPath  string // window.pid — diagnostic record of the current lock holder.

	LockAcquireTimeout  time.Duration
	EnqueueLockTimeout  time.Duration // Queue lock timeout for the initial enqueue. Zero falls back to LockAcquireTimeout.
	MutationLockTimeout time.Duration // Queue lock timeout for all later mutations. Zero falls back to LockAcquireTimeout.
	DefaultTimeout      time.Duration
	OverallTimeoutSlop  time.Duration
	ParentCheckEvery    time.Duration
	MinSpacing          time.Duration // Gate between consecutive activations. Zero means 5s.

	WindowBinary string
	AudioFile    string

	mu     sync.Mutex
	active map[int]*os.Process
}

func (m *Manager) enqueueTimeout() time.Duration {
	if m.EnqueueLockTimeout > 0 {
		return m.EnqueueLockTimeout
	}
	return m.LockAcquireTimeout
}

func (m *Manager) mutationTimeout() time.Duration {
	if m.MutationLockTimeout > 0 {
		return m.MutationLockTimeout
	}
	return m.LockAcquireTimeout
}

func (m *Manager) minSpacingSeconds() float64 {
	if m.MinSpacing <= 0 {
		return 5
	}
	return m.MinSpacing.Seconds()
}

func (m *Manager) trackProcess(proc *os.Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		m.active = map[int]*os.Process{}
	}
	m.active[proc.Pid] = proc
}

func (m *Manager) untrackProcess(proc *os.Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, proc.Pid)
}

// Shutdown force-kills every tracked window subprocess group. The signal
// handler in the CLI only marks shutdown by cancelling the root context;
// this reaper does the real work from an ordinary goroutine.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	procs := make([]*os.Process, 0, len(m.active))
	for _, p := range m.active {
		procs = append(procs, p)
	}
	m.mu.Unlock()
	for _, p := range procs {
		m.killProcessGroup(p)
	}
}

// RequestWindow runs the full request lifecycle: acquire the process-level
// lock, enqueue and wait for the slot, spawn and monitor the window
// subprocess, collect its result, and release every resource on every
// exit path.
func (m *Manager) RequestWindow(ctx context.Context, title, commandText string, timeoutSeconds int) (resp *Response, err error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = int(m.DefaultTimeout.Seconds())
	}

	lock, lockErr := m.acquireProcessLock()
	if lockErr != nil {
		return nil, lockErr
	}
	defer m.releaseProcessLock(lock)

	requestID := fmt.Sprintf("req_%d_%d_%d", time.Now().UnixMilli(), os.Getpid(), goroutineTag())

	if err := m.enqueue(requestID); err != nil {
		return nil, err
	}
	defer m.dequeueIfPresent(requestID)

	waitCtx, cancelWait := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancelWait()

	becameHead, evicted, err := m.waitForHead(waitCtx, requestID)
	if err != nil {
		return nil, err
	}
	if evicted {
		return nil, reoerr.New(reoerr.KindEvicted, requestID)
	}
	if !becameHead {
		return nil, reoerr.New(reoerr.KindSlotTimeout, requestID)
	}

	if err := m.markActive(requestID); err != nil {
		return nil, err
	}

	holderCtx, cancelHolder := context.WithCancel(ctx)
	go m.Heartbeat.RunHolder(holderCtx, requestID)
	defer cancelHolder()

	resp, spawnErr := m.spawnAndCollect(ctx, requestID, title, commandText, timeoutSeconds)

	m.completeAndProgress(requestID)

	if spawnErr != nil {
		return nil, spawnErr
	}
	return resp, nil
}

// goroutineTag disambiguates concurrent requests from one process: Go
// goroutines have no stable identity, so the request id's third component
// is a short random tag rather than a thread id.
func goroutineTag() int64 {
	return int64(uuid.New().ID())
}

func (m *Manager) acquireProcessLock() (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(m.LockPath), 0o755); err != nil {
		return nil, reoerr.Wrap(reoerr.KindIO, "create window lock dir", err)
	}

	lock := flock.New(m.LockPath)
	deadline := time.Now().Add(m.LockAcquireTimeout)
	for {
		ok, err := lock.TryLock()
		if err != nil {
			return nil, reoerr.Wrap(reoerr.KindIO, "acquire window lock", err)
		}
		if ok {
			m.writePIDFile()
			return lock, nil
		}
		if m.staleLockHolderIsDead() {
			logging.Op().Warn("window lock holder is dead, clearing stale lock", "path", m.LockPath)
			os.Remove(m.LockPath)
			os.Remove(m.PIDPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, reoerr.New(reoerr.KindSlotTimeout, fmt.Sprintf("window lock busy after %s", m.LockAcquireTimeout))
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (m *Manager) releaseProcessLock(lock *flock.Flock) {
	os.Remove(m.PIDPath)
	if err := lock.Unlock(); err != nil {
		logging.Op().Warn("failed to release window lock", "path", m.LockPath, "error", err)
	}
}

func (m *Manager) writePIDFile() {
	data := []byte(strconv.Itoa(os.Getpid()))
	if err := os.WriteFile(m.PIDPath, data, 0o644); err != nil {
		logging.Op().Warn("failed to write window pid file", "error", err)
	}
}

// staleLockHolderIsDead reports whether the recorded PID in PIDPath no
// longer exists, meaning a previous holder crashed without releasing.
func (m *Manager) staleLockHolderIsDead() bool {
	data, err := os.ReadFile(m.PIDPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil {
		return false
	}
	return !processAlive(pid)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (m *Manager) enqueue(requestID string) error {
	return m.Store.WithLock(m.enqueueTimeout(), func(state *queuestore.QueueState) error {
		state.PushTail(&queuestore.WindowRequest{
			ID:          requestID,
			Status:      queuestore.StatusWaiting,
			OwnerPID:    os.Getpid(),
			RequestTime: nowSeconds(),
		})
		return nil
	})
}

func (m *Manager) dequeueIfPresent(requestID string) {
	_ = m.Store.WithLock(2*time.Second, func(state *queuestore.QueueState) error {
		state.RemoveID(requestID)
		return nil
	})
}

// waitForHead polls until requestID is both at index 0 and past the
// minimum-spacing gate, or reports eviction, or the context expires.
func (m *Manager) waitForHead(ctx context.Context, requestID string) (becameHead, evicted bool, err error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var lastCheck time.Time

	for {
		select {
		case <-ctx.Done():
			return false, false, nil
		case <-ticker.C:
		}

		var ready, gone bool
		lockErr := m.Store.WithLock(m.mutationTimeout(), func(state *queuestore.QueueState) error {
			if state.IndexOf(requestID) < 0 {
				gone = true
				return nil
			}
			head := state.Head()
			if head == nil || head.ID != requestID {
				return nil
			}
			spacingOK := nowSeconds() >= state.LastWindowOpenTime+m.minSpacingSeconds()
			ready = spacingOK
			return nil
		})
		if lockErr != nil {
			return false, false, lockErr
		}
		if gone {
			return false, true, nil
		}
		if ready {
			return true, false, nil
		}

		// The checker role runs at its own cadence, slower than the
		// promotion poll above. Only the index-1 waiter may touch the
		// head's heartbeat state.
		if time.Since(lastCheck) < m.Heartbeat.CheckInterval {
			continue
		}
		if m.isIndexOne(requestID) {
			lastCheck = time.Now()
			result, checkErr := m.Heartbeat.CheckOnce(requestID)
			if checkErr == nil && result == heartbeat.ResultEvicted {
				// We evicted the holder ahead of us; loop again to re-check spacing.
				continue
			}
		}
	}
}

func (m *Manager) isIndexOne(requestID string) bool {
	state, err := m.Store.Snapshot()
	if err != nil {
		return false
	}
	return state.IndexOf(requestID) == 1
}

func (m *Manager) markActive(requestID string) error {
	return m.Store.WithLock(m.mutationTimeout(), func(state *queuestore.QueueState) error {
		head := state.Head()
		if head == nil || head.ID != requestID {
			return reoerr.New(reoerr.KindSlotTimeout, requestID)
		}
		now := nowSeconds()
		head.Status = queuestore.StatusActive
		head.StartTime = &now
		head.Heartbeat = true
		head.HeartbeatFailures = 0
		state.LastWindowOpenTime = now
		return nil
	})
}

// completeAndProgress removes requestID from the head iff it still
// matches, so release-on-success and release-on-failure share one path.
func (m *Manager) completeAndProgress(requestID string) {
	_ = m.Store.WithLock(2*time.Second, func(state *queuestore.QueueState) error {
		head := state.Head()
		if head != nil && head.ID == requestID {
			state.RemoveID(requestID)
			state.CompletedWindowsCount++
		}
		return nil
	})
}

func nowSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// spawnAndCollect starts the window subprocess in a new process group,
// waits for it (bounded by timeoutSeconds+OverallTimeoutSlop), and parses
// the single JSON line it writes to stdout.
func (m *Manager) spawnAndCollect(ctx context.Context, requestID, title, commandText string, timeoutSeconds int) (*Response, error) {
	encoded := base64.StdEncoding.EncodeToString([]byte(commandText))

	args := []string{
		"--title", title,
		"--command-b64", encoded,
		"--timeout-ms", strconv.Itoa(timeoutSeconds * 1000),
		"--parent-pid", strconv.Itoa(os.Getpid()),
		"--request-id", requestID,
	}
	if m.ParentCheckEvery > 0 {
		args = append(args, "--parent-check-ms", strconv.Itoa(int(m.ParentCheckEvery.Milliseconds())))
	}
	if m.AudioFile != "" {
		args = append(args, "--audio-file", m.AudioFile)
	}

	overall := time.Duration(timeoutSeconds)*time.Second + m.OverallTimeoutSlop
	runCtx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()

	cmd := exec.CommandContext(runCtx, m.WindowBinary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, reoerr.Wrap(reoerr.KindWindowError, "start window subprocess", err)
	}
	m.trackProcess(cmd.Process)
	defer m.untrackProcess(cmd.Process)

	waitErr := cmd.Wait()

	if runCtx.Err() != nil {
		m.killProcessGroup(cmd.Process)
		return nil, reoerr.New(reoerr.KindTimeout, fmt.Sprintf("window subprocess exceeded %s", overall))
	}
	if waitErr != nil {
		return nil, reoerr.Wrap(reoerr.KindWindowError, stderr.String(), waitErr)
	}

	resp := &Response{}
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), resp); err != nil {
		return nil, reoerr.Wrap(reoerr.KindWindowError, "unparseable window subprocess output: "+stdout.String(), err)
	}
	if resp.Action == ActionError {
		return nil, reoerr.New(reoerr.KindWindowError, resp.Message)
	}
	return resp, nil
}

// killProcessGroup force-kills the entire process group so no grandchild
// of the window subprocess survives its timeout.
func (m *Manager) killProcessGroup(proc *os.Process) {
	if proc == nil {
		return
	}
	if err := syscall.Kill(-proc.Pid, syscall.SIGKILL); err != nil {
		logging.Op().Warn("failed to kill window process group", "pid", proc.Pid, "error", err)
	}
}
