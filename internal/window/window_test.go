package window

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkemmerer/devtoolbox/internal/heartbeat"
	"github.com/mkemmerer/devtoolbox/internal/queuestore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	store := queuestore.New(filepath.Join(dir, "queue_state.json"), filepath.Join(dir, "queue_state.lock"), 10*time.Millisecond)
	hb := heartbeat.NewEngine(store, time.Second, 20*time.Millisecond, 40*time.Millisecond)
	return &Manager{
		Store:              store,
		Heartbeat:          hb,
		LockPath:           filepath.Join(dir, "window.lock"),
		PIDPath:            filepath.Join(dir, "window.pid"),
		LockAcquireTimeout: time.Second,
		DefaultTimeout:     5 * time.Second,
		OverallTimeoutSlop: 2 * time.Second,
		ParentCheckEvery:   time.Second,
	}
}

func writeFakeWindowBinary(t *testing.T, dir, script string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-window.sh")
	contents := "#!/bin/sh\n" + script + "\n"
	if err := os.WriteFile(path, []byte(contents), 0o755); err != nil {
		t.Fatalf("WriteFile fake window binary: %v", err)
	}
	return path
}

func TestRequestWindowSuccess(t *testing.T) {
	m := newTestManager(t)
	m.WindowBinary = writeFakeWindowBinary(t, t.TempDir(), `echo '{"action":"success"}'`)

	resp, err := m.RequestWindow(context.Background(), "T1", "echo hi", 5)
	if err != nil {
		t.Fatalf("RequestWindow: %v", err)
	}
	if resp.Action != ActionSuccess {
		t.Fatalf("expected success, got %s", resp.Action)
	}

	state, err := m.Store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(state.WindowQueue) != 0 {
		t.Fatalf("expected queue drained after completion, got %d entries", len(state.WindowQueue))
	}
	if state.CompletedWindowsCount != 1 {
		t.Fatalf("expected completed_windows_count=1, got %d", state.CompletedWindowsCount)
	}
}

func TestRequestWindowDirectFeedback(t *testing.T) {
	m := newTestManager(t)
	m.WindowBinary = writeFakeWindowBinary(t, t.TempDir(), `echo '{"action":"direct_feedback","message":"user closed it"}'`)

	resp, err := m.RequestWindow(context.Background(), "T1", "echo hi", 5)
	if err != nil {
		t.Fatalf("RequestWindow: %v", err)
	}
	if resp.Action != ActionDirectFeedback {
		t.Fatalf("expected direct_feedback, got %s", resp.Action)
	}
}

func TestRequestWindowSubprocessErrorAction(t *testing.T) {
	m := newTestManager(t)
	m.WindowBinary = writeFakeWindowBinary(t, t.TempDir(), `echo '{"action":"error","message":"boom"}'`)

	_, err := m.RequestWindow(context.Background(), "T1", "echo hi", 5)
	if err == nil {
		t.Fatal("expected error for action=error")
	}
}

func TestRequestWindowOverallTimeout(t *testing.T) {
	m := newTestManager(t)
	m.OverallTimeoutSlop = 200 * time.Millisecond
	m.WindowBinary = writeFakeWindowBinary(t, t.TempDir(), `sleep 5`)

	_, err := m.RequestWindow(context.Background(), "T1", "echo hi", 1)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestAcquireProcessLockClearsStaleHolder(t *testing.T) {
	m := newTestManager(t)

	if err := os.WriteFile(m.PIDPath, []byte("999999999"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(m.LockPath, []byte(""), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	lock, err := m.acquireProcessLock()
	if err != nil {
		t.Fatalf("acquireProcessLock: %v", err)
	}
	m.releaseProcessLock(lock)
}

// Two concurrent requests from one process: both complete successfully,
// the queue drains, and completed_windows_count reaches 2.
func TestConcurrentRequestsSerialized(t *testing.T) {
	m := newTestManager(t)
	m.MinSpacing = 100 * time.Millisecond
	m.WindowBinary = writeFakeWindowBinary(t, t.TempDir(), `echo '{"action":"success"}'`)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := m.RequestWindow(context.Background(), "T", "echo hi", 10)
			if err == nil && resp.Action != ActionSuccess {
				err = fmt.Errorf("unexpected action %s", resp.Action)
			}
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("RequestWindow: %v", err)
		}
	}

	state, err := m.Store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(state.WindowQueue) != 0 {
		t.Fatalf("expected drained queue, got %d entries", len(state.WindowQueue))
	}
	if state.CompletedWindowsCount != 2 {
		t.Fatalf("expected completed_windows_count=2, got %d", state.CompletedWindowsCount)
	}
}

func TestMinimumSpacingGate(t *testing.T) {
	m := newTestManager(t)
	if err := m.enqueue("req_a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := m.markActive("req_a"); err != nil {
		t.Fatalf("markActive: %v", err)
	}
	m.completeAndProgress("req_a")

	if err := m.enqueue("req_b"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	becameHead, evicted, err := m.waitForHead(ctx, "req_b")
	if err != nil {
		t.Fatalf("waitForHead: %v", err)
	}
	if becameHead || evicted {
		t.Fatal("expected req_b to still be waiting on the minimum-spacing gate")
	}
}
