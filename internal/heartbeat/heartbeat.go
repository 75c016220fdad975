// Package heartbeat implements the two-strike boolean heartbeat protocol
// that lets a waiter detect and evict a dead holder without trusting
// wall-clock timeouts. The holder-side updater and the waiter-side
// checker are two independent loops that only ever communicate through
// the queue file under its advisory lock — no shared in-memory state
// crosses the two roles.
package heartbeat

import (
	"context"
	"time"

	"github.com/mkemmerer/devtoolbox/internal/logging"
	"github.com/mkemmerer/devtoolbox/internal/queuestore"
)

// evictionStrikes is the number of consecutive failed checks that
// prove a holder dead. Two strikes require the bit to stay unset across
// two consecutive checks, i.e. at least two checker cadences of genuine
// inactivity, so a single missed tick from scheduler jitter never evicts.
const evictionStrikes = 2

// CheckResult is the outcome of a single waiter-side check.
type CheckResult string

const (
	ResultAlive     CheckResult = "alive"
	ResultEvicted   CheckResult = "evicted"
	ResultPending   CheckResult = "pending"
	ResultNotWaiter CheckResult = "not_waiter"
)

// Engine runs the holder-updater and waiter-checker loops against a
// shared Store.
type Engine struct {
	Store               *queuestore.Store
	LockTimeout          time.Duration
	UpdateInterval       time.Duration // Default 100ms (holder)
	CheckInterval        time.Duration // Default 500ms (waiter at index 1)
}

// NewEngine builds an Engine, filling in the default cadences for zero
// values.
func NewEngine(store *queuestore.Store, lockTimeout, updateInterval, checkInterval time.Duration) *Engine {
	if updateInterval <= 0 {
		updateInterval = 100 * time.Millisecond
	}
	if checkInterval <= 0 {
		checkInterval = 500 * time.Millisecond
	}
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Engine{Store: store, LockTimeout: lockTimeout, UpdateInterval: updateInterval, CheckInterval: checkInterval}
}

// UpdateOnce sets heartbeat = true for requestID if it is still the head
// of the queue. It reports whether requestID is still the (non-completed)
// head — false means the updater should stop.
func (e *Engine) UpdateOnce(requestID string) (stillHolder bool, err error) {
	err = e.Store.WithLock(e.LockTimeout, func(state *queuestore.QueueState) error {
		head := state.Head()
		if head == nil || head.ID != requestID || head.Status == queuestore.StatusCompleted {
			stillHolder = false
			return nil
		}
		head.Heartbeat = true
		stillHolder = true
		return nil
	})
	return stillHolder, err
}

// RunHolder loops UpdateOnce every UpdateInterval until requestID is no
// longer head (promoted away, evicted, or completed) or ctx is done.
func (e *Engine) RunHolder(ctx context.Context, requestID string) {
	ticker := time.NewTicker(e.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stillHolder, err := e.UpdateOnce(requestID)
			if err != nil {
				logging.Op().Warn("heartbeat update failed", "request_id", requestID, "error", err)
				continue
			}
			if !stillHolder {
				return
			}
		}
	}
}

// CheckOnce performs a single waiter-side check: if the caller
// isn't at index 1, it is a no-op reporting ResultNotWaiter. Otherwise it
// reads the head's heartbeat bit, resets it on success, or increments
// heartbeat_failures and evicts at evictionStrikes.
func (e *Engine) CheckOnce(waiterID string) (result CheckResult, err error) {
	err = e.Store.WithLock(e.LockTimeout, func(state *queuestore.QueueState) error {
		if state.IndexOf(waiterID) != 1 {
			result = ResultNotWaiter
			return nil
		}
		head := state.Head()
		if head == nil {
			result = ResultNotWaiter
			return nil
		}
		if head.Heartbeat {
			head.Heartbeat = false
			head.HeartbeatFailures = 0
			result = ResultAlive
			return nil
		}
		head.HeartbeatFailures++
		if head.HeartbeatFailures >= evictionStrikes {
			state.RemoveID(head.ID)
			result = ResultEvicted
			return nil
		}
		result = ResultPending
		return nil
	})
	return result, err
}

// RunWaiter loops CheckOnce every CheckInterval until the waiter evicts
// the holder, is no longer at index 1 (promoted to head, or removed by
// something else), or ctx is done. It returns the terminal CheckResult.
func (e *Engine) RunWaiter(ctx context.Context, waiterID string) CheckResult {
	ticker := time.NewTicker(e.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ResultNotWaiter
		case <-ticker.C:
			result, err := e.CheckOnce(waiterID)
			if err != nil {
				logging.Op().Warn("heartbeat check failed", "waiter_id", waiterID, "error", err)
				continue
			}
			switch result {
			case ResultEvicted, ResultNotWaiter:
				return result
			}
		}
	}
}
