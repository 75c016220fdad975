// Package resultexchange implements the write-once/read-once-delete
// convention the remote side and the orchestrator use to hand back a
// command's outcome through the shared cloud-drive filesystem.
package resultexchange

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/mkemmerer/devtoolbox/internal/logging"
	"github.com/mkemmerer/devtoolbox/internal/reoerr"
)

// Result is the JSON document the remote side writes back.
type Result struct {
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Exchange locates and parses result files under Dir, a GracePeriod
// tolerant of shared-drive write propagation delay, and a MaxBytes bound
// mirroring the remote side's truncation contract.
type Exchange struct {
	Dir         string
	GracePeriod time.Duration
	MaxBytes    int64
}

// New builds an Exchange. A zero GracePeriod defaults to 5s, and a zero
// MaxBytes defaults to 4MiB.
func New(dir string, gracePeriod time.Duration, maxBytes int64) *Exchange {
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}
	return &Exchange{Dir: dir, GracePeriod: gracePeriod, MaxBytes: maxBytes}
}

// Path returns the pre-agreed result file path for requestID.
func (e *Exchange) Path(requestID string) string {
	return filepath.Join(e.Dir, "run_"+requestID+".json")
}

// Await polls for the result file until it appears or deadline (the
// window-subprocess exit time plus GracePeriod) passes, distinguishing
// "not yet visible on the shared drive" from "never written". On
// success it parses, deletes (best-effort), and returns the Result.
func (e *Exchange) Await(requestID string, windowExitedAt time.Time) (*Result, error) {
	path := e.Path(requestID)
	deadline := windowExitedAt.Add(e.GracePeriod)

	for {
		data, err := os.ReadFile(path)
		if err == nil {
			return e.parse(path, data)
		}
		if !os.IsNotExist(err) {
			return nil, reoerr.Wrap(reoerr.KindIO, "read result file", err)
		}
		if time.Now().After(deadline) {
			return nil, reoerr.New(reoerr.KindNoResult, path)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (e *Exchange) parse(path string, data []byte) (*Result, error) {
	if int64(len(data)) > e.MaxBytes {
		logging.Op().Warn("result file exceeds max bytes, truncating read", "path", path, "bytes", len(data))
		data = data[:e.MaxBytes]
	}
	res := &Result{}
	if err := json.Unmarshal(data, res); err != nil {
		logging.Op().Warn("result file malformed", "path", path, "raw", string(data))
		return nil, reoerr.Wrap(reoerr.KindBadResult, path, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Op().Warn("failed to delete consumed result file", "path", path, "error", err)
	}
	return res, nil
}
