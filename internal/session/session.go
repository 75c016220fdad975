// Package session implements the shell session registry — named,
// persistent remote-shell records (cwd, env, active venv) backed by a
// single JSON file under its own file lock.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/mkemmerer/devtoolbox/internal/reoerr"
)

// Shell is a named persistent remote-shell context.
type Shell struct {
	ID         string            `json:"-"`
	Cwd        string            `json:"cwd"`
	Env        map[string]string `json:"env"`
	ActiveVenv *string           `json:"active_venv"`
	CreatedAt  float64           `json:"created_at"`
	LastUsedAt float64           `json:"last_used_at"`
}

// registryFile is the on-disk shape.
type registryFile struct {
	Current *string           `json:"current"`
	Shells  map[string]*Shell `json:"shells"`
}

// Registry is the file-backed shell session store.
type Registry struct {
	path     string
	lockPath string
}

// New builds a Registry backed by the JSON file at path, with its lock
// file beside it under the same base name ("shells.json" -> "shells.lock").
func New(path string) *Registry {
	return &Registry{path: path, lockPath: strings.TrimSuffix(path, filepath.Ext(path)) + ".lock"}
}

func (r *Registry) withLock(fn func(*registryFile) error) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return reoerr.Wrap(reoerr.KindIO, "create session dir", err)
	}
	lock := flock.New(r.lockPath)
	if err := lock.Lock(); err != nil {
		return reoerr.Wrap(reoerr.KindIO, "acquire session lock", err)
	}
	defer lock.Unlock()

	reg, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(reg); err != nil {
		return err
	}
	return r.save(reg)
}

func (r *Registry) load() (*registryFile, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &registryFile{Shells: map[string]*Shell{}}, nil
		}
		return nil, reoerr.Wrap(reoerr.KindIO, "read session registry", err)
	}
	if len(data) == 0 {
		return &registryFile{Shells: map[string]*Shell{}}, nil
	}
	reg := &registryFile{}
	if err := json.Unmarshal(data, reg); err != nil {
		return &registryFile{Shells: map[string]*Shell{}}, nil
	}
	if reg.Shells == nil {
		reg.Shells = map[string]*Shell{}
	}
	for id, sh := range reg.Shells {
		sh.ID = id
	}
	return reg, nil
}

func (r *Registry) save(reg *registryFile) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return reoerr.Wrap(reoerr.KindIO, "marshal session registry", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".shells-*.tmp")
	if err != nil {
		return reoerr.Wrap(reoerr.KindIO, "create temp session file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return reoerr.Wrap(reoerr.KindIO, "write temp session file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return reoerr.Wrap(reoerr.KindIO, "close temp session file", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return reoerr.Wrap(reoerr.KindIO, "rename temp session file", err)
	}
	return nil
}

func nowSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// Create mints a fresh shell, rooted at "~", with no env and no venv, and
// sets it as current.
func (r *Registry) Create() (id string, err error) {
	id = uuid.NewString()[:12]
	err = r.withLock(func(reg *registryFile) error {
		now := nowSeconds()
		reg.Shells[id] = &Shell{ID: id, Cwd: "~", Env: map[string]string{}, CreatedAt: now, LastUsedAt: now}
		reg.Current = &id
		return nil
	})
	return id, err
}

// List returns all shells, sorted by id for deterministic output.
func (r *Registry) List() ([]*Shell, error) {
	reg, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Shell, 0, len(reg.Shells))
	for _, sh := range reg.Shells {
		out = append(out, sh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Checkout sets id as the current default session.
func (r *Registry) Checkout(id string) error {
	return r.withLock(func(reg *registryFile) error {
		if _, ok := reg.Shells[id]; !ok {
			return reoerr.New(reoerr.KindUnknownSession, id)
		}
		reg.Current = &id
		return nil
	})
}

// Terminate removes id from the store, clearing Current if it pointed at
// the removed shell.
func (r *Registry) Terminate(id string) error {
	return r.withLock(func(reg *registryFile) error {
		if _, ok := reg.Shells[id]; !ok {
			return reoerr.New(reoerr.KindUnknownSession, id)
		}
		delete(reg.Shells, id)
		if reg.Current != nil && *reg.Current == id {
			reg.Current = nil
		}
		return nil
	})
}

// Current returns the checked-out default shell, or nil if none.
func (r *Registry) Current() (*Shell, error) {
	reg, err := r.load()
	if err != nil {
		return nil, err
	}
	if reg.Current == nil {
		return nil, nil
	}
	sh, ok := reg.Shells[*reg.Current]
	if !ok {
		return nil, nil
	}
	return sh, nil
}

// Get returns the shell with the given id.
func (r *Registry) Get(id string) (*Shell, error) {
	reg, err := r.load()
	if err != nil {
		return nil, err
	}
	sh, ok := reg.Shells[id]
	if !ok {
		return nil, reoerr.New(reoerr.KindUnknownSession, id)
	}
	return sh, nil
}

// UpdateCwd stores a new (already-validated, "~"-rooted) logical cwd for
// id and bumps LastUsedAt.
func (r *Registry) UpdateCwd(id, newRemotePath string) error {
	return r.mutate(id, func(sh *Shell) { sh.Cwd = newRemotePath })
}

// UpdateEnv sets one env var on id's session.
func (r *Registry) UpdateEnv(id, key, value string) error {
	return r.mutate(id, func(sh *Shell) {
		if sh.Env == nil {
			sh.Env = map[string]string{}
		}
		sh.Env[key] = value
	})
}

// SetVenv records id's active virtualenv name, or clears it when name is
// nil.
func (r *Registry) SetVenv(id string, name *string) error {
	return r.mutate(id, func(sh *Shell) { sh.ActiveVenv = name })
}

func (r *Registry) mutate(id string, fn func(*Shell)) error {
	return r.withLock(func(reg *registryFile) error {
		sh, ok := reg.Shells[id]
		if !ok {
			return reoerr.New(reoerr.KindUnknownSession, id)
		}
		fn(sh)
		sh.LastUsedAt = nowSeconds()
		return nil
	})
}

// EnsureSession returns the session named by id, or — if id is empty —
// the current session, creating one if none exists yet.
func (r *Registry) EnsureSession(id string) (*Shell, error) {
	if id != "" {
		return r.Get(id)
	}
	cur, err := r.Current()
	if err != nil {
		return nil, err
	}
	if cur != nil {
		return cur, nil
	}
	newID, err := r.Create()
	if err != nil {
		return nil, err
	}
	return r.Get(newID)
}

// String renders a Shell for --list-remote-shell's table.
func (s *Shell) String() string {
	venv := "-"
	if s.ActiveVenv != nil {
		venv = *s.ActiveVenv
	}
	return fmt.Sprintf("%s\t%s\t%s", s.ID, s.Cwd, venv)
}
