package session

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "shells.json"))
}

func TestCreateListCheckoutTerminateRoundTrip(t *testing.T) {
	r := newTestRegistry(t)

	before, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	startSize := len(before)

	id, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	list, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != startSize+1 {
		t.Fatalf("expected %d shells after create, got %d", startSize+1, len(list))
	}

	cur, err := r.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur == nil || cur.ID != id {
		t.Fatalf("expected newly created shell to be current, got %+v", cur)
	}

	if err := r.Checkout(id); err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	if err := r.Terminate(id); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	after, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(after) != startSize {
		t.Fatalf("registry did not return to initial size: got %d, want %d", len(after), startSize)
	}

	cur, err = r.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur != nil {
		t.Fatalf("expected no current shell after terminating it, got %+v", cur)
	}
}

func TestCreateDefaultsToHomeRoot(t *testing.T) {
	r := newTestRegistry(t)
	id, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sh, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sh.Cwd != "~" {
		t.Fatalf("expected new shell cwd = ~, got %q", sh.Cwd)
	}
	if sh.ActiveVenv != nil {
		t.Fatalf("expected new shell to have no active venv, got %v", *sh.ActiveVenv)
	}
}

func TestCheckoutUnknownSessionFails(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Checkout("nonexistent"); err == nil {
		t.Fatal("expected error checking out an unknown session")
	}
}

func TestTerminateUnknownSessionFails(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Terminate("nonexistent"); err == nil {
		t.Fatal("expected error terminating an unknown session")
	}
}

func TestUpdateCwd(t *testing.T) {
	r := newTestRegistry(t)
	id, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.UpdateCwd(id, "~/proj"); err != nil {
		t.Fatalf("UpdateCwd: %v", err)
	}
	sh, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sh.Cwd != "~/proj" {
		t.Fatalf("expected cwd ~/proj, got %q", sh.Cwd)
	}
}

func TestUpdateEnv(t *testing.T) {
	r := newTestRegistry(t)
	id, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.UpdateEnv(id, "FOO", "bar"); err != nil {
		t.Fatalf("UpdateEnv: %v", err)
	}
	if err := r.UpdateEnv(id, "BAZ", "qux"); err != nil {
		t.Fatalf("UpdateEnv: %v", err)
	}
	sh, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sh.Env["FOO"] != "bar" || sh.Env["BAZ"] != "qux" {
		t.Fatalf("unexpected env after updates: %+v", sh.Env)
	}
}

func TestSetVenv(t *testing.T) {
	r := newTestRegistry(t)
	id, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	name := "myenv"
	if err := r.SetVenv(id, &name); err != nil {
		t.Fatalf("SetVenv: %v", err)
	}
	sh, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sh.ActiveVenv == nil || *sh.ActiveVenv != "myenv" {
		t.Fatalf("expected active venv myenv, got %v", sh.ActiveVenv)
	}

	if err := r.SetVenv(id, nil); err != nil {
		t.Fatalf("SetVenv clear: %v", err)
	}
	sh, err = r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sh.ActiveVenv != nil {
		t.Fatalf("expected active venv cleared, got %v", *sh.ActiveVenv)
	}
}

func TestEnsureSessionCreatesWhenNoneExists(t *testing.T) {
	r := newTestRegistry(t)
	sh, err := r.EnsureSession("")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if sh == nil {
		t.Fatal("expected a shell to be created")
	}

	sh2, err := r.EnsureSession("")
	if err != nil {
		t.Fatalf("EnsureSession second call: %v", err)
	}
	if sh2.ID != sh.ID {
		t.Fatalf("expected EnsureSession to reuse current session, got %s vs %s", sh2.ID, sh.ID)
	}
}

func TestEnsureSessionByExplicitID(t *testing.T) {
	r := newTestRegistry(t)
	id, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	other, err := r.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if other == id {
		t.Fatal("expected distinct ids")
	}

	sh, err := r.EnsureSession(id)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if sh.ID != id {
		t.Fatalf("expected EnsureSession(%q) to return that session, got %s", id, sh.ID)
	}
}

func TestGetUnknownSessionFails(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Get("nope"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestLoadToleratesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shells.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r := New(path)
	list, err := r.List()
	if err != nil {
		t.Fatalf("List on corrupt file: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty registry from corrupt file, got %d entries", len(list))
	}
}
