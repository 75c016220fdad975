package pathresolver

import "testing"

func testResolver() *Resolver {
	return New("/Users/alice/GDrive/REMOTE_ROOT", "/Users/alice")
}

func TestToRemote(t *testing.T) {
	r := testResolver()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"mount base itself", "/Users/alice/GDrive/REMOTE_ROOT", "~"},
		{"under mount base", "/Users/alice/GDrive/REMOTE_ROOT/proj", "~/proj"},
		{"nested under mount base", "/Users/alice/GDrive/REMOTE_ROOT/proj/a.py", "~/proj/a.py"},
		{"home dir itself", "/Users/alice", "~"},
		{"under home dir", "/Users/alice/notes.txt", "~/notes.txt"},
		{"home string without separator not rewritten", "/Users/alice2/x", "/Users/alice2/x"},
		{"unrelated absolute path", "/etc/hosts", "/etc/hosts"},
		{"relative path", "proj/a.py", "proj/a.py"},
		{"empty", "", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := r.ToRemote(c.in); got != c.want {
				t.Fatalf("ToRemote(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func TestToLocal(t *testing.T) {
	r := testResolver()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"root", "~", "/Users/alice/GDrive/REMOTE_ROOT"},
		{"nested", "~/proj/a.py", "/Users/alice/GDrive/REMOTE_ROOT/proj/a.py"},
		{"non-remote path passes through", "/etc/hosts", "/etc/hosts"},
		{"empty", "", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := r.ToLocal(c.in); got != c.want {
				t.Fatalf("ToLocal(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	r := testResolver()
	paths := []string{
		"/Users/alice/GDrive/REMOTE_ROOT",
		"/Users/alice/GDrive/REMOTE_ROOT/proj",
		"/Users/alice/GDrive/REMOTE_ROOT/proj/a/b/c.py",
	}
	for _, p := range paths {
		if got := r.ToLocal(r.ToRemote(p)); got != p {
			t.Fatalf("round trip ToLocal(ToRemote(%q)) = %q", p, got)
		}
	}

	remotes := []string{"~", "~/proj", "~/proj/a/b/c.py"}
	for _, rp := range remotes {
		if got := r.ToRemote(r.ToLocal(rp)); got != rp {
			t.Fatalf("round trip ToRemote(ToLocal(%q)) = %q", rp, got)
		}
	}
}

func TestResolveCD(t *testing.T) {
	cases := []struct {
		name    string
		cwd     string
		target  string
		want    string
		wantErr bool
	}{
		{"relative descend", "~", "proj", "~/proj", false},
		{"relative descend two levels", "~/proj", "src", "~/proj/src", false},
		{"absolute remote path", "~/proj", "~/other", "~/other", false},
		{"dot is a no-op", "~/proj", ".", "~/proj", false},
		{"empty is a no-op", "~/proj", "", "~/proj", false},
		{"parent within root", "~/proj/src", "..", "~/proj", false},
		{"escape at root forbidden", "~", "..", "", true},
		{"escape via relative forbidden", "~/proj", "../..", "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ResolveCD(c.cwd, c.target)
			if c.wantErr {
				if err == nil {
					t.Fatalf("ResolveCD(%q, %q) = %q, want error", c.cwd, c.target, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveCD(%q, %q) unexpected error: %v", c.cwd, c.target, err)
			}
			if got != c.want {
				t.Fatalf("ResolveCD(%q, %q) = %q, want %q", c.cwd, c.target, got, c.want)
			}
		})
	}
}

func TestSplitTokens(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"simple", "ls -la /tmp", []string{"ls", "-la", "/tmp"}},
		{"double quoted segment", `echo "hello world"`, []string{"echo", "hello world"}},
		{"single quoted segment", `echo 'a b c'`, []string{"echo", "a b c"}},
		{"mixed spacing", "cmd   arg1  arg2", []string{"cmd", "arg1", "arg2"}},
		{"empty", "", nil},
		{"quoted path with space", `cat "/Users/alice/my file.txt"`, []string{"cat", "/Users/alice/my file.txt"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := SplitTokens(c.in)
			if len(got) != len(c.want) {
				t.Fatalf("SplitTokens(%q) = %v, want %v", c.in, got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("SplitTokens(%q)[%d] = %q, want %q", c.in, i, got[i], c.want[i])
				}
			}
		})
	}
}
