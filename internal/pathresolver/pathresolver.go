// Package pathresolver translates between the user's local filesystem view
// of the mounted cloud drive and the logical, "~"-rooted remote-shell view.
// Every function here is pure: no I/O. ToRemote and ToLocal never fail;
// only ResolveCD can reject a path (a cd that would climb above "~").
package pathresolver

import (
	"fmt"
	"path"
	"strings"
)

const remotePrefix = "~"

// Resolver holds the bijection between a local mount base and the logical
// remote root. The zero value is usable: with MountBase and HomeDir empty,
// ToRemote passes every path through unchanged, while ToLocal still maps
// "~" to "" and "~/<rest>" to "/<rest>".
type Resolver struct {
	// MountBase is the local directory that is the user's view of the
	// remote root, e.g. "/Users/alice/GDrive/REMOTE_ROOT".
	MountBase string
	// HomeDir is the user's local home directory, e.g. "/Users/alice".
	// Paths under it (but not equal to a longer sibling string) are
	// rewritten to "~/...".
	HomeDir string
}

// New builds a Resolver for the given mount base and home directory. Both
// are expected to be absolute, without a trailing slash.
func New(mountBase, homeDir string) *Resolver {
	return &Resolver{MountBase: strings.TrimSuffix(mountBase, "/"), HomeDir: strings.TrimSuffix(homeDir, "/")}
}

// ToRemote maps a local path into its "~"-rooted logical form.
//
//   - A path under MountBase becomes "~/<rest>" (or exactly "~" at the
//     mount base itself).
//   - A path under HomeDir (not the mount base) becomes "~/<rest>"
//     relative to the home directory.
//   - Anything else, including empty strings, passes through unchanged.
//
// ToRemote never rewrites a token that merely starts with the home or
// mount-base string without a following path separator (or being an exact
// match) — "/Users/alice2" must not be treated as living under
// "/Users/alice".
func (r *Resolver) ToRemote(localPath string) string {
	if localPath == "" {
		return localPath
	}
	if rewritten, ok := rewriteUnderBase(localPath, r.MountBase); ok {
		return rewritten
	}
	if rewritten, ok := rewriteUnderBase(localPath, r.HomeDir); ok {
		return rewritten
	}
	return localPath
}

// ToLocal is the inverse of ToRemote for paths rooted under the mount
// base: "~" becomes MountBase and "~/<rest>" becomes "MountBase/<rest>".
// Paths that don't start with "~" pass through unchanged.
func (r *Resolver) ToLocal(remotePath string) string {
	if remotePath == "" {
		return remotePath
	}
	if remotePath == remotePrefix {
		return r.MountBase
	}
	if strings.HasPrefix(remotePath, remotePrefix+"/") {
		return r.MountBase + remotePath[len(remotePrefix):]
	}
	return remotePath
}

func rewriteUnderBase(path, base string) (string, bool) {
	if base == "" {
		return "", false
	}
	if path == base {
		return remotePrefix, true
	}
	if strings.HasPrefix(path, base+"/") {
		return remotePrefix + path[len(base):], true
	}
	return "", false
}

// ResolveCD computes the new logical cwd that results from `cd target`
// issued while the session's cwd is cwd: resolve relatively against cwd,
// then reject any result that would climb above "~" ("cd .." from "~"
// is forbidden).
//
// target may itself be "~"-rooted (absolute within the remote view) or
// relative. Both cwd and the returned path are always "~"-rooted.
func ResolveCD(cwd, target string) (string, error) {
	if target == "" || target == "." {
		return cwd, nil
	}

	var joined string
	if strings.HasPrefix(target, remotePrefix) {
		joined = target
	} else {
		joined = cwd + "/" + target
	}

	// Clean the path relative to the root (no leading "/") so leading ".."
	// segments survive and the escape check below can see them.
	rel := strings.TrimLeft(strings.TrimPrefix(joined, remotePrefix), "/")
	cleaned := path.Clean(rel)

	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("cd would escape remote root: %s", target)
	}
	if cleaned == "." || cleaned == "" {
		return remotePrefix, nil
	}
	return remotePrefix + "/" + cleaned, nil
}

// SplitTokens is a shell-style tokenizer that preserves single- and
// double-quoted segments as single tokens (with the surrounding quotes
// stripped), so the Dispatcher can run ToRemote over exactly the tokens
// that look like paths without corrupting quoted arguments.
func SplitTokens(line string) []string {
	var tokens []string
	var cur strings.Builder
	inToken := false
	var quote rune

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteRune(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inToken = true
		case c == ' ' || c == '\t':
			flush()
		default:
			inToken = true
			cur.WriteRune(c)
		}
	}
	flush()
	return tokens
}
