// Package dispatcher is the only component that knows the
// shape of the user-facing command. It tokenizes, resolves paths, selects
// a session, renders the remote bash one-liner, special-cases local
// builtins, hands off to the window manager, and parses the result.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkemmerer/devtoolbox/internal/observability"
	"github.com/mkemmerer/devtoolbox/internal/pathresolver"
	"github.com/mkemmerer/devtoolbox/internal/reoerr"
	"github.com/mkemmerer/devtoolbox/internal/resultexchange"
	"github.com/mkemmerer/devtoolbox/internal/session"
	"github.com/mkemmerer/devtoolbox/internal/window"
)

// Result is run_remote's uniform return shape.
type Result struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Structured string `json:"structured,omitempty"`
	Action     string `json:"action,omitempty"`
}

// Dispatcher wires together path resolution, the session registry, the
// window manager, and the result exchange behind RunRemote.
type Dispatcher struct {
	Resolver *pathresolver.Resolver
	Sessions *session.Registry
	Window   *window.Manager
	Results  *resultexchange.Exchange

	DefaultTimeoutSeconds int
}

// RunRemote executes one user shell-line in the remote environment.
func (d *Dispatcher) RunRemote(ctx context.Context, userLine, sessionID string) (res *Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := observability.StartSpan(ctx, "run_remote",
		observability.AttrSessionID.String(sessionID))
	defer func() {
		if err != nil {
			observability.SetSpanError(span, err)
		} else {
			observability.SetSpanOK(span)
		}
		span.End()
	}()

	tokens := pathresolver.SplitTokens(userLine)
	if len(tokens) == 0 {
		return &Result{ExitCode: 0}, nil
	}

	sh, err := d.Sessions.EnsureSession(sessionID)
	if err != nil {
		return nil, err
	}

	if res, handled, err := d.handleBuiltin(tokens, sh); handled {
		return res, err
	}

	resolved := make([]string, len(tokens))
	for i, tok := range tokens {
		remote := d.Resolver.ToRemote(tok)
		if strings.ContainsAny(remote, " \t") {
			remote = quoteRemotePath(remote)
		}
		resolved[i] = remote
	}
	userCommand := strings.Join(resolved, " ")

	requestID := uuid.NewString()
	rendered := d.render(sh, userCommand, requestID)

	timeout := d.DefaultTimeoutSeconds
	if timeout <= 0 {
		timeout = 3600
	}

	span.SetAttributes(observability.AttrRequestID.String(requestID))

	resp, err := d.Window.RequestWindow(ctx, "devtoolbox: "+userCommand, rendered, timeout)
	if err != nil {
		return nil, err
	}
	switch resp.Action {
	case window.ActionDirectFeedback:
		// The user closed the window without running the command; their
		// feedback is surfaced verbatim, not treated as a failure.
		return &Result{Action: string(resp.Action), Structured: resp.Message}, nil
	case window.ActionTimeout:
		return nil, reoerr.New(reoerr.KindTimeout, resp.Message)
	case window.ActionParentKilled:
		return nil, reoerr.New(reoerr.KindParentKilled, resp.Message)
	}

	result, err := d.Results.Await(requestID, time.Now())
	if err != nil {
		return nil, err
	}

	d.applySideEffects(sh, tokens)

	return &Result{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		Action:   string(resp.Action),
	}, nil
}

// render composes the remote bash one-liner: cd into the session's cwd,
// activate its venv if any, export its env vars in a deterministic order,
// run the user's command, and record the exit code alongside captured
// stdout/stderr into the pre-agreed result file.
func (d *Dispatcher) render(sh *session.Shell, userCommand, requestID string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "cd %s", quoteRemotePath(sh.Cwd))

	if sh.ActiveVenv != nil && *sh.ActiveVenv != "" {
		venvPath := "~/.venvs/" + *sh.ActiveVenv + "/bin/activate"
		fmt.Fprintf(&b, " && source %s", quoteRemotePath(venvPath))
	}

	for _, key := range sortedKeys(sh.Env) {
		fmt.Fprintf(&b, " && export %s=%s", key, shellQuote(sh.Env[key]))
	}

	// The orchestrator reads the result at its local-mount path; the
	// remote side writes it at the same file's logical path.
	resultPath := d.Resolver.ToRemote(d.Results.Path(requestID))
	fmt.Fprintf(&b, " && OUT=$(mktemp) ERR=$(mktemp); ( %s ) > \"$OUT\" 2> \"$ERR\"; CODE=$?; "+
		"python3 -c \"import json,os; json.dump({'exit_code': $CODE, 'stdout': open('$OUT').read(), 'stderr': open('$ERR').read()}, open(os.path.expanduser(%s),'w'))\"",
		userCommand, shellQuote(resultPath))

	return b.String()
}

// handleBuiltin answers the local-only builtins: a bare `cd <path>` or
// `pwd` never spawns a window. A compound line like `cd proj && make`
// still goes through the window path so the rest of the line runs
// remotely; applySideEffects picks up its cwd change afterwards.
func (d *Dispatcher) handleBuiltin(tokens []string, sh *session.Shell) (res *Result, handled bool, err error) {
	switch {
	case tokens[0] == "cd" && len(tokens) <= 2:
		target := ""
		if len(tokens) > 1 {
			target = tokens[1]
		}
		remoteTarget := d.Resolver.ToRemote(target)
		newCwd, cdErr := pathresolver.ResolveCD(sh.Cwd, remoteTarget)
		if cdErr != nil {
			return nil, true, reoerr.Wrap(reoerr.KindForbiddenPath, cdErr.Error(), cdErr)
		}
		if err := d.Sessions.UpdateCwd(sh.ID, newCwd); err != nil {
			return nil, true, err
		}
		return &Result{ExitCode: 0}, true, nil
	case tokens[0] == "pwd" && len(tokens) == 1:
		return &Result{ExitCode: 0, Stdout: sh.Cwd + "\n"}, true, nil
	default:
		return nil, false, nil
	}
}

// applySideEffects records the cwd change of a compound command like
// `cd foo && make` after its window run completes (a bare `cd` never
// reaches here — handleBuiltin answers it locally). Since the
// orchestrator has no visibility into the remote shell's actual final
// cwd beyond what it rendered, this only re-applies an explicit leading
// `cd` in the dispatched line — it does not attempt to parse arbitrary
// shell output.
func (d *Dispatcher) applySideEffects(sh *session.Shell, tokens []string) {
	if len(tokens) < 2 || tokens[0] != "cd" {
		return
	}
	remoteTarget := d.Resolver.ToRemote(tokens[1])
	if newCwd, err := pathresolver.ResolveCD(sh.Cwd, remoteTarget); err == nil {
		_ = d.Sessions.UpdateCwd(sh.ID, newCwd)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// shellQuote wraps s in single quotes, escaping any embedded single quote,
// so rendered commands tolerate paths and values containing spaces.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// quoteRemotePath quotes a "~"-rooted logical path without breaking
// bash's leading-tilde expansion: only the portion after the leading "~"
// is wrapped in single quotes, since quoting the tilde itself would
// suppress its expansion to $HOME on the remote side.
func quoteRemotePath(p string) string {
	if strings.HasPrefix(p, "~") {
		return "~" + shellQuote(strings.TrimPrefix(p, "~"))
	}
	return shellQuote(p)
}
