// Command devtoolbox is the control-plane CLI surface of the
// remote-execution orchestrator. Its flags map one-to-one onto the
// dispatcher and session-registry operations; the orchestration itself
// lives under internal/.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mkemmerer/devtoolbox/internal/config"
	"github.com/mkemmerer/devtoolbox/internal/dispatcher"
	"github.com/mkemmerer/devtoolbox/internal/heartbeat"
	"github.com/mkemmerer/devtoolbox/internal/logging"
	"github.com/mkemmerer/devtoolbox/internal/observability"
	"github.com/mkemmerer/devtoolbox/internal/pathresolver"
	"github.com/mkemmerer/devtoolbox/internal/queuestore"
	"github.com/mkemmerer/devtoolbox/internal/reoerr"
	"github.com/mkemmerer/devtoolbox/internal/resultexchange"
	"github.com/mkemmerer/devtoolbox/internal/session"
	"github.com/mkemmerer/devtoolbox/internal/window"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	traceOn    bool

	shellMode      bool
	returnJSON     bool
	sessionID      string
	timeoutSeconds int

	createShell    bool
	listShells     bool
	checkoutShell  string
	terminateShell string

	queueStatus bool
	resetQueue  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "devtoolbox [--shell <command...>]",
		Short: "Devtoolbox - remote-execution orchestrator",
		Long:  "Runs commands in a shared remote shell environment through a single serialized interactive window",
		Args:  cobra.ArbitraryArgs,
		RunE:  run,

		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env vars override)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().BoolVar(&traceOn, "trace", false, "Export an OTLP-HTTP trace per command")

	rootCmd.Flags().BoolVar(&shellMode, "shell", false, "Execute the remaining arguments as one remote command")
	rootCmd.Flags().BoolVar(&returnJSON, "return", false, "With --shell: print only the structured JSON result")
	rootCmd.Flags().StringVar(&sessionID, "session", "", "Shell session id to run in (default: current)")
	rootCmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "Overall timeout in seconds for --shell")

	rootCmd.Flags().BoolVar(&createShell, "create-remote-shell", false, "Create a new remote shell session")
	rootCmd.Flags().BoolVar(&listShells, "list-remote-shell", false, "List remote shell sessions")
	rootCmd.Flags().StringVar(&checkoutShell, "checkout-remote-shell", "", "Make the given session the current default")
	rootCmd.Flags().StringVar(&terminateShell, "terminate-remote-shell", "", "Remove the given session")

	rootCmd.Flags().BoolVar(&queueStatus, "queue-status", false, "Print the window queue state")
	rootCmd.Flags().BoolVar(&resetQueue, "reset-queue", false, "Clear the window queue (operator escape hatch)")

	// The words after --shell are the remote command, not flags.
	rootCmd.Flags().SetInterspersed(false)

	if err := rootCmd.Execute(); err != nil {
		if returnJSON {
			printReturnError(err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logging.InitStructured(logFormat, cfg.Logging.Level, cfg.DebugLogPath())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if traceOn {
		cfg.Tracing.Enabled = true
	}
	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
	}); err != nil {
		logging.Op().Warn("tracing disabled", "error", err)
	}
	defer observability.Shutdown(context.Background())

	d, store := wire(cfg)

	// The signal handler itself only cancels ctx; this reaper kills any
	// window subprocess groups still tracked at that point.
	go func() {
		<-ctx.Done()
		d.Window.Shutdown()
	}()

	switch {
	case createShell:
		id, err := d.Sessions.Create()
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil

	case listShells:
		shells, err := d.Sessions.List()
		if err != nil {
			return err
		}
		cur, _ := d.Sessions.Current()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCWD\tVENV\t")
		for _, sh := range shells {
			marker := ""
			if cur != nil && cur.ID == sh.ID {
				marker = "*"
			}
			fmt.Fprintf(w, "%s%s\t\n", sh.String(), marker)
		}
		return w.Flush()

	case checkoutShell != "":
		return d.Sessions.Checkout(checkoutShell)

	case terminateShell != "":
		return d.Sessions.Terminate(terminateShell)

	case queueStatus:
		state, err := store.Snapshot()
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil

	case resetQueue:
		return store.Reset(cfg.Queue.MutationLockTimeout)

	case shellMode:
		if len(args) == 0 {
			return fmt.Errorf("--shell requires a command")
		}
		return runShell(ctx, d, args)

	default:
		return cmd.Help()
	}
}

func runShell(ctx context.Context, d *dispatcher.Dispatcher, args []string) error {
	line := joinArgs(args)
	res, err := d.RunRemote(ctx, line, sessionID)
	if err != nil {
		return err
	}

	if returnJSON {
		out, mErr := json.Marshal(res)
		if mErr != nil {
			return mErr
		}
		fmt.Println(string(out))
	} else {
		if res.Stdout != "" {
			fmt.Print(res.Stdout)
		}
		if res.Stderr != "" {
			fmt.Fprint(os.Stderr, res.Stderr)
		}
	}

	if res.ExitCode != 0 {
		return fmt.Errorf("remote command exited with code %d", res.ExitCode)
	}
	return nil
}

// joinArgs reassembles the command words into one line, re-quoting any
// word containing whitespace so the dispatcher's tokenizer reproduces the
// original argument boundaries.
func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		if needsQuoting(a) {
			out += "'" + a + "'"
		} else {
			out += a
		}
	}
	return out
}

func needsQuoting(s string) bool {
	for _, c := range s {
		if c == ' ' || c == '\t' {
			return true
		}
	}
	return false
}

// printReturnError keeps the --return contract even on failure: a single
// JSON object on stdout carrying the stable error kind.
func printReturnError(err error) {
	kind, ok := reoerr.KindOf(err)
	if !ok {
		kind = "error"
	}
	payload := map[string]string{"error": string(kind), "message": err.Error()}
	out, mErr := json.Marshal(payload)
	if mErr != nil {
		fmt.Printf("{\"error\":%q}\n", kind)
		return
	}
	fmt.Println(string(out))
}

// wire builds the component graph from config: resolver, queue store,
// heartbeat engine, window manager, session registry, result exchange,
// all behind one dispatcher.
func wire(cfg *config.Config) (*dispatcher.Dispatcher, *queuestore.Store) {
	store := queuestore.New(cfg.QueueStatePath(), cfg.QueueLockPath(), cfg.Queue.LockRetryInterval)
	hb := heartbeat.NewEngine(store, cfg.Queue.MutationLockTimeout, cfg.Queue.HeartbeatInterval, cfg.Queue.HeartbeatCheckEvery)

	win := &window.Manager{
		Store:              store,
		Heartbeat:          hb,
		LockPath:           cfg.WindowLockPath(),
		PIDPath:            cfg.WindowPIDPath(),
		LockAcquireTimeout:  cfg.Window.LockAcquireTimeout,
		EnqueueLockTimeout:  cfg.Queue.EnqueueLockTimeout,
		MutationLockTimeout: cfg.Queue.MutationLockTimeout,
		DefaultTimeout:      cfg.Window.DefaultTimeout,
		OverallTimeoutSlop:  cfg.Window.OverallTimeoutSlop,
		ParentCheckEvery:    cfg.Window.ParentCheckEvery,
		MinSpacing:          cfg.Queue.MinWindowSpacing,
		WindowBinary:        cfg.Window.WindowBinary,
		AudioFile:           cfg.Window.AudioFile,
	}

	d := &dispatcher.Dispatcher{
		Resolver:              pathresolver.New(cfg.Path.MountBase, cfg.Path.HomeDir),
		Sessions:              session.New(cfg.Session.StoreFile),
		Window:                win,
		Results:               resultexchange.New(cfg.Result.Dir, cfg.Result.GracePeriod, cfg.Result.MaxBytes),
		DefaultTimeoutSeconds: timeoutSeconds,
	}
	if d.DefaultTimeoutSeconds <= 0 {
		d.DefaultTimeoutSeconds = int(cfg.Window.DefaultTimeout.Seconds())
	}
	return d, store
}
