package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/systerd/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "3.0-lite"

// startupError carries a reason code for failures before the logger exists
// or before the daemon is serving.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func startupFailure(code string, err error) error {
	return &startupError{code: code, err: err}
}

// errSilent signals a non-zero exit whose cause was already printed.
var errSilent = errors.New("")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var se *startupError
	switch {
	case errors.As(err, &se):
		fmt.Fprintf(stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), se.code, se.err.Error())
	case errors.Is(err, errSilent):
	default:
		fmt.Fprintln(stderr, "error:", err)
	}
	return 1
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "systerd",
		Short:   "systerd-lite control plane",
		Version: Version,
		Long: `systerd exposes host control tools to AI agents over MCP (JSON-RPC 2.0).
It gates every call through per-tool permissions and the operating mode,
records activity in the NeuroBus event log, and runs scheduled tasks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("home", "", "systerd home directory (default $SYSTERD_HOME or ~/.systerd)")

	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(eventsCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(modeCmd())
	root.AddCommand(doctorCmd())
	return root
}

func homeDir(cmd *cobra.Command) string {
	if h, _ := cmd.Flags().GetString("home"); h != "" {
		return h
	}
	return config.HomeDir()
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.LoadFrom(homeDir(cmd))
	if err != nil {
		return cfg, fmt.Errorf("config load: %w", err)
	}
	return cfg, nil
}

// interactive reports whether w is a terminal worth drawing a TUI on.
func interactive(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) && os.Getenv("SYSTERD_NO_TUI") == ""
}
