package nlquery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/duckmesh/nlquery/internal/app"
	"github.com/duckmesh/nlquery/internal/config"
	"github.com/duckmesh/nlquery/internal/conversation"
	"github.com/duckmesh/nlquery/internal/observability"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type Options struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Lookup config.LookupFunc

	NewRuntime  func(ctx context.Context, cfg config.Config, logger *slog.Logger, opts app.Options) (*app.Runtime, error)
	NewSessions func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*conversation.Store, func() error, error)
}

// usageError marks failures that exit with code 2: bad arguments or
// configuration.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }

func (e usageError) Unwrap() error { return e.err }

// errReported marks an error that a command already printed.
var errReported = errors.New("reported")

func Run(ctx context.Context, args []string, defaults Options) int {
	opts := withDefaults(defaults)
	root := newRootCommand(opts)
	root.SetArgs(args)
	root.SetIn(opts.Stdin)
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var usage usageError
	if errors.As(err, &usage) {
		_, _ = fmt.Fprintln(opts.Stderr, errorStyle.Render("error: "+usage.Error()))
		return exitUsage
	}
	if !errors.Is(err, errReported) {
		_, _ = fmt.Fprintln(opts.Stderr, errorStyle.Render("error: "+err.Error()))
	}
	return exitFailure
}

func withDefaults(opts Options) Options {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Lookup == nil {
		opts.Lookup = os.LookupEnv
	}
	if opts.NewRuntime == nil {
		opts.NewRuntime = app.New
	}
	if opts.NewSessions == nil {
		opts.NewSessions = app.OpenSessions
	}
	return opts
}

func newRootCommand(opts Options) *cobra.Command {
	root := &cobra.Command{
		Use:           "nlquery",
		Short:         "Ask a SQL warehouse questions in plain language",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Help()
			return usageError{err: fmt.Errorf("a command is required")}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})
	root.AddCommand(
		testCommand(opts),
		interactiveCommand(opts),
		queryCommand(opts),
		tablesCommand(opts),
		sessionsCommand(opts),
	)
	return root
}

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

// env bundles what every command needs after configuration is loaded.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	stop   func()
}

func loadEnv(ctx context.Context, opts Options, requireLLM bool) (*env, error) {
	cfg, err := config.Load("nlquery", opts.Lookup)
	if err != nil {
		return nil, usageError{err: err}
	}
	if requireLLM {
		if err := cfg.RequireLLM(); err != nil {
			return nil, usageError{err: err}
		}
	}
	logger := observability.NewLogger(cfg, opts.Stderr)
	e := &env{cfg: cfg, logger: logger, stop: func() {}}

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen for metrics on %s: %w", addr, err)
		}
		metricsCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := observability.ServeMetrics(metricsCtx, listener, logger); err != nil {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		e.stop = func() {
			cancel()
			<-done
		}
	}
	return e, nil
}

func openRuntime(ctx context.Context, opts Options, translate bool) (*env, *app.Runtime, error) {
	e, err := loadEnv(ctx, opts, translate)
	if err != nil {
		return nil, nil, err
	}
	rt, err := opts.NewRuntime(ctx, e.cfg, e.logger, app.Options{Translate: translate})
	if err != nil {
		e.stop()
		return nil, nil, err
	}
	return e, rt, nil
}

func closeRuntime(e *env, rt *app.Runtime) {
	if err := rt.Close(); err != nil {
		e.logger.Warn("close runtime", slog.Any("error", err))
	}
	e.stop()
}
