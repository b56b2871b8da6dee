package nlquery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/duckmesh/nlquery/internal/agent"
)

func testCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Check warehouse connectivity",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, rt, err := openRuntime(ctx, opts, false)
			if err != nil {
				return err
			}
			defer closeRuntime(e, rt)

			if err := rt.Warehouse.Ping(ctx); err != nil {
				return err
			}
			version, err := rt.Warehouse.Version(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, successStyle.Render("connected to "+rt.Warehouse.Dialect()+" warehouse"))
			_, _ = fmt.Fprintln(out, mutedStyle.Render("version: "+version))
			return nil
		},
	}
}

func tablesCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List the tables the translator can use",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, rt, err := openRuntime(ctx, opts, false)
			if err != nil {
				return err
			}
			defer closeRuntime(e, rt)

			snapshot, err := rt.Schema.Refresh(ctx)
			if err != nil {
				return err
			}
			renderTables(cmd.OutOrStdout(), snapshot)
			return nil
		},
	}
}

func queryCommand(opts Options) *cobra.Command {
	var (
		sessionID string
		noExecute bool
	)
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Translate one question into SQL and run it",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return usageError{err: fmt.Errorf("question is required")}
			}
			e, rt, err := openRuntime(ctx, opts, true)
			if err != nil {
				return err
			}
			defer closeRuntime(e, rt)

			outcome, err := rt.Orchestrator.Handle(ctx, agent.Request{
				SessionID: sessionID,
				Question:  question,
				Execute:   !noExecute,
			})
			return reportTurn(cmd, outcome, err)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session-id", "", "continue an existing session")
	cmd.Flags().BoolVar(&noExecute, "no-execute", false, "validate the generated SQL without running it")
	return cmd
}

// reportTurn prints a turn result and returns errReported for failed turns.
func reportTurn(cmd *cobra.Command, outcome agent.Outcome, err error) error {
	out := cmd.OutOrStdout()
	var rejected *agent.RejectedError
	switch {
	case err == nil:
		renderOutcome(out, outcome)
		return nil
	case errors.As(err, &rejected):
		renderRejection(cmd.ErrOrStderr(), rejected)
		return errReported
	case outcome.Turn.Executed:
		renderOutcome(out, outcome)
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render("execution failed: "+err.Error()))
		return errReported
	default:
		return err
	}
}

func sessionsCommand(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage saved conversations",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Help()
			return usageError{err: fmt.Errorf("a sessions subcommand is required")}
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved sessions, newest first",
			Args:  usageArgs(cobra.NoArgs),
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withSessions(cmd, opts, func(s sessionsEnv) error {
					summaries, err := s.store.ListSessions(cmd.Context())
					if err != nil {
						return err
					}
					renderSessions(cmd.OutOrStdout(), summaries)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "delete <session-id>",
			Short: "Delete a saved session",
			Args:  usageArgs(cobra.ExactArgs(1)),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSessions(cmd, opts, func(s sessionsEnv) error {
					if err := s.store.DeleteSession(cmd.Context(), args[0]); err != nil {
						return err
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("deleted "+args[0]))
					return nil
				})
			},
		},
		cleanupCommand(opts),
	)
	return cmd
}

func cleanupCommand(opts Options) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete sessions not updated within --older-than",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return usageError{err: fmt.Errorf("--older-than must be > 0")}
			}
			return withSessions(cmd, opts, func(s sessionsEnv) error {
				removed, err := s.store.Cleanup(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("removed %d session(s)", removed)))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age threshold, e.g. 720h")
	return cmd
}
