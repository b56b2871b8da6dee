package nlquery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/duckmesh/nlquery/internal/agent"
	"github.com/duckmesh/nlquery/internal/app"
	"github.com/duckmesh/nlquery/internal/conversation"
)

const replHelp = `Type a question to translate and run it. Commands:
  help       show this help
  tables     list warehouse tables
  session    show the current session id
  history    show this session's turns
  refresh    reload the warehouse schema
  exit       leave (also quit, q)`

func interactiveCommand(opts Options) *cobra.Command {
	var (
		sessionID string
		noExecute bool
	)
	cmd := &cobra.Command{
		Use:   "interactive",
		Short: "Start a conversational session",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, rt, err := openRuntime(ctx, opts, true)
			if err != nil {
				return err
			}
			defer closeRuntime(e, rt)

			session, err := rt.Sessions.OpenSession(ctx, sessionID)
			if err != nil {
				return usageError{err: err}
			}
			repl := &repl{
				rt:      rt,
				session: session,
				execute: !noExecute,
				in:      cmd.InOrStdin(),
				out:     cmd.OutOrStdout(),
				errOut:  cmd.ErrOrStderr(),
			}
			return repl.run(ctx)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session-id", "", "resume an existing session")
	cmd.Flags().BoolVar(&noExecute, "no-execute", false, "validate generated SQL without running it")
	return cmd
}

type repl struct {
	rt      *app.Runtime
	session *conversation.Session
	execute bool
	in      io.Reader
	out     io.Writer
	errOut  io.Writer
}

// run reads one line per turn until exit, EOF or cancellation. Failed turns
// are reported and the loop continues.
func (r *repl) run(ctx context.Context) error {
	_, _ = fmt.Fprintln(r.out, titleStyle.Render("nlquery interactive · session "+r.session.ID))
	_, _ = fmt.Fprintln(r.out, mutedStyle.Render("type 'help' for commands"))

	scanner := bufio.NewScanner(r.in)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, _ = fmt.Fprint(r.out, "nlquery> ")
		if !scanner.Scan() {
			_, _ = fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch strings.ToLower(line) {
		case "exit", "quit", "q":
			return nil
		case "help":
			_, _ = fmt.Fprintln(r.out, replHelp)
		case "session":
			_, _ = fmt.Fprintln(r.out, r.session.ID)
		case "history":
			renderHistory(r.out, r.session.Turns())
		case "tables":
			snapshot, err := r.rt.Schema.Get(ctx)
			if err != nil {
				r.printError(err)
				continue
			}
			renderTables(r.out, snapshot)
		case "refresh":
			snapshot, err := r.rt.Schema.Refresh(ctx)
			if err != nil {
				r.printError(err)
				continue
			}
			_, _ = fmt.Fprintln(r.out, successStyle.Render(fmt.Sprintf("schema refreshed: %d table(s)", snapshot.Len())))
		default:
			r.ask(ctx, line)
		}
	}
}

func (r *repl) ask(ctx context.Context, question string) {
	outcome, err := r.rt.Orchestrator.Handle(ctx, agent.Request{
		SessionID: r.session.ID,
		Question:  question,
		Execute:   r.execute,
	})
	var rejected *agent.RejectedError
	switch {
	case err == nil:
		renderOutcome(r.out, outcome)
	case errors.As(err, &rejected):
		renderRejection(r.errOut, rejected)
	case outcome.Turn.Executed:
		renderOutcome(r.out, outcome)
		r.printError(fmt.Errorf("execution failed: %w", err))
	default:
		r.printError(err)
	}
}

func (r *repl) printError(err error) {
	_, _ = fmt.Fprintln(r.errOut, errorStyle.Render("error: "+err.Error()))
}
