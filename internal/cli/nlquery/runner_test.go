package nlquery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duckmesh/nlquery/internal/agent"
	"github.com/duckmesh/nlquery/internal/app"
	"github.com/duckmesh/nlquery/internal/config"
	"github.com/duckmesh/nlquery/internal/conversation"
	"github.com/duckmesh/nlquery/internal/nl2sql"
	"github.com/duckmesh/nlquery/internal/schema"
	"github.com/duckmesh/nlquery/internal/storage/memory"
	"github.com/duckmesh/nlquery/internal/warehouse"
)

type fakeWarehouse struct {
	mu         sync.Mutex
	pingErr    error
	statements []string
}

func (w *fakeWarehouse) Dialect() string { return "FakeDB" }

func (w *fakeWarehouse) Ping(context.Context) error { return w.pingErr }

func (w *fakeWarehouse) Version(context.Context) (string, error) { return "fake 1.0", nil }

func (w *fakeWarehouse) ListTables(context.Context) ([]schema.Table, error) {
	return []schema.Table{
		{Schema: "main", Name: "orders", Columns: []schema.Column{{Name: "id", Type: "BIGINT"}, {Name: "region", Type: "VARCHAR"}}},
	}, nil
}

func (w *fakeWarehouse) Execute(_ context.Context, statement string) (warehouse.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.statements = append(w.statements, statement)
	return warehouse.Result{Columns: []string{"id", "region"}, Rows: [][]any{{int64(7), "emea"}}, RowCount: 1}, nil
}

func (w *fakeWarehouse) Close() error { return nil }

func (w *fakeWarehouse) executed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.statements...)
}

type fixedTranslator struct {
	sql string
}

func (f fixedTranslator) Translate(context.Context, nl2sql.Input) (string, error) {
	return f.sql, nil
}

type fixture struct {
	wh       *fakeWarehouse
	sessions *conversation.Store
	sql      string
	env      map[string]string
	stdin    string
	stdout   bytes.Buffer
	stderr   bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sessions, err := conversation.NewStore(memory.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return &fixture{
		wh:       &fakeWarehouse{},
		sessions: sessions,
		sql:      "SELECT * FROM orders",
		env:      map[string]string{"NLQUERY_PROFILE": "test", "LLM_API_KEY": "sk-test"},
	}
}

func (f *fixture) run(t *testing.T, args ...string) int {
	t.Helper()
	f.stdout.Reset()
	f.stderr.Reset()
	return Run(context.Background(), args, Options{
		Stdin:  strings.NewReader(f.stdin),
		Stdout: &f.stdout,
		Stderr: &f.stderr,
		Lookup: func(key string) (string, bool) {
			value, ok := f.env[key]
			return value, ok
		},
		NewRuntime: func(_ context.Context, cfg config.Config, logger *slog.Logger, opts app.Options) (*app.Runtime, error) {
			cache, err := schema.NewCache(f.wh, schema.CacheConfig{TTL: time.Minute}, logger)
			if err != nil {
				return nil, err
			}
			rt := &app.Runtime{Config: cfg, Logger: logger, Warehouse: f.wh, Schema: cache, Sessions: f.sessions}
			if !opts.Translate {
				return rt, nil
			}
			orchestrator, err := agent.NewOrchestrator(agent.Dependencies{
				Translator: fixedTranslator{sql: f.sql},
				Executor:   f.wh,
				Schema:     cache,
				Sessions:   f.sessions,
				Logger:     logger,
			}, agent.Config{
				Policy:           app.PolicyFromConfig(cfg.Policy),
				HistoryTurns:     cfg.Sessions.HistoryTurns,
				TransportBackoff: time.Millisecond,
			})
			if err != nil {
				return nil, err
			}
			rt.Orchestrator = orchestrator
			return rt, nil
		},
		NewSessions: func(context.Context, config.Config, *slog.Logger) (*conversation.Store, func() error, error) {
			return f.sessions, func() error { return nil }, nil
		},
	})
}

func TestRunUsageErrors(t *testing.T) {
	f := newFixture(t)
	if code := f.run(t); code != 2 {
		t.Fatalf("no command exit = %d, want 2", code)
	}
	if code := f.run(t, "bogus"); code != 2 {
		t.Fatalf("unknown command exit = %d, want 2", code)
	}
	if code := f.run(t, "query", "--no-such-flag", "x"); code != 2 {
		t.Fatalf("unknown flag exit = %d, want 2", code)
	}
	if code := f.run(t, "query"); code != 2 {
		t.Fatalf("missing question exit = %d, want 2", code)
	}
}

func TestRunConfigurationErrorExitsTwo(t *testing.T) {
	f := newFixture(t)
	f.env["WAREHOUSE_DRIVER"] = "oracle"
	if code := f.run(t, "test"); code != 2 {
		t.Fatalf("exit = %d, want 2", code)
	}
	if !strings.Contains(f.stderr.String(), "WAREHOUSE_DRIVER") {
		t.Fatalf("stderr = %q", f.stderr.String())
	}

	f = newFixture(t)
	delete(f.env, "LLM_API_KEY")
	if code := f.run(t, "query", "show orders"); code != 2 {
		t.Fatalf("exit without api key = %d, want 2", code)
	}
	if strings.Contains(f.stderr.String(), "sk-test") {
		t.Fatalf("stderr leaks credentials: %q", f.stderr.String())
	}
}

func TestRunTestCommand(t *testing.T) {
	f := newFixture(t)
	delete(f.env, "LLM_API_KEY")
	if code := f.run(t, "test"); code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, f.stderr.String())
	}
	if !strings.Contains(f.stdout.String(), "connected to FakeDB warehouse") || !strings.Contains(f.stdout.String(), "fake 1.0") {
		t.Fatalf("stdout = %q", f.stdout.String())
	}

	f.wh.pingErr = errors.New("connection refused")
	if code := f.run(t, "test"); code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !strings.Contains(f.stderr.String(), "connection refused") {
		t.Fatalf("stderr = %q", f.stderr.String())
	}
}

func TestRunQueryExecutesAcceptedStatement(t *testing.T) {
	f := newFixture(t)
	if code := f.run(t, "query", "show", "orders"); code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, f.stderr.String())
	}
	out := f.stdout.String()
	if !strings.Contains(out, "SELECT * FROM orders LIMIT 100") || !strings.Contains(out, "emea") {
		t.Fatalf("stdout = %q", out)
	}
	if got := f.wh.executed(); len(got) != 1 || got[0] != "SELECT * FROM orders LIMIT 100" {
		t.Fatalf("executed = %v", got)
	}
}

func TestRunQueryPrintsSuggestions(t *testing.T) {
	f := newFixture(t)
	if code := f.run(t, "query", "--no-execute", "show orders"); code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, f.stderr.String())
	}
	out := f.stdout.String()
	for _, want := range []string{"hint: select specific columns instead of SELECT *", "hint: add a WHERE clause to filter rows"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout missing %q: %q", want, out)
		}
	}

	f.sql = "SELECT id FROM orders WHERE region = 'emea' LIMIT 5"
	if code := f.run(t, "query", "--no-execute", "emea orders"); code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, f.stderr.String())
	}
	if strings.Contains(f.stdout.String(), "hint:") {
		t.Fatalf("unexpected hints: %q", f.stdout.String())
	}
}

func TestRunQueryNoExecute(t *testing.T) {
	f := newFixture(t)
	if code := f.run(t, "query", "--no-execute", "--session-id", "s1", "show orders"); code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, f.stderr.String())
	}
	if len(f.wh.executed()) != 0 {
		t.Fatalf("statement executed despite --no-execute")
	}
	if !strings.Contains(f.stdout.String(), "not executed") {
		t.Fatalf("stdout = %q", f.stdout.String())
	}
	session, err := f.sessions.OpenSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	if session.Len() != 1 {
		t.Fatalf("turns = %d", session.Len())
	}
}

func TestRunQueryRejected(t *testing.T) {
	f := newFixture(t)
	f.sql = "DROP TABLE orders"
	if code := f.run(t, "query", "remove orders"); code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !strings.Contains(f.stderr.String(), "ForbiddenOperation") {
		t.Fatalf("stderr = %q", f.stderr.String())
	}
	if len(f.wh.executed()) != 0 {
		t.Fatal("rejected statement executed")
	}
}

func TestRunTables(t *testing.T) {
	f := newFixture(t)
	if code := f.run(t, "tables"); code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, f.stderr.String())
	}
	if !strings.Contains(f.stdout.String(), "main.orders") || !strings.Contains(f.stdout.String(), "region varchar") {
		t.Fatalf("stdout = %q", f.stdout.String())
	}
}

func TestRunInteractive(t *testing.T) {
	f := newFixture(t)
	f.stdin = "help\nsession\ntables\nshow orders\n\nhistory\nrefresh\nquit\nshow orders again\n"
	if code := f.run(t, "interactive", "--session-id", "repl-1"); code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, f.stderr.String())
	}
	out := f.stdout.String()
	for _, want := range []string{"session repl-1", "history", "main.orders", "SELECT * FROM orders LIMIT 100", "schema refreshed: 1 table(s)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout missing %q:\n%s", want, out)
		}
	}
	if got := len(f.wh.executed()); got != 1 {
		t.Fatalf("executed %d statements, want 1 (input after quit must be ignored)", got)
	}
}

func TestRunInteractiveStopsAtEOF(t *testing.T) {
	f := newFixture(t)
	f.sql = "DELETE FROM orders"
	f.stdin = "wipe orders\n"
	if code := f.run(t, "interactive"); code != 0 {
		t.Fatalf("exit = %d, stderr = %s", code, f.stderr.String())
	}
	if !strings.Contains(f.stderr.String(), "ForbiddenOperation") {
		t.Fatalf("stderr = %q", f.stderr.String())
	}
}

func TestRunSessionsCommands(t *testing.T) {
	f := newFixture(t)
	if code := f.run(t, "sessions", "list"); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(f.stdout.String(), "no saved sessions") {
		t.Fatalf("stdout = %q", f.stdout.String())
	}

	if code := f.run(t, "query", "--session-id", "keep-me", "show orders"); code != 0 {
		t.Fatalf("query exit = %d, stderr = %s", code, f.stderr.String())
	}
	if code := f.run(t, "sessions", "list"); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(f.stdout.String(), "keep-me") {
		t.Fatalf("stdout = %q", f.stdout.String())
	}

	if code := f.run(t, "sessions", "cleanup", "--older-than", "24h"); code != 0 {
		t.Fatalf("cleanup exit = %d", code)
	}
	if !strings.Contains(f.stdout.String(), "removed 0 session(s)") {
		t.Fatalf("stdout = %q", f.stdout.String())
	}

	if code := f.run(t, "sessions", "delete", "keep-me"); code != 0 {
		t.Fatalf("delete exit = %d, stderr = %s", code, f.stderr.String())
	}
	if code := f.run(t, "sessions", "delete"); code != 2 {
		t.Fatalf("delete without id exit = %d, want 2", code)
	}
	if code := f.run(t, "sessions", "cleanup", "--older-than", "0s"); code != 2 {
		t.Fatalf("cleanup with zero age exit = %d, want 2", code)
	}
}
