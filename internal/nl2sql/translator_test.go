package nl2sql

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/duckmesh/nlquery/internal/guard"
	"github.com/duckmesh/nlquery/internal/schema"
)

type stubGenerator struct {
	reply string
	err   error
	specs []PromptSpec
}

func (g *stubGenerator) Generate(_ context.Context, spec PromptSpec) (string, error) {
	g.specs = append(g.specs, spec)
	return g.reply, g.err
}

func salesSnapshot() *schema.Snapshot {
	return schema.NewSnapshot([]schema.Table{
		{Schema: "public", Name: "customers", Columns: []schema.Column{{Name: "id", Type: "integer"}, {Name: "name", Type: "text"}}},
		{Schema: "public", Name: "orders", Columns: []schema.Column{{Name: "customer_id", Type: "integer"}, {Name: "amount", Type: "numeric"}, {Name: "ordered_at", Type: "date"}}},
		{Schema: "public", Name: "inventory", Columns: []schema.Column{{Name: "sku", Type: "text"}}},
	}, time.Now(), time.Minute)
}

func TestTranslateReturnsExtractedCandidate(t *testing.T) {
	gen := &stubGenerator{reply: "```sql\nSELECT name FROM customers;\n```"}
	translator, err := NewTranslator(gen, Config{})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	got, err := translator.Translate(context.Background(), Input{Question: "list customers", Schema: salesSnapshot()})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if got != "SELECT name FROM customers" {
		t.Fatalf("Translate() = %q", got)
	}
	if len(gen.specs) != 1 {
		t.Fatalf("expected one generation call, got %d", len(gen.specs))
	}
}

func TestTranslateEmptyResponse(t *testing.T) {
	translator, err := NewTranslator(&stubGenerator{reply: "   "}, Config{})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	_, err = translator.Translate(context.Background(), Input{Question: "anything"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestTranslatePassesGeneratorEmptyResponseThrough(t *testing.T) {
	translator, err := NewTranslator(&stubGenerator{err: ErrEmptyResponse}, Config{})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	_, err = translator.Translate(context.Background(), Input{Question: "anything"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
	if IsTransportError(err) {
		t.Fatalf("empty response must not be a transport error: %v", err)
	}
}

func TestTranslateWrapsGeneratorFailure(t *testing.T) {
	translator, err := NewTranslator(&stubGenerator{err: context.DeadlineExceeded}, Config{})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	_, err = translator.Translate(context.Background(), Input{Question: "anything"})
	if !IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped deadline, got %v", err)
	}
}

func TestTranslateKeepsProviderTransportError(t *testing.T) {
	original := &TransportError{Provider: "openai", Err: errors.New("status=500")}
	translator, err := NewTranslator(&stubGenerator{err: original}, Config{})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	_, err = translator.Translate(context.Background(), Input{Question: "anything"})
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.Provider != "openai" {
		t.Fatalf("expected openai transport error, got %v", err)
	}
}

func TestTranslateRequiresQuestion(t *testing.T) {
	gen := &stubGenerator{reply: "SELECT 1"}
	translator, err := NewTranslator(gen, Config{})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	if _, err := translator.Translate(context.Background(), Input{Question: "  "}); err == nil {
		t.Fatalf("expected error for blank question")
	}
	if len(gen.specs) != 0 {
		t.Fatalf("generator should not be called for blank question")
	}
}

func TestNewTranslatorRequiresGenerator(t *testing.T) {
	if _, err := NewTranslator(nil, Config{}); err == nil {
		t.Fatalf("expected error for nil generator")
	}
}

func TestBuildPromptCarriesHistory(t *testing.T) {
	translator, err := NewTranslator(&stubGenerator{}, Config{})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	first := "SELECT c.name, SUM(o.amount) AS revenue FROM customers c JOIN orders o ON o.customer_id = c.id GROUP BY c.name ORDER BY revenue DESC LIMIT 10"
	spec := translator.BuildPrompt(Input{
		Question: "now show only 2024",
		Schema:   salesSnapshot(),
		History: []Exchange{
			{Question: "top 10 customers by revenue", SQL: first},
			{Question: "rejected question", SQL: ""},
		},
	})

	if len(spec.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(spec.Messages), spec.Messages)
	}
	if spec.Messages[0].Role != RoleUser || spec.Messages[0].Content != "top 10 customers by revenue" {
		t.Fatalf("unexpected first message: %+v", spec.Messages[0])
	}
	if spec.Messages[1].Role != RoleAssistant || spec.Messages[1].Content != first {
		t.Fatalf("unexpected second message: %+v", spec.Messages[1])
	}
	if spec.Messages[2].Role != RoleUser || spec.Messages[2].Content != "now show only 2024" {
		t.Fatalf("unexpected last message: %+v", spec.Messages[2])
	}
	for _, want := range []string{"public.customers (id integer, name text)", "public.orders"} {
		if !strings.Contains(spec.System, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, spec.System)
		}
	}
	if strings.Contains(spec.System, "inventory") {
		t.Fatalf("system prompt should only list mentioned tables:\n%s", spec.System)
	}
}

func TestBuildPromptRepairHint(t *testing.T) {
	translator, err := NewTranslator(&stubGenerator{}, Config{})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	spec := translator.BuildPrompt(Input{
		Question:          "show ghost rows",
		Schema:            salesSnapshot(),
		PreviousCandidate: "SELECT * FROM ghost_table",
		CorrectionHint: []guard.Violation{
			{Code: guard.CodeUnknownTable, Message: `table "ghost_table" is not in the warehouse schema`},
		},
	})
	if len(spec.Messages) != 3 {
		t.Fatalf("expected question, candidate and hint, got %+v", spec.Messages)
	}
	if spec.Messages[1].Role != RoleAssistant || spec.Messages[1].Content != "SELECT * FROM ghost_table" {
		t.Fatalf("unexpected candidate message: %+v", spec.Messages[1])
	}
	hint := spec.Messages[2]
	if hint.Role != RoleUser || !strings.Contains(hint.Content, "UnknownTable") || !strings.Contains(hint.Content, "ghost_table") {
		t.Fatalf("unexpected hint message: %+v", hint)
	}
}

func TestBuildPromptFallsBackToFirstTables(t *testing.T) {
	translator, err := NewTranslator(&stubGenerator{}, Config{MaxTables: 2})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	spec := translator.BuildPrompt(Input{Question: "how are we doing", Schema: salesSnapshot()})
	if got := strings.Count(spec.System, "\n- public."); got != 2 {
		t.Fatalf("expected 2 tables in fallback prompt, got %d:\n%s", got, spec.System)
	}
}

func TestBuildPromptAlwaysIncludesCoreTables(t *testing.T) {
	translator, err := NewTranslator(&stubGenerator{}, Config{CoreTables: []string{"inventory"}})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	spec := translator.BuildPrompt(Input{Question: "total order amount", Schema: salesSnapshot()})
	if !strings.Contains(spec.System, "public.inventory") || !strings.Contains(spec.System, "public.orders") {
		t.Fatalf("expected core and mentioned tables:\n%s", spec.System)
	}
	if strings.Contains(spec.System, "public.customers") {
		t.Fatalf("unexpected unmentioned table:\n%s", spec.System)
	}
}

func TestBuildPromptIncludesSampleRows(t *testing.T) {
	translator, err := NewTranslator(&stubGenerator{}, Config{})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	snapshot := schema.NewSnapshot([]schema.Table{{
		Schema:  "public",
		Name:    "customers",
		Columns: []schema.Column{{Name: "id", Type: "integer"}, {Name: "name", Type: "text"}},
		Samples: [][]any{
			{int64(1), "acme"},
			{int64(2), nil},
			{int64(3), strings.Repeat("x", 60)},
			{int64(4), "globex"},
		},
	}}, time.Now(), time.Minute)

	spec := translator.BuildPrompt(Input{Question: "list customers", Schema: snapshot})
	for _, want := range []string{"sample: id=1, name=acme", "sample: id=2, name=NULL", "name=" + strings.Repeat("x", 40) + "..."} {
		if !strings.Contains(spec.System, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, spec.System)
		}
	}
	if strings.Contains(spec.System, "globex") {
		t.Fatalf("expected at most 3 sample rows:\n%s", spec.System)
	}
}

func TestBuildPromptWithoutSchema(t *testing.T) {
	translator, err := NewTranslator(&stubGenerator{}, Config{Dialect: "DuckDB"})
	if err != nil {
		t.Fatalf("NewTranslator() error = %v", err)
	}
	spec := translator.BuildPrompt(Input{Question: "hello"})
	if !strings.Contains(spec.System, "DuckDB warehouse") || !strings.Contains(spec.System, "(no tables available)") {
		t.Fatalf("unexpected system prompt:\n%s", spec.System)
	}
}
