package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/duckmesh/nlquery/internal/guard"
	"github.com/duckmesh/nlquery/internal/schema"
)

const systemInstruction = `You translate analytics questions into SQL for a %s warehouse.
Rules:
- Reply with exactly one read-only SQL statement (SELECT or WITH). No prose, no explanation.
- Do not use statement separators, DDL, DML or permission statements.
- Use only the tables and columns listed below; qualify columns when joining.
- Follow-up questions refer to the previous questions and queries in this conversation.`

const (
	maxPromptSamples  = 3
	maxSampleValueLen = 40
)

// Exchange is a prior question together with the SQL that was accepted for it.
type Exchange struct {
	Question string
	SQL      string
}

type Input struct {
	Question string
	Schema   *schema.Snapshot
	History  []Exchange

	// PreviousCandidate and CorrectionHint describe a rejected attempt that the
	// model is asked to repair.
	PreviousCandidate string
	CorrectionHint    []guard.Violation
}

type Config struct {
	Dialect    string
	CoreTables []string
	MaxTables  int
}

type Translator struct {
	generator  Generator
	dialect    string
	coreTables []string
	maxTables  int
}

func NewTranslator(generator Generator, cfg Config) (*Translator, error) {
	if generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	dialect := strings.TrimSpace(cfg.Dialect)
	if dialect == "" {
		dialect = "PostgreSQL-compatible"
	}
	maxTables := cfg.MaxTables
	if maxTables <= 0 {
		maxTables = 10
	}
	core := make([]string, 0, len(cfg.CoreTables))
	for _, name := range cfg.CoreTables {
		if name = strings.TrimSpace(name); name != "" {
			core = append(core, name)
		}
	}
	return &Translator{generator: generator, dialect: dialect, coreTables: core, maxTables: maxTables}, nil
}

// Translate returns one SQL candidate for in. Failures are ErrEmptyResponse or
// a *TransportError; the call is never retried here.
func (t *Translator) Translate(ctx context.Context, in Input) (string, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return "", fmt.Errorf("question is required")
	}
	spec := t.BuildPrompt(in)

	raw, err := t.generator.Generate(ctx, spec)
	if err != nil {
		if IsTransportError(err) {
			return "", err
		}
		if errors.Is(err, ErrEmptyResponse) {
			return "", ErrEmptyResponse
		}
		return "", &TransportError{Provider: "generator", Err: err}
	}
	candidate := ExtractSQL(raw)
	if candidate == "" {
		return "", ErrEmptyResponse
	}
	return candidate, nil
}

func (t *Translator) BuildPrompt(in Input) PromptSpec {
	var system strings.Builder
	fmt.Fprintf(&system, systemInstruction, t.dialect)
	system.WriteString("\n\nSchema:\n")
	tables := t.selectTables(in)
	if len(tables) == 0 {
		system.WriteString("(no tables available)\n")
	}
	for _, table := range tables {
		system.WriteString(describeTable(table))
		system.WriteByte('\n')
	}

	messages := make([]Message, 0, len(in.History)*2+3)
	for _, exchange := range in.History {
		if strings.TrimSpace(exchange.Question) == "" || strings.TrimSpace(exchange.SQL) == "" {
			continue
		}
		messages = append(messages,
			Message{Role: RoleUser, Content: strings.TrimSpace(exchange.Question)},
			Message{Role: RoleAssistant, Content: strings.TrimSpace(exchange.SQL)},
		)
	}
	messages = append(messages, Message{Role: RoleUser, Content: strings.TrimSpace(in.Question)})

	if len(in.CorrectionHint) > 0 {
		if previous := strings.TrimSpace(in.PreviousCandidate); previous != "" {
			messages = append(messages, Message{Role: RoleAssistant, Content: previous})
		}
		messages = append(messages, Message{Role: RoleUser, Content: correctionHint(in.CorrectionHint)})
	}
	return PromptSpec{System: strings.TrimRight(system.String(), "\n"), Messages: messages}
}

func correctionHint(violations []guard.Violation) string {
	var b strings.Builder
	b.WriteString("That query was rejected by the safety checks:\n")
	for _, v := range violations {
		b.WriteString("- ")
		b.WriteString(v.String())
		b.WriteByte('\n')
	}
	b.WriteString("Return a corrected single read-only statement that fixes every problem above.")
	return b.String()
}

func describeTable(table schema.Table) string {
	columns := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		if column.Type == "" {
			columns = append(columns, column.Name)
			continue
		}
		columns = append(columns, column.Name+" "+column.Type)
	}
	line := "- " + table.QualifiedName() + " (" + strings.Join(columns, ", ") + ")"
	for i, row := range table.Samples {
		if i == maxPromptSamples {
			break
		}
		line += "\n  sample: " + describeSample(table.Columns, row)
	}
	return line
}

func describeSample(columns []schema.Column, row []any) string {
	fields := make([]string, 0, len(row))
	for i, value := range row {
		name := fmt.Sprintf("col%d", i+1)
		if i < len(columns) {
			name = columns[i].Name
		}
		text := "NULL"
		if value != nil {
			text = fmt.Sprint(value)
		}
		if len(text) > maxSampleValueLen {
			text = text[:maxSampleValueLen] + "..."
		}
		fields = append(fields, name+"="+text)
	}
	return strings.Join(fields, ", ")
}

// selectTables keeps the prompt bounded: core tables plus tables named in the
// question or history, or the first maxTables tables when nothing matches.
func (t *Translator) selectTables(in Input) []schema.Table {
	if in.Schema == nil {
		return nil
	}
	all := in.Schema.Tables()

	var text strings.Builder
	text.WriteString(in.Question)
	for _, exchange := range in.History {
		text.WriteByte(' ')
		text.WriteString(exchange.Question)
		text.WriteByte(' ')
		text.WriteString(exchange.SQL)
	}
	words := wordSet(text.String())

	core := make(map[string]struct{}, len(t.coreTables))
	for _, name := range t.coreTables {
		core[strings.ToLower(name)] = struct{}{}
	}

	var selected []schema.Table
	mentioned := 0
	for _, table := range all {
		_, isCore := core[strings.ToLower(table.Name)]
		if !isCore {
			_, isCore = core[strings.ToLower(table.QualifiedName())]
		}
		if isCore {
			selected = append(selected, table)
			continue
		}
		if mentioned < t.maxTables && mentions(words, table.Name) {
			selected = append(selected, table)
			mentioned++
		}
	}
	if mentioned > 0 {
		return selected
	}

	for _, table := range all {
		if len(selected) >= t.maxTables {
			break
		}
		if !containsTable(selected, table) {
			selected = append(selected, table)
		}
	}
	return selected
}

func wordSet(text string) map[string]struct{} {
	words := make(map[string]struct{})
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
	for _, field := range fields {
		words[field] = struct{}{}
	}
	return words
}

func mentions(words map[string]struct{}, tableName string) bool {
	name := strings.ToLower(tableName)
	candidates := []string{name, name + "s", name + "es", strings.TrimSuffix(name, "s")}
	if strings.HasSuffix(name, "ies") {
		candidates = append(candidates, strings.TrimSuffix(name, "ies")+"y")
	}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if _, ok := words[candidate]; ok {
			return true
		}
	}
	return false
}

func containsTable(tables []schema.Table, table schema.Table) bool {
	for _, existing := range tables {
		if existing.QualifiedName() == table.QualifiedName() {
			return true
		}
	}
	return false
}
