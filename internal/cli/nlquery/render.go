package nlquery

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/duckmesh/nlquery/internal/agent"
	"github.com/duckmesh/nlquery/internal/conversation"
	"github.com/duckmesh/nlquery/internal/schema"
	"github.com/duckmesh/nlquery/internal/warehouse"
)

const maxRenderedRows = 50

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7C3AED"))

	sqlStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#3B82F6")).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#3B82F6")).
		Padding(0, 1)

	successStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#10B981")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#F59E0B"))

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#EF4444")).
		Bold(true)

	mutedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#6B7280"))

	headerCellStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle       = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCellStyle
			}
			return cellStyle
		})
}

func renderOutcome(w io.Writer, outcome agent.Outcome) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Session "+outcome.SessionID+fmt.Sprintf(" · turn %d", outcome.Turn.Seq)))
	_, _ = fmt.Fprintln(w, sqlStyle.Render(outcome.Statement()))
	if outcome.Attempts > 1 {
		_, _ = fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("accepted after %d attempts", outcome.Attempts)))
	}
	for _, suggestion := range outcome.Suggestions {
		_, _ = fmt.Fprintln(w, mutedStyle.Render("hint: "+suggestion))
	}
	if outcome.Result == nil {
		if !outcome.Turn.Executed {
			_, _ = fmt.Fprintln(w, mutedStyle.Render("not executed"))
		}
		return
	}
	renderResult(w, *outcome.Result)
}

func renderResult(w io.Writer, result warehouse.Result) {
	if len(result.Columns) > 0 {
		t := newTable(result.Columns...)
		for i, row := range result.Rows {
			if i >= maxRenderedRows {
				break
			}
			cells := make([]string, 0, len(row))
			for _, value := range row {
				cells = append(cells, formatValue(value))
			}
			t.Row(cells...)
		}
		_, _ = fmt.Fprintln(w, t.Render())
	}

	summary := fmt.Sprintf("%d row(s) in %s", result.RowCount, result.Duration.Round(time.Millisecond))
	if result.RowCount > maxRenderedRows {
		summary += fmt.Sprintf(", showing first %d", maxRenderedRows)
	}
	if result.Truncated {
		summary += ", fetch limit reached"
	}
	_, _ = fmt.Fprintln(w, successStyle.Render(summary))
}

func renderRejection(w io.Writer, rejected *agent.RejectedError) {
	_, _ = fmt.Fprintln(w, errorStyle.Render(rejected.Error()))
	if rejected.Reason != agent.ReasonRetriesExhausted {
		return
	}
	for _, violation := range rejected.Violations {
		_, _ = fmt.Fprintln(w, warnStyle.Render("  - "+violation.String()))
	}
}

func renderTables(w io.Writer, snapshot *schema.Snapshot) {
	t := newTable("Table", "Columns")
	for _, tbl := range snapshot.Tables() {
		columns := make([]string, 0, len(tbl.Columns))
		for _, column := range tbl.Columns {
			columns = append(columns, column.Name+" "+strings.ToLower(column.Type))
		}
		t.Row(tbl.QualifiedName(), strings.Join(columns, ", "))
	}
	_, _ = fmt.Fprintln(w, t.Render())
	_, _ = fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("%d table(s), fetched %s", snapshot.Len(), snapshot.FetchedAt.Format(time.RFC3339))))
}

func renderSessions(w io.Writer, summaries []conversation.Summary) {
	if len(summaries) == 0 {
		_, _ = fmt.Fprintln(w, mutedStyle.Render("no saved sessions"))
		return
	}
	t := newTable("Session", "Created", "Updated", "Turns")
	for _, summary := range summaries {
		t.Row(
			summary.ID,
			summary.CreatedAt.Local().Format("2006-01-02 15:04"),
			summary.UpdatedAt.Local().Format("2006-01-02 15:04"),
			fmt.Sprintf("%d", summary.Turns),
		)
	}
	_, _ = fmt.Fprintln(w, t.Render())
}

func renderHistory(w io.Writer, turns []conversation.Turn) {
	if len(turns) == 0 {
		_, _ = fmt.Fprintln(w, mutedStyle.Render("no turns yet"))
		return
	}
	t := newTable("#", "Question", "SQL", "Outcome")
	for _, turn := range turns {
		statement := turn.AcceptedSQL
		outcome := string(turn.Outcome)
		if turn.Outcome == conversation.OutcomeRejected {
			statement = turn.CandidateSQL
			outcome += " (" + turn.Reason + ")"
		} else if turn.ExecutionError != "" {
			outcome += " (execution failed)"
		}
		t.Row(fmt.Sprintf("%d", turn.Seq), turn.Question, statement, outcome)
	}
	_, _ = fmt.Fprintln(w, t.Render())
}

func formatValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return typed.Format(time.RFC3339)
	case []byte:
		return string(typed)
	default:
		return fmt.Sprint(typed)
	}
}
