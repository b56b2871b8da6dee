package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/duckmesh/nlquery/internal/schema"
)

const defaultMaxFetchRows = 10000

// maxSampledTables bounds the sample queries issued per schema listing.
const maxSampledTables = 50

const listColumnsSQL = `
SELECT table_schema, table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema NOT IN ('information_schema', 'pg_catalog')
ORDER BY table_schema, table_name, ordinal_position`

const listSchemaColumnsSQL = `
SELECT table_schema, table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_schema, table_name, ordinal_position`

// Warehouse is the execution collaborator and schema source used by the CLI.
type Warehouse interface {
	Dialect() string
	Ping(ctx context.Context) error
	Version(ctx context.Context) (string, error)
	ListTables(ctx context.Context) ([]schema.Table, error)
	Execute(ctx context.Context, statement string) (Result, error)
	Close() error
}

type Result struct {
	Columns   []string
	Rows      [][]any
	RowCount  int
	Truncated bool
	Duration  time.Duration
}

type Options struct {
	Dialect      string
	Schema       string
	MaxFetchRows int
	// SampleRows is the number of example rows attached to each listed table.
	// Zero disables sampling.
	SampleRows int
}

// DB is a Warehouse over any database/sql driver that exposes
// information_schema.
type DB struct {
	db           *sql.DB
	dialect      string
	schema       string
	maxFetchRows int
	sampleRows   int
}

var _ Warehouse = (*DB)(nil)

func New(db *sql.DB, opts Options) *DB {
	maxRows := opts.MaxFetchRows
	if maxRows <= 0 {
		maxRows = defaultMaxFetchRows
	}
	sampleRows := opts.SampleRows
	if sampleRows < 0 {
		sampleRows = 0
	}
	return &DB{
		db:           db,
		dialect:      strings.TrimSpace(opts.Dialect),
		schema:       strings.TrimSpace(opts.Schema),
		maxFetchRows: maxRows,
		sampleRows:   sampleRows,
	}
}

func (w *DB) Dialect() string {
	return w.dialect
}

func (w *DB) Ping(ctx context.Context) error {
	if err := w.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping warehouse: %w", err)
	}
	return nil
}

func (w *DB) Version(ctx context.Context) (string, error) {
	var version string
	if err := w.db.QueryRowContext(ctx, `SELECT version()`).Scan(&version); err != nil {
		return "", fmt.Errorf("query warehouse version: %w", err)
	}
	return version, nil
}

func (w *DB) ListTables(ctx context.Context) ([]schema.Table, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if w.schema != "" {
		rows, err = w.db.QueryContext(ctx, listSchemaColumnsSQL, w.schema)
	} else {
		rows, err = w.db.QueryContext(ctx, listColumnsSQL)
	}
	if err != nil {
		return nil, fmt.Errorf("list warehouse columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]schema.Table, 0)
	for rows.Next() {
		var tableSchema, tableName, columnName, dataType string
		if err := rows.Scan(&tableSchema, &tableName, &columnName, &dataType); err != nil {
			return nil, fmt.Errorf("scan warehouse column: %w", err)
		}
		last := len(tables) - 1
		if last < 0 || tables[last].Schema != tableSchema || tables[last].Name != tableName {
			tables = append(tables, schema.Table{Schema: tableSchema, Name: tableName})
			last++
		}
		tables[last].Columns = append(tables[last].Columns, schema.Column{Name: columnName, Type: dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate warehouse columns: %w", err)
	}
	_ = rows.Close()

	for i := range tables {
		if w.sampleRows == 0 || i >= maxSampledTables {
			break
		}
		samples, err := w.SampleRows(ctx, tables[i], w.sampleRows)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("sample warehouse tables: %w", ctx.Err())
			}
			continue
		}
		tables[i].Samples = samples.Rows
	}
	return tables, nil
}

// SampleRows returns up to limit rows of table. Columns come back in the
// table's own order.
func (w *DB) SampleRows(ctx context.Context, table schema.Table, limit int) (Result, error) {
	if limit <= 0 {
		return Result{}, fmt.Errorf("sample limit must be > 0")
	}
	return w.Execute(ctx, sampleSQL(table, limit))
}

func sampleSQL(table schema.Table, limit int) string {
	target := quoteIdent(table.Name)
	if table.Schema != "" {
		target = quoteIdent(table.Schema) + "." + target
	}
	return "SELECT * FROM " + target + " LIMIT " + strconv.Itoa(limit)
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

// Execute runs one validated statement and fetches at most MaxFetchRows rows.
// Driver errors are returned with their message intact.
func (w *DB) Execute(ctx context.Context, statement string) (Result, error) {
	if strings.TrimSpace(statement) == "" {
		return Result{}, fmt.Errorf("statement is required")
	}
	start := time.Now()
	rows, err := w.db.QueryContext(ctx, statement)
	if err != nil {
		return Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("query columns: %w", err)
	}

	result := Result{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if len(result.Rows) >= w.maxFetchRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		result.Rows = append(result.Rows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate rows: %w", err)
	}
	result.RowCount = len(result.Rows)
	result.Duration = time.Since(start)
	return result, nil
}

func (w *DB) Close() error {
	return w.db.Close()
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
