package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/nlquery/internal/warehouse"
)

const Dialect = "DuckDB"

type Config struct {
	// Path is the database file; empty opens an in-memory database.
	Path string
	// ParquetDir exposes every *.parquet file below it as a view. Files in a
	// subdirectory share the subdirectory's view; top-level files get a view
	// named after the file.
	ParquetDir   string
	Schema       string
	MaxFetchRows int
	SampleRows   int
}

func New(ctx context.Context, cfg Config) (*warehouse.DB, error) {
	db, err := sql.Open("duckdb", strings.TrimSpace(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	if dir := strings.TrimSpace(cfg.ParquetDir); dir != "" {
		if err := registerParquetViews(ctx, db, dir); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return warehouse.New(db, warehouse.Options{
		Dialect:      Dialect,
		Schema:       cfg.Schema,
		MaxFetchRows: cfg.MaxFetchRows,
		SampleRows:   cfg.SampleRows,
	}), nil
}

func registerParquetViews(ctx context.Context, db *sql.DB, dir string) error {
	groupedPaths, err := collectParquetFiles(dir)
	if err != nil {
		return err
	}
	tableNames := make([]string, 0, len(groupedPaths))
	for tableName := range groupedPaths {
		tableNames = append(tableNames, tableName)
	}
	sort.Strings(tableNames)

	for _, tableName := range tableNames {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(tableName), quoteStringArray(groupedPaths[tableName]))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			return fmt.Errorf("create view for table %q: %w", tableName, err)
		}
	}
	return nil
}

func collectParquetFiles(dir string) (map[string][]string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve parquet dir: %w", err)
	}
	groupedPaths := map[string][]string{}
	err = filepath.WalkDir(root, func(path string, entry os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(path), ".parquet") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		tableName := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
		if parts := strings.Split(filepath.ToSlash(rel), "/"); len(parts) > 1 {
			tableName = parts[0]
		}
		tableName = sanitizeTableName(tableName)
		groupedPaths[tableName] = append(groupedPaths[tableName], path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan parquet dir: %w", err)
	}
	for tableName := range groupedPaths {
		sort.Strings(groupedPaths[tableName])
	}
	return groupedPaths, nil
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeTableName(value string) string {
	value = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, value)
	if value == "" {
		return "table"
	}
	return value
}
