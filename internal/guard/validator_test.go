package guard

import (
	"reflect"
	"strings"
	"testing"
)

type tableList map[string]struct{}

func (l tableList) HasTable(name string) bool {
	_, ok := l[strings.ToLower(name)]
	return ok
}

func knownTables(names ...string) tableList {
	out := make(tableList, len(names))
	for _, name := range names {
		out[strings.ToLower(name)] = struct{}{}
	}
	return out
}

func TestValidateRejectsDropTable(t *testing.T) {
	result := Validate("DROP TABLE customers", DefaultPolicy(), knownTables("customers"))
	if result.Accepted {
		t.Fatal("Accepted = true, want false")
	}
	if got := result.Codes(); !reflect.DeepEqual(got, []Code{CodeForbiddenOperation}) {
		t.Fatalf("Codes() = %v", got)
	}
	if result.Statement != "" {
		t.Fatalf("Statement = %q, want empty on rejection", result.Statement)
	}
}

func TestValidateInjectsRowCap(t *testing.T) {
	result := Validate("SELECT * FROM orders", DefaultPolicy(), knownTables("orders"))
	if !result.Accepted {
		t.Fatalf("Accepted = false, violations = %v", result.Violations)
	}
	if result.Statement != "SELECT * FROM orders LIMIT 100" {
		t.Fatalf("Statement = %q", result.Statement)
	}
	if len(result.Violations) != 0 {
		t.Fatalf("Violations = %v", result.Violations)
	}
}

func TestValidateRejectsUnknownTable(t *testing.T) {
	result := Validate("SELECT id FROM ghost_table", DefaultPolicy(), knownTables("orders"))
	if result.Accepted {
		t.Fatal("Accepted = true, want false")
	}
	if got := result.Codes(); !reflect.DeepEqual(got, []Code{CodeUnknownTable}) {
		t.Fatalf("Codes() = %v", got)
	}
	if !strings.Contains(result.Violations[0].Message, "ghost_table") {
		t.Fatalf("Message = %q", result.Violations[0].Message)
	}
}

func TestValidateCollectsAllViolations(t *testing.T) {
	result := Validate("SELECT * FROM ghost; DELETE FROM orders", DefaultPolicy(), knownTables("orders"))
	if result.Accepted {
		t.Fatal("Accepted = true, want false")
	}
	want := []Code{CodeMultipleStatements, CodeForbiddenOperation, CodeUnknownTable}
	if got := result.Codes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Codes() = %v, want %v", got, want)
	}
}

func TestValidateStatementShape(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []Code
	}{
		{name: "trailing separator", sql: "SELECT 1;", want: []Code{CodeMultipleStatements}},
		{name: "separator in string", sql: "SELECT 'a;b' AS v", want: nil},
		{name: "separator in line comment", sql: "SELECT 1 -- done;\n", want: nil},
		{name: "separator in block comment", sql: "SELECT /* ; */ 1", want: nil},
		{name: "separator in quoted identifier", sql: `SELECT 1 AS "x;y"`, want: nil},
		{name: "empty", sql: "   ", want: []Code{CodeEmptyStatement}},
		{name: "only comment", sql: "-- nothing here", want: []Code{CodeEmptyStatement}},
		{name: "unterminated string", sql: "SELECT 'abc", want: []Code{CodeMalformedStatement}},
		{name: "unterminated comment", sql: "SELECT 1 /* open", want: []Code{CodeMalformedStatement}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Validate(tt.sql, DefaultPolicy(), nil)
			got := result.Codes()
			if len(got) == 0 {
				got = nil
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Codes() = %v, want %v", got, tt.want)
			}
			if result.Accepted != (len(tt.want) == 0) {
				t.Fatalf("Accepted = %v", result.Accepted)
			}
		})
	}
}

func TestValidateVerbRules(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		accepted bool
	}{
		{name: "lowercase select", sql: "select 1", accepted: true},
		{name: "with query", sql: "WITH t AS (SELECT 1 AS x) SELECT x FROM t", accepted: true},
		{name: "show", sql: "SHOW TABLES", accepted: true},
		{name: "describe", sql: "DESCRIBE orders", accepted: true},
		{name: "explain", sql: "EXPLAIN SELECT * FROM orders", accepted: true},
		{name: "parenthesized select", sql: "(SELECT 1)", accepted: true},
		{name: "mixed case delete", sql: "DeLeTe FROM orders", accepted: false},
		{name: "update", sql: "update orders set total = 0", accepted: false},
		{name: "insert", sql: "INSERT INTO orders VALUES (1)", accepted: false},
		{name: "truncate", sql: "TRUNCATE orders", accepted: false},
		{name: "grant", sql: "GRANT ALL ON orders TO public", accepted: false},
		{name: "data modifying cte", sql: "WITH gone AS (DELETE FROM orders RETURNING *) SELECT * FROM gone", accepted: false},
		{name: "unknown leading verb", sql: "VACUUM orders", accepted: false},
		{name: "verb inside string", sql: "SELECT * FROM orders WHERE note = 'drop table'", accepted: true},
		{name: "verb inside quoted identifier", sql: `SELECT "delete" FROM orders`, accepted: true},
		{name: "verb as identifier prefix", sql: "SELECT created_at, updated_by FROM orders", accepted: true},
		{name: "select into", sql: "SELECT * INTO orders_copy FROM orders", accepted: false},
		{name: "select into temp", sql: "select id into temp recent from orders", accepted: false},
		{name: "into inside string", sql: "SELECT * FROM orders WHERE note = 'moved into storage'", accepted: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Validate(tt.sql, DefaultPolicy(), knownTables("orders"))
			if result.Accepted != tt.accepted {
				t.Fatalf("Accepted = %v, violations = %v", result.Accepted, result.Violations)
			}
			if !tt.accepted {
				for _, code := range result.Codes() {
					if code == CodeForbiddenOperation {
						return
					}
				}
				t.Fatalf("Codes() = %v, want ForbiddenOperation", result.Codes())
			}
		})
	}
}

func TestValidateAllowedVerbsOverrideBlocklist(t *testing.T) {
	policy := DefaultPolicy()
	policy.AllowedVerbs = []string{"create"}
	result := Validate("CREATE VIEW v AS SELECT 1", policy, nil)
	if !result.Accepted {
		t.Fatalf("Accepted = false, violations = %v", result.Violations)
	}
	if result.Statement != "CREATE VIEW v AS SELECT 1" {
		t.Fatalf("Statement = %q", result.Statement)
	}
}

func TestValidateCustomForbiddenVerbs(t *testing.T) {
	policy := DefaultPolicy()
	policy.ForbiddenVerbs = []string{"copy"}
	result := Validate("SELECT * FROM orders WHERE copy = 1", policy, nil)
	if result.Accepted {
		t.Fatal("Accepted = true, want false")
	}
	if result := Validate("SELECT * FROM orders", policy, nil); !result.Accepted {
		t.Fatalf("Accepted = false, violations = %v", result.Violations)
	}
}

func TestValidateRowCapNormalization(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{name: "existing smaller limit", sql: "SELECT * FROM orders LIMIT 10", want: "SELECT * FROM orders LIMIT 10"},
		{name: "limit above cap", sql: "SELECT * FROM orders LIMIT 5000", want: "SELECT * FROM orders LIMIT 100"},
		{name: "limit all", sql: "SELECT * FROM orders limit all", want: "SELECT * FROM orders limit 100"},
		{name: "offset form", sql: "SELECT * FROM orders LIMIT 5, 900", want: "SELECT * FROM orders LIMIT 5, 100"},
		{name: "limit with offset", sql: "SELECT * FROM orders LIMIT 20 OFFSET 40", want: "SELECT * FROM orders LIMIT 20 OFFSET 40"},
		{name: "fetch first", sql: "SELECT * FROM orders FETCH FIRST 5 ROWS ONLY", want: "SELECT * FROM orders FETCH FIRST 5 ROWS ONLY"},
		{name: "top", sql: "SELECT TOP 5 * FROM orders", want: "SELECT TOP 5 * FROM orders"},
		{name: "subquery limit is not top level", sql: "SELECT * FROM (SELECT * FROM orders LIMIT 5) o", want: "SELECT * FROM (SELECT * FROM orders LIMIT 5) o LIMIT 100"},
		{name: "cte", sql: "WITH t AS (SELECT * FROM orders) SELECT * FROM t", want: "WITH t AS (SELECT * FROM orders) SELECT * FROM t LIMIT 100"},
		{name: "trailing comment", sql: "SELECT * FROM orders -- all of them", want: "SELECT * FROM orders LIMIT 100 -- all of them"},
		{name: "surrounding whitespace", sql: "\n  SELECT * FROM orders  \n", want: "SELECT * FROM orders LIMIT 100"},
		{name: "values", sql: "VALUES (1), (2)", want: "VALUES (1), (2) LIMIT 100"},
		{name: "show untouched", sql: "SHOW TABLES", want: "SHOW TABLES"},
		{name: "explain untouched", sql: "EXPLAIN SELECT * FROM orders", want: "EXPLAIN SELECT * FROM orders"},
		{name: "fetch first above cap", sql: "SELECT * FROM orders FETCH FIRST 1000000 ROWS ONLY", want: "SELECT * FROM orders FETCH FIRST 100 ROWS ONLY"},
		{name: "fetch first row", sql: "SELECT * FROM orders FETCH FIRST ROW ONLY", want: "SELECT * FROM orders FETCH FIRST ROW ONLY"},
		{name: "fetch first expression", sql: "SELECT * FROM orders FETCH FIRST (10 * 10000) ROWS ONLY", want: "SELECT * FROM (SELECT * FROM orders FETCH FIRST (10 * 10000) ROWS ONLY) AS capped_rows LIMIT 100"},
		{name: "top above cap", sql: "SELECT TOP 1000000 * FROM orders", want: "SELECT TOP 100 * FROM orders"},
		{name: "top parenthesized above cap", sql: "SELECT TOP (5000) * FROM orders", want: "SELECT TOP (100) * FROM orders"},
		{name: "top percent", sql: "SELECT TOP 50 PERCENT * FROM orders", want: "SELECT * FROM (SELECT TOP 50 PERCENT * FROM orders) AS capped_rows LIMIT 100"},
		{name: "limit subquery", sql: "SELECT * FROM orders LIMIT (SELECT 1000000)", want: "SELECT * FROM (SELECT * FROM orders LIMIT (SELECT 1000000)) AS capped_rows LIMIT 100"},
		{name: "limit overflow", sql: "SELECT * FROM orders LIMIT 99999999999999999999", want: "SELECT * FROM orders LIMIT 100"},
		{name: "limit expression", sql: "SELECT * FROM orders LIMIT 10 * 100000 -- big", want: "SELECT * FROM (SELECT * FROM orders LIMIT 10 * 100000) AS capped_rows LIMIT 100"},
		{name: "limit decimal", sql: "SELECT * FROM orders LIMIT 1e9", want: "SELECT * FROM (SELECT * FROM orders LIMIT 1e9) AS capped_rows LIMIT 100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Validate(tt.sql, DefaultPolicy(), knownTables("orders"))
			if !result.Accepted {
				t.Fatalf("Accepted = false, violations = %v", result.Violations)
			}
			if result.Statement != tt.want {
				t.Fatalf("Statement = %q, want %q", result.Statement, tt.want)
			}
		})
	}
}

func TestValidateRowCapDisabled(t *testing.T) {
	policy := DefaultPolicy()
	policy.RequireRowCap = false
	result := Validate("SELECT * FROM orders LIMIT 5000", policy, nil)
	if !result.Accepted || result.Statement != "SELECT * FROM orders LIMIT 5000" {
		t.Fatalf("Result = %#v", result)
	}
}

func TestValidateTableReferences(t *testing.T) {
	tables := knownTables("orders", "customers", "public.orders", "public.customers")
	tests := []struct {
		name    string
		sql     string
		unknown []string
	}{
		{name: "case insensitive", sql: "SELECT * FROM ORDERS", unknown: nil},
		{name: "qualified", sql: "SELECT * FROM public.orders", unknown: nil},
		{name: "quoted", sql: `SELECT * FROM "Customers"`, unknown: nil},
		{name: "join", sql: "SELECT * FROM orders o JOIN customers c ON o.customer_id = c.id", unknown: nil},
		{name: "comma list", sql: "SELECT * FROM orders o, ghost g, customers", unknown: []string{"ghost"}},
		{name: "join unknown", sql: "SELECT * FROM orders LEFT OUTER JOIN refunds r ON r.order_id = orders.id", unknown: []string{"refunds"}},
		{name: "cte name", sql: "WITH recent AS (SELECT * FROM orders) SELECT * FROM recent", unknown: nil},
		{name: "recursive cte with columns", sql: "WITH RECURSIVE n(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM n) SELECT x FROM n", unknown: nil},
		{name: "table function", sql: "SELECT * FROM generate_series(1, 10) AS g(n)", unknown: nil},
		{name: "extract", sql: "SELECT EXTRACT(YEAR FROM created_at) FROM orders", unknown: nil},
		{name: "trim", sql: "SELECT TRIM(BOTH ' ' FROM name) FROM customers", unknown: nil},
		{name: "substring", sql: "SELECT SUBSTRING(name FROM 1 FOR 3) FROM customers", unknown: nil},
		{name: "is distinct from", sql: "SELECT * FROM orders WHERE status IS DISTINCT FROM region", unknown: nil},
		{name: "subquery", sql: "SELECT * FROM (SELECT * FROM ghost_table) g", unknown: []string{"ghost_table"}},
		{name: "where subquery", sql: "SELECT * FROM orders WHERE id IN (SELECT order_id FROM returns)", unknown: []string{"returns"}},
		{name: "catalog qualified", sql: "SELECT * FROM warehouse.public.orders", unknown: nil},
		{name: "wrong schema", sql: "SELECT * FROM sales.orders", unknown: []string{"sales.orders"}},
		{name: "describe", sql: "DESCRIBE ghost", unknown: []string{"ghost"}},
		{name: "file scan", sql: "SELECT * FROM 'data/orders.parquet'", unknown: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Validate(tt.sql, DefaultPolicy(), tables)
			var unknown []string
			for _, v := range result.Violations {
				if v.Code != CodeUnknownTable {
					t.Fatalf("unexpected violation %v", v)
				}
				start := strings.Index(v.Message, `"`)
				end := strings.LastIndex(v.Message, `"`)
				unknown = append(unknown, v.Message[start+1:end])
			}
			if !reflect.DeepEqual(unknown, tt.unknown) {
				t.Fatalf("unknown tables = %v, want %v", unknown, tt.unknown)
			}
		})
	}
}

func TestValidateNilTablesSkipsTableRule(t *testing.T) {
	result := Validate("SELECT * FROM anything", DefaultPolicy(), nil)
	if !result.Accepted {
		t.Fatalf("Accepted = false, violations = %v", result.Violations)
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	sql := "SELECT * FROM ghost; DROP TABLE orders"
	first := Validate(sql, DefaultPolicy(), knownTables("orders"))
	second := Validate(sql, DefaultPolicy(), knownTables("orders"))
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Validate() not deterministic: %#v vs %#v", first, second)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := (Policy{RowLimit: 0}).Validate(); err == nil {
		t.Fatal("Validate() expected error for zero row limit")
	}
	if err := (Policy{RowLimit: 10, MaxRetries: -1}).Validate(); err == nil {
		t.Fatal("Validate() expected error for negative retries")
	}
}

func TestViolationString(t *testing.T) {
	v := Violation{Code: CodeUnknownTable, Message: "table \"x\" is not in the warehouse schema"}
	if got := v.String(); got != `UnknownTable: table "x" is not in the warehouse schema` {
		t.Fatalf("String() = %q", got)
	}
}
