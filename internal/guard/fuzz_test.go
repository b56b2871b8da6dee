package guard

import (
	"strings"
	"testing"
)

func FuzzAcceptedStatementsContainNoForbiddenVerb(f *testing.F) {
	for _, seed := range []string{
		"SELECT * FROM orders",
		"DROP TABLE customers",
		"select 'delete' from orders",
		"WITH x AS (DELETE FROM t RETURNING *) SELECT * FROM x",
		"SELECT \"drop\" FROM t -- truncate",
		"SELECT 1 /* update */",
		"sElEcT * fRoM t; uPdAtE t SET a = 1",
		"SELECT $$drop$$",
		"SELECT * INTO orders_copy FROM orders",
		"select id into temp t from orders",
	} {
		f.Add(seed)
	}
	policy := DefaultPolicy()
	forbidden := policy.Forbidden()

	f.Fuzz(func(t *testing.T, candidate string) {
		result := Validate(candidate, policy, nil)
		if !result.Accepted {
			if len(result.Violations) == 0 {
				t.Fatalf("rejected %q without violations", candidate)
			}
			if result.Statement != "" {
				t.Fatalf("rejected %q but returned statement %q", candidate, result.Statement)
			}
			return
		}
		if len(result.Violations) != 0 {
			t.Fatalf("accepted %q with violations %v", candidate, result.Violations)
		}
		tokens, err := lex(result.Statement)
		if err != nil {
			t.Fatalf("accepted statement %q does not lex: %v", result.Statement, err)
		}
		for _, tok := range tokens {
			if tok.kind != tokenWord {
				continue
			}
			if _, ok := forbidden[tok.upper()]; ok {
				t.Fatalf("accepted statement %q contains forbidden verb %q", result.Statement, tok.text)
			}
			if tok.isWord("INTO") {
				t.Fatalf("accepted statement %q writes INTO a table", result.Statement)
			}
		}
	})
}

func FuzzRowCapInjectedExactlyOnce(f *testing.F) {
	for _, seed := range []string{"", "north", "it's", "LIMIT 5", "; DROP TABLE x", "-- x", "/*", "\n"} {
		f.Add(seed)
	}
	policy := DefaultPolicy()

	f.Fuzz(func(t *testing.T, value string) {
		candidate := "SELECT * FROM orders WHERE region = '" + strings.ReplaceAll(value, "'", "''") + "'"
		result := Validate(candidate, policy, knownTables("orders"))
		if !result.Accepted {
			t.Fatalf("Validate(%q) rejected: %v", candidate, result.Violations)
		}
		tokens, err := lex(result.Statement)
		if err != nil {
			t.Fatalf("normalized statement %q does not lex: %v", result.Statement, err)
		}
		limits := 0
		for _, tok := range tokens {
			if tok.isWord("LIMIT") {
				limits++
			}
		}
		if limits != 1 {
			t.Fatalf("normalized statement %q has %d LIMIT clauses", result.Statement, limits)
		}
		if !strings.HasSuffix(result.Statement, " LIMIT 100") {
			t.Fatalf("normalized statement %q does not end with the cap", result.Statement)
		}
	})
}
