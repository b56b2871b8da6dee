package guard

import (
	"fmt"
	"strings"
)

// Functions whose argument syntax uses FROM without naming a table.
var fromArgumentFunctions = map[string]struct{}{
	"EXTRACT":   {},
	"SUBSTRING": {},
	"SUBSTR":    {},
	"TRIM":      {},
	"OVERLAY":   {},
	"POSITION":  {},
}

// Words that end a table reference instead of aliasing it.
var clauseWords = map[string]struct{}{
	"WHERE": {}, "JOIN": {}, "INNER": {}, "LEFT": {}, "RIGHT": {}, "FULL": {}, "OUTER": {}, "CROSS": {},
	"NATURAL": {}, "ON": {}, "USING": {}, "GROUP": {}, "ORDER": {}, "HAVING": {}, "LIMIT": {}, "OFFSET": {},
	"FETCH": {}, "UNION": {}, "INTERSECT": {}, "EXCEPT": {}, "WINDOW": {}, "QUALIFY": {}, "TABLESAMPLE": {},
	"LATERAL": {}, "FOR": {}, "SELECT": {}, "FROM": {}, "ASOF": {}, "ANTI": {}, "SEMI": {}, "POSITIONAL": {},
	"PIVOT": {}, "UNPIVOT": {}, "WITH": {}, "RETURNING": {},
}

func checkTables(tokens []token, tables TableSet) []Violation {
	var violations []Violation
	seen := make(map[string]struct{})
	for _, name := range referencedTables(tokens) {
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if tableExists(tables, name) {
			continue
		}
		violations = append(violations, Violation{
			Code:    CodeUnknownTable,
			Message: fmt.Sprintf("table %q is not in the warehouse schema", name),
		})
	}
	return violations
}

func tableExists(tables TableSet, name string) bool {
	if tables.HasTable(name) {
		return true
	}
	// catalog.schema.table falls back to schema.table.
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return tables.HasTable(strings.Join(parts[len(parts)-2:], "."))
	}
	return false
}

// referencedTables lists the names used after FROM and JOIN, skipping CTE
// names, table functions, subqueries and FROM inside function arguments.
func referencedTables(tokens []token) []string {
	ctes := cteNames(tokens)
	var names []string

	var parens []bool
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok.isPunct("("):
			functional := false
			if i > 0 && tokens[i-1].kind == tokenWord {
				_, functional = fromArgumentFunctions[tokens[i-1].upper()]
			}
			parens = append(parens, functional)
			continue
		case tok.isPunct(")"):
			if len(parens) > 0 {
				parens = parens[:len(parens)-1]
			}
			continue
		}

		inFunction := len(parens) > 0 && parens[len(parens)-1]
		switch {
		case tok.isWord("FROM"):
			if inFunction || isDistinctFrom(tokens, i) {
				continue
			}
			names = append(names, readTableList(tokens, i+1, ctes, true)...)
		case tok.isWord("JOIN"):
			names = append(names, readTableList(tokens, i+1, ctes, false)...)
		case tok.isWord("DESCRIBE", "DESC") && i == 0:
			names = append(names, readTableList(tokens, i+1, ctes, false)...)
		}
	}
	return names
}

func isDistinctFrom(tokens []token, idx int) bool {
	if idx < 2 || !tokens[idx-1].isWord("DISTINCT") {
		return false
	}
	return tokens[idx-2].isWord("IS", "NOT")
}

func readTableList(tokens []token, idx int, ctes map[string]struct{}, allowList bool) []string {
	var names []string
	for idx < len(tokens) {
		for idx < len(tokens) && tokens[idx].isWord("LATERAL", "ONLY") {
			idx++
		}
		if idx >= len(tokens) {
			break
		}

		if tokens[idx].isPunct("(") {
			idx = skipParens(tokens, idx)
		} else {
			name, next, ok := readQualifiedName(tokens, idx)
			if !ok {
				break
			}
			idx = next
			isFunction := idx < len(tokens) && tokens[idx].isPunct("(")
			if isFunction {
				idx = skipParens(tokens, idx)
			} else if _, isCTE := ctes[strings.ToLower(name)]; !isCTE {
				names = append(names, name)
			}
		}

		idx = skipAlias(tokens, idx)
		if !allowList || idx >= len(tokens) || !tokens[idx].isPunct(",") {
			break
		}
		idx++
	}
	return names
}

func readQualifiedName(tokens []token, idx int) (string, int, bool) {
	if idx >= len(tokens) || !isIdentifier(tokens[idx]) {
		return "", idx, false
	}
	if tokens[idx].kind == tokenWord {
		if _, clause := clauseWords[tokens[idx].upper()]; clause {
			return "", idx, false
		}
	}
	parts := []string{tokens[idx].text}
	idx++
	for idx+1 < len(tokens) && tokens[idx].isPunct(".") && isIdentifier(tokens[idx+1]) {
		parts = append(parts, tokens[idx+1].text)
		idx += 2
	}
	return strings.Join(parts, "."), idx, true
}

func skipAlias(tokens []token, idx int) int {
	if idx < len(tokens) && tokens[idx].isWord("AS") {
		idx++
	}
	if idx < len(tokens) && isIdentifier(tokens[idx]) {
		if tokens[idx].kind == tokenWord {
			if _, clause := clauseWords[tokens[idx].upper()]; clause {
				return idx
			}
		}
		idx++
		if idx < len(tokens) && tokens[idx].isPunct("(") {
			idx = skipParens(tokens, idx)
		}
	}
	return idx
}

// skipParens returns the index after the parenthesis group opening at idx.
func skipParens(tokens []token, idx int) int {
	depth := 0
	for ; idx < len(tokens); idx++ {
		switch {
		case tokens[idx].isPunct("("):
			depth++
		case tokens[idx].isPunct(")"):
			depth--
			if depth == 0 {
				return idx + 1
			}
		}
	}
	return idx
}

// cteNames collects names declared as "name [(cols)] AS [NOT] [MATERIALIZED] (".
// A declaration follows WITH, RECURSIVE or a comma.
func cteNames(tokens []token) map[string]struct{} {
	names := make(map[string]struct{})
	for i := 1; i < len(tokens); i++ {
		prev := tokens[i-1]
		if !(prev.isWord("WITH", "RECURSIVE") || prev.isPunct(",")) || !isIdentifier(tokens[i]) {
			continue
		}
		j := i + 1
		if j < len(tokens) && tokens[j].isPunct("(") {
			j = skipParens(tokens, j)
		}
		if j >= len(tokens) || !tokens[j].isWord("AS") {
			continue
		}
		j++
		for j < len(tokens) && tokens[j].isWord("NOT", "MATERIALIZED") {
			j++
		}
		if j < len(tokens) && tokens[j].isPunct("(") {
			names[strings.ToLower(tokens[i].text)] = struct{}{}
		}
	}
	return names
}

func isIdentifier(tok token) bool {
	return tok.kind == tokenWord || tok.kind == tokenQuotedIdent
}
