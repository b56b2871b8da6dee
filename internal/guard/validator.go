package guard

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Code string

const (
	CodeMultipleStatements Code = "MultipleStatements"
	CodeForbiddenOperation Code = "ForbiddenOperation"
	CodeUnknownTable       Code = "UnknownTable"
	CodeEmptyStatement     Code = "EmptyStatement"
	CodeMalformedStatement Code = "MalformedStatement"
)

type Violation struct {
	Code    Code
	Message string
}

func (v Violation) String() string {
	if v.Message == "" {
		return string(v.Code)
	}
	return string(v.Code) + ": " + v.Message
}

// Result carries the normalized statement only when Accepted is true.
type Result struct {
	Accepted   bool
	Violations []Violation
	Statement  string
}

func (r Result) Codes() []Code {
	return Codes(r.Violations)
}

func Codes(violations []Violation) []Code {
	seen := make(map[Code]struct{}, len(violations))
	out := make([]Code, 0, len(violations))
	for _, v := range violations {
		if _, ok := seen[v.Code]; ok {
			continue
		}
		seen[v.Code] = struct{}{}
		out = append(out, v.Code)
	}
	return out
}

// TableSet answers whether a table name exists. *schema.Snapshot satisfies it.
type TableSet interface {
	HasTable(name string) bool
}

// Validate checks candidate against policy and returns every violation it
// finds. Table references are only checked when tables is non-nil. Validate
// has no side effects.
func Validate(candidate string, policy Policy, tables TableSet) Result {
	statement := strings.TrimSpace(candidate)
	var violations []Violation

	all, lexErr := lex(statement)
	if lexErr != nil {
		violations = append(violations, Violation{Code: CodeMalformedStatement, Message: lexErr.Error()})
	}
	tokens := significant(all)
	if len(tokens) == 0 {
		if lexErr == nil {
			violations = append(violations, Violation{Code: CodeEmptyStatement, Message: "no SQL statement found"})
		}
		return Result{Violations: violations}
	}

	violations = append(violations, checkSeparators(tokens)...)
	violations = append(violations, checkVerbs(tokens, policy)...)

	leading := leadingVerb(tokens)
	if tables != nil && leading != "SHOW" {
		violations = append(violations, checkTables(tokens, tables)...)
	}

	if len(violations) > 0 {
		return Result{Violations: violations}
	}

	if policy.RequireRowCap && policy.RowLimit > 0 && isCappedVerb(leading) {
		statement = enforceRowCap(statement, tokens, policy.RowLimit)
	}
	return Result{Accepted: true, Statement: statement}
}

func checkSeparators(tokens []token) []Violation {
	count := 0
	for _, tok := range tokens {
		if tok.isPunct(";") {
			count++
		}
	}
	if count == 0 {
		return nil
	}
	return []Violation{{
		Code:    CodeMultipleStatements,
		Message: fmt.Sprintf("found %d statement separator(s); exactly one statement without ';' is allowed", count),
	}}
}

func checkVerbs(tokens []token, policy Policy) []Violation {
	forbidden := policy.Forbidden()
	var violations []Violation
	reported := make(map[string]struct{})
	for _, tok := range tokens {
		if tok.kind != tokenWord {
			continue
		}
		word := tok.upper()
		if _, ok := forbidden[word]; !ok {
			continue
		}
		if _, ok := reported[word]; ok {
			continue
		}
		reported[word] = struct{}{}
		violations = append(violations, Violation{
			Code:    CodeForbiddenOperation,
			Message: fmt.Sprintf("%s is not permitted", word),
		})
	}

	violations = append(violations, checkSelectInto(tokens)...)

	leading := leadingVerb(tokens)
	if _, blocked := reported[leading]; blocked {
		return violations
	}
	if !isPermittedLeadingVerb(leading, policy) {
		label := leading
		if label == "" {
			label = "non-keyword token"
		}
		violations = append(violations, Violation{
			Code:    CodeForbiddenOperation,
			Message: fmt.Sprintf("statement must be a read query; it starts with %s", label),
		})
	}
	return violations
}

// checkSelectInto reports SELECT ... INTO, which creates a table in
// PostgreSQL and DuckDB. INTO after INSERT or MERGE belongs to those verbs and
// is left to the blocklist.
func checkSelectInto(tokens []token) []Violation {
	for i, tok := range tokens {
		if !tok.isWord("INTO") {
			continue
		}
		if i > 0 && tokens[i-1].isWord("INSERT", "MERGE") {
			continue
		}
		return []Violation{{
			Code:    CodeForbiddenOperation,
			Message: "SELECT ... INTO creates a table and is not permitted",
		}}
	}
	return nil
}

func leadingVerb(tokens []token) string {
	for _, tok := range tokens {
		if tok.isPunct("(") {
			continue
		}
		if tok.kind == tokenWord {
			return tok.upper()
		}
		return ""
	}
	return ""
}

func isPermittedLeadingVerb(verb string, policy Policy) bool {
	if verb == "" {
		return false
	}
	if _, ok := readVerbs[verb]; ok {
		return true
	}
	for _, allowed := range policy.AllowedVerbs {
		if strings.EqualFold(strings.TrimSpace(allowed), verb) {
			return true
		}
	}
	return false
}

func isCappedVerb(verb string) bool {
	return verb == "SELECT" || verb == "WITH" || verb == "VALUES"
}

type capCheck int

const (
	capWithin capCheck = iota
	capExceeded
	capUnknown
)

// enforceRowCap bounds the rows a read statement can return. A missing
// top-level limit gets LIMIT cap appended; a literal LIMIT, FETCH FIRST or TOP
// count above cap (and LIMIT ALL) is clamped to cap; any count that is not a
// plain integer literal makes the whole statement a capped subquery.
func enforceRowCap(statement string, tokens []token, limit int) string {
	capText := strconv.Itoa(limit)
	apply := func(count token) string {
		switch checkCount(count, limit) {
		case capWithin:
			return statement
		case capExceeded:
			return statement[:count.start] + capText + statement[count.end:]
		default:
			return wrapWithCap(statement, tokens, capText)
		}
	}

	depth := 0
	for i, tok := range tokens {
		switch {
		case tok.isPunct("("):
			depth++
			continue
		case tok.isPunct(")"):
			if depth > 0 {
				depth--
			}
			continue
		}
		if depth != 0 {
			continue
		}
		switch {
		case tok.isWord("LIMIT"):
			count, next, ok := limitValueToken(tokens, i+1)
			if !ok {
				return wrapWithCap(statement, tokens, capText)
			}
			if count.isWord("ALL") {
				return statement[:count.start] + capText + statement[count.end:]
			}
			if next < len(tokens) && !tokens[next].isWord("OFFSET") {
				return wrapWithCap(statement, tokens, capText)
			}
			return apply(count)
		case tok.isWord("FETCH"):
			if i+1 >= len(tokens) || !tokens[i+1].isWord("FIRST", "NEXT") {
				continue
			}
			// FETCH FIRST ROW ONLY returns a single row.
			if i+2 < len(tokens) && tokens[i+2].isWord("ROW", "ROWS") {
				return statement
			}
			if i+3 < len(tokens) && tokens[i+3].isWord("ROW", "ROWS") {
				return apply(tokens[i+2])
			}
			return wrapWithCap(statement, tokens, capText)
		case tok.isWord("TOP"):
			if i == 0 || !tokens[i-1].isWord("SELECT", "DISTINCT", "ALL") {
				continue
			}
			count, next := i+1, i+2
			if count < len(tokens) && tokens[count].isPunct("(") {
				if i+3 >= len(tokens) || !tokens[i+3].isPunct(")") {
					return wrapWithCap(statement, tokens, capText)
				}
				count, next = i+2, i+4
			}
			if count >= len(tokens) || (next < len(tokens) && tokens[next].isWord("PERCENT")) {
				return wrapWithCap(statement, tokens, capText)
			}
			return apply(tokens[count])
		}
	}

	last := tokens[len(tokens)-1]
	return statement[:last.end] + " LIMIT " + capText + statement[last.end:]
}

func checkCount(count token, limit int) capCheck {
	if count.kind != tokenNumber {
		return capUnknown
	}
	value, err := strconv.ParseUint(count.text, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return capExceeded
		}
		return capUnknown
	}
	if value > uint64(limit) {
		return capExceeded
	}
	return capWithin
}

// wrapWithCap turns the statement into a subquery under LIMIT cap. Anything
// after the last significant token is a comment and is dropped.
func wrapWithCap(statement string, tokens []token, capText string) string {
	body := statement[tokens[0].start:tokens[len(tokens)-1].end]
	return "SELECT * FROM (" + body + ") AS capped_rows LIMIT " + capText
}

// limitValueToken returns the row-count token of a LIMIT clause, handling the
// "LIMIT offset, count" form, and the index of the token after it.
func limitValueToken(tokens []token, idx int) (token, int, bool) {
	if idx >= len(tokens) {
		return token{}, idx, false
	}
	first := tokens[idx]
	if first.kind == tokenNumber && idx+2 < len(tokens) && tokens[idx+1].isPunct(",") {
		return tokens[idx+2], idx + 3, true
	}
	if first.kind == tokenNumber || first.isWord("ALL") {
		return first, idx + 1, true
	}
	return token{}, idx, false
}
