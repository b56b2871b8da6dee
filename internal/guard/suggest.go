package guard

// Suggest returns advisory notes about a statement the model produced. The
// notes never affect acceptance; keywords inside literals and comments are
// ignored.
func Suggest(statement string) []string {
	tokens, _ := lex(statement)
	tokens = significant(tokens)
	if len(tokens) == 0 {
		return nil
	}

	var (
		hasSelect, hasFrom, hasWhere, hasGroupBy bool
		hasLimit, hasJoin, selectStar            bool
	)
	for i, tok := range tokens {
		switch {
		case tok.isWord("SELECT"):
			hasSelect = true
		case tok.isWord("FROM"):
			hasFrom = true
		case tok.isWord("WHERE"):
			hasWhere = true
		case tok.isWord("GROUP") && i+1 < len(tokens) && tokens[i+1].isWord("BY"):
			hasGroupBy = true
		case tok.isWord("LIMIT", "FETCH", "TOP"):
			hasLimit = true
		case tok.isWord("JOIN"):
			hasJoin = true
		case tok.isPunct("*") && i > 0 && tokens[i-1].isWord("SELECT", "DISTINCT", "ALL"):
			selectStar = true
		}
	}

	var notes []string
	if hasSelect && !hasLimit {
		notes = append(notes, "add an explicit LIMIT; the row cap was applied instead")
	}
	if hasFrom && !hasWhere && !hasGroupBy {
		notes = append(notes, "add a WHERE clause to filter rows")
	}
	if hasJoin {
		notes = append(notes, "check that JOIN conditions use indexed columns")
	}
	if selectStar {
		notes = append(notes, "select specific columns instead of SELECT *")
	}
	return notes
}
