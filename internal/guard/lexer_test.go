package guard

import (
	"reflect"
	"testing"
)

func TestLexKinds(t *testing.T) {
	tokens, err := lex(`SELECT "a""b", 'it''s', [c d], ` + "`e`" + `, $$x;y$$, $1 /* c */ -- tail`)
	if err != nil {
		t.Fatalf("lex() error = %v", err)
	}
	type pair struct {
		kind tokenKind
		text string
	}
	var got []pair
	for _, tok := range tokens {
		got = append(got, pair{tok.kind, tok.text})
	}
	want := []pair{
		{tokenWord, "SELECT"},
		{tokenQuotedIdent, `a"b`},
		{tokenPunct, ","},
		{tokenString, "it's"},
		{tokenPunct, ","},
		{tokenQuotedIdent, "c d"},
		{tokenPunct, ","},
		{tokenQuotedIdent, "e"},
		{tokenPunct, ","},
		{tokenString, "x;y"},
		{tokenPunct, ","},
		{tokenPunct, "$"},
		{tokenNumber, "1"},
		{tokenComment, "/* c */"},
		{tokenComment, "-- tail"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("lex() = %#v\nwant %#v", got, want)
	}
}

func TestLexOffsetsCoverSource(t *testing.T) {
	input := "SELECT amount FROM orders -- note"
	tokens, err := lex(input)
	if err != nil {
		t.Fatalf("lex() error = %v", err)
	}
	for _, tok := range tokens {
		if tok.kind == tokenWord && input[tok.start:tok.end] != tok.text {
			t.Fatalf("token %q has offsets [%d,%d)", tok.text, tok.start, tok.end)
		}
	}
	if last := tokens[len(tokens)-1]; last.end != len(input) {
		t.Fatalf("last token end = %d, want %d", last.end, len(input))
	}
}

func TestLexUnterminated(t *testing.T) {
	for _, input := range []string{"SELECT 'x", `SELECT "x`, "SELECT `x", "SELECT [x", "SELECT /* x", "SELECT $tag$ x"} {
		if _, err := lex(input); err == nil {
			t.Fatalf("lex(%q) expected error", input)
		}
	}
}

func TestLexPartialTokensOnError(t *testing.T) {
	tokens, err := lex("DROP TABLE 'x")
	if err == nil {
		t.Fatal("lex() expected error")
	}
	if len(tokens) != 2 || tokens[0].upper() != "DROP" {
		t.Fatalf("tokens = %#v", tokens)
	}
}
