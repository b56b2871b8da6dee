package nl2sql

import (
	"strings"
)

// ExtractSQL isolates the SQL candidate in free-form model output: the first
// fenced block, else the first "SQL:" section, else the whole trimmed text.
// One trailing statement separator is removed.
func ExtractSQL(text string) string {
	trimmed := strings.TrimSpace(text)
	candidate, ok := fencedBlock(trimmed)
	if !ok {
		candidate, ok = labelledBlock(trimmed)
	}
	if !ok {
		candidate = trimmed
	}
	candidate = strings.TrimSpace(candidate)
	candidate = strings.TrimSuffix(candidate, ";")
	return strings.TrimSpace(candidate)
}

func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	body := text[start+3:]
	if newline := strings.IndexByte(body, '\n'); newline >= 0 && isFenceTag(body[:newline]) {
		body = body[newline+1:]
	} else if newline < 0 && isFenceTag(body) {
		return "", false
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return body, strings.TrimSpace(body) != ""
}

func isFenceTag(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	for _, r := range line {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return !strings.EqualFold(line, "select") && !strings.EqualFold(line, "with")
}

func labelledBlock(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) < 4 || !strings.EqualFold(trimmed[:4], "sql:") {
			continue
		}
		parts := []string{strings.TrimSpace(trimmed[4:])}
		for _, next := range lines[i+1:] {
			if strings.TrimSpace(next) == "" {
				break
			}
			parts = append(parts, next)
		}
		body := strings.TrimSpace(strings.Join(parts, "\n"))
		return body, body != ""
	}
	return "", false
}
