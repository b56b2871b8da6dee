package guard

import (
	"fmt"
	"strings"
)

var defaultForbiddenVerbs = []string{
	"DROP", "DELETE", "TRUNCATE", "ALTER", "GRANT", "REVOKE", "INSERT", "UPDATE", "CREATE", "MERGE",
}

var readVerbs = map[string]struct{}{
	"SELECT":   {},
	"WITH":     {},
	"SHOW":     {},
	"DESCRIBE": {},
	"DESC":     {},
	"EXPLAIN":  {},
	"VALUES":   {},
}

// Policy is process-wide and read-only once built.
type Policy struct {
	RowLimit       int
	MaxRetries     int
	ForbiddenVerbs []string
	AllowedVerbs   []string
	RequireRowCap  bool
}

func DefaultPolicy() Policy {
	return Policy{
		RowLimit:       100,
		MaxRetries:     2,
		ForbiddenVerbs: append([]string(nil), defaultForbiddenVerbs...),
		RequireRowCap:  true,
	}
}

func (p Policy) Validate() error {
	if p.RowLimit <= 0 {
		return fmt.Errorf("row limit must be > 0")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0")
	}
	return nil
}

// Forbidden returns the effective blocklist: the configured verbs (or the
// defaults when none are configured) minus the explicitly allowed ones.
func (p Policy) Forbidden() map[string]struct{} {
	verbs := p.ForbiddenVerbs
	if len(verbs) == 0 {
		verbs = defaultForbiddenVerbs
	}
	out := make(map[string]struct{}, len(verbs))
	for _, verb := range verbs {
		verb = strings.ToUpper(strings.TrimSpace(verb))
		if verb != "" {
			out[verb] = struct{}{}
		}
	}
	for _, verb := range p.AllowedVerbs {
		delete(out, strings.ToUpper(strings.TrimSpace(verb)))
	}
	return out
}
