package schema

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var ErrSourceUnavailable = errors.New("schema source unavailable")

type Column struct {
	Name string
	Type string
}

type Table struct {
	Schema  string
	Name    string
	Columns []Column
	// Samples holds a few example rows in column order, when the source
	// provides them.
	Samples [][]any
}

func (t Table) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

func (t Table) clone() Table {
	out := t
	out.Columns = append([]Column(nil), t.Columns...)
	if t.Samples != nil {
		out.Samples = make([][]any, len(t.Samples))
		for i, row := range t.Samples {
			out.Samples[i] = append([]any(nil), row...)
		}
	}
	return out
}

// Snapshot is a point-in-time view of warehouse tables. It is never mutated
// after NewSnapshot returns.
type Snapshot struct {
	tables    []Table
	byName    map[string]int
	FetchedAt time.Time
	TTL       time.Duration
}

func NewSnapshot(tables []Table, fetchedAt time.Time, ttl time.Duration) *Snapshot {
	ordered := make([]Table, 0, len(tables))
	for _, table := range tables {
		if strings.TrimSpace(table.Name) == "" {
			continue
		}
		ordered = append(ordered, table.clone())
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return strings.ToLower(ordered[i].QualifiedName()) < strings.ToLower(ordered[j].QualifiedName())
	})

	byName := make(map[string]int, len(ordered)*2)
	for i, table := range ordered {
		qualified := strings.ToLower(table.QualifiedName())
		byName[qualified] = i
		bare := strings.ToLower(table.Name)
		if _, exists := byName[bare]; !exists {
			byName[bare] = i
		}
	}
	return &Snapshot{
		tables:    ordered,
		byName:    byName,
		FetchedAt: fetchedAt,
		TTL:       ttl,
	}
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tables)
}

func (s *Snapshot) Tables() []Table {
	if s == nil {
		return nil
	}
	out := make([]Table, 0, len(s.tables))
	for _, table := range s.tables {
		out = append(out, table.clone())
	}
	return out
}

func (s *Snapshot) Table(name string) (Table, bool) {
	if s == nil {
		return Table{}, false
	}
	idx, ok := s.byName[normalizeName(name)]
	if !ok {
		return Table{}, false
	}
	return s.tables[idx].clone(), true
}

// HasTable matches bare and schema-qualified names case-insensitively.
func (s *Snapshot) HasTable(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.byName[normalizeName(name)]
	return ok
}

func (s *Snapshot) Stale(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.TTL <= 0 {
		return false
	}
	return now.Sub(s.FetchedAt) >= s.TTL
}

func normalizeName(name string) string {
	parts := strings.Split(strings.TrimSpace(name), ".")
	for i, part := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(part), "\"`[]")
	}
	return strings.ToLower(strings.Join(parts, "."))
}
