package conversation

import (
	"fmt"
	"sync"
	"time"
)

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Turn is one question and its result. Turns are sealed by the orchestrator
// and never change after AppendTurn returns.
type Turn struct {
	Seq            int
	Question       string
	CandidateSQL   string
	AcceptedSQL    string
	Violations     []string
	Outcome        Outcome
	Reason         string
	Executed       bool
	RowCount       int
	ExecutionError string
	CreatedAt      time.Time
}

func (t Turn) clone() Turn {
	out := t
	out.Violations = append([]string(nil), t.Violations...)
	return out
}

type Session struct {
	ID        string
	CreatedAt time.Time
	Key       string

	mu    sync.Mutex
	turns []Turn
}

func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, 0, len(s.turns))
	for _, turn := range s.turns {
		out = append(out, turn.clone())
	}
	return out
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

func (s *Session) lastSeq() int {
	if len(s.turns) == 0 {
		return 0
	}
	return s.turns[len(s.turns)-1].Seq
}

type PersistenceError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s session %q: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
