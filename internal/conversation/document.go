package conversation

import (
	"encoding/json"
	"fmt"
	"time"
)

type document struct {
	SessionID string         `json:"session_id"`
	CreatedAt time.Time      `json:"created_at"`
	Turns     []turnDocument `json:"turns"`
}

type turnDocument struct {
	Seq            int       `json:"seq"`
	Question       string    `json:"question"`
	CandidateSQL   *string   `json:"candidate_sql"`
	AcceptedSQL    *string   `json:"accepted_sql"`
	Violations     []string  `json:"violations"`
	CreatedAt      time.Time `json:"created_at"`
	Outcome        string    `json:"outcome,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	RowCount       *int      `json:"row_count,omitempty"`
	ExecutionError string    `json:"execution_error,omitempty"`
}

func encodeSession(id string, createdAt time.Time, turns []Turn) ([]byte, error) {
	doc := document{
		SessionID: id,
		CreatedAt: createdAt.UTC(),
		Turns:     make([]turnDocument, 0, len(turns)),
	}
	for _, turn := range turns {
		td := turnDocument{
			Seq:            turn.Seq,
			Question:       turn.Question,
			CandidateSQL:   nullable(turn.CandidateSQL),
			AcceptedSQL:    nullable(turn.AcceptedSQL),
			Violations:     append([]string{}, turn.Violations...),
			CreatedAt:      turn.CreatedAt.UTC(),
			Outcome:        string(turn.Outcome),
			Reason:         turn.Reason,
			ExecutionError: turn.ExecutionError,
		}
		if turn.Executed && turn.ExecutionError == "" {
			rows := turn.RowCount
			td.RowCount = &rows
		}
		doc.Turns = append(doc.Turns, td)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// decodeSession rejects documents that belong to another session or whose
// turns are not in strictly increasing seq order.
func decodeSession(expectedID string, data []byte) (time.Time, []Turn, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return time.Time{}, nil, fmt.Errorf("decode session document: %w", err)
	}
	if doc.SessionID != expectedID {
		return time.Time{}, nil, fmt.Errorf("session document id %q does not match %q", doc.SessionID, expectedID)
	}
	if doc.CreatedAt.IsZero() {
		return time.Time{}, nil, fmt.Errorf("session document has no created_at")
	}
	turns := make([]Turn, 0, len(doc.Turns))
	last := 0
	for _, td := range doc.Turns {
		if td.Seq <= last {
			return time.Time{}, nil, fmt.Errorf("session document turn seq %d follows %d", td.Seq, last)
		}
		last = td.Seq
		turn := Turn{
			Seq:            td.Seq,
			Question:       td.Question,
			CandidateSQL:   deref(td.CandidateSQL),
			AcceptedSQL:    deref(td.AcceptedSQL),
			Violations:     append([]string(nil), td.Violations...),
			Outcome:        Outcome(td.Outcome),
			Reason:         td.Reason,
			ExecutionError: td.ExecutionError,
			CreatedAt:      td.CreatedAt,
		}
		if turn.Outcome == "" {
			turn.Outcome = inferOutcome(td)
		}
		if td.RowCount != nil {
			turn.RowCount = *td.RowCount
		}
		turn.Executed = td.RowCount != nil || td.ExecutionError != ""
		turns = append(turns, turn)
	}
	return doc.CreatedAt, turns, nil
}

// inferOutcome covers documents written without the outcome field: a turn
// with accepted SQL was accepted, anything else was rejected.
func inferOutcome(td turnDocument) Outcome {
	if td.AcceptedSQL != nil && *td.AcceptedSQL != "" {
		return OutcomeAccepted
	}
	return OutcomeRejected
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
