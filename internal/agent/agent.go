package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/duckmesh/nlquery/internal/conversation"
	"github.com/duckmesh/nlquery/internal/guard"
	"github.com/duckmesh/nlquery/internal/nl2sql"
	"github.com/duckmesh/nlquery/internal/schema"
	"github.com/duckmesh/nlquery/internal/warehouse"
)

type State string

const (
	StateReceived    State = "Received"
	StateTranslating State = "Translating"
	StateValidating  State = "Validating"
	StateRepairing   State = "Repairing"
	StateAccepted    State = "Accepted"
	StateRejected    State = "Rejected"
)

type Reason string

const (
	ReasonRetriesExhausted  Reason = "RetriesExhausted"
	ReasonCancelled         Reason = "Cancelled"
	ReasonTranslationFailed Reason = "TranslationFailed"
)

var ErrExecutionTimeout = errors.New("warehouse execution timed out")

// RejectedError is returned when a turn ends without an executable
// statement. Violations holds every distinct violation seen across attempts.
type RejectedError struct {
	Reason     Reason
	Attempts   int
	Violations []guard.Violation
	Err        error
}

func (e *RejectedError) Error() string {
	switch e.Reason {
	case ReasonTranslationFailed:
		if e.Err != nil {
			return "could not generate a query: " + e.Err.Error()
		}
		return "could not generate a query"
	case ReasonCancelled:
		return "turn cancelled"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, violation := range e.Violations {
		parts = append(parts, violation.String())
	}
	return fmt.Sprintf("query rejected after %d attempt(s): %s", e.Attempts, strings.Join(parts, "; "))
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

type Translator interface {
	Translate(ctx context.Context, in nl2sql.Input) (string, error)
}

type Executor interface {
	Execute(ctx context.Context, statement string) (warehouse.Result, error)
}

type SchemaProvider interface {
	Get(ctx context.Context) (*schema.Snapshot, error)
}

type Request struct {
	SessionID string
	Question  string
	// Execute dispatches the accepted statement to the executor.
	Execute bool
}

type Outcome struct {
	SessionID string
	TraceID   string
	Turn      conversation.Turn
	Attempts  int
	Result    *warehouse.Result
	// Suggestions are advisory notes on an accepted candidate.
	Suggestions []string
}

func (o Outcome) Statement() string {
	return o.Turn.AcceptedSQL
}
