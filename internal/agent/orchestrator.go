package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/duckmesh/nlquery/internal/audit"
	"github.com/duckmesh/nlquery/internal/conversation"
	"github.com/duckmesh/nlquery/internal/guard"
	"github.com/duckmesh/nlquery/internal/nl2sql"
	"github.com/duckmesh/nlquery/internal/observability"
	"github.com/duckmesh/nlquery/internal/schema"
	"github.com/duckmesh/nlquery/internal/warehouse"
)

type Config struct {
	Policy           guard.Policy
	HistoryTurns     int
	TransportRetries int
	TransportBackoff time.Duration
	LLMTimeout       time.Duration
	ExecutionTimeout time.Duration
	// Provider labels LLM latency metrics.
	Provider string
}

type Dependencies struct {
	Translator Translator
	Executor   Executor
	Schema     SchemaProvider
	Sessions   *conversation.Store
	Audit      audit.Sink
	Logger     *slog.Logger
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

// Orchestrator runs turns. Turns for one session are serialized; turns for
// different sessions run concurrently.
type Orchestrator struct {
	translator Translator
	executor   Executor
	schema     SchemaProvider
	sessions   *conversation.Store
	audit      audit.Sink
	logger     *slog.Logger
	cfg        Config

	mu       sync.Mutex
	locks    map[string]*sessionLock
	inflight map[string]context.CancelFunc

	now func() time.Time
}

func NewOrchestrator(deps Dependencies, cfg Config) (*Orchestrator, error) {
	if deps.Translator == nil {
		return nil, fmt.Errorf("translator is required")
	}
	if deps.Schema == nil {
		return nil, fmt.Errorf("schema provider is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if cfg.TransportRetries < 0 {
		return nil, fmt.Errorf("transport retries must be >= 0")
	}
	if cfg.TransportBackoff <= 0 {
		cfg.TransportBackoff = 500 * time.Millisecond
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 30 * time.Second
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 30 * time.Second
	}
	if cfg.Provider == "" {
		cfg.Provider = "unknown"
	}
	sink := deps.Audit
	if sink == nil {
		sink = audit.Discard
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		translator: deps.Translator,
		executor:   deps.Executor,
		schema:     deps.Schema,
		sessions:   deps.Sessions,
		audit:      sink,
		logger:     logger,
		cfg:        cfg,
		locks:      make(map[string]*sessionLock),
		inflight:   make(map[string]context.CancelFunc),
		now:        time.Now,
	}, nil
}

// Cancel stops the in-flight turn of sessionID at its next state boundary.
// It reports whether a turn was running.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	cancel, ok := o.inflight[sessionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// turn is the mutable per-call state; it becomes a conversation.Turn when sealed.
type turn struct {
	session    *conversation.Session
	traceID    string
	seq        int
	question   string
	candidate  string
	statement  string
	attempts   int
	violations []guard.Violation
	seen       map[string]struct{}
	logger     *slog.Logger
}

func (t *turn) addViolations(violations []guard.Violation) {
	for _, violation := range violations {
		key := string(violation.Code) + "\x00" + violation.Message
		if _, ok := t.seen[key]; ok {
			continue
		}
		t.seen[key] = struct{}{}
		t.violations = append(t.violations, violation)
	}
}

func (t *turn) violationStrings() []string {
	return violationStrings(t.violations)
}

func (o *Orchestrator) Handle(ctx context.Context, req Request) (Outcome, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Outcome{}, fmt.Errorf("question is required")
	}
	session, err := o.sessions.OpenSession(ctx, req.SessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("open session: %w", err)
	}

	release, err := o.acquire(ctx, session.ID)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.inflight[session.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inflight, session.ID)
		o.mu.Unlock()
	}()

	traceID := observability.NewTraceID()
	turnCtx = observability.ContextWithTraceID(turnCtx, traceID)
	turnCtx = observability.ContextWithSessionID(turnCtx, session.ID)

	t := &turn{
		session:  session,
		traceID:  traceID,
		seq:      nextSeq(o.sessions, session),
		question: question,
		seen:     make(map[string]struct{}),
		logger:   observability.WithContext(turnCtx, o.logger),
	}
	o.transition(turnCtx, t, StateReceived, audit.Event{})

	snapshot, err := o.schema.Get(turnCtx)
	if err != nil {
		return Outcome{}, fmt.Errorf("load schema: %w", err)
	}
	var tables guard.TableSet
	if snapshot != nil {
		tables = snapshot
	}

	input := nl2sql.Input{
		Question: question,
		Schema:   snapshot,
		History:  o.history(session),
	}

	maxAttempts := o.cfg.Policy.MaxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if turnCtx.Err() != nil {
			return o.reject(ctx, t, ReasonCancelled, turnCtx.Err())
		}
		t.attempts = attempt
		o.transition(turnCtx, t, StateTranslating, audit.Event{})

		candidate, err := o.translate(turnCtx, t, input)
		if err != nil {
			if turnCtx.Err() != nil {
				return o.reject(ctx, t, ReasonCancelled, turnCtx.Err())
			}
			return o.reject(ctx, t, ReasonTranslationFailed, err)
		}
		t.candidate = candidate

		if turnCtx.Err() != nil {
			return o.reject(ctx, t, ReasonCancelled, turnCtx.Err())
		}
		o.transition(turnCtx, t, StateValidating, audit.Event{Candidate: candidate})
		result := guard.Validate(candidate, o.cfg.Policy, tables)
		codes := make([]string, 0, len(result.Violations))
		for _, code := range result.Codes() {
			codes = append(codes, string(code))
		}
		observability.ObserveTranslationAttempt(result.Accepted, codes)

		if result.Accepted {
			t.statement = result.Statement
			return o.accept(ctx, turnCtx, t, req.Execute)
		}
		t.addViolations(result.Violations)
		if attempt == maxAttempts {
			break
		}
		o.transition(turnCtx, t, StateRepairing, audit.Event{Candidate: candidate, Violations: violationStrings(result.Violations)})
		input.PreviousCandidate = candidate
		input.CorrectionHint = result.Violations
	}
	return o.reject(ctx, t, ReasonRetriesExhausted, nil)
}

func nextSeq(store *conversation.Store, session *conversation.Session) int {
	last := store.History(session, 1)
	if len(last) == 0 {
		return 1
	}
	return last[0].Seq + 1
}

// history returns prior accepted exchanges, oldest first.
func (o *Orchestrator) history(session *conversation.Session) []nl2sql.Exchange {
	turns := o.sessions.History(session, o.cfg.HistoryTurns)
	out := make([]nl2sql.Exchange, 0, len(turns))
	for _, prior := range turns {
		if prior.Outcome != conversation.OutcomeAccepted || prior.AcceptedSQL == "" {
			continue
		}
		out = append(out, nl2sql.Exchange{Question: prior.Question, SQL: prior.AcceptedSQL})
	}
	return out
}

type translation struct {
	candidate string
	err       error
}

// translate calls the translator with a per-call timeout and retries
// transport failures with linear backoff. It returns as soon as ctx or the
// timeout fires even if the translator ignores its context.
func (o *Orchestrator) translate(ctx context.Context, t *turn, in nl2sql.Input) (string, error) {
	var lastErr error
	for try := 0; try <= o.cfg.TransportRetries; try++ {
		if try > 0 {
			wait := time.Duration(try) * o.cfg.TransportBackoff
			t.logger.Warn("llm_transport_retry",
				slog.Int("attempt", t.attempts),
				slog.Int("retry", try),
				slog.Duration("backoff", wait),
				slog.Any("error", lastErr),
			)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
		start := time.Now()
		done := make(chan translation, 1)
		go func() {
			candidate, err := o.translator.Translate(callCtx, in)
			done <- translation{candidate: candidate, err: err}
		}()

		var res translation
		select {
		case res = <-done:
		case <-callCtx.Done():
			res.err = &nl2sql.TransportError{Provider: o.cfg.Provider, Err: callCtx.Err()}
		}
		cancel()
		observability.ObserveLLMCall(o.cfg.Provider, res.err, time.Since(start))

		if res.err == nil {
			return res.candidate, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !nl2sql.IsTransportError(res.err) {
			return "", res.err
		}
		lastErr = res.err
	}
	return "", lastErr
}

func (o *Orchestrator) accept(ctx, turnCtx context.Context, t *turn, execute bool) (Outcome, error) {
	o.transition(turnCtx, t, StateAccepted, audit.Event{Candidate: t.candidate, Statement: t.statement})

	sealed := conversation.Turn{
		Question:     t.question,
		CandidateSQL: t.candidate,
		AcceptedSQL:  t.statement,
		Violations:   t.violationStrings(),
		Outcome:      conversation.OutcomeAccepted,
	}
	outcome := Outcome{
		SessionID:   t.session.ID,
		TraceID:     t.traceID,
		Attempts:    t.attempts,
		Suggestions: guard.Suggest(t.candidate),
	}

	var execErr error
	if execute && o.executor != nil {
		if turnCtx.Err() != nil {
			return o.reject(ctx, t, ReasonCancelled, turnCtx.Err())
		}
		result, err := o.execute(turnCtx, t.statement)
		sealed.Executed = true
		if err != nil {
			execErr = err
			sealed.ExecutionError = err.Error()
			t.logger.Error("execution_failed", slog.String("statement", t.statement), slog.Any("error", err))
		} else {
			sealed.RowCount = result.RowCount
			outcome.Result = &result
			t.logger.Info("execution_completed",
				slog.Int("row_count", result.RowCount),
				slog.Bool("truncated", result.Truncated),
				slog.Duration("duration", result.Duration),
			)
		}
	}

	outcome.Turn = o.seal(ctx, t, sealed)
	if execErr != nil {
		observability.ObserveTurn("execution_failed")
		return outcome, execErr
	}
	observability.ObserveTurn("accepted")
	return outcome, nil
}

type execution struct {
	result warehouse.Result
	err    error
}

// execute returns the executor's error unchanged; only a timeout is
// reported as ErrExecutionTimeout.
func (o *Orchestrator) execute(ctx context.Context, statement string) (warehouse.Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, o.cfg.ExecutionTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan execution, 1)
	go func() {
		result, err := o.executor.Execute(execCtx, statement)
		done <- execution{result: result, err: err}
	}()

	var res execution
	select {
	case res = <-done:
	case <-execCtx.Done():
		res.err = execCtx.Err()
	}
	if res.err != nil && ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		res.err = fmt.Errorf("%w after %s: %w", ErrExecutionTimeout, o.cfg.ExecutionTimeout, res.err)
	}
	observability.ObserveExecution(res.err, time.Since(start))
	return res.result, res.err
}

func (o *Orchestrator) reject(ctx context.Context, t *turn, reason Reason, cause error) (Outcome, error) {
	event := audit.Event{Candidate: t.candidate, Violations: t.violationStrings(), Reason: string(reason)}
	if cause != nil {
		event.Error = cause.Error()
	}
	o.transition(context.WithoutCancel(ctx), t, StateRejected, event)

	sealed := o.seal(ctx, t, conversation.Turn{
		Question:     t.question,
		CandidateSQL: t.candidate,
		Violations:   t.violationStrings(),
		Outcome:      conversation.OutcomeRejected,
		Reason:       string(reason),
	})
	switch reason {
	case ReasonCancelled:
		observability.ObserveTurn("cancelled")
	case ReasonTranslationFailed:
		observability.ObserveTurn("translation_failed")
	default:
		observability.ObserveTurn("rejected")
	}
	return Outcome{SessionID: t.session.ID, TraceID: t.traceID, Turn: sealed, Attempts: t.attempts}, &RejectedError{
		Reason:     reason,
		Attempts:   t.attempts,
		Violations: append([]guard.Violation(nil), t.violations...),
		Err:        cause,
	}
}

// seal appends the turn and persists the session. Persistence failures are
// logged and never fail the turn.
func (o *Orchestrator) seal(ctx context.Context, t *turn, sealed conversation.Turn) conversation.Turn {
	sealed = o.sessions.AppendTurn(t.session, sealed)
	persistCtx := context.WithoutCancel(ctx)
	if err := o.sessions.Persist(persistCtx, t.session); err != nil {
		t.logger.Warn("session_persist_failed", slog.Any("error", err))
	}
	return sealed
}

func (o *Orchestrator) transition(ctx context.Context, t *turn, state State, event audit.Event) {
	event.TraceID = t.traceID
	event.SessionID = t.session.ID
	event.Seq = t.seq
	event.Attempt = t.attempts
	event.State = string(state)
	event.Question = t.question
	event.At = o.now().UTC()

	t.logger.Debug("turn_state", slog.String("state", string(state)), slog.Int("attempt", t.attempts))
	if err := o.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		t.logger.Warn("audit_record_failed", slog.String("state", string(state)), slog.Any("error", err))
	}
}

func (o *Orchestrator) acquire(ctx context.Context, sessionID string) (func(), error) {
	o.mu.Lock()
	lock, ok := o.locks[sessionID]
	if !ok {
		lock = &sessionLock{ch: make(chan struct{}, 1)}
		o.locks[sessionID] = lock
	}
	lock.refs++
	o.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
		return func() {
			<-lock.ch
			o.releaseRef(sessionID, lock)
		}, nil
	case <-ctx.Done():
		o.releaseRef(sessionID, lock)
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) releaseRef(sessionID string, lock *sessionLock) {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(o.locks, sessionID)
	}
}

func violationStrings(violations []guard.Violation) []string {
	out := make([]string, 0, len(violations))
	for _, violation := range violations {
		out = append(out, violation.String())
	}
	return out
}

var _ SchemaProvider = (*schema.Cache)(nil)
