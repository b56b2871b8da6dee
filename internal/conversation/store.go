package conversation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duckmesh/nlquery/internal/observability"
	"github.com/duckmesh/nlquery/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Store owns every open Session. Documents are read from and written to the
// object store under sessions/<id>.json.
type Store struct {
	objects storage.ObjectStore
	logger  *slog.Logger
	now     func() time.Time
	newID   func(time.Time) string

	mu       sync.Mutex
	sessions map[string]*Session
	loads    singleflight.Group
}

type Summary struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	Turns     int
}

func NewStore(objects storage.ObjectStore, logger *slog.Logger) (*Store, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		objects:  objects,
		logger:   logger,
		now:      time.Now,
		newID:    generateSessionID,
		sessions: make(map[string]*Session),
	}, nil
}

func generateSessionID(now time.Time) string {
	return "session_" + now.UTC().Format("20060102_150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// OpenSession returns the session with id, loading its persisted document on
// first use. An empty id starts a new session. A missing or unreadable
// document yields a fresh session; only an invalid id or a cancelled ctx is
// an error.
func (s *Store) OpenSession(ctx context.Context, id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = s.newID(s.now())
	}
	key, err := storage.BuildSessionKey(id)
	if err != nil {
		return nil, err
	}

	if session, ok := s.cached(id); ok {
		return session, nil
	}

	// Loads are collapsed per id so concurrent opens of one session share a
	// single document read, while other sessions never wait on it.
	result, err, _ := s.loads.Do(id, func() (any, error) {
		if session, ok := s.cached(id); ok {
			return session, nil
		}
		session, err := s.load(ctx, id, key)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.sessions[id]; ok {
			return existing, nil
		}
		s.sessions[id] = session
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Session), nil
}

func (s *Store) cached(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	return session, ok
}

// load reads the persisted document for id. Only cancellation of ctx is
// returned as an error, so an interrupted read never caches an empty session.
func (s *Store) load(ctx context.Context, id, key string) (*Session, error) {
	fresh := &Session{ID: id, CreatedAt: s.now().UTC(), Key: key}

	reader, err := s.objects.Get(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return fresh, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.loadFailed(ctx, &PersistenceError{SessionID: id, Op: "load", Err: err})
		return fresh, nil
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.loadFailed(ctx, &PersistenceError{SessionID: id, Op: "load", Err: err})
		return fresh, nil
	}
	createdAt, turns, err := decodeSession(id, data)
	if err != nil {
		s.loadFailed(ctx, &PersistenceError{SessionID: id, Op: "load", Err: err})
		return fresh, nil
	}
	return &Session{ID: id, CreatedAt: createdAt, Key: key, turns: turns}, nil
}

func (s *Store) loadFailed(ctx context.Context, err *PersistenceError) {
	observability.IncrementSessionLoadFailure()
	s.logger.WarnContext(ctx, "session document unusable; starting empty session",
		slog.String("session_id", err.SessionID),
		slog.Any("error", err),
	)
}

// AppendTurn seals turn as the next entry of session and returns the sealed copy.
func (s *Store) AppendTurn(session *Session, turn Turn) Turn {
	session.mu.Lock()
	defer session.mu.Unlock()

	sealed := turn.clone()
	sealed.Seq = session.lastSeq() + 1
	if sealed.CreatedAt.IsZero() {
		sealed.CreatedAt = s.now().UTC()
	}
	session.turns = append(session.turns, sealed)
	return sealed.clone()
}

// History returns at most maxTurns of the latest turns, oldest first.
func (s *Store) History(session *Session, maxTurns int) []Turn {
	if maxTurns <= 0 {
		return nil
	}
	session.mu.Lock()
	defer session.mu.Unlock()

	start := len(session.turns) - maxTurns
	if start < 0 {
		start = 0
	}
	out := make([]Turn, 0, len(session.turns)-start)
	for _, turn := range session.turns[start:] {
		out = append(out, turn.clone())
	}
	return out
}

func (s *Store) Persist(ctx context.Context, session *Session) error {
	session.mu.Lock()
	data, err := encodeSession(session.ID, session.CreatedAt, session.turns)
	session.mu.Unlock()
	if err != nil {
		return &PersistenceError{SessionID: session.ID, Op: "save", Err: err}
	}
	_, err = s.objects.Put(ctx, session.Key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: "application/json"})
	if err != nil {
		return &PersistenceError{SessionID: session.ID, Op: "save", Err: err}
	}
	return nil
}

// ListSessions returns persisted sessions, newest first. Documents that cannot
// be decoded are skipped.
func (s *Store) ListSessions(ctx context.Context) ([]Summary, error) {
	objects, err := s.objects.List(ctx, storage.SessionsPrefix)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	out := make([]Summary, 0, len(objects))
	for _, object := range objects {
		id, ok := storage.SessionIDFromKey(object.Key)
		if !ok {
			continue
		}
		summary, err := s.summarize(ctx, id, object)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping unreadable session document",
				slog.String("session_id", id),
				slog.Any("error", err),
			)
			continue
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) summarize(ctx context.Context, id string, object storage.ObjectInfo) (Summary, error) {
	reader, err := s.objects.Get(ctx, object.Key)
	if err != nil {
		return Summary{}, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return Summary{}, err
	}
	createdAt, turns, err := decodeSession(id, data)
	if err != nil {
		return Summary{}, err
	}
	return Summary{ID: id, CreatedAt: createdAt, UpdatedAt: object.LastModified, Turns: len(turns)}, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	key, err := storage.BuildSessionKey(id)
	if err != nil {
		return err
	}
	if err := s.objects.Delete(ctx, key); err != nil {
		return &PersistenceError{SessionID: id, Op: "delete", Err: err}
	}
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// Cleanup deletes persisted sessions not modified within olderThan and
// returns how many were removed.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("cleanup age must be > 0")
	}
	objects, err := s.objects.List(ctx, storage.SessionsPrefix)
	if err != nil {
		return 0, &PersistenceError{Op: "list", Err: err}
	}
	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, object := range objects {
		id, ok := storage.SessionIDFromKey(object.Key)
		if !ok || object.LastModified.IsZero() || !object.LastModified.Before(cutoff) {
			continue
		}
		if err := s.DeleteSession(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.InfoContext(ctx, "removed old sessions", slog.Int("count", removed), slog.String("older_than", olderThan.String()))
	}
	return removed, nil
}
