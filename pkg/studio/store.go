package studio

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/atelier-ai/atelier/pkg/core"
)

// Archiver receives write-behind copies of store mutations. Implementations
// must not block; failures are the archiver's problem, not the caller's.
type Archiver interface {
	SessionCreated(s Session)
	VersionAppended(sessionID string, index int, v MediaVersion)
	TranscriptAppended(sessionID string, index int, line TranscriptLine)
	TranscriptUpdated(sessionID string, index int, line TranscriptLine)
	VersionSelected(sessionID string, index int)
}

// Store keeps every session in memory for the process lifetime. Sessions are
// never destroyed; versions are append-only.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
	archive  Archiver
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the store clock, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithArchiver attaches a write-behind archiver.
func WithArchiver(a Archiver) StoreOption {
	return func(s *Store) { s.archive = a }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts a session from an uploaded media payload. Version 0 is the
// upload itself, with an empty prompt.
func (s *Store) Create(upload DataURI) (Session, error) {
	if len(upload.Data) == 0 {
		return Session{}, core.NewInvalidRequestError("upload payload is empty")
	}

	now := s.now()
	sess := &Session{
		ID: "sess_" + randHex(10),
		Versions: []MediaVersion{{
			DataURI:   upload.String(),
			Kind:      upload.Kind(),
			CreatedAt: now,
		}},
		CurrentIndex: 0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	snapshot := cloneSession(sess)
	s.mu.Unlock()

	if s.archive != nil {
		s.archive.SessionCreated(snapshot)
	}
	return snapshot, nil
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, core.NewNotFoundError("session not found")
	}
	return cloneSession(sess), nil
}

// List returns session summaries, newest first.
func (s *Store) List() []Summary {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.summary())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// AppendVersion appends an edit result and makes it current.
func (s *Store) AppendVersion(id string, v MediaVersion) (int, error) {
	if v.DataURI == "" {
		return 0, core.NewInvalidRequestError("version payload is required")
	}
	if v.Kind == "" {
		v.Kind = MediaKindImage
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return 0, core.NewNotFoundError("session not found")
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	sess.Versions = append(sess.Versions, v)
	idx := len(sess.Versions) - 1
	sess.CurrentIndex = idx
	sess.UpdatedAt = s.now()
	s.mu.Unlock()

	if s.archive != nil {
		s.archive.VersionAppended(id, idx, v)
	}
	return idx, nil
}

// SelectVersion moves the current index without touching history.
func (s *Store) SelectVersion(id string, index int) (MediaVersion, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return MediaVersion{}, core.NewNotFoundError("session not found")
	}
	if index < 0 || index >= len(sess.Versions) {
		s.mu.Unlock()
		return MediaVersion{}, core.NewInvalidRequestErrorWithParam("version index out of range", "index")
	}
	sess.CurrentIndex = index
	sess.UpdatedAt = s.now()
	v := sess.Versions[index]
	s.mu.Unlock()

	if s.archive != nil {
		s.archive.VersionSelected(id, index)
	}
	return v, nil
}

// AppendTranscript adds a line and returns its index.
func (s *Store) AppendTranscript(id string, line TranscriptLine) (int, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return 0, core.NewNotFoundError("session not found")
	}
	if line.Timestamp.IsZero() {
		line.Timestamp = s.now()
	}
	sess.Transcript = append(sess.Transcript, line)
	idx := len(sess.Transcript) - 1
	sess.UpdatedAt = s.now()
	s.mu.Unlock()

	if s.archive != nil {
		s.archive.TranscriptAppended(id, idx, line)
	}
	return idx, nil
}

// UpdateTranscript rewrites a line in place. Recognizers refine partial lines
// until they commit; a final line cannot be rewritten.
func (s *Store) UpdateTranscript(id string, index int, line TranscriptLine) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return core.NewNotFoundError("session not found")
	}
	if index < 0 || index >= len(sess.Transcript) {
		s.mu.Unlock()
		return core.NewInvalidRequestErrorWithParam("transcript index out of range", "index")
	}
	if sess.Transcript[index].Final {
		s.mu.Unlock()
		return core.NewInvalidRequestError("transcript line is already final")
	}
	if line.Timestamp.IsZero() {
		line.Timestamp = sess.Transcript[index].Timestamp
	}
	sess.Transcript[index] = line
	sess.UpdatedAt = s.now()
	s.mu.Unlock()

	if s.archive != nil {
		s.archive.TranscriptUpdated(id, index, line)
	}
	return nil
}

func cloneSession(s *Session) Session {
	out := *s
	out.Versions = append([]MediaVersion(nil), s.Versions...)
	out.Transcript = append([]TranscriptLine(nil), s.Transcript...)
	return out
}

func randHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
