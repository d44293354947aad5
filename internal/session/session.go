package session

import (
	"sync"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a session's conversation history. Turns are
// immutable once appended; Seq defines conversation order (monotonic per
// session, not wall-clock).
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Seq       int       `json:"seq"`
	AudioURL  string    `json:"audio_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session holds one conversation: an append-only turn history and at most one
// live audio capture. Sessions live for the process lifetime; there is no
// durability across restarts.
type Session struct {
	id string

	// turnMu serializes whole pipeline turns so two submissions for the same
	// session cannot interleave history writes. Held across the external
	// collaborator calls, so it must never be taken while holding mu.
	turnMu sync.Mutex

	mu       sync.Mutex
	seq      int
	history  []Turn
	recorder *Recorder
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// BeginTurn acquires the per-session turn lock and returns its release func.
// Turns for different sessions proceed fully in parallel.
func (s *Session) BeginTurn() func() {
	s.turnMu.Lock()
	return s.turnMu.Unlock
}

// Append adds one turn to the history and returns it with its sequence number
// assigned.
func (s *Session) Append(role Role, content, audioURL string) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := Turn{
		Role:      role,
		Content:   content,
		Seq:       s.seq,
		AudioURL:  audioURL,
		CreatedAt: time.Now().UTC(),
	}
	s.history = append(s.history, t)
	return t
}

// History returns a copy of the full ordered history. It is unbounded;
// truncating the window passed to reply generation is a deployment policy,
// not done here.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Reset clears the history and aborts any in-progress capture. The session
// identifier stays valid for reuse. Reset waits for an in-flight turn to
// finish, so it can never land between a turn's user and assistant appends.
func (s *Session) Reset() {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	s.mu.Lock()
	rec := s.recorder
	s.history = nil
	s.recorder = nil
	s.mu.Unlock()
	if rec != nil {
		rec.Abort()
	}
}

// BeginCapture creates the session's recorder for a new capture. Only one
// capture may be live per session; a second BeginCapture while one is not yet
// closed returns ErrInvalidState.
func (s *Session) BeginCapture() (*Recorder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder != nil && s.recorder.State() != StateClosed {
		return nil, ErrInvalidState
	}
	s.recorder = NewRecorder()
	return s.recorder, nil
}

// EndCapture detaches the recorder once its capture is finalized or aborted.
func (s *Session) EndCapture(r *Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == r {
		s.recorder = nil
	}
}

// CaptureState reports the live capture's state, or StateIdle when the
// session has no capture in progress.
func (s *Session) CaptureState() CaptureState {
	s.mu.Lock()
	rec := s.recorder
	s.mu.Unlock()
	if rec == nil {
		return StateIdle
	}
	return rec.State()
}
