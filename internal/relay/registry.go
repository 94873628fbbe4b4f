package relay

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liliang-cn/chatrelay/internal/metrics"
	"go.uber.org/zap"
)

// Session is one in-flight relay: its client sink and upstream handle.
type Session struct {
	ID        string
	Provider  string
	StartedAt time.Time

	sink  Sink
	state atomic.Int32

	mu         sync.Mutex
	upstream   io.Closer
	released   bool
	cancel     context.CancelFunc
	abortState State
	abortCause string

	finalizeOnce sync.Once
}

// Sink returns the client sink owned by the session.
func (s *Session) Sink() Sink { return s.sink }

// State returns the relay state of the session.
func (s *Session) State() State { return State(s.state.Load()) }

// attachUpstream hands the upstream handle to the session. A handle attached
// after release is closed immediately.
func (s *Session) attachUpstream(c io.Closer) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.upstream = c
	s.mu.Unlock()
}

// releaseUpstream closes the upstream handle and its context at most once.
func (s *Session) releaseUpstream() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	c := s.upstream
	s.upstream = nil
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return nil
	}
	return c.Close()
}

// bind derives the context upstream I/O of the session runs under.
func (s *Session) bind(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return ctx
}

// abort stops the relay from outside its loop. The upstream context is
// canceled and the handle closed, so a read blocked on a silent upstream
// returns. The first abort wins; the loop reports it as its exit state.
func (s *Session) abort(to State, cause string) bool {
	s.mu.Lock()
	if s.abortState != StateRunning {
		s.mu.Unlock()
		return false
	}
	s.abortState = to
	s.abortCause = cause
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = s.releaseUpstream()
	return true
}

// aborted returns the state and cause of an abort, if one happened.
func (s *Session) aborted() (State, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortState, s.abortCause, s.abortState != StateRunning
}

// SessionInfo is a read-only view of a registered session
type SessionInfo struct {
	StreamID  string    `json:"stream_id"`
	Provider  string    `json:"provider"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	// ClientAttached is false once the client sink was completed, detached
	// or replaced while the relay keeps reading upstream.
	ClientAttached bool `json:"client_attached"`
}

// Registry maps stream ids to their sessions.
//
// Creating a session under an id that is already registered replaces the
// previous entry; the evicted sink is completed with an error so its client
// is not left hanging. Teardown only ever removes the session it belongs to.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Create registers sink under streamID and returns the new session.
func (r *Registry) Create(streamID, provider string, sink Sink) *Session {
	sess := &Session{
		ID:        streamID,
		Provider:  provider,
		StartedAt: time.Now(),
		sink:      sink,
	}

	r.mu.Lock()
	prev := r.sessions[streamID]
	r.sessions[streamID] = sess
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.SetActiveStreams(n)

	sink.OnCompletion(func() { r.removeIf(streamID, sess) })
	sink.OnTimeout(func() {
		r.logger.Info("Stream sink timed out, aborting upstream", zap.String("stream_id", streamID))
		sess.abort(StateStoppingError, "sink timeout")
	})

	if prev != nil {
		r.logger.Warn("Stream id reused while still registered, replacing previous session",
			zap.String("stream_id", streamID),
			zap.String("provider", prev.Provider),
		)
		prev.sink.CompleteWithError(ErrStreamReplaced.Error())
	}
	return sess
}

// Get returns the sink registered under streamID.
func (r *Registry) Get(streamID string) (Sink, bool) {
	sess, ok := r.lookup(streamID)
	if !ok {
		return nil, false
	}
	return sess.sink, true
}

func (r *Registry) lookup(streamID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[streamID]
	return sess, ok
}

// Exists reports whether streamID is registered
func (r *Registry) Exists(streamID string) bool {
	r.mu.RLock()
	_, ok := r.sessions[streamID]
	r.mu.RUnlock()
	return ok
}

// Send delivers an event to the session registered under streamID. A failed
// write is logged and tears down the entry; it is never returned to the caller.
func (r *Registry) Send(streamID, event string, payload any) bool {
	sess, ok := r.lookup(streamID)
	if !ok {
		return false
	}
	return r.deliver(sess, event, payload) == nil
}

// Close completes the session normally. Safe to call repeatedly.
func (r *Registry) Close(streamID string) {
	if sess, ok := r.lookup(streamID); ok {
		sess.sink.Complete()
		r.removeIf(streamID, sess)
	}
}

// Error completes the session with reason. Safe to call repeatedly.
func (r *Registry) Error(streamID, reason string) {
	if sess, ok := r.lookup(streamID); ok {
		sess.sink.CompleteWithError(reason)
		r.removeIf(streamID, sess)
	}
}

// List returns the registered sessions ordered by start time
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, SessionInfo{
			StreamID:  sess.ID,
			Provider:  sess.Provider,
			State:     sess.State().String(),
			StartedAt: sess.StartedAt,

			ClientAttached: true,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) deliver(sess *Session, event string, payload any) error {
	err := sess.sink.Send(event, payload)
	if err == nil {
		return nil
	}

	r.removeIf(sess.ID, sess)
	if errors.Is(err, ErrClientGone) {
		metrics.RecordSendFailure("client_gone")
		r.logger.Debug("Client gone, event dropped",
			zap.String("stream_id", sess.ID),
			zap.String("event", event),
		)
	} else {
		metrics.RecordSendFailure("closed")
		r.logger.Debug("Sink closed, event dropped",
			zap.String("stream_id", sess.ID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
	return err
}

// removeIf deletes streamID only while it still maps to sess.
func (r *Registry) removeIf(streamID string, sess *Session) bool {
	r.mu.Lock()
	cur, ok := r.sessions[streamID]
	if !ok || cur != sess {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, streamID)
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.SetActiveStreams(n)
	return true
}
