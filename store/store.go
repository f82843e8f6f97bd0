// Package store holds the externally observable state of the orchestrator:
// per-session status, progress, event log, and classification map, keyed by
// (batch, report). It is the only shared mutable resource; every mutation
// happens under the store's lock, synchronously within the reduction step of
// the session that owns the key. One process-wide instance is created at
// startup and torn down on shutdown.
package store

import (
	"fmt"
	"sync"

	"github.com/c360/studymatch/classify"
	"github.com/c360/studymatch/errors"
	"github.com/c360/studymatch/stream"
)

// Key identifies one report within a batch. At most one session is active
// per key at any instant.
type Key struct {
	BatchID     string `json:"batch_id"`
	ReportIndex int    `json:"report_index"`
}

// String returns the canonical string form used in subjects and logs
func (k Key) String() string {
	return fmt.Sprintf("%s-%d", k.BatchID, k.ReportIndex)
}

// Status is the lifecycle state of a session
type Status string

const (
	// StatusIdle means no session has been started for the key
	StatusIdle Status = "idle"
	// StatusStreaming means the session's transport is open and events are
	// being applied
	StatusStreaming Status = "streaming"
	// StatusCompleted means the terminal marker (or a clean stream end)
	// was observed
	StatusCompleted Status = "completed"
	// StatusError means the transport or decoder failed
	StatusError Status = "error"
	// StatusCancelled means the caller aborted the session
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// View is a point-in-time snapshot of one session's observable state
type View struct {
	Key             Key            `json:"key"`
	SessionID       string         `json:"session_id"`
	Status          Status         `json:"status"`
	CurrentMessage  string         `json:"current_message,omitempty"`
	Error           string         `json:"error,omitempty"`
	EventCount      int            `json:"event_count"`
	ProcessedCount  int            `json:"processed_count"`
	TotalCandidates int            `json:"total_candidates"`
}

// sessionState is one run of the pipeline for a key. A restart replaces the
// whole struct; nothing is merged from the previous run.
type sessionState struct {
	sessionID       string
	status          Status
	events          []stream.Event
	results         classify.ResultMap
	currentMessage  string
	err             string
	processedCount  int
	totalCandidates int
	watchers        map[chan stream.Event]struct{}
}

// Store is the read-model store
type Store struct {
	mu        sync.RWMutex
	sessions  map[Key]*sessionState
	dismissed map[string]struct{}
}

// New creates an empty store
func New() *Store {
	return &Store{
		sessions:  make(map[Key]*sessionState),
		dismissed: make(map[string]struct{}),
	}
}

// StartSession replaces any previous session for key with a fresh one in
// streaming status: empty event log, empty classification map. The previous
// run's state is discarded, not merged.
func (s *Store) StartSession(key Key, sessionID string, totalCandidates int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old := s.sessions[key]; old != nil {
		closeWatchers(old)
	}
	s.sessions[key] = &sessionState{
		sessionID:       sessionID,
		status:          StatusStreaming,
		results:         make(classify.ResultMap),
		totalCandidates: totalCandidates,
		watchers:        make(map[chan stream.Event]struct{}),
	}
}

// ApplyEvent appends ev to the session's log, updates progress metadata, and
// folds it into the classification map. Events are only applied while the
// session is streaming and still belongs to sessionID; anything else is
// dropped (stale transport, already terminal).
func (s *Store) ApplyEvent(key Key, sessionID string, ev stream.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[key]
	if sess == nil || sess.sessionID != sessionID || sess.status != StatusStreaming {
		return false
	}

	sess.events = append(sess.events, ev)
	if ev.Message != "" {
		sess.currentMessage = ev.Message
	}
	if ev.Node == stream.NodeClassifyInitial {
		sess.processedCount++
	}
	sess.results = classify.Reduce(sess.results, ev)

	for ch := range sess.watchers {
		select {
		case ch <- ev:
		default: // slow watcher, drop rather than stall the reduction step
		}
	}
	return true
}

// transition moves the session for key to a terminal status if it is still
// the run identified by sessionID and still streaming
func (s *Store) transition(key Key, sessionID string, to Status, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[key]
	if sess == nil || sess.sessionID != sessionID || sess.status != StatusStreaming {
		return false
	}
	sess.status = to
	sess.err = errMsg
	closeWatchers(sess)
	return true
}

// CompleteSession marks the session completed
func (s *Store) CompleteSession(key Key, sessionID string) bool {
	return s.transition(key, sessionID, StatusCompleted, "")
}

// FailSession marks the session errored with a short failure description.
// The event log and any partial classifications remain inspectable.
func (s *Store) FailSession(key Key, sessionID string, msg string) bool {
	return s.transition(key, sessionID, StatusError, msg)
}

// CancelSession marks the session cancelled. Accumulated results are kept;
// they are only discarded by a subsequent StartSession.
func (s *Store) CancelSession(key Key, sessionID string) bool {
	return s.transition(key, sessionID, StatusCancelled, "")
}

// Status returns the session status for key, or idle when none exists
func (s *Store) Status(key Key) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.sessions[key]
	if sess == nil {
		return StatusIdle
	}
	return sess.status
}

// Snapshot returns a view of the session for key
func (s *Store) Snapshot(key Key) (View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.sessions[key]
	if sess == nil {
		return View{Key: key, Status: StatusIdle},
			errors.WrapInvalid(errors.ErrSessionNotFound, "Store", "Snapshot", key.String())
	}
	return View{
		Key:             key,
		SessionID:       sess.sessionID,
		Status:          sess.status,
		CurrentMessage:  sess.currentMessage,
		Error:           sess.err,
		EventCount:      len(sess.events),
		ProcessedCount:  sess.processedCount,
		TotalCandidates: sess.totalCandidates,
	}, nil
}

// Events returns a copy of the ordered event log for key
func (s *Store) Events(key Key) []stream.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.sessions[key]
	if sess == nil {
		return nil
	}
	out := make([]stream.Event, len(sess.events))
	copy(out, sess.events)
	return out
}

// Classifications returns a copy of the classification map for key
func (s *Store) Classifications(key Key) classify.ResultMap {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.sessions[key]
	if sess == nil {
		return nil
	}
	return sess.results.Clone()
}

// Result returns the classification for one candidate, if present
func (s *Store) Result(key Key, id stream.StudyID) (classify.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.sessions[key]
	if sess == nil {
		return classify.Result{}, false
	}
	r, ok := sess.results[id]
	return r, ok
}

// StreamingCount returns the number of sessions currently streaming
func (s *Store) StreamingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, sess := range s.sessions {
		if sess.status == StatusStreaming {
			count++
		}
	}
	return count
}

// Watch subscribes to live events for key. Events applied after the call
// are delivered on the returned channel; the channel closes when the session
// reaches a terminal state or is replaced. The returned func unsubscribes.
func (s *Store) Watch(key Key) (<-chan stream.Event, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[key]
	if sess == nil {
		return nil, nil, errors.WrapInvalid(errors.ErrSessionNotFound, "Store", "Watch", key.String())
	}
	if sess.status != StatusStreaming {
		return nil, nil, errors.WrapInvalid(errors.ErrNotStreaming, "Store", "Watch", key.String())
	}

	ch := make(chan stream.Event, 64)
	sess.watchers[ch] = struct{}{}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := sess.watchers[ch]; ok {
			delete(sess.watchers, ch)
			close(ch)
		}
	}
	return ch, cancel, nil
}

// closeWatchers closes and detaches all watcher channels. Caller holds the lock.
func closeWatchers(sess *sessionState) {
	for ch := range sess.watchers {
		close(ch)
	}
	sess.watchers = make(map[chan stream.Event]struct{})
}

// DismissSuggestion records that the user acknowledged or dismissed a derived
// suggestion. The set is independent of session lifecycle and survives
// restarts for the same key until explicitly cleared.
func (s *Store) DismissSuggestion(suggestionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dismissed[suggestionKey] = struct{}{}
}

// IsSuggestionDismissed reports whether a suggestion key has been dismissed
func (s *Store) IsSuggestionDismissed(suggestionKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dismissed[suggestionKey]
	return ok
}

// ClearDismissedSuggestions empties the dismissed-suggestion set
func (s *Store) ClearDismissedSuggestions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dismissed = make(map[string]struct{})
}
