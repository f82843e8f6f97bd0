// Package session owns the lifecycle of classification pipeline runs: it
// admits new sessions against a fixed concurrency cap, opens and tears down
// the upstream transport for each (batch, report) key, and feeds decoded
// events into the read-model store.
//
// Each admitted session carries a generation identity (a uuid). Every event
// application and terminal transition is checked against the identity of the
// key's current session, so in-flight bytes from a cancelled or replaced
// transport are dropped unconditionally.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/studymatch/errors"
	"github.com/c360/studymatch/health"
	"github.com/c360/studymatch/metric"
	"github.com/c360/studymatch/store"
	"github.com/c360/studymatch/stream"
)

// DefaultMaxConcurrent is the admission cap on simultaneously streaming
// sessions
const DefaultMaxConcurrent = 4

// StreamOpener opens the upstream byte stream for an evaluation request
type StreamOpener interface {
	OpenStream(ctx context.Context, req *stream.EvaluateRequest) (io.ReadCloser, error)
}

// EventPublisher fans decoded events and terminal transitions out to
// external consumers. Implementations must be best-effort and non-blocking.
type EventPublisher interface {
	PublishEvent(key store.Key, sessionID string, ev stream.Event)
	PublishStatus(key store.Key, sessionID string, status store.Status, errMsg string)
}

// activeSession tracks the transport of the one admitted run for a key
type activeSession struct {
	id     string
	key    store.Key
	cancel context.CancelFunc
}

// Manager is the session lifecycle manager and admission controller
type Manager struct {
	opener    StreamOpener
	store     *store.Store
	publisher EventPublisher
	logger    *slog.Logger
	metrics   *Metrics

	maxConcurrent int
	defaultModel  string

	mu     sync.Mutex
	active map[store.Key]*activeSession
	closed bool

	wg sync.WaitGroup
}

// Config holds manager construction parameters
type Config struct {
	// MaxConcurrent caps the number of streaming sessions; 0 means
	// DefaultMaxConcurrent
	MaxConcurrent int

	// DefaultModel is filled into requests that do not name a model
	DefaultModel string
}

// NewManager creates a session manager. The publisher may be nil.
func NewManager(
	opener StreamOpener,
	st *store.Store,
	publisher EventPublisher,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
	cfg Config,
) (*Manager, error) {
	if opener == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager",
			"stream opener is required")
	}
	if st == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager",
			"store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	return &Manager{
		opener:        opener,
		store:         st,
		publisher:     publisher,
		logger:        logger,
		metrics:       newMetrics(registry, "session-manager"),
		maxConcurrent: maxConcurrent,
		defaultModel:  cfg.DefaultModel,
		active:        make(map[store.Key]*activeSession),
	}, nil
}

// RunningCount returns the number of sessions currently streaming
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// MaxConcurrent returns the admission cap
func (m *Manager) MaxConcurrent() int {
	return m.maxConcurrent
}

// Health reports the manager's health. Running at the admission cap is
// degraded: the service works but rejects new sessions.
func (m *Manager) Health() health.Status {
	m.mu.Lock()
	running := len(m.active)
	closed := m.closed
	m.mu.Unlock()

	switch {
	case closed:
		return health.Unhealthy("session-manager", "shutting down")
	case running >= m.maxConcurrent:
		return health.Degraded("session-manager",
			fmt.Sprintf("at capacity: %d of %d sessions running", running, m.maxConcurrent))
	default:
		return health.Healthy("session-manager",
			fmt.Sprintf("%d of %d sessions running", running, m.maxConcurrent))
	}
}

// Start admits and starts a session for key. If a session for the same key
// is already streaming it is cancelled first and a brand-new session takes
// its place, discarding the old map and log.
//
// When the cap is reached by other keys the start is rejected with
// errors.ErrAtCapacity; rejection is a normal outcome, the running count is
// reported so callers can surface it. Restarting a key that itself holds a
// slot is always admitted since the count does not grow.
func (m *Manager) Start(ctx context.Context, key store.Key, req *stream.EvaluateRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.Model == "" {
		req.Model = m.defaultModel
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", errors.WrapInvalid(errors.ErrShuttingDown, "Manager", "Start", "manager closed")
	}

	old, restarting := m.active[key]
	if !restarting && len(m.active) >= m.maxConcurrent {
		running := len(m.active)
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.sessionsRejected.Inc()
		}
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: %d of %d sessions running", errors.ErrAtCapacity, running, m.maxConcurrent),
			"Manager", "Start", "admission")
	}

	if restarting {
		// Abort the old transport before the new session exists so no event
		// from it can be applied afterwards; identity checks drop any bytes
		// already in flight.
		old.cancel()
	}

	sessionID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &activeSession{id: sessionID, key: key, cancel: cancel}
	m.active[key] = sess

	m.store.StartSession(key, sessionID, len(req.Studies))

	if m.metrics != nil {
		m.metrics.sessionsStarted.Inc()
		m.metrics.sessionsActive.Set(float64(len(m.active)))
	}
	m.mu.Unlock()

	m.logger.Info("session started",
		"batch_id", key.BatchID,
		"report_index", key.ReportIndex,
		"session_id", sessionID,
		"candidates", len(req.Studies))

	if m.publisher != nil {
		m.publisher.PublishStatus(key, sessionID, store.StatusStreaming, "")
	}

	m.wg.Add(1)
	go m.run(runCtx, key, sessionID, req)

	return sessionID, nil
}

// Cancel aborts the streaming session for key. The accumulated event log and
// classification map stay inspectable; only a subsequent Start discards them.
func (m *Manager) Cancel(key store.Key) error {
	m.mu.Lock()
	sess, ok := m.active[key]
	if !ok {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStreaming, "Manager", "Cancel", key.String())
	}
	m.release(key, sess.id)
	m.mu.Unlock()

	sess.cancel()
	m.store.CancelSession(key, sess.id)

	if m.metrics != nil {
		m.metrics.sessionsEnded.WithLabelValues(string(store.StatusCancelled)).Inc()
	}
	m.logger.Info("session cancelled",
		"batch_id", key.BatchID,
		"report_index", key.ReportIndex,
		"session_id", sess.id)

	if m.publisher != nil {
		m.publisher.PublishStatus(key, sess.id, store.StatusCancelled, "")
	}
	return nil
}

// CancelAll cancels every streaming session; used for full teardown
func (m *Manager) CancelAll() {
	m.mu.Lock()
	sessions := make([]*activeSession, 0, len(m.active))
	for _, sess := range m.active {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		// Sessions that completed between the snapshot and here are skipped
		// by the identity check inside Cancel's release path
		_ = m.Cancel(sess.key)
	}
}

// Close cancels all sessions, rejects further starts, and waits for the
// session goroutines to drain
func (m *Manager) Close(timeout time.Duration) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.CancelAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"Manager", "Close", "wait for session goroutines")
	}
}

// release frees the concurrency slot for key if it is still held by
// sessionID. Caller holds m.mu. The slot is freed in the same critical
// section as the caller's terminal bookkeeping, so true concurrency never
// exceeds the cap.
func (m *Manager) release(key store.Key, sessionID string) bool {
	sess, ok := m.active[key]
	if !ok || sess.id != sessionID {
		return false
	}
	delete(m.active, key)
	if m.metrics != nil {
		m.metrics.sessionsActive.Set(float64(len(m.active)))
	}
	return true
}

// run drives one session: open transport, decode, apply, finish
func (m *Manager) run(ctx context.Context, key store.Key, sessionID string, req *stream.EvaluateRequest) {
	defer m.wg.Done()

	body, err := m.opener.OpenStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled while connecting; terminal state already recorded
			return
		}
		m.finish(key, sessionID, err)
		return
	}
	defer body.Close()

	dec := stream.NewDecoder(body, m.logger)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			m.finish(key, sessionID, nil)
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation surfaces as a read error on the aborted body
				return
			}
			m.finish(key, sessionID, err)
			break
		}
		m.apply(key, sessionID, ev)
	}

	if m.metrics != nil && dec.Skipped() > 0 {
		m.metrics.framesSkipped.Add(float64(dec.Skipped()))
	}
}

// apply feeds one decoded event to the store, unless the session has been
// cancelled or replaced in the meantime
func (m *Manager) apply(key store.Key, sessionID string, ev stream.Event) {
	if !m.store.ApplyEvent(key, sessionID, ev) {
		if m.metrics != nil {
			m.metrics.eventsDropped.Inc()
		}
		return
	}

	if m.metrics != nil {
		node := ev.Node
		if node == "" {
			node = ev.Event
		}
		m.metrics.eventsApplied.WithLabelValues(node).Inc()
	}

	if m.publisher != nil {
		m.publisher.PublishEvent(key, sessionID, ev)
	}
}

// finish records the terminal state for a session ending on its own (clean
// completion or failure). Explicit cancellation is handled in Cancel.
func (m *Manager) finish(key store.Key, sessionID string, streamErr error) {
	m.mu.Lock()
	released := m.release(key, sessionID)
	m.mu.Unlock()
	if !released {
		// Cancelled or replaced; its terminal state is already recorded
		return
	}

	if streamErr == nil {
		m.store.CompleteSession(key, sessionID)
		if m.metrics != nil {
			m.metrics.sessionsEnded.WithLabelValues(string(store.StatusCompleted)).Inc()
		}
		m.logger.Info("session completed",
			"batch_id", key.BatchID,
			"report_index", key.ReportIndex,
			"session_id", sessionID)
		if m.publisher != nil {
			m.publisher.PublishStatus(key, sessionID, store.StatusCompleted, "")
		}
		return
	}

	msg := streamErr.Error()
	m.store.FailSession(key, sessionID, msg)
	if m.metrics != nil {
		m.metrics.sessionsEnded.WithLabelValues(string(store.StatusError)).Inc()
	}
	m.logger.Error("session failed",
		"batch_id", key.BatchID,
		"report_index", key.ReportIndex,
		"session_id", sessionID,
		"error", streamErr)
	if m.publisher != nil {
		m.publisher.PublishStatus(key, sessionID, store.StatusError, msg)
	}
}
