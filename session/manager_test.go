package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/studymatch/errors"
	"github.com/c360/studymatch/store"
	"github.com/c360/studymatch/stream"
)

func evalRequest(candidates int) *stream.EvaluateRequest {
	studies := make([]json.RawMessage, candidates)
	for i := range studies {
		studies[i] = json.RawMessage(fmt.Sprintf(`{"study_id":%d}`, 100+i))
	}
	return &stream.EvaluateRequest{
		Report:  json.RawMessage(`{"title":"Outcomes of X"}`),
		Studies: studies,
	}
}

// openerFunc adapts a function to the StreamOpener interface
type openerFunc func(ctx context.Context, req *stream.EvaluateRequest) (io.ReadCloser, error)

func (f openerFunc) OpenStream(ctx context.Context, req *stream.EvaluateRequest) (io.ReadCloser, error) {
	return f(ctx, req)
}

// blockingStream never yields bytes until closed; closing it is wired to the
// session context, mirroring how an HTTP response body aborts on cancel
type blockingStream struct {
	done chan struct{}
	once sync.Once
}

func (b *blockingStream) Read([]byte) (int, error) {
	<-b.done
	return 0, stderrors.New("stream aborted")
}

func (b *blockingStream) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

// blockingOpener returns streams that hang until their session is cancelled
func blockingOpener() StreamOpener {
	return openerFunc(func(ctx context.Context, _ *stream.EvaluateRequest) (io.ReadCloser, error) {
		b := &blockingStream{done: make(chan struct{})}
		go func() {
			<-ctx.Done()
			_ = b.Close()
		}()
		return b, nil
	})
}

// feedOpener returns the given frames as a finite stream
func feedOpener(feed string) StreamOpener {
	return openerFunc(func(context.Context, *stream.EvaluateRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(feed)), nil
	})
}

func newTestManager(t *testing.T, opener StreamOpener, maxConcurrent int) (*Manager, *store.Store) {
	t.Helper()
	st := store.New()
	m, err := NewManager(opener, st, nil, nil, nil, Config{MaxConcurrent: maxConcurrent})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(time.Second) })
	return m, st
}

func key(i int) store.Key {
	return store.Key{BatchID: "batch", ReportIndex: i}
}

func TestNewManager_RequiresDependencies(t *testing.T) {
	_, err := NewManager(nil, store.New(), nil, nil, nil, Config{})
	assert.Error(t, err)

	_, err = NewManager(blockingOpener(), nil, nil, nil, nil, Config{})
	assert.Error(t, err)
}

func TestManager_DefaultCap(t *testing.T) {
	m, _ := newTestManager(t, blockingOpener(), 0)
	assert.Equal(t, DefaultMaxConcurrent, m.MaxConcurrent())
}

func TestManager_StartValidatesRequest(t *testing.T) {
	m, _ := newTestManager(t, blockingOpener(), 2)

	_, err := m.Start(context.Background(), key(0), &stream.EvaluateRequest{})
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, 0, m.RunningCount())
}

func TestManager_FillsDefaultModel(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	opener := openerFunc(func(_ context.Context, req *stream.EvaluateRequest) (io.ReadCloser, error) {
		mu.Lock()
		seen = append(seen, req.Model)
		mu.Unlock()
		return io.NopCloser(strings.NewReader("")), nil
	})

	st := store.New()
	m, err := NewManager(opener, st, nil, nil, nil, Config{DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(time.Second) })

	_, err = m.Start(context.Background(), key(0), evalRequest(1))
	require.NoError(t, err)

	withModel := evalRequest(1)
	withModel.Model = "o3-mini"
	_, err = m.Start(context.Background(), key(1), withModel)
	require.NoError(t, err)

	require.NoError(t, m.Close(time.Second))
	assert.ElementsMatch(t, []string{"gpt-4o", "o3-mini"}, seen)
}

func TestManager_AdmissionCap(t *testing.T) {
	m, st := newTestManager(t, blockingOpener(), 4)

	for i := 0; i < 4; i++ {
		_, err := m.Start(context.Background(), key(i), evalRequest(2))
		require.NoError(t, err)
	}
	assert.Equal(t, 4, m.RunningCount())

	// The fifth concurrent key is rejected outright, never queued
	_, err := m.Start(context.Background(), key(4), evalRequest(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAtCapacity)
	assert.Equal(t, store.StatusIdle, st.Status(key(4)))
	assert.Equal(t, 4, m.RunningCount())
}

func TestManager_SlotFreedByCancel(t *testing.T) {
	m, st := newTestManager(t, blockingOpener(), 1)

	_, err := m.Start(context.Background(), key(0), evalRequest(2))
	require.NoError(t, err)

	_, err = m.Start(context.Background(), key(1), evalRequest(2))
	assert.ErrorIs(t, err, errors.ErrAtCapacity)

	require.NoError(t, m.Cancel(key(0)))
	assert.Equal(t, store.StatusCancelled, st.Status(key(0)))

	_, err = m.Start(context.Background(), key(1), evalRequest(2))
	assert.NoError(t, err)
}

func TestManager_RestartSameKeyAtCap(t *testing.T) {
	m, st := newTestManager(t, blockingOpener(), 1)

	first, err := m.Start(context.Background(), key(0), evalRequest(2))
	require.NoError(t, err)

	// Restarting the held key does not grow the running count, so it is
	// admitted even though the cap is reached
	second, err := m.Start(context.Background(), key(0), evalRequest(3))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, m.RunningCount())

	view, err := st.Snapshot(key(0))
	require.NoError(t, err)
	assert.Equal(t, second, view.SessionID)
	assert.Equal(t, 3, view.TotalCandidates)
}

func TestManager_Completion(t *testing.T) {
	feed := "data: {\"event\":\"node\",\"node\":\"classify_initial\",\"message\":\"evaluating\",\"details\":{\"study_id\":101,\"decision\":\"likely_match\",\"reason\":\"titles align\"}}\n\n" +
		"data: {\"event\":\"node\",\"node\":\"select_very_likely\",\"details\":{\"very_likely_ids\":[101]}}\n\n" +
		"data: {\"event\":\"node\",\"node\":\"compare_very_likely\",\"details\":{\"match_study_id\":101,\"reason\":\"registry ids match\"}}\n\n" +
		"data: {\"event\":\"complete\"}\n\n"

	m, st := newTestManager(t, feedOpener(feed), 4)

	_, err := m.Start(context.Background(), key(0), evalRequest(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return st.Status(key(0)) == store.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, m.RunningCount())

	view, err := st.Snapshot(key(0))
	require.NoError(t, err)
	assert.Equal(t, 3, view.EventCount)
	assert.Equal(t, 1, view.ProcessedCount)
	assert.Equal(t, "evaluating", view.CurrentMessage)

	results := st.Classifications(key(0))
	require.Len(t, results, 1)
	assert.Equal(t, "match", string(results[101].Label))
	assert.Equal(t, "registry ids match", results[101].Reason)
}

func TestManager_ImplicitCompletionOnStreamEnd(t *testing.T) {
	// No terminal marker: a clean end of the byte stream still completes
	feed := "data: {\"event\":\"node\",\"node\":\"summarize_evaluation\",\"details\":{\"summary\":\"no match\"}}\n\n"

	m, st := newTestManager(t, feedOpener(feed), 4)

	_, err := m.Start(context.Background(), key(0), evalRequest(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return st.Status(key(0)) == store.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_OpenFailureFailsSession(t *testing.T) {
	opener := openerFunc(func(context.Context, *stream.EvaluateRequest) (io.ReadCloser, error) {
		return nil, errors.WrapTransient(stderrors.New("connection refused"),
			"Client", "OpenStream", "connect upstream")
	})

	m, st := newTestManager(t, opener, 4)

	_, err := m.Start(context.Background(), key(0), evalRequest(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return st.Status(key(0)) == store.StatusError
	}, 2*time.Second, 10*time.Millisecond)

	view, err := st.Snapshot(key(0))
	require.NoError(t, err)
	assert.Contains(t, view.Error, "connection refused")
	assert.Equal(t, 0, m.RunningCount())
}

func TestManager_MidStreamFailureKeepsPartialResults(t *testing.T) {
	feed := "data: {\"event\":\"node\",\"node\":\"classify_initial\",\"details\":{\"study_id\":101,\"decision\":\"unsure\"}}\n\n"
	opener := openerFunc(func(context.Context, *stream.EvaluateRequest) (io.ReadCloser, error) {
		return io.NopCloser(io.MultiReader(strings.NewReader(feed), failAfter{})), nil
	})

	m, st := newTestManager(t, opener, 4)

	_, err := m.Start(context.Background(), key(0), evalRequest(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return st.Status(key(0)) == store.StatusError
	}, 2*time.Second, 10*time.Millisecond)

	// The partial classification survives the failure
	results := st.Classifications(key(0))
	require.Len(t, results, 1)
	assert.Equal(t, "unsure", string(results[101].Label))
}

type failAfter struct{}

func (failAfter) Read([]byte) (int, error) { return 0, stderrors.New("connection reset") }

func TestManager_Cancel(t *testing.T) {
	m, st := newTestManager(t, blockingOpener(), 4)

	_, err := m.Start(context.Background(), key(0), evalRequest(2))
	require.NoError(t, err)

	require.NoError(t, m.Cancel(key(0)))
	assert.Equal(t, store.StatusCancelled, st.Status(key(0)))
	assert.Equal(t, 0, m.RunningCount())
}

func TestManager_CancelUnknownKey(t *testing.T) {
	m, _ := newTestManager(t, blockingOpener(), 4)

	err := m.Cancel(key(0))
	assert.ErrorIs(t, err, errors.ErrNotStreaming)
}

func TestManager_CancelAll(t *testing.T) {
	m, st := newTestManager(t, blockingOpener(), 4)

	for i := 0; i < 3; i++ {
		_, err := m.Start(context.Background(), key(i), evalRequest(1))
		require.NoError(t, err)
	}

	m.CancelAll()

	assert.Equal(t, 0, m.RunningCount())
	for i := 0; i < 3; i++ {
		assert.Equal(t, store.StatusCancelled, st.Status(key(i)))
	}
}

func TestManager_CloseRejectsFurtherStarts(t *testing.T) {
	m, _ := newTestManager(t, blockingOpener(), 4)

	require.NoError(t, m.Close(time.Second))

	_, err := m.Start(context.Background(), key(0), evalRequest(1))
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestManager_Health(t *testing.T) {
	m, _ := newTestManager(t, blockingOpener(), 1)
	assert.True(t, m.Health().IsHealthy())

	_, err := m.Start(context.Background(), key(0), evalRequest(1))
	require.NoError(t, err)
	assert.True(t, m.Health().IsDegraded())

	require.NoError(t, m.Close(time.Second))
	assert.True(t, m.Health().IsUnhealthy())
}

func TestManager_StaleEventsDroppedAfterRestart(t *testing.T) {
	// The first session's transport is a pipe the test feeds by hand; the
	// replacement session blocks. Bytes written to the old pipe after the
	// restart must never reach the new session's read model.
	pr, pw := io.Pipe()
	var calls int
	var mu sync.Mutex
	opener := openerFunc(func(ctx context.Context, _ *stream.EvaluateRequest) (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return pr, nil
		}
		b := &blockingStream{done: make(chan struct{})}
		go func() {
			<-ctx.Done()
			_ = b.Close()
		}()
		return b, nil
	})

	m, st := newTestManager(t, opener, 4)

	_, err := m.Start(context.Background(), key(0), evalRequest(1))
	require.NoError(t, err)

	_, err = pw.Write([]byte("data: {\"event\":\"node\",\"node\":\"classify_initial\",\"details\":{\"study_id\":101,\"decision\":\"unsure\"}}\n\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		view, _ := st.Snapshot(key(0))
		return view.EventCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	second, err := m.Start(context.Background(), key(0), evalRequest(1))
	require.NoError(t, err)

	// Feed the dead transport, then end it so its goroutine drains fully
	_, err = pw.Write([]byte("data: {\"event\":\"node\",\"node\":\"classify_initial\",\"details\":{\"study_id\":999,\"decision\":\"match\"}}\n\n"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	assert.Never(t, func() bool {
		view, _ := st.Snapshot(key(0))
		return view.EventCount > 0
	}, 300*time.Millisecond, 20*time.Millisecond)

	view, err := st.Snapshot(key(0))
	require.NoError(t, err)
	assert.Equal(t, second, view.SessionID)
	assert.Equal(t, store.StatusStreaming, view.Status)
	assert.Empty(t, st.Classifications(key(0)))
	assert.Equal(t, 1, m.RunningCount())
}
