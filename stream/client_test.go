package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/studymatch/errors"
)

func validRequest() *EvaluateRequest {
	return &EvaluateRequest{
		Report:  json.RawMessage(`{"title":"Outcomes of X"}`),
		Studies: []json.RawMessage{json.RawMessage(`{"study_id":101}`)},
	}
}

func TestEvaluateRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     *EvaluateRequest
		wantErr bool
	}{
		{"valid", validRequest(), false},
		{"missing report", &EvaluateRequest{Studies: []json.RawMessage{json.RawMessage(`{}`)}}, true},
		{"no studies", &EvaluateRequest{Report: json.RawMessage(`{}`)}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.req.Validate()
			if test.wantErr {
				assert.True(t, errors.IsInvalid(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient("", "")
	assert.True(t, errors.IsInvalid(err))
}

func TestClient_OpenStream(t *testing.T) {
	feed := "data: {\"event\":\"node\",\"node\":\"classify_initial\",\"details\":{\"study_id\":101,\"decision\":\"unsure\"}}\n\n" +
		"data: {\"event\":\"complete\"}\n\n"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/evaluate/stream", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		var req EvaluateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Studies, 1)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, feed)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "")
	require.NoError(t, err)

	body, err := client.OpenStream(context.Background(), validRequest())
	require.NoError(t, err)
	defer body.Close()

	events := drain(t, NewDecoder(body, nil))
	require.Len(t, events, 1)
	assert.Equal(t, StudyID(101), events[0].Details.StudyID)
}

func TestClient_OpenStream_UpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "pipeline overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "")
	require.NoError(t, err)

	_, err = client.OpenStream(context.Background(), validRequest())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrUpstreamStatus)
	assert.Contains(t, err.Error(), "pipeline overloaded")
}

func TestClient_OpenStream_InvalidRequest(t *testing.T) {
	client, err := NewClient("http://localhost:1", "")
	require.NoError(t, err)

	_, err = client.OpenStream(context.Background(), &EvaluateRequest{})
	assert.True(t, errors.IsInvalid(err))
}

func TestClient_OpenStream_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.OpenStream(ctx, validRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
