package eventlog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/studymatch/store"
	"github.com/c360/studymatch/stream"
)

func TestNewPublisher_Defaults(t *testing.T) {
	p := NewPublisher(nil, "", nil)

	assert.Equal(t, DefaultSubjectPrefix, p.prefix)
	assert.False(t, p.enabled)
	assert.NotNil(t, p.logger)
}

func TestPublisher_DisabledIsNoOp(t *testing.T) {
	p := NewPublisher(nil, "", nil)
	key := store.Key{BatchID: "abc123", ReportIndex: 2}

	// Without a connection these must be silent no-ops
	p.PublishEvent(key, "sess-1", stream.Event{Event: stream.EventNode, Node: stream.NodeClassifyInitial})
	p.PublishStatus(key, "sess-1", store.StatusCompleted, "")
}

type captureConn struct {
	subjects []string
	payloads [][]byte
}

func (c *captureConn) Publish(subject string, data []byte) error {
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestPublisher_PublishesEventAndStatus(t *testing.T) {
	conn := &captureConn{}
	p := NewPublisher(conn, "", nil)
	key := store.Key{BatchID: "abc123", ReportIndex: 2}

	p.PublishEvent(key, "sess-1", stream.Event{
		Event: stream.EventNode,
		Node:  stream.NodeClassifyInitial,
		Details: &stream.Details{
			StudyID:  101,
			Decision: "likely_match",
		},
	})
	p.PublishStatus(key, "sess-1", store.StatusCompleted, "")

	require.Len(t, conn.subjects, 2)
	assert.Equal(t, "studymatch.sessions.abc123.2.events", conn.subjects[0])
	assert.Equal(t, "studymatch.sessions.abc123.2.status", conn.subjects[1])

	var event EventEntry
	require.NoError(t, json.Unmarshal(conn.payloads[0], &event))
	assert.Equal(t, "abc123", event.BatchID)
	assert.Equal(t, "sess-1", event.SessionID)
	assert.Equal(t, stream.NodeClassifyInitial, event.Event.Node)

	var status StatusEntry
	require.NoError(t, json.Unmarshal(conn.payloads[1], &status))
	assert.Equal(t, store.StatusCompleted, status.Status)
	assert.Empty(t, status.Error)
}

func TestPublisher_SubjectHierarchy(t *testing.T) {
	p := NewPublisher(nil, "custom.prefix", nil)
	key := store.Key{BatchID: "abc123", ReportIndex: 2}

	assert.Equal(t, "custom.prefix.abc123.2.events", p.subject(key, "events"))
	assert.Equal(t, "custom.prefix.abc123.2.status", p.subject(key, "status"))
}
