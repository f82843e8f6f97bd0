// Package eventlog fans session events out to NATS so external consumers
// (dashboards, audit sinks) can follow pipeline progress in real time.
// Publishing is best-effort: a missing or disconnected NATS connection never
// affects the session that produced the event.
package eventlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/studymatch/store"
	"github.com/c360/studymatch/stream"
)

// DefaultSubjectPrefix is the root of the published subject hierarchy
const DefaultSubjectPrefix = "studymatch.sessions"

// EventEntry is the JSON payload published for each applied stream event
type EventEntry struct {
	Timestamp   string       `json:"timestamp"` // RFC3339 format
	BatchID     string       `json:"batch_id"`
	ReportIndex int          `json:"report_index"`
	SessionID   string       `json:"session_id"`
	Event       stream.Event `json:"event"`
}

// StatusEntry is the JSON payload published for each status transition
type StatusEntry struct {
	Timestamp   string       `json:"timestamp"`
	BatchID     string       `json:"batch_id"`
	ReportIndex int          `json:"report_index"`
	SessionID   string       `json:"session_id"`
	Status      store.Status `json:"status"`
	Error       string       `json:"error,omitempty"`
}

// Conn is the messaging surface the publisher needs; satisfied by
// natsclient.Client and by a raw nats.Conn
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher publishes session activity to NATS subjects of the form
// <prefix>.<batch>.<report>.events and <prefix>.<batch>.<report>.status
type Publisher struct {
	conn    Conn
	prefix  string
	logger  *slog.Logger
	enabled bool
}

// NewPublisher creates a publisher. A nil connection disables publishing.
func NewPublisher(conn Conn, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:    conn,
		prefix:  prefix,
		logger:  logger,
		enabled: conn != nil,
	}
}

// PublishEvent publishes one applied stream event
func (p *Publisher) PublishEvent(key store.Key, sessionID string, ev stream.Event) {
	if !p.enabled {
		return
	}

	entry := EventEntry{
		Timestamp:   time.Now().Format(time.RFC3339),
		BatchID:     key.BatchID,
		ReportIndex: key.ReportIndex,
		SessionID:   sessionID,
		Event:       ev,
	}
	p.publish(p.subject(key, "events"), entry)
}

// PublishStatus publishes one session status transition
func (p *Publisher) PublishStatus(key store.Key, sessionID string, status store.Status, errMsg string) {
	if !p.enabled {
		return
	}

	entry := StatusEntry{
		Timestamp:   time.Now().Format(time.RFC3339),
		BatchID:     key.BatchID,
		ReportIndex: key.ReportIndex,
		SessionID:   sessionID,
		Status:      status,
		Error:       errMsg,
	}
	p.publish(p.subject(key, "status"), entry)
}

func (p *Publisher) subject(key store.Key, suffix string) string {
	return fmt.Sprintf("%s.%s.%d.%s", p.prefix, key.BatchID, key.ReportIndex, suffix)
}

func (p *Publisher) publish(subject string, entry any) {
	data, err := json.Marshal(entry)
	if err != nil {
		p.logger.Debug("failed to marshal eventlog entry", "subject", subject, "error", err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		// Best-effort; dropped entries are only logged
		p.logger.Debug("failed to publish eventlog entry", "subject", subject, "error", err)
	}
}
