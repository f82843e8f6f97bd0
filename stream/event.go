package stream

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/c360/studymatch/errors"
)

// Event types carried in the "event" field of a frame
const (
	// EventNode announces completion of a pipeline stage
	EventNode = "node"
	// EventComplete is the terminal marker; it is consumed by the decoder
	// and never surfaced as an ordinary event
	EventComplete = "complete"
	// EventUnknown is assigned when the upstream omits the event field
	EventUnknown = "unknown"
)

// Pipeline stage tags carried in the "node" field. The reducer only acts on
// the classify/select/compare stages; everything else is progress metadata.
const (
	NodePrepareReportPDF    = "prepare_report_pdf"
	NodeLoadNextInitial     = "load_next_initial"
	NodeClassifyInitial     = "classify_initial"
	NodeSelectVeryLikely    = "select_very_likely"
	NodeCompareVeryLikely   = "compare_very_likely"
	NodePrepareUnsureReview = "prepare_unsure_review"
	NodeLoadNextUnsure      = "load_next_unsure"
	NodeClassifyUnsure      = "classify_unsure"
	NodeMatchNotFoundEnd    = "match_not_found_end"
	NodeSummarizeEvaluation = "summarize_evaluation"
	NodeSuggestNewStudy     = "suggest_new_study"
)

// StudyID identifies a candidate study within a report's candidate set.
// The upstream pipeline emits ids as either JSON numbers or strings, so it
// carries a custom unmarshaler accepting both.
type StudyID int64

// UnmarshalJSON accepts both numeric and quoted-string study ids
func (id *StudyID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.WrapInvalid(err, "StudyID", "UnmarshalJSON", "unquote study id")
		}
		if s == "" {
			*id = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return errors.WrapInvalid(err, "StudyID", "UnmarshalJSON", "parse study id string")
		}
		*id = StudyID(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.WrapInvalid(err, "StudyID", "UnmarshalJSON", "parse study id number")
	}
	*id = StudyID(n)
	return nil
}

// Details carries the stage-specific structured payload of a stream event.
// Fields are populated per stage; absent fields stay at their zero value.
type Details struct {
	StudyID       StudyID         `json:"study_id,omitempty"`
	ShortName     string          `json:"short_name,omitempty"`
	Decision      string          `json:"decision,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Index         int             `json:"idx,omitempty"`
	VeryLikelyIDs []StudyID       `json:"very_likely_ids,omitempty"`
	MatchStudyID  StudyID         `json:"match_study_id,omitempty"`
	Count         int             `json:"count,omitempty"`
	HasMatch      *bool           `json:"has_match,omitempty"`
	Summary       string          `json:"summary,omitempty"`
	NewStudy      json.RawMessage `json:"new_study,omitempty"`
}

// Event is one decoded frame of the upstream feed: a stage tag, an optional
// human-readable progress message, and stage-specific details. Unknown stage
// tags are preserved (for the audit log) and ignored by the reducer.
type Event struct {
	Event     string   `json:"event"`
	Node      string   `json:"node,omitempty"`
	Message   string   `json:"message,omitempty"`
	Details   *Details `json:"details,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"` // Unix millis, assigned at decode time
}

// IsTerminal reports whether the event is the terminal stream marker
func (e Event) IsTerminal() bool {
	return e.Event == EventComplete
}
