// Package classify holds the per-candidate classification model and the pure
// reduction fold that turns an ordered stream of pipeline events into a
// classification map. The fold is deterministic and free of I/O: replaying a
// session's full event log from an empty map reproduces the exact map the
// live system held.
package classify

import (
	"github.com/c360/studymatch/stream"
)

// Label is the closed set of classification verdicts for a candidate study
type Label string

const (
	// LabelNotMatch means the candidate does not correspond to the report
	LabelNotMatch Label = "not_match"
	// LabelUnsure means the pipeline could not decide on first pass
	LabelUnsure Label = "unsure"
	// LabelLikelyMatch means the candidate is a plausible link
	LabelLikelyMatch Label = "likely_match"
	// LabelVeryLikely marks candidates short-listed for final comparison
	LabelVeryLikely Label = "very_likely"
	// LabelMatch is the pipeline's final verdict for the winning candidate
	LabelMatch Label = "match"
)

// Valid reports whether l belongs to the closed label set
func (l Label) Valid() bool {
	switch l {
	case LabelNotMatch, LabelUnsure, LabelLikelyMatch, LabelVeryLikely, LabelMatch:
		return true
	}
	return false
}

// Result is the classification of one candidate study within a session
type Result struct {
	StudyID stream.StudyID `json:"study_id"`
	Label   Label          `json:"label"`
	Reason  string         `json:"reason"`
}

// ResultMap holds per-candidate classifications keyed by study id.
// A candidate with no entry has not been classified yet; absence is not
// the same as not_match.
type ResultMap map[stream.StudyID]Result

// Clone returns a copy of the map
func (m ResultMap) Clone() ResultMap {
	next := make(ResultMap, len(m))
	for id, r := range m {
		next[id] = r
	}
	return next
}

// Reduce applies one stream event to the previous classification map and
// returns the next map. The input map is never mutated.
//
// Stage rules:
//   - classify_initial, classify_unsure: upsert with last-write-wins for
//     both label and reason, so a later re-review stage can override an
//     earlier verdict. Events missing a study id or carrying a decision
//     outside the closed label set are skipped.
//   - select_very_likely: promote listed candidates that already have an
//     entry to very_likely, preserving their reason. Ids never classified
//     are ignored.
//   - compare_very_likely: set the winning candidate to match and overwrite
//     its reason. Applies to any id with an existing entry, whether or not
//     it held very_likely. May fire more than once; a previous match holder
//     is never reverted.
//
// Every other stage leaves the map untouched.
func Reduce(prev ResultMap, ev stream.Event) ResultMap {
	if ev.Details == nil {
		return prev
	}
	d := ev.Details

	switch ev.Node {
	case stream.NodeClassifyInitial, stream.NodeClassifyUnsure:
		if d.StudyID == 0 || !Label(d.Decision).Valid() {
			return prev
		}
		next := prev.Clone()
		next[d.StudyID] = Result{
			StudyID: d.StudyID,
			Label:   Label(d.Decision),
			Reason:  d.Reason,
		}
		return next

	case stream.NodeSelectVeryLikely:
		if len(d.VeryLikelyIDs) == 0 {
			return prev
		}
		next := prev.Clone()
		changed := false
		for _, id := range d.VeryLikelyIDs {
			existing, ok := next[id]
			if !ok {
				continue
			}
			existing.Label = LabelVeryLikely
			next[id] = existing
			changed = true
		}
		if !changed {
			return prev
		}
		return next

	case stream.NodeCompareVeryLikely:
		existing, ok := prev[d.MatchStudyID]
		if !ok {
			return prev
		}
		next := prev.Clone()
		existing.Label = LabelMatch
		existing.Reason = d.Reason
		next[d.MatchStudyID] = existing
		return next
	}

	return prev
}
