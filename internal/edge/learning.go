package edge

import (
	"context"
	"time"
)

// Store persists learning data across sessions. Implementations live in the
// learnstore package; the processor only depends on this contract.
type Store interface {
	// Load restores the learning table. A store with no prior data returns
	// an empty (possibly nil) table and no error.
	Load(ctx context.Context) (LearningData, error)

	// Save replaces the persisted table with data.
	Save(ctx context.Context, data LearningData) error

	// Close releases the store's resources.
	Close() error
}

// PatternStats accumulates usage telemetry for one (rule, pattern) pair.
// The data is export/import round-trippable for persistence across sessions;
// it is never fed back into confidence scoring.
type PatternStats struct {
	RuleID          string    `json:"rule_id"`
	Pattern         string    `json:"pattern"`
	Hits            uint64    `json:"hits"`
	Successes       uint64    `json:"successes"`
	TotalConfidence float64   `json:"total_confidence"`
	LastUsed        time.Time `json:"last_used"`
}

// AverageConfidence is the mean confidence across all recorded hits.
func (s *PatternStats) AverageConfidence() float64 {
	if s.Hits == 0 {
		return 0
	}
	return s.TotalConfidence / float64(s.Hits)
}

// SuccessRate is the fraction of hits that produced a response. A hit
// without a response means the pattern matched but rendering failed.
func (s *PatternStats) SuccessRate() float64 {
	if s.Hits == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Hits)
}

// LearningData maps "ruleID|pattern" to its accumulated stats.
type LearningData map[string]*PatternStats

// clone deep-copies the table so exports are immune to later mutation.
func (d LearningData) clone() LearningData {
	out := make(LearningData, len(d))
	for k, v := range d {
		cp := *v
		out[k] = &cp
	}
	return out
}

func learningKey(ruleID, pattern string) string {
	return ruleID + "|" + pattern
}

// record folds one match into the table. success is false when the pattern
// matched but response generation failed.
func (d LearningData) record(ruleID, pattern string, confidence float64, success bool, now time.Time) {
	key := learningKey(ruleID, pattern)
	s, ok := d[key]
	if !ok {
		s = &PatternStats{RuleID: ruleID, Pattern: pattern}
		d[key] = s
	}
	s.Hits++
	if success {
		s.Successes++
	}
	s.TotalConfidence += confidence
	s.LastUsed = now
}
