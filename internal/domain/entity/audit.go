package entity

import "time"

// Outcome is the terminal state of one orchestrator invocation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeBlocked Outcome = "blocked"
	OutcomeError   Outcome = "error"
)

// ModerationVerdict is the result of scanning one text blob. Produced fresh
// per call; only the matched rule ids survive into the audit record.
type ModerationVerdict struct {
	Blocked      bool     `json:"blocked"`
	MatchedRules []string `json:"matched_rules,omitempty"`
	RedactedText string   `json:"-"`
	Redacted     bool     `json:"redacted,omitempty"`
}

// AuditRecord is the append-only trace of one orchestrator invocation.
// Exactly one record exists per call to Execute, regardless of outcome.
// Never mutated after write.
type AuditRecord struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	CallerID      string            `json:"caller_id"`
	Operation     Operation         `json:"operation"`
	SurveyID      string            `json:"survey_id,omitempty"`
	InputDigest   string            `json:"input_digest"`
	OutputSummary string            `json:"output_summary,omitempty"`
	LatencyMs     int64             `json:"latency_ms"`
	CacheHit      bool              `json:"cache_hit"`
	VerdictIn     ModerationVerdict `json:"moderation_in"`
	VerdictOut    ModerationVerdict `json:"moderation_out"`
	Outcome       Outcome           `json:"outcome"`
	ErrorClass    string            `json:"error_class,omitempty"`
}

// KnowledgeSnippet is one embedded guideline or template entry. Created at
// seeding time, read-only afterward.
type KnowledgeSnippet struct {
	ID         string    `json:"id"`
	SourceType string    `json:"source_type"` // guideline | template
	Title      string    `json:"title"`
	Category   string    `json:"category,omitempty"`
	Content    string    `json:"content"`
	Vector     []float32 `json:"-"`
}

const (
	SourceGuideline = "guideline"
	SourceTemplate  = "template"
)

// ScoredSnippet is a retrieval hit ordered by decreasing similarity.
type ScoredSnippet struct {
	Snippet KnowledgeSnippet
	Score   float32
}
