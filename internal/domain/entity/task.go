package entity

import "time"

// Operation identifies one of the fixed agent operations the gateway fronts.
type Operation string

const (
	OpQualityCheck      Operation = "quality_check"
	OpImproveQuestion   Operation = "improve_question"
	OpGenerateVariants  Operation = "generate_variants"
	OpSuggestQuestions  Operation = "suggest_questions"
	OpClarify           Operation = "clarify"
	OpProgress          Operation = "progress"
	OpCompletionSummary Operation = "completion_summary"
	OpGenerateInsights  Operation = "generate_insights"
)

// OperationClass groups operations that share one rate-limit bucket.
type OperationClass string

const (
	ClassDesign        OperationClass = "design"
	ClassClarification OperationClass = "clarification"
	ClassAttempt       OperationClass = "attempt"
	ClassInsight       OperationClass = "insight"
)

// Class returns the rate-limit class for the operation.
func (op Operation) Class() OperationClass {
	switch op {
	case OpQualityCheck, OpImproveQuestion, OpGenerateVariants, OpSuggestQuestions:
		return ClassDesign
	case OpClarify:
		return ClassClarification
	case OpGenerateInsights:
		return ClassInsight
	default:
		return ClassAttempt
	}
}

// Known reports whether op is one of the supported operations.
func (op Operation) Known() bool {
	switch op {
	case OpQualityCheck, OpImproveQuestion, OpGenerateVariants, OpSuggestQuestions,
		OpClarify, OpProgress, OpCompletionSummary, OpGenerateInsights:
		return true
	}
	return false
}

// Question is a single survey question as authored by an admin.
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Type    string   `json:"type,omitempty"` // likert, mcq, open_text, ...
	Options []string `json:"options,omitempty"`
}

// Answer is one answered question inside a response.
type Answer struct {
	QuestionID string `json:"question_id"`
	Value      string `json:"value"`
}

// ResponseSet is one doctor's submission to a survey.
type ResponseSet struct {
	Answers          []Answer `json:"answers"`
	TimeSpentSeconds int      `json:"time_spent_seconds,omitempty"`
}

// TaskPayload is the operation-specific input. Only the fields relevant to
// the task's operation are expected to be populated.
type TaskPayload struct {
	SurveyTitle       string            `json:"survey_title,omitempty"`
	Description       string            `json:"description,omitempty"`
	Specialty         string            `json:"specialty,omitempty"`
	Questions         []Question        `json:"questions,omitempty"`
	Question          *Question         `json:"question,omitempty"`
	NumVariants       int               `json:"num_variants,omitempty"`
	QuestionsTotal    int               `json:"questions_total,omitempty"`
	QuestionsAnswered int               `json:"questions_answered,omitempty"`
	Responses         []ResponseSet     `json:"responses,omitempty"`
	CompletionRate    float64           `json:"completion_rate,omitempty"`
	CallerContext     map[string]string `json:"caller_context,omitempty"`
}

// AgentTask is one request to perform an agent operation. Operation is
// immutable once the task is created.
type AgentTask struct {
	Operation Operation   `json:"operation"`
	CallerID  string      `json:"caller_id"`
	SurveyID  string      `json:"survey_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Payload   TaskPayload `json:"payload"`
}

// AgentOutput is the result returned to the caller.
type AgentOutput struct {
	Content    string `json:"content"`
	Model      string `json:"model,omitempty"`
	TokenCount int    `json:"token_count,omitempty"`
	Cached     bool   `json:"cached"`
	Grounded   bool   `json:"grounded,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
}

// ModelResult is the raw output of one provider invocation, before output
// moderation and before it is packaged as an AgentOutput.
type ModelResult struct {
	Content    string
	Model      string
	TokenCount int
}

// InsightReport is the persisted artifact of a generate_insights run.
type InsightReport struct {
	SurveyID       string    `json:"survey_id"`
	Content        string    `json:"content"`
	CompletionRate float64   `json:"completion_rate"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// QueueMessage is one unit of background work. Only insight generation is
// consumed today; Operation is carried so reminder jobs can share the queue.
// Attempts counts prior failed runs, bounding redelivery.
type QueueMessage struct {
	SurveyID  string    `json:"survey_id"`
	Operation Operation `json:"operation"`
	Attempts  int       `json:"attempts,omitempty"`
}
