// Package usecase contains the orchestration layer: the policy gateway that
// fronts every agent invocation with rate limiting, caching, moderation,
// retrieval grounding, and audit logging.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"surveygate/internal/domain/entity"
	"surveygate/internal/domain/repository"
	"surveygate/internal/safety"
)

// LimitRule is the (limit, window) pair for one operation class.
type LimitRule struct {
	Limit  int
	Window time.Duration
}

// Deps are the collaborators the orchestrator composes.
type Deps struct {
	Counters  repository.CounterStore
	Cache     repository.KeyValueStore
	Guard     repository.DedupGuard
	Moderator *safety.Moderator
	Retriever *ContextBuilder
	Provider  repository.ModelProvider
	Audit     repository.AuditSink
	Reports   repository.ReportStore
	Logger    *slog.Logger
}

// Params are the policy knobs.
type Params struct {
	Limits    map[entity.OperationClass]LimitRule
	CacheTTL  time.Duration
	LockTTL   time.Duration
	RetrieveK int
}

// Orchestrator owns the control flow and failure policy around each agent
// invocation. One call to Execute emits exactly one audit record.
type Orchestrator struct {
	deps   Deps
	params Params
	log    *slog.Logger
}

func NewOrchestrator(deps Deps, params Params) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if params.CacheTTL <= 0 {
		params.CacheTTL = 24 * time.Hour
	}
	if params.LockTTL <= 0 {
		params.LockTTL = 15 * time.Minute
	}
	if params.RetrieveK <= 0 {
		params.RetrieveK = 4
	}
	return &Orchestrator{deps: deps, params: params, log: deps.Logger}
}

const outputSummaryMax = 200

// Execute runs one agent task through the full policy pipeline and returns
// the output or a classified failure. A single task's failure never
// affects other concurrent tasks.
func (o *Orchestrator) Execute(ctx context.Context, task entity.AgentTask) (out *entity.AgentOutput, err error) {
	start := time.Now()
	rec := &entity.AuditRecord{
		ID:        uuid.NewString(),
		Timestamp: start.UTC(),
		CallerID:  task.CallerID,
		Operation: task.Operation,
		SurveyID:  task.SurveyID,
	}

	defer func() {
		rec.LatencyMs = time.Since(start).Milliseconds()
		switch {
		case err == nil:
			rec.Outcome = entity.OutcomeSuccess
			rec.OutputSummary = summarize(out.Content)
		case errors.Is(err, entity.ErrRateLimited),
			errors.Is(err, entity.ErrModerationBlocked),
			errors.Is(err, entity.ErrAlreadyInProgress):
			rec.Outcome = entity.OutcomeBlocked
			rec.ErrorClass = entity.ErrorClass(err)
		default:
			rec.Outcome = entity.OutcomeError
			rec.ErrorClass = entity.ErrorClass(err)
		}
		// The audit record is written even when the request context died.
		if aerr := o.deps.Audit.Append(context.WithoutCancel(ctx), rec); aerr != nil {
			o.log.Error("orchestrator.audit_failed", "error", aerr, "record_id", rec.ID)
		}
	}()

	out, err = o.run(ctx, task, rec)
	if out != nil {
		out.LatencyMs = time.Since(start).Milliseconds()
	}
	return out, err
}

func (o *Orchestrator) run(ctx context.Context, task entity.AgentTask, rec *entity.AuditRecord) (*entity.AgentOutput, error) {
	if err := validateTask(task); err != nil {
		return nil, err
	}

	key := CacheKey(task)
	rec.InputDigest = key

	// 1. Admission. On deny nothing else runs: no moderation, no model call.
	if err := o.admit(ctx, task); err != nil {
		return nil, err
	}

	// 2. Cache. A hit skips moderation, retrieval and the model entirely.
	if cached, ok, err := o.deps.Cache.Get(ctx, key); err != nil {
		o.log.Warn("orchestrator.cache_get_failed", "error", err)
	} else if ok {
		rec.CacheHit = true
		hit := *cached
		hit.Cached = true
		return &hit, nil
	}

	// 3. Input moderation.
	task, verdictIn, err := o.moderateInput(task)
	rec.VerdictIn = verdictIn
	if err != nil {
		return nil, err
	}

	// Insight runs are serialized per survey from here on.
	if task.Operation == entity.OpGenerateInsights {
		lockKey := insightLockKey(task.SurveyID)
		acquired, gerr := o.deps.Guard.Acquire(ctx, lockKey, o.params.LockTTL)
		if gerr != nil {
			return nil, fmt.Errorf("%w: dedup guard: %v", entity.ErrUpstreamUnavailable, gerr)
		}
		if !acquired {
			return nil, entity.ErrAlreadyInProgress
		}
		defer func() {
			if rerr := o.deps.Guard.Release(context.WithoutCancel(ctx), lockKey); rerr != nil {
				o.log.Warn("orchestrator.guard_release_failed", "survey_id", task.SurveyID, "error", rerr)
			}
		}()
	}

	// 4. Grounding, for the operations that benefit from it.
	contextBlock := o.ground(ctx, task)

	// 5. Model call, via the retry policy.
	result, err := o.deps.Provider.Generate(ctx, buildPrompt(task, contextBlock))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entity.ErrUpstreamUnavailable, err)
	}

	// 6. Output moderation. A match discards the model response whole.
	verdictOut := o.deps.Moderator.ScanOutput(result.Content)
	rec.VerdictOut = verdictOut
	if verdictOut.Blocked {
		return nil, &entity.ModerationError{
			Stage:   "output",
			Message: o.deps.Moderator.FallbackMessage(verdictOut),
		}
	}

	out := &entity.AgentOutput{
		Content:    result.Content,
		Model:      result.Model,
		TokenCount: result.TokenCount,
		Grounded:   contextBlock != "",
	}

	if task.Operation == entity.OpGenerateInsights {
		if err := o.persistInsight(ctx, task, out); err != nil {
			return nil, err
		}
	}

	// 7. Memoize. Only successful, non-blocked outputs are ever cached, so
	// a failure never poisons future identical requests.
	if err := o.deps.Cache.Put(ctx, key, out, o.params.CacheTTL); err != nil {
		o.log.Warn("orchestrator.cache_put_failed", "error", err)
	}

	return out, nil
}

// admit checks the caller's windowed quota for the task's operation class.
func (o *Orchestrator) admit(ctx context.Context, task entity.AgentTask) error {
	class := task.Operation.Class()
	rule, ok := o.params.Limits[class]
	if !ok {
		return nil
	}

	key := rateLimitKey(task, class)
	dec, err := o.deps.Counters.Check(ctx, key, rule.Limit, rule.Window)
	if err != nil {
		// Admission is a safety control; it does not fail open.
		return fmt.Errorf("%w: rate limiter: %v", entity.ErrUpstreamUnavailable, err)
	}
	if !dec.Allowed {
		return &entity.RateLimitError{RetryAfter: dec.RetryAfter}
	}
	return nil
}

// rateLimitKey buckets clarifications per (caller, survey); every other
// class buckets per caller only.
func rateLimitKey(task entity.AgentTask, class entity.OperationClass) string {
	if class == entity.ClassClarification {
		return fmt.Sprintf("rate_limit:%s:%s:%s", class, task.CallerID, task.SurveyID)
	}
	return fmt.Sprintf("rate_limit:%s:%s", class, task.CallerID)
}

func insightLockKey(surveyID string) string {
	return "insight_lock:" + surveyID
}

// moderateInput applies the input policy: authored question text blocks on
// a PHI match, open-text answers are redacted in place. Returns the task
// with redactions applied.
func (o *Orchestrator) moderateInput(task entity.AgentTask) (entity.AgentTask, entity.ModerationVerdict, error) {
	mod := o.deps.Moderator

	switch task.Operation {
	case entity.OpCompletionSummary, entity.OpGenerateInsights:
		redacted, verdict := o.redactResponses(task.Payload.Responses)
		task.Payload.Responses = redacted
		return task, verdict, nil

	case entity.OpProgress:
		return task, entity.ModerationVerdict{}, nil

	case entity.OpClarify:
		text := ""
		if task.Payload.Question != nil {
			text = task.Payload.Question.Text
		}
		verdict := mod.ScanInput(text, safety.ModeBlock)
		if verdict.Blocked {
			return task, verdict, &entity.ModerationError{Stage: "input", Message: inputBlockedMessage}
		}
		// Doctor-supplied context is open text: redact, never block.
		if len(task.Payload.CallerContext) > 0 {
			redactedCtx := make(map[string]string, len(task.Payload.CallerContext))
			for k, v := range task.Payload.CallerContext {
				rv := mod.ScanInput(v, safety.ModeRedact)
				redactedCtx[k] = rv.RedactedText
				verdict.MatchedRules = appendUnique(verdict.MatchedRules, rv.MatchedRules)
				verdict.Redacted = verdict.Redacted || rv.Redacted
			}
			task.Payload.CallerContext = redactedCtx
		}
		return task, verdict, nil

	default: // design class: authored survey content, block on any match
		verdict := mod.ScanInput(authoredText(task), safety.ModeBlock)
		if verdict.Blocked {
			return task, verdict, &entity.ModerationError{Stage: "input", Message: inputBlockedMessage}
		}
		return task, verdict, nil
	}
}

const inputBlockedMessage = "This content appears to collect protected health information. " +
	"Please revise and try again."

// redactResponses rewrites PHI in every answer value, returning fresh
// slices so the caller's payload is never mutated.
func (o *Orchestrator) redactResponses(in []entity.ResponseSet) ([]entity.ResponseSet, entity.ModerationVerdict) {
	verdict := entity.ModerationVerdict{}
	out := make([]entity.ResponseSet, len(in))
	for i, rs := range in {
		answers := make([]entity.Answer, len(rs.Answers))
		for j, a := range rs.Answers {
			v := o.deps.Moderator.ScanInput(a.Value, safety.ModeRedact)
			answers[j] = entity.Answer{QuestionID: a.QuestionID, Value: v.RedactedText}
			verdict.MatchedRules = appendUnique(verdict.MatchedRules, v.MatchedRules)
			verdict.Redacted = verdict.Redacted || v.Redacted
		}
		out[i] = entity.ResponseSet{Answers: answers, TimeSpentSeconds: rs.TimeSpentSeconds}
	}
	return out, verdict
}

// authoredText joins every piece of admin-authored survey text in the task.
func authoredText(task entity.AgentTask) string {
	p := task.Payload
	parts := []string{p.SurveyTitle, p.Description}
	if p.Question != nil {
		parts = append(parts, p.Question.Text)
	}
	for _, q := range p.Questions {
		parts = append(parts, q.Text)
	}
	joined := ""
	for _, s := range parts {
		if s == "" {
			continue
		}
		if joined != "" {
			joined += "\n"
		}
		joined += s
	}
	return joined
}

// ground retrieves knowledge-base context for the operations that use it.
func (o *Orchestrator) ground(ctx context.Context, task entity.AgentTask) string {
	if o.deps.Retriever == nil {
		return ""
	}
	switch task.Operation {
	case entity.OpQualityCheck:
		return o.deps.Retriever.Build(ctx, authoredText(task), entity.SourceGuideline, o.params.RetrieveK)
	case entity.OpSuggestQuestions:
		query := task.Payload.SurveyTitle + " " + task.Payload.Description + " " + task.Payload.Specialty
		return o.deps.Retriever.Build(ctx, query, entity.SourceTemplate, o.params.RetrieveK)
	}
	return ""
}

// persistInsight writes the insight report, unless the job was canceled or
// the survey vanished while it ran. Cancellation short-circuits before any
// write.
func (o *Orchestrator) persistInsight(ctx context.Context, task entity.AgentTask, out *entity.AgentOutput) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("insight canceled before write: %w", err)
	}
	if o.deps.Reports == nil {
		return nil
	}
	exists, err := o.deps.Reports.SurveyExists(ctx, task.SurveyID)
	if err != nil {
		return fmt.Errorf("%w: report store: %v", entity.ErrUpstreamUnavailable, err)
	}
	if !exists {
		return fmt.Errorf("insight canceled: survey %s deleted", task.SurveyID)
	}
	report := &entity.InsightReport{
		SurveyID:       task.SurveyID,
		Content:        out.Content,
		CompletionRate: task.Payload.CompletionRate,
		GeneratedAt:    time.Now().UTC(),
	}
	if err := o.deps.Reports.WriteInsightReport(ctx, report); err != nil {
		return fmt.Errorf("%w: write insight report: %v", entity.ErrUpstreamUnavailable, err)
	}
	return nil
}

func validateTask(task entity.AgentTask) error {
	if !task.Operation.Known() {
		return fmt.Errorf("%w: unknown operation %q", entity.ErrValidation, task.Operation)
	}
	if task.CallerID == "" {
		return fmt.Errorf("%w: caller_id is required", entity.ErrValidation)
	}

	p := task.Payload
	switch task.Operation {
	case entity.OpQualityCheck, entity.OpGenerateVariants:
		if p.SurveyTitle == "" || len(p.Questions) == 0 {
			return fmt.Errorf("%w: %s requires survey_title and questions", entity.ErrValidation, task.Operation)
		}
	case entity.OpImproveQuestion, entity.OpClarify:
		if p.Question == nil || p.Question.Text == "" {
			return fmt.Errorf("%w: %s requires a question", entity.ErrValidation, task.Operation)
		}
	case entity.OpSuggestQuestions:
		if p.SurveyTitle == "" {
			return fmt.Errorf("%w: suggest_questions requires survey_title", entity.ErrValidation)
		}
	case entity.OpProgress:
		if p.QuestionsTotal <= 0 || p.QuestionsAnswered < 0 || p.QuestionsAnswered > p.QuestionsTotal {
			return fmt.Errorf("%w: progress counters out of range", entity.ErrValidation)
		}
	case entity.OpCompletionSummary:
		if len(p.Responses) == 0 {
			return fmt.Errorf("%w: completion_summary requires responses", entity.ErrValidation)
		}
	case entity.OpGenerateInsights:
		if task.SurveyID == "" {
			return fmt.Errorf("%w: generate_insights requires survey_id", entity.ErrValidation)
		}
	}
	return nil
}

func appendUnique(dst []string, add []string) []string {
	for _, id := range add {
		seen := false
		for _, have := range dst {
			if have == id {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, id)
		}
	}
	return dst
}

// summarize truncates on a rune boundary so the audit record never holds a
// split multi-byte character.
func summarize(content string) string {
	if len(content) <= outputSummaryMax {
		return content
	}
	cut := outputSummaryMax
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
