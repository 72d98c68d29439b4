package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surveygate/internal/domain/entity"
	"surveygate/internal/domain/repository"
	"surveygate/internal/safety"
)

// fakes for every orchestrator collaborator

type fakeCounter struct {
	mu    sync.Mutex
	keys  []string
	dec   repository.RateDecision
	err   error
}

func (f *fakeCounter) Check(_ context.Context, key string, _ int, _ time.Duration) (repository.RateDecision, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	if f.err != nil {
		return repository.RateDecision{}, f.err
	}
	return f.dec, nil
}

type fakeCache struct {
	mu     sync.Mutex
	items  map[string]*entity.AgentOutput
	getErr error
	putErr error
	puts   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: map[string]*entity.AgentOutput{}}
}

func (f *fakeCache) Get(_ context.Context, key string) (*entity.AgentOutput, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	out, ok := f.items[key]
	return out, ok, nil
}

func (f *fakeCache) Put(_ context.Context, key string, out *entity.AgentOutput, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.items[key] = out
	f.puts++
	return nil
}

type fakeGuard struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func newFakeGuard() *fakeGuard { return &fakeGuard{held: map[string]bool{}} }

func (f *fakeGuard) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeGuard) Held(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[key], nil
}

func (f *fakeGuard) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, key)
	return nil
}

type fakeProvider struct {
	mu      sync.Mutex
	prompts []string
	result  *entity.ModelResult
	err     error
	started chan struct{} // signaled when Generate is entered, if set
	gate    chan struct{} // Generate blocks until closed, if set
}

func (f *fakeProvider) Generate(_ context.Context, prompt string) (*entity.ModelResult, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	return &r, nil
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeProvider) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

type fakeAudit struct {
	mu   sync.Mutex
	recs []*entity.AuditRecord
}

func (f *fakeAudit) Append(_ context.Context, rec *entity.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeAudit) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

func (f *fakeAudit) last() *entity.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recs) == 0 {
		return &entity.AuditRecord{}
	}
	return f.recs[len(f.recs)-1]
}

type fakeReports struct {
	mu        sync.Mutex
	exists    bool
	existsErr error
	written   []*entity.InsightReport
}

func (f *fakeReports) SurveyExists(_ context.Context, _ string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.exists, nil
}

func (f *fakeReports) LoadInsightInput(_ context.Context, _ string) (*entity.TaskPayload, error) {
	return &entity.TaskPayload{}, nil
}

func (f *fakeReports) WriteInsightReport(_ context.Context, report *entity.InsightReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, report)
	return nil
}

func (f *fakeReports) CloseExpired(_ context.Context, _ time.Time) ([]string, error) {
	return nil, nil
}

func (f *fakeReports) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

type orchFixture struct {
	counter  *fakeCounter
	cache    *fakeCache
	guard    *fakeGuard
	provider *fakeProvider
	audit    *fakeAudit
	reports  *fakeReports
	orch     *Orchestrator
}

func newFixture(retriever *ContextBuilder) *orchFixture {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &orchFixture{
		counter: &fakeCounter{dec: repository.RateDecision{Allowed: true, Remaining: 9}},
		cache:   newFakeCache(),
		guard:   newFakeGuard(),
		provider: &fakeProvider{result: &entity.ModelResult{
			Content:    "This question asks how the documentation workflow affects your day.",
			Model:      "test-model",
			TokenCount: 14,
		}},
		audit:   &fakeAudit{},
		reports: &fakeReports{exists: true},
	}
	f.orch = NewOrchestrator(Deps{
		Counters:  f.counter,
		Cache:     f.cache,
		Guard:     f.guard,
		Moderator: safety.NewModerator(safety.DefaultRuleSet(), log),
		Retriever: retriever,
		Provider:  f.provider,
		Audit:     f.audit,
		Reports:   f.reports,
		Logger:    log,
	}, Params{
		Limits: map[entity.OperationClass]LimitRule{
			entity.ClassDesign:        {Limit: 100, Window: time.Hour},
			entity.ClassClarification: {Limit: 10, Window: 24 * time.Hour},
			entity.ClassAttempt:       {Limit: 300, Window: time.Hour},
			entity.ClassInsight:       {Limit: 5, Window: time.Hour},
		},
		CacheTTL:  time.Hour,
		LockTTL:   time.Minute,
		RetrieveK: 4,
	})
	return f
}

func qualityTask() entity.AgentTask {
	return entity.AgentTask{
		Operation: entity.OpQualityCheck,
		CallerID:  "admin-1",
		SurveyID:  "srv-1",
		Payload: entity.TaskPayload{
			SurveyTitle: "EHR usability",
			Questions: []entity.Question{
				{ID: "q1", Text: "How often does the chart view lag?", Type: "likert"},
			},
		},
	}
}

func clarifyTask() entity.AgentTask {
	return entity.AgentTask{
		Operation: entity.OpClarify,
		CallerID:  "doc-1",
		SurveyID:  "srv-1",
		Payload: entity.TaskPayload{
			Question: &entity.Question{ID: "q1", Text: "How often does the chart view lag?"},
		},
	}
}

func summaryTask() entity.AgentTask {
	return entity.AgentTask{
		Operation: entity.OpCompletionSummary,
		CallerID:  "doc-1",
		SurveyID:  "srv-1",
		Payload: entity.TaskPayload{
			SurveyTitle: "EHR usability",
			Responses: []entity.ResponseSet{{
				Answers: []entity.Answer{{QuestionID: "q1", Value: "Several times a day"}},
			}},
		},
	}
}

func insightTask() entity.AgentTask {
	return entity.AgentTask{
		Operation: entity.OpGenerateInsights,
		CallerID:  "system",
		SurveyID:  "srv-9",
		Payload: entity.TaskPayload{
			SurveyTitle:    "EHR usability",
			CompletionRate: 72.5,
			Questions: []entity.Question{
				{ID: "q1", Text: "What slows you down most?", Type: "open_text"},
			},
			Responses: []entity.ResponseSet{{
				Answers: []entity.Answer{{QuestionID: "q1", Value: "Too many confirmation dialogs"}},
			}},
		},
	}
}

func TestExecute_SuccessCachesAndAudits(t *testing.T) {
	f := newFixture(nil)

	out, err := f.orch.Execute(context.Background(), qualityTask())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "test-model", out.Model)
	assert.False(t, out.Cached)
	assert.Equal(t, 1, f.provider.calls())
	assert.Equal(t, 1, f.cache.puts)

	require.Equal(t, 1, f.audit.count())
	rec := f.audit.last()
	assert.Equal(t, entity.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, entity.OpQualityCheck, rec.Operation)
	assert.Equal(t, "admin-1", rec.CallerID)
	assert.False(t, rec.CacheHit)
	assert.NotEmpty(t, rec.InputDigest)
	assert.NotEmpty(t, rec.OutputSummary)
	assert.Empty(t, rec.ErrorClass)
}

func TestExecute_CacheHitSkipsModel(t *testing.T) {
	f := newFixture(nil)
	task := qualityTask()
	f.cache.items[CacheKey(task)] = &entity.AgentOutput{Content: "cached answer", Model: "test-model"}

	out, err := f.orch.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "cached answer", out.Content)
	assert.True(t, out.Cached)
	assert.Equal(t, 0, f.provider.calls())

	// The stored entry is never mutated; only the returned copy is marked.
	assert.False(t, f.cache.items[CacheKey(task)].Cached)

	rec := f.audit.last()
	assert.True(t, rec.CacheHit)
	assert.Equal(t, entity.OutcomeSuccess, rec.Outcome)
}

func TestExecute_RateLimitDenied(t *testing.T) {
	f := newFixture(nil)
	f.counter.dec = repository.RateDecision{Allowed: false, RetryAfter: 30 * time.Second}

	out, err := f.orch.Execute(context.Background(), qualityTask())
	assert.Nil(t, out)
	require.ErrorIs(t, err, entity.ErrRateLimited)

	var rle *entity.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 30*time.Second, rle.RetryAfter)

	// Nothing past admission runs.
	assert.Equal(t, 0, f.provider.calls())
	assert.Equal(t, 0, f.cache.puts)

	rec := f.audit.last()
	assert.Equal(t, entity.OutcomeBlocked, rec.Outcome)
	assert.Equal(t, "rate_limited", rec.ErrorClass)
}

func TestExecute_LimiterFailureFailsClosed(t *testing.T) {
	f := newFixture(nil)
	f.counter.err = errors.New("connection refused")

	_, err := f.orch.Execute(context.Background(), qualityTask())
	require.ErrorIs(t, err, entity.ErrUpstreamUnavailable)
	assert.Equal(t, 0, f.provider.calls())
}

func TestExecute_RateLimitKeysPerClass(t *testing.T) {
	f := newFixture(nil)

	_, err := f.orch.Execute(context.Background(), qualityTask())
	require.NoError(t, err)
	_, err = f.orch.Execute(context.Background(), clarifyTask())
	require.NoError(t, err)

	require.Len(t, f.counter.keys, 2)
	assert.Equal(t, "rate_limit:design:admin-1", f.counter.keys[0])
	assert.Equal(t, "rate_limit:clarification:doc-1:srv-1", f.counter.keys[1])
}

func TestExecute_InputModerationBlocksAuthoredPHI(t *testing.T) {
	f := newFixture(nil)
	task := qualityTask()
	task.Payload.Questions = []entity.Question{
		{ID: "q1", Text: "What is the patient name for this visit?", Type: "open_text"},
	}

	out, err := f.orch.Execute(context.Background(), task)
	assert.Nil(t, out)
	require.ErrorIs(t, err, entity.ErrModerationBlocked)

	var me *entity.ModerationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "input", me.Stage)
	assert.Contains(t, me.Message, "protected health information")

	assert.Equal(t, 0, f.provider.calls())
	assert.Equal(t, 0, f.cache.puts)

	rec := f.audit.last()
	assert.Equal(t, entity.OutcomeBlocked, rec.Outcome)
	assert.Equal(t, "moderation_blocked", rec.ErrorClass)
	assert.True(t, rec.VerdictIn.Blocked)
	assert.NotEmpty(t, rec.VerdictIn.MatchedRules)
}

func TestExecute_ResponsesRedactedNotBlocked(t *testing.T) {
	f := newFixture(nil)
	task := summaryTask()
	task.Payload.Responses = []entity.ResponseSet{{
		Answers: []entity.Answer{
			{QuestionID: "q1", Value: "Reach me at 555-123-4567, SSN 123-45-6789"},
		},
	}}

	_, err := f.orch.Execute(context.Background(), task)
	require.NoError(t, err)

	prompt := f.provider.lastPrompt()
	assert.Contains(t, prompt, "[REDACTED-PHONE]")
	assert.Contains(t, prompt, "[REDACTED-SSN]")
	assert.NotContains(t, prompt, "123-45-6789")

	// Caller's payload is left untouched.
	assert.Contains(t, task.Payload.Responses[0].Answers[0].Value, "123-45-6789")

	rec := f.audit.last()
	assert.True(t, rec.VerdictIn.Redacted)
	assert.False(t, rec.VerdictIn.Blocked)
}

func TestExecute_ClarifyRedactsCallerContext(t *testing.T) {
	f := newFixture(nil)
	task := clarifyTask()
	task.Payload.CallerContext = map[string]string{
		"note": "my email is doc@example.com if that matters",
	}

	_, err := f.orch.Execute(context.Background(), task)
	require.NoError(t, err)

	prompt := f.provider.lastPrompt()
	assert.Contains(t, prompt, "[REDACTED-EMAIL]")
	assert.NotContains(t, prompt, "doc@example.com")
}

func TestExecute_ClarifyBlocksPHIQuestion(t *testing.T) {
	f := newFixture(nil)
	task := clarifyTask()
	task.Payload.Question = &entity.Question{ID: "q1", Text: "Enter the medical record number"}

	_, err := f.orch.Execute(context.Background(), task)
	require.ErrorIs(t, err, entity.ErrModerationBlocked)
	assert.Equal(t, 0, f.provider.calls())
}

func TestExecute_ProgressSkipsModeration(t *testing.T) {
	f := newFixture(nil)
	task := entity.AgentTask{
		Operation: entity.OpProgress,
		CallerID:  "doc-1",
		SurveyID:  "srv-1",
		Payload:   entity.TaskPayload{QuestionsTotal: 10, QuestionsAnswered: 4},
	}

	out, err := f.orch.Execute(context.Background(), task)
	require.NoError(t, err)
	require.NotNil(t, out)

	rec := f.audit.last()
	assert.False(t, rec.VerdictIn.Blocked)
	assert.Empty(t, rec.VerdictIn.MatchedRules)
}

func TestExecute_OutputModerationBlocks(t *testing.T) {
	f := newFixture(nil)
	f.provider.result = &entity.ModelResult{
		Content: "You should take a different medication for that.",
		Model:   "test-model",
	}

	out, err := f.orch.Execute(context.Background(), clarifyTask())
	assert.Nil(t, out)
	require.ErrorIs(t, err, entity.ErrModerationBlocked)

	var me *entity.ModerationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "output", me.Stage)
	assert.Contains(t, me.Message, "not able to provide medical guidance")

	// A blocked output is never memoized.
	assert.Equal(t, 0, f.cache.puts)

	rec := f.audit.last()
	assert.Equal(t, entity.OutcomeBlocked, rec.Outcome)
	assert.True(t, rec.VerdictOut.Blocked)
}

func TestExecute_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		task entity.AgentTask
	}{
		{"unknown operation", entity.AgentTask{Operation: "mystery_op", CallerID: "x"}},
		{"missing caller", entity.AgentTask{Operation: entity.OpProgress}},
		{
			"quality check without questions",
			entity.AgentTask{Operation: entity.OpQualityCheck, CallerID: "x",
				Payload: entity.TaskPayload{SurveyTitle: "t"}},
		},
		{
			"progress counters out of range",
			entity.AgentTask{Operation: entity.OpProgress, CallerID: "x",
				Payload: entity.TaskPayload{QuestionsTotal: 5, QuestionsAnswered: 9}},
		},
		{
			"insights without survey id",
			entity.AgentTask{Operation: entity.OpGenerateInsights, CallerID: "x"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(nil)
			_, err := f.orch.Execute(context.Background(), tc.task)
			require.ErrorIs(t, err, entity.ErrValidation)
			assert.Equal(t, 0, f.provider.calls())

			require.Equal(t, 1, f.audit.count())
			assert.Equal(t, "validation_error", f.audit.last().ErrorClass)
		})
	}
}

func TestExecute_ProviderFailureNotCached(t *testing.T) {
	f := newFixture(nil)
	f.provider.err = &entity.ProviderError{Err: errors.New("model rejected request")}

	out, err := f.orch.Execute(context.Background(), qualityTask())
	assert.Nil(t, out)
	require.ErrorIs(t, err, entity.ErrUpstreamUnavailable)
	assert.Equal(t, 0, f.cache.puts)

	rec := f.audit.last()
	assert.Equal(t, entity.OutcomeError, rec.Outcome)
	assert.Equal(t, "upstream_unavailable", rec.ErrorClass)
}

func TestExecute_CacheFailuresDegrade(t *testing.T) {
	f := newFixture(nil)
	f.cache.getErr = errors.New("cache down")
	f.cache.putErr = errors.New("cache down")

	out, err := f.orch.Execute(context.Background(), qualityTask())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 1, f.provider.calls())
}

func TestExecute_InsightPersistsReportAndReleasesLock(t *testing.T) {
	f := newFixture(nil)

	out, err := f.orch.Execute(context.Background(), insightTask())
	require.NoError(t, err)
	require.NotNil(t, out)

	require.Equal(t, 1, f.reports.writtenCount())
	report := f.reports.written[0]
	assert.Equal(t, "srv-9", report.SurveyID)
	assert.Equal(t, out.Content, report.Content)
	assert.InDelta(t, 72.5, report.CompletionRate, 0.01)

	held, err := f.guard.Held(context.Background(), "insight_lock:srv-9")
	require.NoError(t, err)
	assert.False(t, held, "lock released after the run")
}

func TestExecute_InsightDeduplicated(t *testing.T) {
	f := newFixture(nil)
	f.provider.started = make(chan struct{}, 1)
	f.provider.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Execute(context.Background(), insightTask())
		done <- err
	}()

	// Wait until the first run holds the lock and is inside the model call.
	<-f.provider.started

	_, err := f.orch.Execute(context.Background(), insightTask())
	require.ErrorIs(t, err, entity.ErrAlreadyInProgress)

	close(f.provider.gate)
	require.NoError(t, <-done)

	assert.Equal(t, 1, f.provider.calls(), "only one run reaches the model")
	assert.Equal(t, 1, f.reports.writtenCount())
	assert.Equal(t, 2, f.audit.count(), "both attempts are audited")
}

func TestExecute_InsightRunsPerSurveyDespiteIdenticalPayloads(t *testing.T) {
	f := newFixture(nil)

	taskA := insightTask()
	taskA.SurveyID = "srv-A"
	taskB := insightTask()
	taskB.SurveyID = "srv-B"

	outA, err := f.orch.Execute(context.Background(), taskA)
	require.NoError(t, err)
	assert.False(t, outA.Cached)

	outB, err := f.orch.Execute(context.Background(), taskB)
	require.NoError(t, err)
	assert.False(t, outB.Cached, "a cloned survey must not hit the other's cache entry")

	require.Equal(t, 2, f.reports.writtenCount(), "each survey gets its own report")
	assert.Equal(t, "srv-A", f.reports.written[0].SurveyID)
	assert.Equal(t, "srv-B", f.reports.written[1].SurveyID)
	assert.Equal(t, 2, f.provider.calls())
}

func TestExecute_InsightSurveyDeleted(t *testing.T) {
	f := newFixture(nil)
	f.reports.exists = false

	out, err := f.orch.Execute(context.Background(), insightTask())
	assert.Nil(t, out)
	require.Error(t, err)
	assert.Equal(t, 0, f.reports.writtenCount())
	assert.Equal(t, 0, f.cache.puts)
}

func TestExecute_NoLimitRuleAdmits(t *testing.T) {
	f := newFixture(nil)
	f.orch.params.Limits = map[entity.OperationClass]LimitRule{}

	_, err := f.orch.Execute(context.Background(), qualityTask())
	require.NoError(t, err)
	assert.Empty(t, f.counter.keys)
}

func TestExecute_GroundingFeedsPrompt(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{0.1, 0.2}}
	vectors := &fakeVectors{hits: []entity.ScoredSnippet{{
		Snippet: entity.KnowledgeSnippet{
			ID:         "guide-001",
			SourceType: entity.SourceGuideline,
			Title:      "Avoid leading questions",
			Category:   "bias",
			Content:    "Frame questions neutrally so they do not suggest an answer.",
		},
		Score: 0.91,
	}}}
	retriever := NewContextBuilder(embedder, vectors, 4000, time.Second, discardLogger())
	f := newFixture(retriever)

	out, err := f.orch.Execute(context.Background(), qualityTask())
	require.NoError(t, err)
	assert.True(t, out.Grounded)

	prompt := f.provider.lastPrompt()
	assert.Contains(t, prompt, "Relevant best-practice context:")
	assert.Contains(t, prompt, "[BIAS] Avoid leading questions")
	assert.Equal(t, entity.SourceGuideline, vectors.lastSourceType)
}

func TestExecute_EmptyRetrievalDegrades(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{0.1, 0.2}}
	vectors := &fakeVectors{}
	retriever := NewContextBuilder(embedder, vectors, 4000, time.Second, discardLogger())
	f := newFixture(retriever)

	out, err := f.orch.Execute(context.Background(), qualityTask())
	require.NoError(t, err)
	assert.False(t, out.Grounded)
	assert.NotContains(t, f.provider.lastPrompt(), "Relevant best-practice context:")
}
