package repository

import (
	"context"
	"time"

	"surveygate/internal/domain/entity"
)

// RateDecision is the outcome of one admission attempt.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// CounterStore admits or denies one call against a windowed counter.
// Check must serialize the check-and-increment per key: two concurrent
// calls for the same key must never both be admitted past the limit.
type CounterStore interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
}

// KeyValueStore memoizes successful agent outputs.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (*entity.AgentOutput, bool, error)
	Put(ctx context.Context, key string, out *entity.AgentOutput, ttl time.Duration) error
}

// DedupGuard enforces at-most-one-in-flight per logical key.
type DedupGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Held(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// VectorStore is the knowledge base: seeded once, queried by similarity.
type VectorStore interface {
	Upsert(ctx context.Context, snippet entity.KnowledgeSnippet) error
	Query(ctx context.Context, vector []float32, sourceType string, k int) ([]entity.ScoredSnippet, error)
}

// Embedder turns text into a fixed-length vector. Deterministic, no side
// effects.
type Embedder interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// ModelProvider is the external LLM capability. Failures must be returned
// as *entity.ProviderError so the retry policy can classify them.
type ModelProvider interface {
	Generate(ctx context.Context, prompt string) (*entity.ModelResult, error)
}

// AuditSink is the append-only destination for audit records.
type AuditSink interface {
	Append(ctx context.Context, rec *entity.AuditRecord) error
}

// ReportStore is the persistence collaborator: the gateway reads survey
// inputs from it and writes insight reports into it. Schema ownership is
// elsewhere.
type ReportStore interface {
	SurveyExists(ctx context.Context, surveyID string) (bool, error)
	LoadInsightInput(ctx context.Context, surveyID string) (*entity.TaskPayload, error)
	WriteInsightReport(ctx context.Context, report *entity.InsightReport) error
	CloseExpired(ctx context.Context, cutoff time.Time) ([]string, error)
}

// TaskQueue carries background work between the request path and workers.
type TaskQueue interface {
	Enqueue(ctx context.Context, msg entity.QueueMessage) error
	// Dequeue blocks up to its internal poll interval; returns (nil, nil)
	// when no message arrived.
	Dequeue(ctx context.Context) (*entity.QueueMessage, error)
}
