package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"surveygate/internal/domain/repository"
)

// ContextBuilder grounds agent prompts: it embeds the query, runs a
// nearest-neighbor search restricted to one source type, and formats the
// hits into a bounded context block.
type ContextBuilder struct {
	embedder repository.Embedder
	vectors  repository.VectorStore
	maxChars int
	timeout  time.Duration
	log      *slog.Logger
}

func NewContextBuilder(embedder repository.Embedder, vectors repository.VectorStore, maxChars int, timeout time.Duration, log *slog.Logger) *ContextBuilder {
	if maxChars <= 0 {
		maxChars = 4000
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &ContextBuilder{embedder: embedder, vectors: vectors, maxChars: maxChars, timeout: timeout, log: log}
}

// Build returns the formatted context block for queryText, or "" when
// retrieval yields nothing. Grounding is an enhancement, not a
// precondition: embedding or search failures degrade to an empty block.
func (c *ContextBuilder) Build(ctx context.Context, queryText, sourceType string, k int) string {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	vector, err := c.embedder.CreateEmbedding(rctx, queryText)
	if err != nil {
		c.log.Warn("retrieval.embed_failed", "error", err)
		return ""
	}

	hits, err := c.vectors.Query(rctx, vector, sourceType, k)
	if err != nil {
		c.log.Warn("retrieval.query_failed", "source_type", sourceType, "error", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	var sections []string
	total := 0
	for _, hit := range hits {
		s := hit.Snippet
		category := s.Category
		if category == "" {
			category = "general"
		}
		section := fmt.Sprintf("[%s] %s\n%s", strings.ToUpper(category), s.Title, s.Content)
		// Hard ceiling: stop at the snippet boundary that would overflow.
		if total+len(section) > c.maxChars {
			break
		}
		sections = append(sections, section)
		total += len(section) + 2
	}

	return strings.Join(sections, "\n\n")
}
