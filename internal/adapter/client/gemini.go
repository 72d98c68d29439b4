package client

import (
	"context"
	"strings"

	"google.golang.org/genai"

	"surveygate/internal/domain/entity"
)

// GeminiClient is one model tier of the provider interface.
type GeminiClient struct {
	client *genai.Client
	model  string
}

func NewGeminiClient(c *genai.Client, model string) *GeminiClient {
	return &GeminiClient{client: c, model: model}
}

func (g *GeminiClient) Generate(ctx context.Context, prompt string) (*entity.ModelResult, error) {
	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return nil, classify(err)
	}

	tokens := 0
	if result.UsageMetadata != nil {
		tokens = int(result.UsageMetadata.TotalTokenCount)
	}
	return &entity.ModelResult{
		Content:    result.Text(),
		Model:      g.model,
		TokenCount: tokens,
	}, nil
}

// classify wraps a provider failure with the transient/permanent
// distinction the retry policy needs. Rate limits (429), server errors
// (5xx) and deadline expiries are worth retrying; everything else is not.
func classify(err error) *entity.ProviderError {
	msg := strings.ToLower(err.Error())
	transient := strings.Contains(msg, "429") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "deadline")
	return &entity.ProviderError{Transient: transient, Err: err}
}
