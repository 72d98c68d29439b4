package client

import (
	"context"
	"strings"

	"google.golang.org/genai"
)

// Embedder turns text into a fixed-length vector via the embedding model.
// Deterministic for a given model and input.
type Embedder struct {
	client *genai.Client
	model  string // e.g. "text-embedding-004"
}

func NewEmbedder(c *genai.Client, model string) *Embedder {
	return &Embedder{client: c, model: model}
}

func (e *Embedder) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	res, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(cleaned), nil)
	if err != nil {
		return nil, classify(err)
	}
	return res.Embeddings[0].Values, nil
}
