package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"surveygate/internal/domain/entity"
)

// QdrantStore is the vector knowledge base. Seeded at startup, read-mostly
// afterward; lookups go by nearest neighbor, never by id.
type QdrantStore struct {
	client         *qdrant.Client
	collectionName string
	log            *slog.Logger
}

func NewQdrantStore(client *qdrant.Client, collectionName string, log *slog.Logger) *QdrantStore {
	if log == nil {
		log = slog.Default()
	}
	return &QdrantStore{client: client, collectionName: collectionName, log: log}
}

// InitCollection creates the collection and the source_type payload index
// if they do not exist yet. Safe to call on every startup.
func (s *QdrantStore) InitCollection(ctx context.Context, dim uint64) error {
	_, err := s.client.GetCollectionInfo(ctx, s.collectionName)
	if err != nil {
		st, ok := status.FromError(err)
		if !ok || st.Code() != codes.NotFound {
			return err
		}
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     dim,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
	}

	// Keyword index so the source_type filter stays cheap.
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collectionName,
		FieldName:      "source_type",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		// Index may already exist; not fatal.
		s.log.Warn("qdrant.index_create_failed", "field", "source_type", "error", err)
	}

	return nil
}

// Upsert writes one snippet. Idempotent per snippet id, so seeding can run
// repeatedly.
func (s *QdrantStore) Upsert(ctx context.Context, snippet entity.KnowledgeSnippet) error {
	id := snippet.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collectionName,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()),
				Vectors: qdrant.NewVectors(snippet.Vector...),
				Payload: qdrant.NewValueMap(map[string]any{
					"snippet_id":  id,
					"source_type": snippet.SourceType,
					"title":       snippet.Title,
					"category":    snippet.Category,
					"content":     snippet.Content,
				}),
			},
		},
	})
	return err
}

// Query returns up to k snippets of the given source type, ordered by
// decreasing similarity.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, sourceType string, k int) ([]entity.ScoredSnippet, error) {
	res, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collectionName,
		Query:          qdrant.NewQuery(vector...),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("source_type", sourceType)},
		},
		Limit:       qdrant.PtrOf(uint64(k)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}

	hits := make([]entity.ScoredSnippet, 0, len(res))
	for _, point := range res {
		payload := point.Payload
		hits = append(hits, entity.ScoredSnippet{
			Snippet: entity.KnowledgeSnippet{
				ID:         payload["snippet_id"].GetStringValue(),
				SourceType: payload["source_type"].GetStringValue(),
				Title:      payload["title"].GetStringValue(),
				Category:   payload["category"].GetStringValue(),
				Content:    payload["content"].GetStringValue(),
			},
			Score: point.Score,
		})
	}
	return hits, nil
}
