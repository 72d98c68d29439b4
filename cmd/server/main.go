package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"
	"google.golang.org/genai"

	"surveygate/internal/adapter/api"
	"surveygate/internal/adapter/client"
	"surveygate/internal/adapter/store"
	"surveygate/internal/config"
	"surveygate/internal/domain/entity"
	"surveygate/internal/knowledge"
	"surveygate/internal/safety"
	"surveygate/internal/usecase"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(".env")
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	// Redis for rate limiting, output cache, dedup guard, and the queue
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})

	// Qdrant for the knowledge base
	qClient, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.QdrantHost,
		Port: cfg.QdrantPort,
	})
	if err != nil {
		log.Error("failed to connect to qdrant", "error", err)
		os.Exit(1)
	}

	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  cfg.GoogleCloudProject,
		Location: cfg.GoogleCloudLocation,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		log.Error("failed to init genai client", "error", err)
		os.Exit(1)
	}

	primaryModel := client.NewGeminiClient(genaiClient, cfg.PrimaryModel)
	fallbackModel := client.NewGeminiClient(genaiClient, cfg.FallbackModel)
	provider := usecase.NewResilientProvider(primaryModel, fallbackModel, cfg.ProviderTimeout, log)

	embedder := client.NewEmbedder(genaiClient, cfg.EmbeddingModel)

	vectorStore := store.NewQdrantStore(qClient, cfg.QdrantCollection, log)
	if err := vectorStore.InitCollection(ctx, uint64(cfg.EmbeddingDim)); err != nil {
		log.Error("failed to init qdrant collection", "error", err)
		os.Exit(1)
	}

	auditStore, err := store.NewSQLiteStore(cfg.AuditDBPath)
	if err != nil {
		log.Error("failed to open audit store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = auditStore.Close() }()

	moderator := safety.NewModerator(safety.DefaultRuleSet(), log)
	retriever := usecase.NewContextBuilder(embedder, vectorStore, cfg.ContextMaxChars, cfg.RetrieveTimeout, log)

	orchestrator := usecase.NewOrchestrator(usecase.Deps{
		Counters:  store.NewRedisLimiter(rdb),
		Cache:     store.NewRedisCache(rdb),
		Guard:     store.NewRedisGuard(rdb),
		Moderator: moderator,
		Retriever: retriever,
		Provider:  provider,
		Audit:     auditStore,
		Reports:   auditStore,
		Logger:    log,
	}, usecase.Params{
		Limits: map[entity.OperationClass]usecase.LimitRule{
			entity.ClassDesign:        {Limit: cfg.DesignLimit, Window: cfg.DesignWindow},
			entity.ClassClarification: {Limit: cfg.ClarifyLimit, Window: cfg.ClarifyWindow},
			entity.ClassAttempt:       {Limit: cfg.AttemptLimit, Window: cfg.AttemptWindow},
			entity.ClassInsight:       {Limit: cfg.InsightLimit, Window: cfg.InsightWindow},
		},
		CacheTTL:  cfg.CacheTTL,
		LockTTL:   cfg.InsightLockTTL,
		RetrieveK: cfg.RetrieveK,
	})

	// Warm the knowledge base and the models off the startup path.
	go func() {
		warmCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		seeder := knowledge.NewSeeder(embedder, vectorStore, log)
		if err := seeder.Seed(warmCtx); err != nil {
			log.Warn("knowledge base seeding failed, grounding degraded", "error", err)
		}

		if _, err := embedder.CreateEmbedding(warmCtx, "warmup"); err != nil {
			log.Warn("embedder warm-up failed", "error", err)
		}
		if _, err := provider.Generate(warmCtx, "."); err != nil {
			log.Warn("model warm-up failed", "error", err)
		}
		log.Info("pre-warm complete")
	}()

	app := fiber.New(fiber.Config{
		AppName: "Survey Agent Gateway",
	})

	handler := api.NewAgentHandler(orchestrator, store.NewRedisQueue(rdb), store.NewRedisGuard(rdb))
	api.SetupRouter(app, handler)

	log.Info("survey agent gateway running", "port", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
