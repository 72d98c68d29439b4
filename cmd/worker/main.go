package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"
	"google.golang.org/genai"

	"surveygate/internal/adapter/client"
	"surveygate/internal/adapter/store"
	"surveygate/internal/config"
	"surveygate/internal/domain/entity"
	"surveygate/internal/knowledge"
	"surveygate/internal/safety"
	"surveygate/internal/usecase"
	"surveygate/internal/worker"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(".env")
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})

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

	qClient, err := qdrant.NewClient(&qdrant.Config{
		Host: cfg.QdrantHost,
		Port: cfg.QdrantPort,
	})
	if err != nil {
		log.Error("failed to connect to qdrant", "error", err)
		os.Exit(1)
	}
	vectorStore := store.NewQdrantStore(qClient, cfg.QdrantCollection, log)

	reportStore, err := store.NewSQLiteStore(cfg.AuditDBPath)
	if err != nil {
		log.Error("failed to open report store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = reportStore.Close() }()

	// Insight jobs share the orchestrator entry point with the request
	// path, so rate limits, moderation, audit, and the dedup guard apply
	// identically. Retrieval is not wired: insight prompts are grounded in
	// the survey's own responses, not the knowledge base.
	orchestrator := usecase.NewOrchestrator(usecase.Deps{
		Counters:  store.NewRedisLimiter(rdb),
		Cache:     store.NewRedisCache(rdb),
		Guard:     store.NewRedisGuard(rdb),
		Moderator: safety.NewModerator(safety.DefaultRuleSet(), log),
		Provider:  provider,
		Audit:     reportStore,
		Reports:   reportStore,
		Logger:    log,
	}, usecase.Params{
		Limits: map[entity.OperationClass]usecase.LimitRule{
			entity.ClassInsight: {Limit: cfg.InsightLimit, Window: cfg.InsightWindow},
		},
		CacheTTL: cfg.CacheTTL,
		LockTTL:  cfg.InsightLockTTL,
	})

	queue := store.NewRedisQueue(rdb)
	indexer := knowledge.NewSeeder(embedder, vectorStore, log)
	consumer, err := worker.NewConsumer(queue, orchestrator, reportStore, indexer,
		cfg.WorkerPoolSize, cfg.SweepInterval, cfg.SurveyMaxAge, log)
	if err != nil {
		log.Error("failed to start worker pool", "error", err)
		os.Exit(1)
	}

	go consumer.RunSweep(ctx)
	consumer.Run(ctx)

	log.Info("worker shutting down")
	consumer.Close()
}
