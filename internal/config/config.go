package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable of the gateway. Values come from the
// environment, optionally preloaded from a .env file.
type Config struct {
	Port       string `envconfig:"PORT" default:"8080"`
	AppEnv     string `envconfig:"APP_ENV" default:"development"`
	AppVersion string `envconfig:"APP_VERSION" default:"dev"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	QdrantHost       string `envconfig:"QDRANT_HOST" default:"localhost"`
	QdrantPort       int    `envconfig:"QDRANT_PORT" default:"6334"`
	QdrantCollection string `envconfig:"QDRANT_COLLECTION" default:"survey-knowledge"`

	GoogleCloudProject  string `envconfig:"GOOGLE_CLOUD_PROJECT"`
	GoogleCloudLocation string `envconfig:"GOOGLE_CLOUD_LOCATION" default:"us-central1"`
	PrimaryModel        string `envconfig:"PRIMARY_MODEL" default:"gemini-2.5-flash"`
	FallbackModel       string `envconfig:"FALLBACK_MODEL" default:"gemini-1.5-flash"`
	EmbeddingModel      string `envconfig:"EMBEDDING_MODEL" default:"text-embedding-004"`
	EmbeddingDim        int    `envconfig:"EMBEDDING_DIM" default:"768"`

	AuditDBPath string `envconfig:"AUDIT_DB_PATH" default:"surveygate.db"`

	CacheTTL        time.Duration `envconfig:"CACHE_TTL" default:"24h"`
	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"25s"`
	RetrieveTimeout time.Duration `envconfig:"RETRIEVE_TIMEOUT" default:"10s"`

	// Rate limits per operation class, mirroring the product policy:
	// 10 clarifications per survey per doctor, 100 design calls per hour
	// per admin.
	ClarifyLimit  int           `envconfig:"RATE_LIMIT_CLARIFICATION" default:"10"`
	ClarifyWindow time.Duration `envconfig:"RATE_WINDOW_CLARIFICATION" default:"24h"`
	DesignLimit   int           `envconfig:"RATE_LIMIT_DESIGN" default:"100"`
	DesignWindow  time.Duration `envconfig:"RATE_WINDOW_DESIGN" default:"1h"`
	AttemptLimit  int           `envconfig:"RATE_LIMIT_ATTEMPT" default:"300"`
	AttemptWindow time.Duration `envconfig:"RATE_WINDOW_ATTEMPT" default:"1h"`
	InsightLimit  int           `envconfig:"RATE_LIMIT_INSIGHT" default:"20"`
	InsightWindow time.Duration `envconfig:"RATE_WINDOW_INSIGHT" default:"1h"`

	RetrieveK       int `envconfig:"RETRIEVE_K" default:"4"`
	ContextMaxChars int `envconfig:"CONTEXT_MAX_CHARS" default:"4000"`

	InsightLockTTL time.Duration `envconfig:"INSIGHT_LOCK_TTL" default:"15m"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"4"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
	SurveyMaxAge   time.Duration `envconfig:"SURVEY_MAX_AGE" default:"720h"`
}

// Load reads the optional env file and then the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		// Missing file is fine; system environment still applies.
		_ = godotenv.Load(envFile)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	return &cfg, nil
}
