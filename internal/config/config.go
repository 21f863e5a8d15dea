package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App       AppConfig
	Vault     VaultConfig
	Store     StoreConfig
	Indexer   IndexerConfig
	Retriever RetrieverConfig
	Ai        AIConfig
}

type AppConfig struct {
	Port        string
	Environment string
	LogFilePath string
	NatsURL     string
	RedisURL    string
	OtelEnabled bool
}

type VaultConfig struct {
	Root           string
	JournalFolder  string
	EntitiesFolder string
}

type StoreConfig struct {
	Dir              string
	Backend          string // "files" or "bolt"
	MinDimension     int
	MaxDimension     int
	Dimension        int // 0 infers the dimension from stored records
	MaxRecords       int
	InitTimeout      time.Duration
	SaveDebounce     time.Duration
	SummaryMaxLength int
}

type IndexerConfig struct {
	Debounce          time.Duration
	MaxPending        int
	MaxRetries        int
	MaxDropped        int
	Concurrency       int
	EmbedRatePerSec   float64
	EmbedBurst        int
	ReconcileInterval time.Duration
}

type RetrieverConfig struct {
	RecentWindowDays  int
	MaxRecent         int
	HistoryMessages   int
	MaxSemantic       int
	MaxScanLength     int
	MaxLinkMatches    int
	MaxCandidateNames int
}

type AIConfig struct {
	EmbeddingProvider string // "ollama" or "openai"
	OllamaBaseURL     string
	OllamaModel       string
	OpenAIKey         string
	OpenAIModel       string
	EmbedCacheTTL     time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Port:        getEnv("APP_PORT", "3000"),
			Environment: getEnv("GO_ENV", "development"),
			LogFilePath: getEnv("LOG_FILE_PATH", "logs/app.log"),
			NatsURL:     getEnv("NATS_URL", ""),
			RedisURL:    getEnv("REDIS_URL", ""),
			OtelEnabled: getEnvAsBool("OTEL_ENABLED", false),
		},
		Vault: VaultConfig{
			Root:           getEnv("VAULT_ROOT", "vault"),
			JournalFolder:  getEnv("JOURNAL_FOLDER", "journal"),
			EntitiesFolder: getEnv("ENTITIES_FOLDER", "entities"),
		},
		Store: StoreConfig{
			Dir:              getEnv("STORE_DIR", "data/vectors"),
			Backend:          getEnv("STORE_BACKEND", "files"),
			MinDimension:     getEnvAsInt("STORE_MIN_DIM", 64),
			MaxDimension:     getEnvAsInt("STORE_MAX_DIM", 4096),
			Dimension:        getEnvAsInt("STORE_DIM", 0),
			MaxRecords:       getEnvAsInt("STORE_MAX_RECORDS", 10000),
			InitTimeout:      getEnvAsDuration("STORE_INIT_TIMEOUT", 30*time.Second),
			SaveDebounce:     getEnvAsDuration("STORE_SAVE_DEBOUNCE", time.Second),
			SummaryMaxLength: getEnvAsInt("SUMMARY_MAX_LENGTH", 500),
		},
		Indexer: IndexerConfig{
			Debounce:          getEnvAsDuration("INDEX_DEBOUNCE", time.Second),
			MaxPending:        getEnvAsInt("INDEX_MAX_PENDING", 50),
			MaxRetries:        getEnvAsInt("INDEX_MAX_RETRIES", 3),
			MaxDropped:        getEnvAsInt("INDEX_MAX_DROPPED", 500),
			Concurrency:       getEnvAsInt("INDEX_CONCURRENCY", 2),
			EmbedRatePerSec:   getEnvAsFloat("EMBED_RATE_PER_SEC", 5),
			EmbedBurst:        getEnvAsInt("EMBED_BURST", 5),
			ReconcileInterval: getEnvAsDuration("INDEX_RECONCILE_INTERVAL", 0),
		},
		Retriever: RetrieverConfig{
			RecentWindowDays:  getEnvAsInt("RECENT_WINDOW_DAYS", 7),
			MaxRecent:         getEnvAsInt("MAX_RECENT_NOTES", 10),
			HistoryMessages:   getEnvAsInt("QUERY_HISTORY_MESSAGES", 3),
			MaxSemantic:       getEnvAsInt("MAX_SEMANTIC_MATCHES", 5),
			MaxScanLength:     getEnvAsInt("MAX_LINK_SCAN_LENGTH", 10000),
			MaxLinkMatches:    getEnvAsInt("MAX_LINK_MATCHES", 50),
			MaxCandidateNames: getEnvAsInt("MAX_CANDIDATE_NAMES", 500),
		},
		Ai: AIConfig{
			EmbeddingProvider: getEnv("EMBEDDING_PROVIDER", "ollama"),
			OllamaBaseURL:     getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			OllamaModel:       getEnv("OLLAMA_EMBEDDING_MODEL", "nomic-embed-text"),
			OpenAIKey:         getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:       getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbedCacheTTL:     getEnvAsDuration("EMBED_CACHE_TTL", 24*time.Hour),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go duration strings ("1s", "250ms").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
