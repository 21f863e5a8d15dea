package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"ai-coach-context/internal/config"
	"ai-coach-context/internal/indexer"
	"ai-coach-context/internal/metrics"
	"ai-coach-context/internal/pkg/logger"
	"ai-coach-context/internal/retriever"
	"ai-coach-context/internal/vault"
	"ai-coach-context/internal/vectorstore"
	"ai-coach-context/pkg/embedding"
	"ai-coach-context/pkg/events"
	pktNats "ai-coach-context/pkg/nats"
	"ai-coach-context/pkg/notify"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const logModule = "bootstrap"

type Container struct {
	Config *config.Config
	Logger *logger.ZapLogger

	Metrics    *metrics.Metrics
	Vault      *vault.FSVault
	Store      *vectorstore.Store
	Embedder   embedding.Provider
	Notifier   notify.Notifier
	Indexer    *indexer.Indexer
	Reconciler *indexer.Reconciler
	Retriever  *retriever.Retriever

	natsPub *pktNats.Publisher
	rdb     *redis.Client
}

// NewContainer wires every component. Optional infrastructure (NATS, Redis)
// that cannot be reached is logged and left out. A nil sysLogger writes to
// the configured log file.
func NewContainer(cfg *config.Config, reg prometheus.Registerer, sysLogger *logger.ZapLogger) (*Container, error) {
	if sysLogger == nil {
		sysLogger = logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")
	}
	c := &Container{Config: cfg, Logger: sysLogger}

	// 1. Metrics
	c.Metrics = metrics.New(reg)

	// 2. Vault
	v, err := vault.NewFSVault(cfg.Vault.Root, sysLogger)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	c.Vault = v

	// 3. Vector store
	var backend vectorstore.Backend
	switch cfg.Store.Backend {
	case "bolt":
		backend = vectorstore.NewBoltBackend(filepath.Join(cfg.Store.Dir, "vectors.db"))
	default:
		backend = vectorstore.NewFileBackend(cfg.Store.Dir)
	}
	storeCfg := vectorstore.DefaultConfig()
	storeCfg.MinDimension = cfg.Store.MinDimension
	storeCfg.MaxDimension = cfg.Store.MaxDimension
	storeCfg.Dimension = cfg.Store.Dimension
	storeCfg.MaxRecords = cfg.Store.MaxRecords
	storeCfg.InitTimeout = cfg.Store.InitTimeout
	storeCfg.SaveDebounce = cfg.Store.SaveDebounce
	c.Store = vectorstore.New(backend, storeCfg, sysLogger, c.Metrics, nil)
	sysLogger.Info(logModule, "Vector store configured", map[string]interface{}{
		"backend": cfg.Store.Backend,
		"dir":     cfg.Store.Dir,
	})

	// 4. Embedding provider
	provider, err := newEmbeddingProvider(cfg.Ai)
	if err != nil {
		return nil, err
	}
	sysLogger.Info(logModule, "Using embedding provider", map[string]interface{}{"provider": cfg.Ai.EmbeddingProvider})

	if cfg.App.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.App.RedisURL)
		if err != nil {
			sysLogger.Warn(logModule, "Failed to parse Redis URL, using direct Addr", map[string]interface{}{"error": err.Error()})
			opt = &redis.Options{Addr: cfg.App.RedisURL}
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			sysLogger.Warn(logModule, "Redis unreachable, embedding cache disabled", map[string]interface{}{"error": err.Error()})
			_ = rdb.Close()
		} else {
			c.rdb = rdb
			provider = embedding.NewCachedProvider(provider, rdb, "coach:embed", cfg.Ai.EmbedCacheTTL)
		}
	}
	c.Embedder = embedding.NewRateLimitedProvider(provider, cfg.Indexer.EmbedRatePerSec, cfg.Indexer.EmbedBurst)

	// 5. Notifications
	notifiers := notify.Multi{notify.NewLogNotifier(sysLogger)}
	if cfg.App.NatsURL != "" {
		pub, err := pktNats.NewPublisher(pktNats.Config{URL: cfg.App.NatsURL}, sysLogger)
		if err != nil {
			sysLogger.Warn(logModule, "Failed to connect to NATS, bus notifications disabled", map[string]interface{}{"error": err.Error()})
		} else {
			c.natsPub = pub
			notifiers = append(notifiers, notify.NewBusNotifier(pub, sysLogger))
		}
	}
	c.Notifier = notifiers

	// 6. Indexer
	idxCfg := indexer.DefaultConfig()
	idxCfg.JournalFolder = cfg.Vault.JournalFolder
	idxCfg.EntitiesFolder = cfg.Vault.EntitiesFolder
	idxCfg.Debounce = cfg.Indexer.Debounce
	idxCfg.MaxPending = cfg.Indexer.MaxPending
	idxCfg.MaxRetries = cfg.Indexer.MaxRetries
	idxCfg.MaxDropped = cfg.Indexer.MaxDropped
	idxCfg.Concurrency = cfg.Indexer.Concurrency
	idxCfg.SummaryMaxLength = cfg.Store.SummaryMaxLength
	c.Indexer = indexer.New(idxCfg, v, c.Store, c.Embedder, c.Notifier, sysLogger, c.Metrics, nil)
	c.Reconciler = indexer.NewReconciler(c.Indexer, cfg.Indexer.ReconcileInterval, sysLogger)

	// 7. Retriever
	retCfg := retriever.DefaultConfig()
	retCfg.JournalFolder = cfg.Vault.JournalFolder
	retCfg.EntitiesFolder = cfg.Vault.EntitiesFolder
	retCfg.RecentWindowDays = cfg.Retriever.RecentWindowDays
	retCfg.MaxRecent = cfg.Retriever.MaxRecent
	retCfg.HistoryMessages = cfg.Retriever.HistoryMessages
	retCfg.MaxSemantic = cfg.Retriever.MaxSemantic
	retCfg.MaxScanLength = cfg.Retriever.MaxScanLength
	retCfg.MaxLinkMatches = cfg.Retriever.MaxLinkMatches
	retCfg.MaxCandidateNames = cfg.Retriever.MaxCandidateNames
	retCfg.SummaryMaxLength = cfg.Store.SummaryMaxLength
	c.Retriever = retriever.New(retCfg, v, c.Store, c.Embedder, sysLogger, c.Metrics, nil)

	// Entity renames and deletions change the candidate names.
	for _, t := range []vault.EventType{vault.EventCreate, vault.EventDelete, vault.EventRename} {
		v.On(t, func(e vault.Event) {
			if vault.InFolder(e.Path, retCfg.EntitiesFolder) || vault.InFolder(e.OldPath, retCfg.EntitiesFolder) {
				c.Retriever.InvalidateNames()
			}
		})
	}

	return c, nil
}

func newEmbeddingProvider(cfg config.AIConfig) (embedding.Provider, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIKey, cfg.OpenAIModel)
		if err != nil {
			return nil, fmt.Errorf("openai embedding provider: %w", err)
		}
		return p, nil
	case "hash":
		return embedding.NewHashProvider(256), nil
	case "ollama", "":
		return embedding.NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

// Start loads the store, subscribes the indexer, and begins watching the
// vault. A store that fails to load is left degraded rather than failing
// startup.
func (c *Container) Start(ctx context.Context) error {
	if err := c.Store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	if c.Store.HasInitializationError() {
		c.Logger.Warn(logModule, "Vector store degraded, semantic search disabled", map[string]interface{}{
			"error": c.Store.InitError().Error(),
		})
		c.Notifier.Notify(ctx, notify.Notification{
			Level:   notify.LevelError,
			Kind:    events.TypeStoreDegraded,
			Message: "Vector index failed to load; semantic matches are unavailable",
			At:      time.Now(),
		})
	}
	c.Indexer.Initialize()
	if err := c.Vault.Watch(ctx); err != nil {
		return fmt.Errorf("watch vault: %w", err)
	}
	return c.Reconciler.Start()
}

// Close tears components down in reverse dependency order.
func (c *Container) Close(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(c.Reconciler.Stop())
	c.Indexer.Destroy()
	keep(c.Vault.Close())
	keep(c.Store.Close(ctx))
	if c.natsPub != nil {
		c.natsPub.Close()
	}
	if c.rdb != nil {
		keep(c.rdb.Close())
	}
	_ = c.Logger.Sync()
	return firstErr
}
