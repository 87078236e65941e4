// Package bootstrap wires configuration, adapters, and the runtime
// together.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/config"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/auth"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/ports"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/usecase"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/engine"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/infrastructure/clock"
	natsevents "github.com/metacogna-lab/sentinel-orchestrator/internal/infrastructure/events/nats"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/infrastructure/llm/openai"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/infrastructure/resilience"
	sqlitestore "github.com/metacogna-lab/sentinel-orchestrator/internal/infrastructure/store/sqlite"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/infrastructure/vector/inmem"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/infrastructure/vector/qdrant"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/memory"
	"github.com/metacogna-lab/sentinel-orchestrator/internal/observability/metrics"
)

// App owns the assembled runtime.
type App struct {
	Config       config.Config
	Logger       *slog.Logger
	Keys         *auth.KeyStore
	Manager      *memory.Manager
	Consolidator *memory.Consolidator
	Supervisor   *engine.Supervisor
	Orchestrator *usecase.Orchestrator
	Metrics      *metrics.Runtime

	closeFn func()
}

// New builds the runtime from configuration. Nothing runs until Run.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	keys := auth.NewKeyStore(auth.Options{Open: !cfg.AuthRequire})
	if _, err := keys.LoadFromEnviron(os.Environ(), logger); err != nil {
		return nil, fmt.Errorf("load api keys: %w", err)
	}

	runtimeMetrics := metrics.NewRuntime("sentinel")
	executor := resilience.NewExecutor(resilience.DefaultConfig())
	systemClock := clock.System{}

	provider := openai.New(cfg.LLMBaseURL, openai.Options{
		APIKey:             cfg.LLMAPIKey,
		Model:              cfg.LLMModel,
		EmbedModel:         cfg.LLMEmbedModel,
		RequestsPerSecond:  cfg.LLMRequestsPerSec,
		ResilienceExecutor: executor,
		Clock:              systemClock,
	})

	store, err := sqlitestore.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open summary store: %w", err)
	}

	var index ports.VectorIndex
	switch strings.ToLower(cfg.QdrantURL) {
	case "", "memory":
		index = inmem.New()
	default:
		index = qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, qdrant.Options{
			ResilienceExecutor: executor,
		})
	}

	var counter memory.TokenCounter = memory.ApproxCounter{}
	if strings.EqualFold(cfg.TokenCounter, "tiktoken") {
		tk, err := memory.NewTiktokenCounter("")
		if err != nil {
			logger.Warn("tiktoken_unavailable", "error", err)
		} else {
			counter = tk
		}
	}

	var events ports.EventSink
	var eventsCloser func()
	if cfg.NATSURL != "" {
		publisher, err := natsevents.New(cfg.NATSURL, cfg.NATSSubject, natsevents.Options{})
		if err != nil {
			return nil, fmt.Errorf("connect event sink: %w", err)
		}
		events = publisher
		eventsCloser = publisher.Close
	}

	manager := memory.NewManager(store, index, provider, systemClock, counter, memory.ManagerConfig{
		MaxMessages:     cfg.ShortTermMaxMessages,
		MaxTokens:       cfg.ShortTermMaxTokens,
		ThresholdTokens: cfg.ConsolidationThresholdTokens,
		MaxTotalTokens:  cfg.MemoryMaxTotalTokens,
	}, logger)

	consolidator := memory.NewConsolidator(manager, provider, systemClock, memory.ConsolidatorConfig{
		Interval:         cfg.ConsolidationInterval,
		StepTimeout:      cfg.ConsolidationStepTimeout,
		MaxSummaryTokens: cfg.ConsolidationMaxSummaryTokens,
		EmbeddingDim:     cfg.VectorEmbeddingDim,
		Metric:           cfg.VectorMetric,
	}, logger, events, runtimeMetrics)

	supervisor := engine.NewSupervisor(provider, manager, systemClock, executor, engine.SupervisorConfig{
		HealthInterval:  cfg.SupervisorHealthInterval,
		ZombieThreshold: cfg.SupervisorZombieThreshold,
		GracePeriod:     cfg.SupervisorGracefulShutdown,
		SendTimeout:     cfg.MailboxSendTimeout,
		StepTimeout:     cfg.AgentStepTimeout,
		PoolTarget:      cfg.AgentPoolTarget,
		PoolCap:         cfg.AgentPoolCap,
		MailboxCapacity: cfg.MailboxCapacity,
	}, logger, events, runtimeMetrics)

	orchestrator := usecase.NewOrchestrator(keys, supervisor, consolidator, manager, systemClock, cfg.RequestTimeout, logger)

	return &App{
		Config:       cfg,
		Logger:       logger,
		Keys:         keys,
		Manager:      manager,
		Consolidator: consolidator,
		Supervisor:   supervisor,
		Orchestrator: orchestrator,
		Metrics:      runtimeMetrics,
		closeFn: func() {
			if eventsCloser != nil {
				eventsCloser()
			}
			_ = store.Close()
		},
	}, nil
}

// Run starts the supervisor and consolidator loops plus the initial
// agent pool, blocking until ctx is cancelled and shutdown completes.
func (a *App) Run(ctx context.Context) error {
	for i := 0; i < a.Config.AgentPoolTarget; i++ {
		if _, err := a.Supervisor.Spawn(); err != nil {
			return fmt.Errorf("spawn initial agent: %w", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.Supervisor.Run(ctx); err != nil {
			a.Logger.Error("supervisor_exit", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := a.Consolidator.Run(ctx); err != nil {
			a.Logger.Error("consolidator_exit", "error", err)
		}
	}()

	wg.Wait()
	return nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
