package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/chative-companion/server/internal/agent/background"
	"github.com/chative-companion/server/internal/agent/graph"
	"github.com/chative-companion/server/internal/agent/graph/nodes"
	"github.com/chative-companion/server/internal/agent/graph/observers"
	"github.com/chative-companion/server/internal/agent/graph/tools"
	"github.com/chative-companion/server/internal/agent/model"
	"github.com/chative-companion/server/internal/agent/repo"
	"github.com/chative-companion/server/internal/agent/repo/postgres"
	"github.com/chative-companion/server/internal/agent/repo/sqlite"
	"github.com/chative-companion/server/internal/core"
	"github.com/chative-companion/server/internal/resilience"
	logx "github.com/chative-companion/server/pkg/logger"
	"github.com/chative-companion/server/pkg/monitoring"
	pkgpostgres "github.com/chative-companion/server/pkg/postgres"
	pkgredis "github.com/chative-companion/server/pkg/redis"
)

const shutdownTimeout = 30 * time.Second

// AppConfig defines all configurable parameters of the companion service,
// sourced from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"APP_ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL"`

	// Infrastructure
	// StoreDriver defaults per APP_ENV: sqlite locally, postgres when deployed.
	StoreDriver string `envconfig:"STORE_DRIVER"`
	Redis       pkgredis.Config
	Postgres    pkgpostgres.Config
	SQLite      sqlite.Config
	Metrics     monitoring.Config

	// Resilience
	LLMBreaker      resilience.BreakerConfig  `split_words:"true"`
	CacheBreaker    resilience.BreakerConfig  `split_words:"true"`
	DatabaseBreaker resilience.BreakerConfig  `split_words:"true"`
	LLMRetry        resilience.RetryOverrides `split_words:"true"`
	CacheRetry      resilience.RetryOverrides `split_words:"true"`
	DatabaseRetry   resilience.RetryOverrides `split_words:"true"`

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Agent configs
	Response     model.ResponseModelConfig
	Summary      model.SummaryModelConfig
	Prompt       model.ResponsePromptConfig
	Conversation model.ConversationConfig
	Summarizer   model.SummaryConfig
	Limits       model.LimitsConfig

	// DemoUserID is the user the console session speaks as.
	DemoUserID int64 `envconfig:"DEMO_USER_ID" default:"1"`
}

type guards struct {
	llm, cache, database *resilience.Guard
}

func newGuards(cfg AppConfig, metrics *resilience.Metrics) guards {
	build := func(name string, bc resilience.BreakerConfig, policy resilience.RetryPolicy, o resilience.RetryOverrides) *resilience.Guard {
		breaker := resilience.NewCircuitBreaker(name, bc, resilience.WithBreakerMetrics(metrics))
		return resilience.NewGuard(breaker, policy.WithOverrides(o).WithMetrics(metrics))
	}
	g := guards{
		llm:      build("llm", cfg.LLMBreaker, resilience.LLMPolicy(), cfg.LLMRetry),
		cache:    build("cache", cfg.CacheBreaker, resilience.CachePolicy(), cfg.CacheRetry),
		database: build("database", cfg.DatabaseBreaker, resilience.DatabasePolicy(), cfg.DatabaseRetry),
	}
	if err := metrics.ObserveBreakers(g.llm.Breaker(), g.cache.Breaker(), g.database.Breaker()); err != nil {
		logx.Warn().Err(err).Msg("failed to observe breaker state")
	}
	return g
}

// openStore returns the system of record chosen by STORE_DRIVER and a closer for it.
func openStore(ctx context.Context, cfg AppConfig) (model.Store, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		if err := postgres.ApplyMigrations(ctx, cfg.Postgres.URL); err != nil {
			return nil, nil, err
		}
		pool, err := cfg.Postgres.New(ctx)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewStore(pool), pool.Close, nil
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.SQLite)
		if err != nil {
			return nil, nil, err
		}
		return sqlite.NewStore(db), func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func main() {
	// Load .env file
	if err := godotenv.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load .env file: %v\n", err)
	}

	// Load structured config from env
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to process environment config: %v\n", err)
		os.Exit(1)
	}
	env := core.ParseEnvironment(cfg.Environment)
	logx.Init(logx.LoggerOpts{Environment: env, Level: cfg.LogLevel})
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = env.StoreDriver()
	}
	logx.Info().Str("env", env.String()).Str("store_driver", cfg.StoreDriver).Msg("Starting companion service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mon, err := monitoring.NewService(cfg.Metrics)
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise monitoring")
	}
	if err := mon.Start(); err != nil {
		logx.Fatal().Err(err).Msg("Failed to start metrics endpoint")
	}
	metrics, err := resilience.NewMetrics(mon.Meter())
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to create resilience metrics")
	}
	g := newGuards(cfg, metrics)

	rdb, err := cfg.Redis.New()
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise Redis client")
	}
	defer rdb.Close()
	logx.Info().Msg("Connected to Redis successfully")

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logx.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("Failed to open store")
	}
	defer closeStore()
	logx.Info().Str("driver", cfg.StoreDriver).Msg("Store ready")

	cache := repo.NewCacheRepository(rdb, g.cache, cfg.Conversation.CacheTTL, repo.WithCacheMeter(mon.Meter()))
	repository := repo.NewRepository(store, cache, g.database)

	counter, err := repo.NewRedisDailyCounter(rdb, g.cache, cfg.Limits)
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to create daily counter")
	}

	handlers := observers.NewAllCallbacks()
	memTools, err := tools.NewMemoryTools(repository)
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to build memory tools")
	}
	registry := tools.NewRegistry(handlers)
	if err := registry.Register(memTools...); err != nil {
		logx.Fatal().Err(err).Msg("Failed to register tools")
	}

	models, err := nodes.NewChatModels(ctx, nodes.ChatModelConfig{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		RespConfig: &cfg.Response,
		SumConfig:  &cfg.Summary,
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to create chat models")
	}

	supervisor := background.NewSupervisor(
		background.WithJobTimeout(cfg.Summarizer.JobTimeout),
		background.WithMeter(mon.Meter()),
	)
	summarizer := background.NewSummarizer(repository, models.Summary, models.SummaryModelName, g.llm, cfg.Summarizer, handlers)

	orchestrator, err := graph.NewOrchestrator(graph.Config{
		Conversation:   cfg.Conversation,
		ResponsePrompt: cfg.Prompt,
	}, graph.Deps{
		Repository: repository,
		ChatModel:  models.Response,
		ModelName:  models.ResponseModelName,
		LLMGuard:   g.llm,
		Registry:   registry,
		Counter:    counter,
		Supervisor: supervisor,
		Summarizer: summarizer,
		Handlers:   []einocb.Handler{handlers},
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to build orchestrator")
	}

	chat(ctx, orchestrator, cfg.DemoUserID, os.Stdin, os.Stdout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logx.Warn().Err(err).Msg("Background jobs did not finish in time")
	}
	if err := mon.Shutdown(shutdownCtx); err != nil {
		logx.Warn().Err(err).Msg("Failed to stop monitoring")
	}
	logx.Info().Msg("Shutdown complete")
}

// chat feeds console lines to the orchestrator until EOF or cancellation.
func chat(ctx context.Context, o *graph.Orchestrator, userID int64, in io.Reader, out io.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintf(out, "Chatting as user %d. Type a message, Ctrl-D to quit.\n> ", userID)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			reply, err := o.Respond(ctx, model.Inbound{UserID: userID, Text: line, Timestamp: time.Now()})
			if err != nil {
				fmt.Fprintf(out, "! %v\n> ", err)
				continue
			}
			prefix := ""
			if reply.Voice {
				prefix = "[voice] "
			}
			fmt.Fprintf(out, "%s%s\n  (%s, %d tool rounds, $%.5f)\n> ", prefix, reply.Text, reply.State, reply.Iterations, reply.CostUSD)
		}
	}
}
