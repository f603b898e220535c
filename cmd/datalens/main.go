package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/datalens/internal/agent"
	"github.com/nidhogg/datalens/internal/api"
	"github.com/nidhogg/datalens/internal/config"
	"github.com/nidhogg/datalens/internal/provider"
	"github.com/nidhogg/datalens/internal/sandbox"
	"github.com/nidhogg/datalens/internal/session"
	runstore "github.com/nidhogg/datalens/internal/store"
	"github.com/nidhogg/datalens/internal/tool"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/datalens.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fallback, _ := zap.NewDevelopment()
		fallback.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting datalens...", zap.String("config", cfgPath))

	// LLM provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}
	if len(cfg.Agent.Fallbacks) > 0 {
		router.SetFallbacks(cfg.Agent.Fallbacks)
	}

	// Tool catalog and sandbox executor
	registry := tool.Builtin()
	codegen := sandbox.NewCodeGenerator(router, cfg.Agent.Model, logger)
	scripts := sandbox.NewLibrary(codegen)
	executor := sandbox.NewClient(sandbox.ClientConfig{
		Endpoint:    cfg.Sandbox.Endpoint,
		APIKey:      cfg.Sandbox.APIKey,
		Template:    cfg.Sandbox.Template,
		ExecTimeout: time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second,
	}, scripts, logger)

	oracle := agent.NewLLMOracle(router, cfg.Agent.Model)

	// Run history (optional)
	var pgStore *runstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := runstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without run history", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	// Session result cache (optional)
	var cache *session.Cache
	if cfg.Database.Redis.URL != "" {
		ttl := time.Duration(cfg.Database.Redis.TTLMinutes) * time.Minute
		c, cErr := session.NewCache(cfg.Database.Redis.URL, ttl, logger)
		if cErr != nil {
			logger.Warn("Redis unavailable, running without session cache", zap.Error(cErr))
		} else {
			cache = c
		}
	}

	handler := api.NewHandler(registry, oracle, executor, cfg.Agent.MaxSteps, pgStore, cache, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("datalens listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down datalens...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if pgStore != nil {
		pgStore.Close()
	}
	if cache != nil {
		cache.Close()
	}
}

func newLogger(level string) *zap.Logger {
	var logger *zap.Logger
	var err error
	switch level {
	case "debug", "development":
		logger, err = zap.NewDevelopment()
	default:
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}
