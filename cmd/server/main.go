// Memoir co-writer server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/memoir-cowriter/internal/agent"
	"github.com/ashureev/memoir-cowriter/internal/api"
	"github.com/ashureev/memoir-cowriter/internal/config"
	"github.com/ashureev/memoir-cowriter/internal/domain"
	"github.com/ashureev/memoir-cowriter/internal/identity"
	"github.com/ashureev/memoir-cowriter/internal/memoir"
	"github.com/ashureev/memoir-cowriter/internal/middleware"
	"github.com/ashureev/memoir-cowriter/internal/rewrite"
	"github.com/ashureev/memoir-cowriter/internal/store"
	"github.com/ashureev/memoir-cowriter/internal/sweeper"
	"github.com/ashureev/memoir-cowriter/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "model", cfg.LLM.Model)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	polisher := rewrite.NewPolisher(cfg.LLM.BaseURL, cfg.LLM.APIKey, rewrite.Config{
		Model:          cfg.LLM.Model,
		Temperature:    float32(cfg.LLM.Temperature),
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        cfg.LLM.Timeout,
		MaxRetries:     cfg.LLM.MaxRetries,
		FallbackPrefix: cfg.LLM.FallbackPrefix,
	}, logger)
	machine := memoir.NewMachine(polisher)

	var chatService *agent.Service
	var conversationLogger agent.ConversationLogger
	if cfg.AIEnabled() {
		registry := agent.NewMemoirRegistry(agent.NewToolkit(polisher))
		processor := agent.NewLLMProcessor(
			rewrite.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, nil),
			registry,
			agent.Config{
				Model:         cfg.Agent.Model,
				Temperature:   float32(cfg.LLM.Temperature),
				MaxTokens:     agent.DefaultConfig().MaxTokens,
				MaxToolRounds: cfg.Agent.MaxToolRounds,
				HistoryLimit:  cfg.Agent.HistoryLimit,
			},
			logger,
		)
		chatService = agent.NewService(processor, repo, cfg.Agent.HistoryLimit, logger)

		conversationLogger, err = agent.NewConversationLogger(agent.ConversationLogConfig{
			Enabled:       cfg.ConversationLog.Enabled,
			Dir:           cfg.ConversationLog.Dir,
			GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
			GlobalPath:    cfg.ConversationLog.GlobalPath,
			QueueSize:     cfg.ConversationLog.QueueSize,
			MaxSizeMB:     cfg.ConversationLog.MaxSizeMB,
			MaxBackups:    cfg.ConversationLog.MaxBackups,
		}, logger)
		if err != nil {
			slog.Error("Failed to initialize conversation logger", "error", err)
			os.Exit(1)
		}
		slog.Info("Chat agent enabled", "model", cfg.Agent.Model, "tools", registry.Names())
	} else {
		slog.Info("Chat agent disabled (AGENT_ENABLED=false or no API key)")
	}

	agentHandler := agent.NewHandler(chatService, conversationLogger, agent.HandlerConfig{
		RateLimitRequests:  cfg.RateLimit.RequestsPerWindow,
		RateLimitWindow:    cfg.RateLimit.WindowDuration,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
		AllowedOrigin:      cfg.FrontendURL,
		IsDev:              cfg.IsDevelopment(),
	})
	defer agentHandler.Close()

	// Avoid a typed nil in the interface when the agent is off.
	var chatResetter api.ChatResetter
	if chatService != nil {
		chatResetter = chatService
	}

	baseHandler := api.NewHandler(repo, cfg.MaxRequestBodySize)
	memoirHandler := api.NewMemoirHandler(baseHandler, machine, chatResetter)
	infoHandler := api.NewInfoHandler(baseHandler, api.ClientConfig{
		AIEnabled:  cfg.AIEnabled(),
		Model:      cfg.LLM.Model,
		SessionTTL: cfg.SessionTTL,
	})
	healthHandler := api.NewHealthHandler(repo, cfg.AIEnabled())

	allowedOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		allowedOrigins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	infoHandler.RegisterRoutes(r)
	memoirHandler.RegisterRoutes(r)
	agentHandler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE chat streams need WriteTimeout 0.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sw := sweeper.New(repo, cfg.SessionTTL, cfg.SweepInterval, func(key domain.SessionKey) {
		agentHandler.DisconnectSession(key.UserID, key.SessionID)
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return sw.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
