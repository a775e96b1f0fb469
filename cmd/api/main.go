// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/soilscope/advisory-platform/internal/activity"
	"github.com/soilscope/advisory-platform/internal/config"
	"github.com/soilscope/advisory-platform/internal/handler"
	"github.com/soilscope/advisory-platform/internal/llm"
	"github.com/soilscope/advisory-platform/internal/middleware"
	natsclient "github.com/soilscope/advisory-platform/internal/nats"
	"github.com/soilscope/advisory-platform/internal/ratelimit"
	"github.com/soilscope/advisory-platform/internal/service"
	"github.com/soilscope/advisory-platform/internal/store"
	"github.com/soilscope/advisory-platform/pkg/logger"
	"github.com/soilscope/advisory-platform/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	var log *logger.Logger
	if cfg.IsDevelopment() {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting API server", zap.String("env", cfg.Env))

	if cfg.UsingDevelopmentSecret() {
		log.Warn("CONVERSATION_SECRET is not set, using the development fallback; conversations are not protected")
	}
	if cfg.UsingDevelopmentJWTSecret() {
		log.Warn("JWT_SECRET is not set, using the development fallback; bearer tokens can be forged",
			zap.String("env", cfg.Env))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "soilscope-advisory", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	repo, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open conversation store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer repo.Close(context.Background())
	log.Info("conversation store ready", zap.String("driver", cfg.StoreDriver))

	readiness := []handler.ReadinessCheck{{Name: "store", Ping: repo.Ping}}
	svcOpts := []service.Option{service.WithLogger(log.Named("conversations"))}
	var sessionStorage activity.Storage = activity.NewMemoryStorage()

	if cfg.NATSEnabled {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		natsClient, err := natsclient.Connect(connectCtx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		cancel()
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()
		readiness = append(readiness, handler.ReadinessCheck{Name: "nats", Ping: natsClient.Ping})

		streamManager := natsclient.NewStreamManager(natsClient, log)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		svcOpts = append(svcOpts, service.WithEvents(streamManager))

		if cfg.SessionStore == "nats" {
			kv, err := natsclient.NewKVStorage(ctx, natsClient)
			if err != nil {
				log.Fatal("failed to open session bucket", zap.Error(err))
			}
			sessionStorage = kv
			log.Info("activity sessions stored in NATS KV", zap.String("bucket", natsclient.SessionBucket))
		}
	}

	if llmClient := newLLMClient(cfg, log); llmClient != nil {
		svcOpts = append(svcOpts, service.WithLLM(llmClient, cfg.DefaultLLMModel))
	}

	conversationSvc := service.NewConversationService(repo, cfg.ConversationSecret, svcOpts...)
	registry := activity.NewRegistry(sessionStorage,
		activity.WithIdleTimeout(cfg.SessionIdleTimeout),
		activity.WithLogger(log.Named("activity")),
	)

	limiter := ratelimit.New(
		ratelimit.WithGrace(cfg.RateLimitGrace),
		ratelimit.WithLogger(log.Named("ratelimit")),
	)
	go limiter.Run(ctx, cfg.RateLimitSweepInterval)

	healthHandler := handler.NewHealthHandler(log, readiness...)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	messageHandler := handler.NewMessageHandler(conversationSvc, log)
	activityHandler := handler.NewActivityHandler(registry, log)

	writeLimit := func(route string) func(http.Handler) http.Handler {
		return middleware.FixedWindow(limiter, route, cfg.WriteRateLimitWindow, cfg.WriteRateLimitRequests)
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.With(writeLimit("create-conversation")).Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.With(writeLimit("send-message")).Post("/messages", messageHandler.Send)
			})
		})

		r.Post("/activity", activityHandler.Track)
		r.Get("/activity/stats", activityHandler.Stats)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", activityHandler.Sessions)
			r.Post("/{sessionId}/end", activityHandler.End)
			r.Get("/{sessionId}/activities", activityHandler.Activities)
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.ConversationRepository, error) {
	switch cfg.StoreDriver {
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return store.NewMongo(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
	case "sqlite":
		return store.NewSQLite(cfg.SQLitePath)
	default:
		return store.NewMemory(), nil
	}
}

// newLLMClient returns the configured AI expert client, or nil when no key is set.
func newLLMClient(cfg *config.Config, log *logger.Logger) llm.Client {
	keys := map[llm.Provider]string{
		llm.ProviderAnthropic: cfg.AnthropicAPIKey,
		llm.ProviderOpenAI:    cfg.OpenAIAPIKey,
	}

	provider := llm.Provider(cfg.DefaultLLM)
	if keys[provider] == "" {
		for _, p := range []llm.Provider{llm.ProviderAnthropic, llm.ProviderOpenAI} {
			if keys[p] != "" {
				provider = p
				break
			}
		}
	}
	if keys[provider] == "" {
		log.Warn("no LLM API key configured, AI expert replies disabled")
		return nil
	}

	client, err := llm.NewClient(provider, keys[provider])
	if err != nil {
		log.Warn("failed to create LLM client, AI expert replies disabled", zap.String("provider", string(provider)), zap.Error(err))
		return nil
	}
	log.Info("AI expert enabled", zap.String("provider", string(provider)))
	return client
}
