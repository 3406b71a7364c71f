package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/ndhoang/tts-gateway/config"
	"github.com/ndhoang/tts-gateway/internal/auth"
	"github.com/ndhoang/tts-gateway/internal/provider"
	"github.com/ndhoang/tts-gateway/internal/provider/elevenlabs"
	"github.com/ndhoang/tts-gateway/internal/provider/openaifm"
	"github.com/ndhoang/tts-gateway/internal/provider/openaispeech"
	"github.com/ndhoang/tts-gateway/internal/proxy"
	"github.com/ndhoang/tts-gateway/internal/seeder"
	"github.com/ndhoang/tts-gateway/internal/telemetry"
	"github.com/ndhoang/tts-gateway/internal/usage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load config and start watching it
	configPath := os.Getenv("GATEWAY_CONFIG")
	if configPath == "" {
		configPath = "gateway.yaml"
	}
	store, err := config.NewStore(configPath, logger)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	cfg := store.Current().Config

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("tts-gateway", cfg)
	if err != nil {
		logger.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer shutdownTracer()
	metrics := telemetry.NewMetrics()

	// 3. Connect PostgreSQL (optional: without it the gateway runs stateless)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var authStore auth.Store
	var usageStore usage.Store
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Error("failed to connect postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Error("failed to ping postgres", "error", err)
			os.Exit(1)
		}
		logger.Info("postgres connected")
		authStore = auth.NewPostgresStore(pool)
		usageStore = usage.NewPostgresStore(pool)
	} else {
		logger.Warn("POSTGRES_DSN not set, auth and usage accounting disabled")
	}

	// 4. Connect Redis for the auth cache
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("failed to ping redis", "error", err)
			os.Exit(1)
		}
		logger.Info("redis connected")
	} else {
		logger.Warn("REDIS_ADDR not set, auth cache disabled")
	}

	// 5. Build the synthesis pipeline from the initial snapshot
	providers, err := buildProviders(cfg)
	if err != nil {
		logger.Error("failed to build providers", "error", err)
		os.Exit(1)
	}
	pipeline := proxy.NewPipeline(store.Current(), providers, logger)

	tracer := otel.GetTracerProvider().Tracer("tts-gateway")
	handler := proxy.NewHandler(pipeline, usageStore, tracer, metrics, logger)

	// 6. Rebuild and swap the pipeline on each successful reload
	store.Subscribe(func(snap *config.Snapshot) {
		newProviders, err := buildProviders(snap.Config)
		if err != nil {
			logger.Error("reloaded config produced no usable providers, keeping current pipeline",
				"version", snap.Version, "error", err)
			return
		}
		handler.Swap(proxy.NewPipeline(snap, newProviders, logger))
	})
	go func() {
		if err := store.Watch(ctx); err != nil {
			logger.Error("config watcher stopped", "error", err)
		}
	}()

	// 7. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" && authStore != nil {
		seeder.SeedTestAPIKey(ctx, authStore, logger)
	}

	// 8. Routes
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"tts-gateway"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		if authStore != nil {
			r.Use(auth.NewMiddleware(authStore, rdb, logger))
		} else {
			// No key store: every caller shares one anonymous tenant.
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					next.ServeHTTP(w, req.WithContext(auth.WithTenantID(req.Context(), "anonymous")))
				})
			})
		}
		r.Post("/api/generate", handler.HandleGenerate)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Get("/v1/providers", handler.HandleProviders)
	})

	// 9. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("tts gateway starting", "port", cfg.Server.Port, "providers", len(providers))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// buildProviders constructs one adapter per configured backend.
func buildProviders(cfg *config.Config) ([]provider.Provider, error) {
	providers := make([]provider.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		settings, err := pc.Settings()
		if err != nil {
			return nil, err
		}
		switch pc.Kind {
		case "openaifm":
			providers = append(providers, openaifm.New(settings))
		case "openai":
			providers = append(providers, openaispeech.New(settings))
		case "elevenlabs":
			providers = append(providers, elevenlabs.New(settings))
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", pc.Name, pc.Kind)
		}
	}
	return providers, nil
}
