package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentdevsl/claudorc-sub000/internal/config"
	"github.com/agentdevsl/claudorc-sub000/internal/database"
	"github.com/agentdevsl/claudorc-sub000/internal/eventlog"
	"github.com/agentdevsl/claudorc-sub000/internal/handler"
	"github.com/agentdevsl/claudorc-sub000/internal/middleware"
	"github.com/agentdevsl/claudorc-sub000/internal/redis"
	"github.com/agentdevsl/claudorc-sub000/internal/repository"
	"github.com/agentdevsl/claudorc-sub000/internal/service"
	"github.com/agentdevsl/claudorc-sub000/internal/stream"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(cfg.IsProduction()); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := db.EnsureSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	streamMetrics, err := stream.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register stream metrics")
	}
	tokenMetrics, err := service.NewTokenMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register token metrics")
	}

	streams := stream.NewManager(eventlog.NewRedisBackend(redisClient), stream.Options{
		BufferSize: cfg.SubscriberBufferSize,
		Metrics:    streamMetrics,
	})
	defer streams.Close()

	sessionService := service.NewSessionService(service.SessionServiceConfig{
		Projects:  repository.NewProjectRepository(db.DB),
		Sessions:  repository.NewSessionRepository(db.DB),
		Events:    repository.NewSessionEventRepository(db.DB),
		Summaries: repository.NewSessionSummaryRepository(db.DB),
		Streams:   streams,
		Tx:        db,
		BaseURL:   cfg.BaseURL,
	})

	tokenService := service.NewStreamTokenService(service.StreamTokenOptions{
		MaxTokensPerUser: cfg.MaxTokensPerUser,
		DefaultExpiry:    cfg.TokenExpiry(),
		MaxExpiry:        cfg.TokenMaxExpiry(),
		Metrics:          tokenMetrics,
	})
	tokenService.StartCleanup(cfg.TokenCleanupInterval())
	defer tokenService.StopCleanup()

	isProduction := cfg.IsProduction()
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)
	tokenIssueLimit := middleware.NewRateLimitMiddleware(
		middleware.NewRedisRateLimiter(redisClient.Client),
		"stream-token-issue", cfg.TokenIssueRatePerMin, time.Minute, middleware.ByUser,
	)
	streamConnectLimit := middleware.NewRateLimitMiddleware(
		middleware.NewMemoryRateLimiter(nil),
		"stream-connect", cfg.StreamConnectRatePerMin, time.Minute, middleware.ByIP,
	)

	sessionHandler := handler.NewSessionHandler(sessionService)
	tokenHandler := handler.NewStreamTokenHandler(tokenService, sessionService)
	streamHandler := handler.NewStreamHandler(tokenService, sessionService)
	redisPing := handler.PingerFunc(func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"database": db,
		"redis":    redisPing,
	})

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// Event streams outlive the request timeout.
	r.With(streamConnectLimit.Handler).Get("/v1/stream", streamHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(bodyLimitMiddleware.Handler)
		r.Use(middleware.RequireUser)

		r.Mount("/v1/sessions", sessionHandler.Routes())
		r.Mount("/v1/projects", sessionHandler.ProjectRoutes())
		r.Mount("/v1/stream-tokens", tokenHandler.Routes(tokenIssueLimit.Handler))
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}
	server.RegisterOnShutdown(streamHandler.CloseAll)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
