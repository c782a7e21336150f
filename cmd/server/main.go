package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/geofleet/fleet-server-go/internal/config"
	"github.com/geofleet/fleet-server-go/internal/credentials"
	"github.com/geofleet/fleet-server-go/internal/database"
	"github.com/geofleet/fleet-server-go/internal/events"
	"github.com/geofleet/fleet-server-go/internal/handler"
	"github.com/geofleet/fleet-server-go/internal/jobs"
	"github.com/geofleet/fleet-server-go/internal/middleware"
	"github.com/geofleet/fleet-server-go/internal/redis"
	"github.com/geofleet/fleet-server-go/internal/repository"
	"github.com/geofleet/fleet-server-go/internal/service"
	"github.com/geofleet/fleet-server-go/internal/validate"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := cfg.IsProduction()
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	ctx, cancel = context.WithTimeout(context.Background(), config.DBPingTimeout)
	redisClient, err := redis.NewClient(ctx, cfg.RedisURL)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	pairingRepo := repository.NewPairingRequestRepository(db.DB)
	deviceRepo := repository.NewDeviceRepository(db.DB)
	grantRepo := repository.NewDeviceUserRepository(db.DB)
	heartbeatRepo := repository.NewHeartbeatRepository(db.DB)
	locationRepo := repository.NewLocationRepository(db.DB)

	broker := events.NewBroker(redisClient)
	defer broker.Close()
	locationStream := events.NewStreamPublisher(redisClient, cfg.LocationStream)

	issuer, err := credentials.NewIssuer(cfg.DeviceJWTSecret, cfg.AccessTokenTTL(), cfg.RefreshTokenTTL())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create credential issuer")
	}

	var identity service.IdentityResolver = service.ContextResolver{}
	if cfg.IdentityFallback {
		log.Warn().Msg("IDENTITY_FALLBACK enabled: unauthenticated requests act as the first account in the store")
		identity = service.NewFallbackResolver(repository.NewIdentityRepository(db.DB), cfg.StoreTimeout())
	}

	validator := validate.New()

	pairingService := service.NewPairingService(
		db, pairingRepo, deviceRepo, grantRepo, issuer, identity, broker, validator,
		service.PairingConfig{
			TTL:          cfg.PairingTTL(),
			URLScheme:    cfg.PairingURLScheme,
			StoreTimeout: cfg.StoreTimeout(),
		},
	)
	deviceService := service.NewDeviceService(
		db, deviceRepo, grantRepo, heartbeatRepo, locationRepo, broker, locationStream, validator,
		cfg.StoreTimeout(),
	)

	limiter := service.NewRateLimiter(redisClient.Client, !isProduction)
	pairingRateLimit := middleware.NewRateLimitMiddleware(limiter, "pairing", cfg.PairingRateLimitPerMin, middleware.ByClientIP)
	deviceRateLimit := middleware.NewRateLimitMiddleware(limiter, "device", cfg.DeviceRateLimitPerMin, middleware.ByURLParam("id"))

	deviceAuth := middleware.NewDeviceAuth(issuer, deviceRepo, cfg.StoreTimeout())
	userAuth := middleware.NewUserAuth(cfg.UserJWTSecret, cfg.IdentityFallback)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	pairingHandler := handler.NewPairingHandler(pairingService, userAuth.Handler, middleware.BearerSecret(cfg.CleanupToken))
	deviceHandler := handler.NewDeviceHandler(deviceService, identity)
	eventsHandler := handler.NewEventsHandler(broker, identity)
	healthHandler := handler.NewHealthHandler(db, config.DBPingTimeout)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)

	// The event stream is long-lived and must not inherit the request timeout.
	r.With(userAuth.Handler).Get("/v1/events", eventsHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

		r.Route("/pairing", func(r chi.Router) {
			r.Use(pairingRateLimit.Handler)
			r.Mount("/", pairingHandler.Routes())
		})

		r.Route("/devices/{id}", func(r chi.Router) {
			r.Use(deviceRateLimit.Handler)
			r.Use(deviceAuth.Handler)
			r.Mount("/", deviceHandler.DeviceRoutes())
		})

		r.Route("/v1/devices/{id}", func(r chi.Router) {
			r.Use(userAuth.Handler)
			r.Mount("/", deviceHandler.UserRoutes())
		})
	})

	cleanupJob := jobs.NewCleanupJob(pairingService, deviceService, config.CleanupJobInterval, config.CleanupJobTimeout)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Bool("production", isProduction).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
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
