package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"gpos/backend/internal/cache"
	"gpos/backend/internal/config"
	"gpos/backend/internal/domain"
	"gpos/backend/internal/events"
	"gpos/backend/internal/httpapi"
	"gpos/backend/internal/logging"
	"gpos/backend/internal/messaging"
	"gpos/backend/internal/metrics"
	"gpos/backend/internal/oauthproxy"
	"gpos/backend/internal/service"
	"gpos/backend/internal/store"
	"gpos/backend/internal/store/memory"
	"gpos/backend/internal/store/seed"
	pgstore "gpos/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg := config.Load()
	logCloser := logging.Setup("gpos-backend", cfg.LogLevel, cfg.LogFile)
	defer logCloser.Close()

	if err := validateSecurityConfig(cfg); err != nil {
		zlog.Fatal().Err(err).Msg("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			zlog.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			zlog.Fatal().Err(err).Msg("postgres schema setup failed")
		}
		if cfg.SeedCatalog || cfg.SeedFile != "" {
			catalog, users, err := loadCatalog(cfg)
			if err != nil {
				zlog.Fatal().Err(err).Msg("catalog seed unreadable")
			}
			if err := pg.Seed(ctx, catalog, users); err != nil {
				zlog.Fatal().Err(err).Msg("postgres seed failed")
			}
			zlog.Info().Int("items", len(catalog.Items)).Int("customers", len(catalog.Customers)).Msg("postgres catalog seeded")
		}
		repo = pg
		closers = append(closers, pg.Close)
		zlog.Info().Msg("repository: postgres")
	} else if cfg.SeedFile != "" {
		catalog, users, err := loadCatalog(cfg)
		if err != nil {
			zlog.Fatal().Err(err).Msg("catalog seed unreadable")
		}
		mem := memory.New()
		mem.Load(catalog, users)
		repo = mem
		zlog.Info().Str("seed_file", cfg.SeedFile).Msg("repository: in-memory")
	} else {
		repo = memory.NewSeeded()
		zlog.Info().Msg("repository: in-memory")
	}

	var cacheStore cache.Store = cache.NewMemoryStore()
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			zlog.Warn().Err(err).Msg("redis unavailable, duplicate guard and otp use process memory")
		} else {
			cacheStore = redisCache
			closers = append(closers, redisCache.Close)
			zlog.Info().Msg("cache: redis")
		}
	} else {
		zlog.Info().Msg("cache: memory")
	}

	var publisher events.Publisher = events.LogPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		publisher = kafka
		closers = append(closers, kafka.Close)
		zlog.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("events: kafka")
	} else {
		zlog.Info().Msg("events: log only")
	}

	outbound := &http.Client{Timeout: 10 * time.Second}

	var gateway messaging.Gateway = messaging.LogGateway{}
	if cfg.SMSGatewayURL != "" {
		gateway = messaging.NewHTTPGateway(cfg.SMSGatewayURL, cfg.SMSGatewayToken, outbound)
	}

	m := metrics.New()
	svc := service.New(repo, service.Options{
		Cache:     cacheStore,
		Events:    publisher,
		Metrics:   m,
		Tokens:    oauthproxy.New(cfg.OAuthTokenURL, outbound),
		Messaging: gateway,
		DedupTTL:  time.Duration(cfg.DedupTTLSeconds) * time.Second,
		OTPTTL:    time.Duration(cfg.OTPTTLSeconds) * time.Second,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, m, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zlog.Info().Str("addr", cfg.Address()).Msg("gpos backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			zlog.Error().Err(err).Msg("close error")
		}
	}

	zlog.Info().Msg("server stopped")
}

// loadCatalog reads SEED_FILE when set and the embedded demo catalog
// otherwise.
func loadCatalog(cfg config.Config) (seed.Catalog, []domain.UserAccount, error) {
	var catalog seed.Catalog
	var err error
	if cfg.SeedFile != "" {
		catalog, err = seed.ReadFile(cfg.SeedFile)
	} else {
		catalog, err = seed.Default()
	}
	if err != nil {
		return seed.Catalog{}, nil, err
	}
	users, err := seed.Users()
	if err != nil {
		return seed.Catalog{}, nil, err
	}
	return catalog, users, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.SMSGatewayURL != "" && cfg.SMSGatewayToken == "" {
		return fmt.Errorf("SMS_GATEWAY_TOKEN must be set when SMS_GATEWAY_URL is configured")
	}
	return nil
}
