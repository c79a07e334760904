package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carebook/internal/audit"
	"carebook/internal/booking"
	"carebook/internal/config"
	"carebook/internal/daemon"
	"carebook/internal/database"
	"carebook/internal/guest"
	"carebook/internal/idp"
	"carebook/internal/logger"
	"carebook/internal/notifications"
	"carebook/internal/org"
	"carebook/internal/otp"
	"carebook/internal/payment"
	"carebook/internal/telemetry"
	"carebook/internal/web"

	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(context.Background()); err != nil {
		panic(err)
	}
}

func run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	cfg := config.NewConfig()
	log := logger.New(cfg)
	telemetry.Init()

	// Set up Postgres connection
	db := database.NewDatabase()
	if err := db.Connect(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MinIdleConns); err != nil {
		log.Error("Failed to initialize database", "error", err)
		return err
	}
	defer db.Close()

	// Refuse to serve if the row-security policies are not in place. Every
	// organization boundary in this service depends on them.
	if err := db.VerifyPolicies(ctx); err != nil {
		log.Error("Row security verification failed", "error", err)
		return err
	}

	// Set up Redis connection
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("Redis unreachable at startup, continuing", "error", err)
	}

	// Identity provider plumbing
	keys := idp.NewKeyCache(log, redisClient, cfg.IdentityProvider.JWKSURL,
		cfg.IdentityProvider.RequestTimeout, cfg.IdentityProvider.KeyCacheTTL)
	verifier := idp.NewVerifier(log, keys, cfg.IdentityProvider.Issuer, cfg.IdentityProvider.Audience)
	provider := idp.NewClient(log, cfg.IdentityProvider.APIURL, cfg.IdentityProvider.APIKey,
		cfg.IdentityProvider.RequestTimeout)

	// Domain managers
	resolver := org.NewResolver(log, &db, provider)
	codes := otp.NewStore(redisClient)
	notifier := notifications.NewNotifier(log, provider)
	guests := guest.NewService(log, &db, provider, codes, &notifier)
	payments := payment.NewClient(log, cfg.Stripe.APIKey)
	auditor := audit.NewAuditor(log, cfg.Audit.RequiredEventTypes)
	bookings := booking.NewManager(log, &db, guests, &payments, &auditor)

	// Background workers
	daemons := daemon.NewManager(log)
	daemons.Add("jwks_warmer", daemon.KeyWarmer(log, keys, cfg.IdentityProvider.KeyCacheTTL))
	daemons.Add("policy_monitor", daemon.PolicyMonitor(log, &db, time.Hour))
	daemons.Start(ctx)
	defer daemons.Wait()

	app := web.App{
		Logger:   log,
		Verifier: verifier,
		Resolver: resolver,
		DB:       &db,
		Bookings: &bookings,
	}
	router := app.NewRouter(cfg)

	go func() {
		sig := <-sigChan
		log.Info("Received signal, shutting down", "signal", sig.String())
		if err := router.Shutdown(); err != nil {
			log.Error("Shutdown failed", "error", err)
		}
		cancel()
	}()

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	log.Info("Starting server", "addr", addr)
	return router.Listen(addr)
}
