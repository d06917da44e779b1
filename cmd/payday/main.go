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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"payday/auth"
	"payday/config"
	"payday/confirmation"
	"payday/escrow"
	"payday/gig"
	"payday/ledger"
	"payday/middleware"
	"payday/models"
	"payday/observability/logging"
	"payday/observability/otel"
	"payday/provider"
	"payday/recon"
	"payday/server"
	"payday/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.Setup("payday", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "payday",
			Environment: cfg.Environment,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
		})
		if err != nil {
			logger.Error("otel init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("database connection error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("auto migrate error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store := ledger.NewStore(db, nil)
	gigs := gig.NewRegistry(db, nil)

	providers := provider.NewRegistry()
	if cfg.Provider.PaystackSecretKey != "" {
		paystack, err := provider.NewPaystack(provider.PaystackConfig{
			BaseURL:           cfg.Provider.PaystackBaseURL,
			SecretKey:         cfg.Provider.PaystackSecretKey,
			Timeout:           cfg.Provider.Timeout,
			RequestsPerMinute: cfg.Provider.RequestsPerMinute,
		})
		if err != nil {
			logger.Error("paystack init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := providers.Register(paystack); err != nil {
			logger.Error("provider registration failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	engine := escrow.NewEngine(escrow.Config{
		DB:              db,
		Ledger:          store,
		Gigs:            gigs,
		Providers:       providers,
		ProviderName:    cfg.Provider.Name,
		PlatformAccount: cfg.PlatformAccountID,
		FeeBps:          cfg.FeeBps,
		VerifyTimeout:   cfg.Provider.Timeout,
		Logger:          logger,
	})
	confirmations := confirmation.NewMachine(db, gigs, engine, nil, logger)

	verifier, err := auth.NewVerifier(auth.Options{
		Secret:         cfg.Auth.Secret,
		Issuer:         cfg.Auth.Issuer,
		Audience:       cfg.Auth.Audience,
		MaxSkewSeconds: cfg.Auth.MaxSkewSeconds,
	})
	if err != nil {
		logger.Error("auth init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var webhookVerifier *webhook.Verifier
	if cfg.Webhook.Secret != "" {
		nonces, err := webhook.OpenNonceStore(cfg.Webhook.NoncePath)
		if err != nil {
			logger.Error("webhook nonce store failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer nonces.Close()
		webhookVerifier, err = webhook.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.Window, nonces, nil)
		if err != nil {
			logger.Error("webhook verifier failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		go pruneNonces(ctx, nonces, cfg.Webhook.Window, logger)
	}

	reconciler := recon.NewReconciler(recon.Config{
		DB:                   db,
		OutputDir:            cfg.Recon.OutputDir,
		StaleConfirmationAge: cfg.Recon.StaleConfirmationAge,
		Logger:               logger,
	})
	nightly := recon.NewNightly(reconciler, cfg.Recon, logger)
	go nightly.Start(ctx)

	srv := server.New(server.Config{
		DB:            db,
		Ledger:        store,
		Escrow:        engine,
		Confirmations: confirmations,
		Gigs:          gigs,
		Auth:          verifier,
		Webhooks:      webhookVerifier,
		Recon:         reconciler,
		RateLimits: map[string]middleware.RateLimit{
			"money": {RequestsPerMinute: 30, Burst: 5},
		},
		Logger: logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", otelhttp.NewHandler(srv.Handler(), "payday"))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("payday listening", slog.String("port", cfg.Port), slog.String("env", cfg.Environment))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// pruneNonces trims the webhook replay store on a fixed cadence so it only
// retains entries young enough to matter for the acceptance window.
func pruneNonces(ctx context.Context, nonces *webhook.NonceStore, window time.Duration, logger *slog.Logger) {
	retention := 4 * window
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := nonces.Prune(ctx, time.Now().Add(-retention)); err != nil {
				logger.Warn("nonce prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
