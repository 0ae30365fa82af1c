package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	apihandlers "ovopay/internal/api"
	"ovopay/internal/common/database"
	"ovopay/internal/common/events"
	"ovopay/internal/common/middleware"
	natsclient "ovopay/internal/common/nats"
	"ovopay/internal/confirm"
	"ovopay/internal/payment"
	"ovopay/internal/receipt"
	"ovopay/internal/vfd"
	"ovopay/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"OVOPAY_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	AuthTokenSecret string `envconfig:"AUTH_TOKEN_SECRET" required:"true"`
	EventsEnabled   bool   `envconfig:"EVENTS_ENABLED" default:"true"`

	ConfirmPollInterval time.Duration `envconfig:"CONFIRM_POLL_INTERVAL" default:"1s"`
	ConfirmMaxAttempts  int           `envconfig:"CONFIRM_MAX_ATTEMPTS" default:"30"`

	Database database.Config
	NATS     natsclient.Config
	VFD      vfd.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Migrate and connect to database
	if err := database.Migrate(cfg.Database.URL, migrations.FS(), logger); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Event publisher: NATS when available, no-op otherwise. Event delivery
	// is best-effort and must not block payments.
	var publisher events.Publisher = natsclient.NoopPublisher{}
	if cfg.EventsEnabled {
		nc, err := natsclient.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Warn("NATS unavailable, events disabled", "error", err)
		} else {
			defer nc.Close()
			if _, err := nc.EnsureStream(ctx, natsclient.PaymentsStreamConfig()); err != nil {
				logger.Warn("failed to ensure payments stream", "error", err)
			}
			publisher = natsclient.NewPublisher(nc, logger)
		}
	}

	// Gateway client
	tokens := vfd.NewTokenSource(cfg.VFD, nil, nil, logger)
	gateway := vfd.NewClient(cfg.VFD, tokens, nil, logger)

	// Stores and services
	txStore := payment.NewPostgresStore(db.Pool())
	receiptStore := receipt.NewPostgresStore(db.Pool())

	paymentService := payment.NewService(txStore, gateway, publisher, logger)
	poller := confirm.NewPoller(
		confirm.NewTransactionStatusSource(paymentService),
		txStore,
		receiptStore,
		txStore,
		publisher,
		logger,
		confirm.WithPollInterval(cfg.ConfirmPollInterval),
		confirm.WithMaxAttempts(cfg.ConfirmMaxAttempts),
	)

	handler := apihandlers.NewHandler(paymentService, receiptStore, poller, publisher, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.BearerAuth(hmacVerifier(cfg.AuthTokenSecret)))
		r.Mount("/", handler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting ovopay service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// hmacVerifier verifies bearer tokens of the form "<userID>.<signature>"
// where signature is the URL-safe base64 HMAC-SHA256 of the user ID.
func hmacVerifier(secret string) middleware.TokenVerifier {
	key := []byte(secret)
	return func(ctx context.Context, token string) (string, error) {
		userID, sig, ok := strings.Cut(token, ".")
		if !ok || userID == "" {
			return "", errors.New("malformed token")
		}

		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(userID))
		expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

		if !hmac.Equal([]byte(sig), []byte(expected)) {
			return "", errors.New("invalid token signature")
		}
		return userID, nil
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
