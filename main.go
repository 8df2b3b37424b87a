// Package main implements a Cloud Run service that records comment
// subscriptions, sends follow-up notifications when new comments arrive and
// serves the unsubscribe endpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"comment-notify/dispatch"
	"comment-notify/email"
	"comment-notify/server"
	notifystorage "comment-notify/storage"
	"comment-notify/token"
	"comment-notify/unsubscribe"
)

// subscriptionStore is what every component needs from persistence.
type subscriptionStore interface {
	server.Store
	dispatch.Store
	unsubscribe.Store
	unsubscribe.Accounts
}

func main() {
	ctx := context.Background()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Optional .env for local development
	_ = godotenv.Load()

	cfg, err := loadSettings(os.Getenv)
	if err != nil {
		logger.Error("Invalid notification settings", "error", err)
		os.Exit(1)
	}

	store, closeStore, err := openStore(ctx, logger)
	if err != nil {
		logger.Error("Failed to open subscription store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	sender := email.New(newProvider(ctx, logger), logger)

	srv := server.New(&server.Config{
		Store:        store,
		Dispatcher:   dispatch.New(store, email.NewRenderer(), sender, cfg, logger),
		Unsubscriber: unsubscribe.New(store, store, logger),
		Tokenizer:    token.New([]byte(cfg.Secret)),
		Settings:     cfg,
		Logger:       logger,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := srv.ListenAndServe(port); err != nil {
		logger.Error("Server failed", "error", err)
		closeStore()
		os.Exit(1)
	}
}

// openStore picks SQLite when SQLITE_PATH is set, Cloud Storage when
// STORAGE_BUCKET is set, and a local directory otherwise.
func openStore(ctx context.Context, logger *slog.Logger) (subscriptionStore, func(), error) {
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		logger.Info("Using SQLite storage", "path", path)
		db, err := notifystorage.OpenSQLite(ctx, path, logger)
		if err != nil {
			return nil, nil, err
		}
		return db, func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		}, nil
	}

	bucket := os.Getenv("STORAGE_BUCKET")
	localStorage := os.Getenv("LOCAL_STORAGE")

	// Default to local development mode if no bucket specified
	if bucket == "" {
		if localStorage == "" {
			localStorage = "./data"
			logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
		}
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			return nil, nil, err
		}
		return notifystorage.NewBucket(nil, "", localStorage, logger), func() {}, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Using Cloud Storage", "bucket", bucket)
	return notifystorage.NewBucket(client, bucket, "", logger), func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}, nil
}

// newProvider selects the mail transport from the environment, falling back
// to the mock provider.
func newProvider(ctx context.Context, logger *slog.Logger) email.Provider {
	fromAddr := os.Getenv("MAIL_FROM")
	fromName := os.Getenv("MAIL_FROM_NAME")

	if key := os.Getenv("BREVO_API_KEY"); key != "" {
		logger.Info("Using Brevo email provider")
		return email.NewBrevoProvider(key, fromAddr, fromName, logger)
	}

	if host := os.Getenv("SMTP_HOST"); host != "" {
		port := os.Getenv("SMTP_PORT")
		if port == "" {
			port = "587"
		}
		logger.Info("Using SMTP email provider", "host", host, "port", port)
		return email.NewSMTPProvider(host, port, os.Getenv("SMTP_USERNAME"), os.Getenv("SMTP_PASSWORD"), fromAddr, fromName, logger)
	}

	svc, err := initGmailService(ctx)
	if err == nil {
		logger.Info("Using Gmail email provider")
		return email.NewGmailProvider(svc, logger)
	}
	logger.Info("Mock email mode enabled", "reason", err)
	return email.NewMockProvider(logger)
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	// Try explicit credentials first (for local development or specific use cases)
	credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON")
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// If running in Cloud Run, use Application Default Credentials (ADC)
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
