// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"comment-notify/dispatch"
	"comment-notify/pkg/notifier"
	"comment-notify/settings"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

const maxBodyBytes = 1 << 20

// Store interface for the records the comment hook writes.
type Store interface {
	Save(ctx context.Context, sub *notifier.Subscription) error
	SavePreference(ctx context.Context, pref *notifier.Preference) error
	Preference(ctx context.Context, userID int64) (*notifier.Preference, error)
}

// Dispatcher interface for running a notification pass.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) (*dispatch.Report, error)
}

// Unsubscriber interface for revoking subscriptions.
type Unsubscriber interface {
	ByHash(ctx context.Context, hash string) (bool, error)
	ByEmail(ctx context.Context, email string) (int, error)
}

// Tokenizer interface for deriving unsubscribe tokens.
type Tokenizer interface {
	Derive(sub notifier.Subscriber, entityID, commentID string) string
}

// Server handles HTTP requests.
type Server struct {
	store        Store
	dispatcher   Dispatcher
	unsubscriber Unsubscriber
	tokenizer    Tokenizer
	settings     *settings.Settings
	logger       *slog.Logger
	validate     *validator.Validate
	limiter      *rateLimiter
}

// Config holds server configuration.
type Config struct {
	Store        Store
	Dispatcher   Dispatcher
	Unsubscriber Unsubscriber
	Tokenizer    Tokenizer
	Settings     *settings.Settings
	Logger       *slog.Logger
	// UnsubscribeLimit is the number of unsubscribe requests allowed per IP per hour.
	UnsubscribeLimit int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	limit := cfg.UnsubscribeLimit
	if limit <= 0 {
		limit = defaultUnsubscribeLimit
	}
	return &Server{
		store:        cfg.Store,
		dispatcher:   cfg.Dispatcher,
		unsubscriber: cfg.Unsubscriber,
		tokenizer:    cfg.Tokenizer,
		settings:     cfg.Settings,
		logger:       cfg.Logger,
		validate:     validator.New(),
		limiter:      newRateLimiter(limit, time.Hour),
	}
}

// Handler returns the routed endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/comments", s.handleComment)
	mux.HandleFunc("/preferences", s.handlePreferences)
	mux.HandleFunc("/settings/validate", s.handleValidateSettings)
	mux.HandleFunc("/unsubscribe", s.handleUnsubscribe)
	return mux
}

// ListenAndServe starts the HTTP server on port.
func (s *Server) ListenAndServe(port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second, // Dispatch runs inside the comment hook
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

func (s *Server) handleValidateSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	candidate := settings.Default()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(candidate); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	// The secret is never part of the document; validate against the running one.
	candidate.Secret = s.settings.Secret

	if err := candidate.Validate(); err != nil {
		s.logger.Info("Settings rejected", "error", err)
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "valid"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("Failed to render template", "template", name, "error", err)
	}
}
