package server

import (
	"net/http"
	"strings"

	"comment-notify/unsubscribe"
)

type unsubscribePage struct {
	Message string
	Error   string
	Email   string
}

// handleUnsubscribe serves the tokenized link (GET with hash), the
// unsubscribe-by-email form (GET without hash) and its submission (POST).
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Rate limiting by IP to prevent token enumeration
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	if r.Method == http.MethodPost {
		s.unsubscribeByEmail(w, r)
		return
	}

	hash := r.URL.Query().Get("hash")
	if hash == "" {
		s.render(w, http.StatusOK, "unsubscribe.tmpl", unsubscribePage{})
		return
	}

	ok, err := s.unsubscriber.ByHash(r.Context(), hash)
	if err != nil {
		s.logger.Error("Failed to unsubscribe by token", "ip", ip, "error", err)
		s.render(w, http.StatusInternalServerError, "outcome.tmpl", unsubscribePage{Message: unsubscribe.HashOutcome(false)})
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
	}
	s.render(w, status, "outcome.tmpl", unsubscribePage{Message: unsubscribe.HashOutcome(ok)})
}

func (s *Server) unsubscribeByEmail(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	email := strings.TrimSpace(r.PostFormValue("email_to_unsubscribe"))
	if email == "" {
		email = strings.TrimSpace(r.PostFormValue("email"))
	}
	if err := s.validate.Var(email, "required,email,max=254"); err != nil {
		s.render(w, http.StatusBadRequest, "unsubscribe.tmpl", unsubscribePage{
			Error: "Please enter a valid email address.",
			Email: email,
		})
		return
	}

	count, err := s.unsubscriber.ByEmail(r.Context(), email)
	if err != nil {
		s.logger.Error("Failed to unsubscribe by email", "error", err)
		s.render(w, http.StatusInternalServerError, "unsubscribe.tmpl", unsubscribePage{
			Error: "Sorry, there was a problem unsubscribing from notifications.",
			Email: email,
		})
		return
	}
	s.render(w, http.StatusOK, "outcome.tmpl", unsubscribePage{Message: unsubscribe.EmailOutcome(count)})
}
