package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"comment-notify/dispatch"
	"comment-notify/pkg/notifier"
	"comment-notify/preference"
)

// commentRequest is posted by the comment system after a comment is persisted.
type commentRequest struct {
	Comment notifier.Comment `json:"comment"`
	Entity  notifier.Entity  `json:"entity"`

	Notify     bool   `json:"notify"`
	NotifyType string `json:"notify_type"` // "node", "comment", or the numeric value
	// NodeNotify updates a registered commenter's opt-in for comments on their own content.
	NodeNotify *bool `json:"node_notify,omitempty"`

	MaySubscribe bool `json:"may_subscribe"`
	MayContact   bool `json:"may_contact"`
}

type failure struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

type commentResponse struct {
	Notify   string    `json:"notify"`
	Hash     string    `json:"notify_hash"`
	PassID   string    `json:"pass_id"`
	Sent     int       `json:"sent"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped"`
	Failures []failure `json:"failures,omitempty"`
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req commentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.logger.Info("Comment hook rejected", "error", err)
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Comment.EntityID != req.Entity.ID {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "comment does not belong to entity"})
		return
	}

	// Everything below the validation step may write; reject bad input first.
	mode, err := s.resolve(&req)
	if err != nil {
		s.logger.Info("Notification preference rejected", "comment_id", req.Comment.ID, "error", err)
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	ctx := r.Context()
	author := req.Comment.Author
	sub := &notifier.Subscription{
		EntityID:   req.Entity.ID,
		CommentID:  req.Comment.ID,
		Subscriber: author,
		Mode:       mode,
		Hash:       s.tokenizer.Derive(author, req.Entity.ID, req.Comment.ID),
	}
	if err := s.store.Save(ctx, sub); err != nil {
		s.logger.Error("Failed to save subscription", "comment_id", sub.CommentID, "error", err)
		http.Error(w, "Failed to save subscription", http.StatusInternalServerError)
		return
	}

	if !author.Anonymous() {
		s.rememberPreference(r, &req, mode)
	}
	s.resolveOwnerOptIn(r, &req.Entity)

	report, err := s.dispatcher.Dispatch(ctx, dispatch.Event{Comment: req.Comment, Entity: req.Entity})
	if err != nil {
		s.logger.Error("Dispatch pass failed", "comment_id", req.Comment.ID, "error", err)
		http.Error(w, "Failed to dispatch notifications", http.StatusInternalServerError)
		return
	}

	resp := commentResponse{
		Notify:  mode.String(),
		Hash:    sub.Hash,
		PassID:  report.PassID,
		Sent:    report.Sent,
		Failed:  report.Failed,
		Skipped: report.Skipped,
	}
	for _, d := range report.Deliveries {
		if d.Err != nil {
			resp.Failures = append(resp.Failures, failure{Email: d.Email, Error: d.Err.Error()})
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) resolve(req *commentRequest) (notifier.Mode, error) {
	return preference.Resolve(preference.Submission{
		Notify:       req.Notify,
		NotifyType:   req.NotifyType,
		Subscriber:   req.Comment.Author,
		MaySubscribe: req.MaySubscribe,
		MayContact:   req.MayContact,
	}, s.settings)
}

// rememberPreference stores a registered commenter's latest choice. Failures are
// logged only; the comment itself was accepted.
func (s *Server) rememberPreference(r *http.Request, req *commentRequest, mode notifier.Mode) {
	ctx := r.Context()
	author := req.Comment.Author

	pref := &notifier.Preference{UserID: author.UserID, Email: author.Email, CommentMode: mode}
	stored, err := s.store.Preference(ctx, author.UserID)
	switch {
	case err == nil:
		pref.NodeNotify = stored.NodeNotify
	case errors.Is(err, notifier.ErrNotFound):
		pref.NodeNotify = s.settings.EntityAuthorDefault
	default:
		s.logger.Warn("Failed to load preference", "user_id", author.UserID, "error", err)
		return
	}
	if req.NodeNotify != nil {
		pref.NodeNotify = *req.NodeNotify
	}

	if err := s.store.SavePreference(ctx, pref); err != nil {
		s.logger.Warn("Failed to save preference", "user_id", author.UserID, "error", err)
	}
}

func (s *Server) resolveOwnerOptIn(r *http.Request, entity *notifier.Entity) {
	var stored *notifier.Preference
	if entity.Owner.UserID != 0 {
		pref, err := s.store.Preference(r.Context(), entity.Owner.UserID)
		switch {
		case err == nil:
			stored = pref
		case !errors.Is(err, notifier.ErrNotFound):
			s.logger.Warn("Failed to load owner preference", "user_id", entity.Owner.UserID, "error", err)
		}
	}
	entity.Owner.NodeNotify = preference.EntityAuthorOptIn(stored, entity.Owner.NodeNotify, s.settings)
}

type modeOption struct {
	Value int    `json:"value"`
	Name  string `json:"name"`
	Label string `json:"label"`
}

// handlePreferences returns what a comment form should pre-select for a user.
func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var userID int64
	if v := r.URL.Query().Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			http.Error(w, "Invalid user_id", http.StatusBadRequest)
			return
		}
		userID = id
	}

	var last *notifier.Preference
	if userID != 0 {
		pref, err := s.store.Preference(r.Context(), userID)
		switch {
		case err == nil:
			last = pref
		case !errors.Is(err, notifier.ErrNotFound):
			s.logger.Error("Failed to load preference", "user_id", userID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}

	def := preference.Default(userID == 0, last, s.settings)
	var opts []modeOption
	for _, m := range preference.Options(s.settings) {
		opts = append(opts, modeOption{Value: int(m), Name: m.String(), Label: preference.Label(m)})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"default":     def.String(),
		"notify":      def != notifier.Disabled,
		"options":     opts,
		"node_notify": preference.EntityAuthorOptIn(last, false, s.settings),
	})
}
