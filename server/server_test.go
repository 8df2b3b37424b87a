package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"comment-notify/dispatch"
	"comment-notify/email"
	"comment-notify/pkg/notifier"
	"comment-notify/settings"
	"comment-notify/storage"
	"comment-notify/token"
	"comment-notify/unsubscribe"
)

type outbox struct {
	mu  sync.Mutex
	got []string
}

func (o *outbox) Send(_ context.Context, to, _, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, to)
	return nil
}

func (o *outbox) sent() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.got...)
}

type harness struct {
	handler http.Handler
	store   *storage.SQLite
	outbox  *outbox
	cfg     *settings.Settings
}

func newHarness(t *testing.T, limit int) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.OpenSQLite(context.Background(), ":memory:", logger)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := settings.Default()
	cfg.Secret = "secret"
	cfg.BaseURL = "https://example.com"
	box := &outbox{}

	srv := New(&Config{
		Store:            store,
		Dispatcher:       dispatch.New(store, email.NewRenderer(), box, cfg, logger),
		Unsubscriber:     unsubscribe.New(store, store, logger),
		Tokenizer:        token.New([]byte(cfg.Secret)),
		Settings:         cfg,
		Logger:           logger,
		UnsubscribeLimit: limit,
	})
	return &harness{handler: srv.Handler(), store: store, outbox: box, cfg: cfg}
}

func (h *harness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) postComment(t *testing.T, body map[string]any) (*httptest.ResponseRecorder, commentResponse) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec := h.do(t, httptest.NewRequest(http.MethodPost, "/comments", strings.NewReader(string(data))))
	var resp commentResponse
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec, resp
}

func commentBody(id, parent, addr string, uid int64, notify bool, notifyType string) map[string]any {
	return map[string]any{
		"comment": map[string]any{
			"id":        id,
			"parent_id": parent,
			"entity_id": "node-1",
			"author":    map[string]any{"user_id": uid, "name": strings.Split(addr, "@")[0], "email": addr},
			"subject":   "Hello",
			"body":      "<p>Body</p>",
		},
		"entity": map[string]any{
			"id":    "node-1",
			"type":  "article",
			"title": "Winter tyres",
		},
		"notify":        notify,
		"notify_type":   notifyType,
		"may_subscribe": true,
		"may_contact":   true,
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, 0)
	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("GET /health = %d %q", rec.Code, rec.Body.String())
	}
	rec = h.do(t, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health = %d, want 405", rec.Code)
	}
}

func TestCommentHookRepliesOnlyFlow(t *testing.T) {
	h := newHarness(t, 0)

	rec, first := h.postComment(t, commentBody("c-1", "", "alice@example.com", 0, true, "comment"))
	if rec.Code != http.StatusOK {
		t.Fatalf("first comment = %d %s", rec.Code, rec.Body.String())
	}
	if first.Notify != "comment" || !token.Valid(first.Hash) {
		t.Errorf("first response = %+v", first)
	}

	// A top-level comment does not reach a replies-only subscriber.
	rec, top := h.postComment(t, commentBody("c-2", "", "bob@example.com", 0, false, ""))
	if rec.Code != http.StatusOK || top.Sent != 0 {
		t.Fatalf("top-level comment = %d sent=%d", rec.Code, top.Sent)
	}

	// A direct reply does, exactly once.
	rec, reply := h.postComment(t, commentBody("c-3", "c-1", "carol@example.com", 0, false, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("reply = %d %s", rec.Code, rec.Body.String())
	}
	if reply.Sent != 1 || reply.PassID == "" {
		t.Errorf("reply response = %+v", reply)
	}
	if got := h.outbox.sent(); len(got) != 1 || got[0] != "alice@example.com" {
		t.Errorf("sent = %v, want only alice", got)
	}
}

func TestCommentHookSingleModeForced(t *testing.T) {
	h := newHarness(t, 0)
	h.cfg.EnabledModes = []notifier.Mode{notifier.AllComments}

	rec, resp := h.postComment(t, commentBody("c-1", "", "guest@example.com", 0, true, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /comments = %d %s", rec.Code, rec.Body.String())
	}
	if resp.Notify != "node" {
		t.Errorf("notify = %q, want node", resp.Notify)
	}
}

func TestCommentHookIgnoresModeWhenNotAsked(t *testing.T) {
	tests := []struct {
		name   string
		modes  []notifier.Mode
		notify bool
		want   string
	}{
		{"checkbox off", []notifier.Mode{notifier.AllComments, notifier.RepliesOnly}, false, "disabled"},
		{"single mode forced", []notifier.Mode{notifier.RepliesOnly}, true, "comment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0)
			h.cfg.EnabledModes = tt.modes

			rec, resp := h.postComment(t, commentBody("c-1", "", "alice@example.com", 0, tt.notify, "bogus"))
			if rec.Code != http.StatusOK {
				t.Fatalf("POST /comments = %d %s, want 200", rec.Code, rec.Body.String())
			}
			if resp.Notify != tt.want {
				t.Errorf("notify = %q, want %q", resp.Notify, tt.want)
			}
		})
	}
}

func TestCommentHookRepostDoesNotRenotify(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	first := commentBody("c-1", "", "alice@example.com", 0, true, "node")
	if rec, _ := h.postComment(t, first); rec.Code != http.StatusOK {
		t.Fatalf("first comment = %d %s", rec.Code, rec.Body.String())
	}
	if rec, _ := h.postComment(t, commentBody("c-2", "", "bob@example.com", 0, false, "")); rec.Code != http.StatusOK {
		t.Fatalf("second comment = %d %s", rec.Code, rec.Body.String())
	}
	if got := h.outbox.sent(); len(got) != 1 || got[0] != "alice@example.com" {
		t.Fatalf("sent = %v, want alice once", got)
	}

	// The CMS retries or re-fires the hook for the first comment.
	if rec, _ := h.postComment(t, first); rec.Code != http.StatusOK {
		t.Fatalf("re-posted comment = %d %s", rec.Code, rec.Body.String())
	}
	sub, err := h.store.Load(ctx, "c-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !sub.Notified {
		t.Error("re-posting the hook cleared notified")
	}

	if rec, _ := h.postComment(t, commentBody("c-3", "", "carol@example.com", 0, false, "")); rec.Code != http.StatusOK {
		t.Fatalf("third comment = %d %s", rec.Code, rec.Body.String())
	}
	if got := h.outbox.sent(); len(got) != 1 {
		t.Errorf("sent = %v, want alice mailed once", got)
	}
}

func TestCommentHookRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
		want   int
	}{
		{"missing mode with two enabled", func(b map[string]any) { b["notify_type"] = "" }, http.StatusUnprocessableEntity},
		{"unknown mode", func(b map[string]any) { b["notify_type"] = "weekly" }, http.StatusUnprocessableEntity},
		{"anonymous without email", func(b map[string]any) {
			b["comment"].(map[string]any)["author"] = map[string]any{"name": "guest"}
		}, http.StatusUnprocessableEntity},
		{"missing comment id", func(b map[string]any) { b["comment"].(map[string]any)["id"] = "" }, http.StatusBadRequest},
		{"missing entity type", func(b map[string]any) { delete(b["entity"].(map[string]any), "type") }, http.StatusBadRequest},
		{"malformed author email", func(b map[string]any) {
			b["comment"].(map[string]any)["author"] = map[string]any{"email": "not-an-email"}
		}, http.StatusBadRequest},
		{"entity mismatch", func(b map[string]any) { b["entity"].(map[string]any)["id"] = "node-2" }, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0)
			body := commentBody("c-1", "", "alice@example.com", 0, true, "node")
			tt.mutate(body)

			rec, _ := h.postComment(t, body)
			if rec.Code != tt.want {
				t.Fatalf("POST /comments = %d %s, want %d", rec.Code, rec.Body.String(), tt.want)
			}
			// Rejected input never writes.
			if _, err := h.store.Load(context.Background(), "c-1"); !errors.Is(err, notifier.ErrNotFound) {
				t.Errorf("record written for rejected request: %v", err)
			}
		})
	}
}

func TestCommentHookBadRequest(t *testing.T) {
	h := newHarness(t, 0)
	rec := h.do(t, httptest.NewRequest(http.MethodPost, "/comments", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON = %d, want 400", rec.Code)
	}
	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/comments", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /comments = %d, want 405", rec.Code)
	}
}

func TestCommentHookRemembersPreference(t *testing.T) {
	h := newHarness(t, 0)
	body := commentBody("c-1", "", "member@example.com", 7, true, "comment")
	body["node_notify"] = true

	if rec, _ := h.postComment(t, body); rec.Code != http.StatusOK {
		t.Fatalf("POST /comments = %d %s", rec.Code, rec.Body.String())
	}
	pref, err := h.store.Preference(context.Background(), 7)
	if err != nil {
		t.Fatalf("Preference() error = %v", err)
	}
	if pref.CommentMode != notifier.RepliesOnly || !pref.NodeNotify || pref.Email != "member@example.com" {
		t.Errorf("stored preference = %+v", pref)
	}

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/preferences?user_id=7", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /preferences = %d", rec.Code)
	}
	var got struct {
		Default    string `json:"default"`
		Notify     bool   `json:"notify"`
		NodeNotify bool   `json:"node_notify"`
		Options    []struct {
			Name string `json:"name"`
		} `json:"options"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Default != "comment" || !got.Notify || !got.NodeNotify || len(got.Options) != 2 {
		t.Errorf("GET /preferences = %+v", got)
	}

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/preferences?user_id=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad user_id = %d, want 400", rec.Code)
	}
}

func TestCommentHookNotifiesOptedInOwner(t *testing.T) {
	h := newHarness(t, 0)

	// The owner opted in when commenting earlier.
	ownerBody := commentBody("c-1", "", "owner@example.com", 1, false, "")
	ownerBody["node_notify"] = true
	if rec, _ := h.postComment(t, ownerBody); rec.Code != http.StatusOK {
		t.Fatalf("owner comment = %d", rec.Code)
	}

	body := commentBody("c-2", "", "bob@example.com", 0, false, "")
	body["entity"].(map[string]any)["owner"] = map[string]any{"user_id": 1, "name": "owner", "email": "owner@example.com"}
	rec, resp := h.postComment(t, body)
	if rec.Code != http.StatusOK || resp.Sent != 1 {
		t.Fatalf("POST /comments = %d sent=%d", rec.Code, resp.Sent)
	}
	if got := h.outbox.sent(); len(got) != 1 || got[0] != "owner@example.com" {
		t.Errorf("sent = %v, want owner", got)
	}
}

func TestUnsubscribeByHash(t *testing.T) {
	h := newHarness(t, 0)
	_, resp := h.postComment(t, commentBody("c-1", "", "alice@example.com", 0, true, "node"))

	for range 2 {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, "/unsubscribe?hash="+resp.Hash, nil))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "was disabled") {
			t.Errorf("GET /unsubscribe = %d %s", rec.Code, rec.Body.String())
		}
	}
	sub, err := h.store.Load(context.Background(), "c-1")
	if err != nil || sub.Mode != notifier.Disabled {
		t.Errorf("record after unsubscribe = %+v, %v", sub, err)
	}

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/unsubscribe?hash="+strings.Repeat("0", 64), nil))
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "problem unsubscribing") {
		t.Errorf("unknown token = %d %s", rec.Code, rec.Body.String())
	}
}

func TestUnsubscribeForm(t *testing.T) {
	h := newHarness(t, 0)
	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/unsubscribe", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `name="email_to_unsubscribe"`) {
		t.Errorf("GET /unsubscribe = %d %s", rec.Code, rec.Body.String())
	}
}

func TestUnsubscribeByEmail(t *testing.T) {
	h := newHarness(t, 0)
	for _, id := range []string{"c-1", "c-2"} {
		if rec, _ := h.postComment(t, commentBody(id, "", "alice@example.com", 0, true, "node")); rec.Code != http.StatusOK {
			t.Fatalf("POST /comments = %d", rec.Code)
		}
	}

	tests := []struct {
		name  string
		field string
		value string
		code  int
		want  string
	}{
		{"two records", "email_to_unsubscribe", "Alice@example.com", http.StatusOK, "Email unsubscribed from 2 comment notifications."},
		{"nothing left", "email", "alice@example.com", http.StatusOK, "There were no active comment notifications for that email."},
		{"invalid address", "email_to_unsubscribe", "alice", http.StatusBadRequest, "valid email address"},
		{"missing address", "email_to_unsubscribe", "", http.StatusBadRequest, "valid email address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := url.Values{tt.field: {tt.value}}
			req := httptest.NewRequest(http.MethodPost, "/unsubscribe", strings.NewReader(form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := h.do(t, req)
			if rec.Code != tt.code || !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("POST /unsubscribe = %d %s, want %d containing %q", rec.Code, rec.Body.String(), tt.code, tt.want)
			}
		})
	}
}

func TestUnsubscribeRateLimit(t *testing.T) {
	h := newHarness(t, 2)
	for i := range 3 {
		req := httptest.NewRequest(http.MethodGet, "/unsubscribe?hash=x", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		rec := h.do(t, req)
		if i < 2 && rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d rate limited too early", i+1)
		}
		if i == 2 && rec.Code != http.StatusTooManyRequests {
			t.Errorf("request %d = %d, want 429", i+1, rec.Code)
		}
	}

	// Other clients are unaffected.
	req := httptest.NewRequest(http.MethodGet, "/unsubscribe", nil)
	req.RemoteAddr = "198.51.100.7:4321"
	if rec := h.do(t, req); rec.Code != http.StatusOK {
		t.Errorf("other client = %d, want 200", rec.Code)
	}
}

func TestValidateSettings(t *testing.T) {
	h := newHarness(t, 0)
	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{"no modes", `{"available_alerts": []}`, http.StatusUnprocessableEntity, "at least one subscription mode"},
		{"disabled listed", `{"available_alerts": [0]}`, http.StatusUnprocessableEntity, "invalid notification mode"},
		{"valid", `{"available_alerts": [2], "default_anon_mailalert": 2}`, http.StatusOK, "valid"},
		{"malformed", `{`, http.StatusBadRequest, "Invalid JSON"},
		{"unparseable mail text", `{"available_alerts": [1], "comment_notify_default_mailtext": {"subject": "{{.Entity", "body": "x"}}`, http.StatusUnprocessableEntity, "invalid mail template"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, httptest.NewRequest(http.MethodPost, "/settings/validate", strings.NewReader(tt.body)))
			if rec.Code != tt.code || !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("POST /settings/validate = %d %s, want %d containing %q", rec.Code, rec.Body.String(), tt.code, tt.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"forwarded", "203.0.113.1, 10.0.0.1", "10.0.0.2:1234", "203.0.113.1"},
		{"remote addr", "", "192.0.2.4:5555", "192.0.2.4"},
		{"ipv6 remote addr", "", "[2001:db8::1]:443", "2001:db8::1"},
		{"no port", "", "192.0.2.5", "192.0.2.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
