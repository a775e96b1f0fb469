package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soilscope/advisory-platform/internal/activity"
	"github.com/soilscope/advisory-platform/internal/apperr"
	"github.com/soilscope/advisory-platform/internal/middleware"
	"github.com/soilscope/advisory-platform/internal/model"
	"github.com/soilscope/advisory-platform/internal/ratelimit"
	"github.com/soilscope/advisory-platform/internal/service"
	"github.com/soilscope/advisory-platform/internal/store"
	"github.com/soilscope/advisory-platform/pkg/logger"
)

// testUser stands in for Auth: the X-Test-User header becomes the identity.
func testUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get("X-Test-User"); user != "" {
			r = r.WithContext(middleware.WithIdentity(r.Context(), model.Identity{UserID: user}))
		}
		next.ServeHTTP(w, r)
	})
}

func newTestRouter(t *testing.T, writeMax int) http.Handler {
	t.Helper()
	log := logger.Nop()

	svc := service.NewConversationService(store.NewMemory(), "handler-test-secret")
	registry := activity.NewRegistry(activity.NewMemoryStorage())
	limiter := ratelimit.New()

	conversations := NewConversationHandler(svc, log)
	messages := NewMessageHandler(svc, log)
	activities := NewActivityHandler(registry, log)
	health := NewHealthHandler(log, ReadinessCheck{Name: "store", Ping: func(ctx context.Context) error { return nil }})

	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(testUser)
		api.With(middleware.FixedWindow(limiter, "create-conversation", time.Minute, writeMax)).
			Post("/conversations", conversations.Create)
		api.Get("/conversations", conversations.List)
		api.Get("/conversations/{id}", conversations.Get)
		api.Post("/conversations/{id}/messages", messages.Send)
		api.Post("/activity", activities.Track)
		api.Get("/activity/stats", activities.Stats)
		api.Get("/sessions", activities.Sessions)
		api.Post("/sessions/{sessionId}/end", activities.End)
		api.Get("/sessions/{sessionId}/activities", activities.Activities)
	})
	return r
}

func do(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestConversationFlow(t *testing.T) {
	h := newTestRouter(t, 10)

	rec := do(t, h, http.MethodPost, "/api/v1/conversations", "u1", model.CreateConversationRequest{
		ExpertID:       "e1",
		DataType:       "soil",
		InitialMessage: "hi",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[model.CreateConversationResponse](t, rec)
	if !created.Created || created.ID == "" {
		t.Fatalf("Unexpected response: %+v", created)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/conversations", "u1", model.CreateConversationRequest{ExpertID: "e1", DataType: "soil"})
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 on reuse, got %d", rec.Code)
	}

	path := "/api/v1/conversations/" + created.ID

	rec = do(t, h, http.MethodGet, path, "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for owner, got %d", rec.Code)
	}
	view := decode[model.ConversationView](t, rec)
	if len(view.Messages) != 1 || view.Messages[0].Content != "hi" {
		t.Errorf("Unexpected messages: %+v", view.Messages)
	}

	if rec := do(t, h, http.MethodGet, path, "u2", nil); rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for u2, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, path, "e1", nil); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for assigned expert, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, path+"/messages", "e1", model.SendMessageRequest{Content: "Your pH is fine."})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	sent := decode[model.SendMessageResponse](t, rec)
	if sent.Message.Sender != model.SenderExpert {
		t.Errorf("Expected expert sender, got %s", sent.Message.Sender)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/conversations", "e1", nil)
	list := decode[model.ListConversationsResponse](t, rec)
	if list.Total != 1 || list.Conversations[0].ID != created.ID {
		t.Errorf("Unexpected list: %+v", list)
	}
}

func TestConversationErrors(t *testing.T) {
	h := newTestRouter(t, 10)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		want   int
	}{
		{"unauthenticated", http.MethodGet, "/api/v1/conversations", "", nil, http.StatusUnauthorized},
		{"missing data type", http.MethodPost, "/api/v1/conversations", "u1", model.CreateConversationRequest{ExpertID: "e1"}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/v1/conversations", "u1", "{not json", http.StatusBadRequest},
		{"malformed id", http.MethodGet, "/api/v1/conversations/not-a-uuid", "u1", nil, http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/api/v1/conversations/0190b6a2-7c1e-7e3a-9c7b-3f2a1d4e5f60", "u1", nil, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/api/v1/conversations?limit=abc", "u1", nil, http.StatusBadRequest},
		{"empty message", http.MethodPost, "/api/v1/conversations/0190b6a2-7c1e-7e3a-9c7b-3f2a1d4e5f60/messages", "u1", model.SendMessageRequest{}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.user, tt.body)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Errorf("Expected JSON error body, got %s", rec.Body.String())
			}
		})
	}
}

func TestCreateConversationRateLimited(t *testing.T) {
	h := newTestRouter(t, 2)
	body := model.CreateConversationRequest{IsAIExpert: true, DataType: "soil"}

	for i := 0; i < 2; i++ {
		if rec := do(t, h, http.MethodPost, "/api/v1/conversations", "u1", body); rec.Code >= 300 {
			t.Fatalf("request %d: expected success, got %d", i+1, rec.Code)
		}
	}

	rec := do(t, h, http.MethodPost, "/api/v1/conversations", "u1", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("Expected rate limit headers, got %v", rec.Header())
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/conversations", "u2", body); rec.Code >= 300 {
		t.Errorf("Expected u2 to be unaffected, got %d", rec.Code)
	}
}

func TestActivityFlow(t *testing.T) {
	h := newTestRouter(t, 10)

	rec := do(t, h, http.MethodPost, "/api/v1/activity", "u1", map[string]any{
		"url":      "/dashboard",
		"metadata": map[string]any{"actions": []map[string]string{{"name": "open-map"}}, "crop": "maize"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	tracked := decode[model.TrackActivityResponse](t, rec)
	if len(tracked.SessionID) != 26 {
		t.Fatalf("Expected generated ULID session id, got %q", tracked.SessionID)
	}
	sid := tracked.SessionID

	do(t, h, http.MethodPost, "/api/v1/activity", "u1", model.TrackActivityRequest{SessionID: sid, URL: "/reports"})

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/"+sid+"/activities", "u1", nil)
	acts := decode[model.ListActivitiesResponse](t, rec)
	if len(acts.Activities) != 2 {
		t.Fatalf("Expected 2 activities, got %+v", acts)
	}
	if md := acts.Activities[0].Metadata; md == nil || string(md.Additional["crop"]) != `"maize"` {
		t.Errorf("Expected additional metadata to survive, got %+v", md)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/sessions/"+sid+"/activities", "u2", nil)
	if other := decode[model.ListActivitiesResponse](t, rec); len(other.Activities) != 0 {
		t.Errorf("Expected another user's session to read as empty, got %d", len(other.Activities))
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/sessions/"+sid+"/end", "u2", nil); rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/sessions", "u1", nil)
	if sessions := decode[model.ListSessionsResponse](t, rec); len(sessions.Sessions) != 1 || sessions.Sessions[0].Ended() {
		t.Fatalf("Expected session untouched by another user, got %+v", sessions)
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/activity", "u2", model.TrackActivityRequest{SessionID: sid, URL: "/z"}); rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 for u2, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/sessions/"+sid+"/activities", "u1", nil)
	if acts := decode[model.ListActivitiesResponse](t, rec); len(acts.Activities) != 2 {
		t.Errorf("Expected u1's activities to survive u2 reusing the id, got %+v", acts)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/sessions", "u1", nil)
	if sessions := decode[model.ListSessionsResponse](t, rec); len(sessions.Sessions) != 1 || sessions.Sessions[0].Ended() {
		t.Fatalf("Expected u1's session to stay open, got %+v", sessions)
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/sessions/"+sid+"/end", "u1", nil); rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}
	do(t, h, http.MethodPost, "/api/v1/activity", "u1", model.TrackActivityRequest{SessionID: sid, URL: "/x"})

	rec = do(t, h, http.MethodGet, "/api/v1/sessions?limit=10", "u1", nil)
	sessions := decode[model.ListSessionsResponse](t, rec)
	if len(sessions.Sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions.Sessions))
	}

	rec = do(t, h, http.MethodGet, "/api/v1/activity/stats", "u1", nil)
	stats := decode[model.ActivityStats](t, rec)
	if stats.TotalSessions != 2 || stats.ActiveSessions != 1 || stats.TotalActivities != 3 || stats.TotalActions != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestTrackActivityValidation(t *testing.T) {
	h := newTestRouter(t, 10)

	tests := []struct {
		name string
		body model.TrackActivityRequest
	}{
		{"missing url", model.TrackActivityRequest{SessionID: "s1"}},
		{"bad url", model.TrackActivityRequest{SessionID: "s1", URL: "javascript:void(0)"}},
		{"bad session id", model.TrackActivityRequest{SessionID: "has space", URL: "/a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPost, "/api/v1/activity", "u1", tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestUnknownSessionActivitiesEmpty(t *testing.T) {
	h := newTestRouter(t, 10)

	rec := do(t, h, http.MethodGet, "/api/v1/sessions/nope/activities", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"activities":[]`) {
		t.Errorf("Expected empty activities array, got %s", rec.Body.String())
	}
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &apperr.ValidationError{Field: "x", Message: "bad"}, http.StatusBadRequest},
		{"forbidden", &apperr.ForbiddenError{}, http.StatusForbidden},
		{"not found", &apperr.NotFoundError{Resource: "conversation", ID: "1"}, http.StatusNotFound},
		{"conflict", &apperr.ConflictError{Resource: "conversation", ID: "1"}, http.StatusConflict},
		{"rate limited", &apperr.RateLimitedError{Limit: 1, ResetAt: time.Now().Add(time.Minute)}, http.StatusTooManyRequests},
		{"integrity", &apperr.IntegrityError{Op: "decode", Err: errors.New("tag mismatch")}, http.StatusInternalServerError},
		{"other", errors.New("mongo: connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), logger.Nop(), tt.err)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusInternalServerError && strings.Contains(rec.Body.String(), "mongo") {
				t.Errorf("Internal error leaked: %s", rec.Body.String())
			}
		})
	}
}

func TestHealthAndReady(t *testing.T) {
	h := newTestRouter(t, 10)
	if rec := do(t, h, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/ready", "", nil); rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	failing := NewHealthHandler(logger.Nop(), ReadinessCheck{Name: "nats", Ping: func(ctx context.Context) error {
		return errors.New("not connected")
	}})
	rec := httptest.NewRecorder()
	failing.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "nats") {
		t.Errorf("Expected 503 naming nats, got %d %s", rec.Code, rec.Body.String())
	}
}
