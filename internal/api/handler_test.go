//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/identity"
	"github.com/ashureev/agentdesk/internal/janitor"
	"github.com/ashureev/agentdesk/internal/registry"
	"github.com/ashureev/agentdesk/internal/relay"
	"github.com/ashureev/agentdesk/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	mu         sync.Mutex
	repo       store.Repository
	sessions   map[string]*domain.Session
	lastFilter store.SessionFilter
}

func (f *fakeSessions) Create(ctx context.Context, ownerID string, cfg domain.SessionConfig) (*domain.Session, error) {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.Model == "nope" {
		return nil, domain.InvalidConfigf("unknown model %q", cfg.Model)
	}
	now := time.Now()
	s := &domain.Session{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Config:       cfg,
		Status:       domain.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
	}
	if err := f.repo.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sessions[s.ID] = s
	f.mu.Unlock()
	return s.Clone(), nil
}

func (f *fakeSessions) Get(_ context.Context, id string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

func (f *fakeSessions) Touch(context.Context, string) error { return nil }

func (f *fakeSessions) List(_ context.Context, flt store.SessionFilter) ([]*domain.Session, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = flt
	out := make([]*domain.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s.Clone())
	}
	return out, len(out), nil
}

func (f *fakeSessions) End(_ context.Context, id string, _ domain.EndReason) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if s.Status == domain.StatusEnding || s.Status.Terminal() {
		return false, nil
	}
	s.Status = domain.StatusEnding
	return true, nil
}

func (f *fakeSessions) Healthcheck(_ context.Context, s *domain.Session) domain.Health {
	if s.Status == domain.StatusRunning {
		return domain.HealthHealthy
	}
	return domain.HealthUnknown
}

func (f *fakeSessions) setStatus(id string, st domain.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].Status = st
}

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) Sweep(context.Context) janitor.Report {
	f.calls++
	return janitor.Report{Scanned: 2, Idle: 1}
}

type testAPI struct {
	srv      *httptest.Server
	sessions *fakeSessions
	sweeper  *fakeSweeper
	relay    *relay.Relay
}

func newTestAPI(t *testing.T, rateLimit int) *testAPI {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	sessions := &fakeSessions{repo: repo, sessions: make(map[string]*domain.Session)}
	rl := relay.New(sessions, repo, relay.Options{Backlog: 10, ObserverQueue: 64, PersistWorkers: 2, PersistQueue: 64})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rl.Close(ctx)
	})

	sweeper := &fakeSweeper{}
	h := NewHandler(sessions, rl, repo, sweeper, Options{RateLimit: rateLimit, RateWindow: time.Minute})

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	h.RegisterRoutes(r, relay.NewSSEHandler(rl, time.Second, nil))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, sessions: sessions, sweeper: sweeper, relay: rl}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// runningSession creates a session and marks it RUNNING.
func (a *testAPI) runningSession(t *testing.T) string {
	t.Helper()
	s, err := a.sessions.Create(context.Background(), "owner-1", domain.SessionConfig{})
	require.NoError(t, err)
	a.sessions.setStatus(s.ID, domain.StatusRunning)
	return s.ID
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	got := decode[map[string]string](t, resp)
	assert.Equal(t, "bar", got["foo"])
}

func TestWriteErrorMapping(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, Options{})
	tests := []struct {
		err  error
		code int
	}{
		{domain.InvalidConfigf("bad width"), http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrMessageNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", domain.ErrSessionNotActive), http.StatusConflict},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrExhausted, http.StatusServiceUnavailable},
		{registry.ErrDraining, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		h.writeError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
		assert.Equal(t, tt.code, w.Code, "error %v", tt.err)
	}

	w := httptest.NewRecorder()
	h.writeError(w, httptest.NewRequest(http.MethodGet, "/", nil), domain.ErrExhausted)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestCreateSessionUsesAnonymousOwner(t *testing.T) {
	a := newTestAPI(t, 10)

	resp := a.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"screen_width": 1280, "screen_height": 800})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	v := decode[sessionView](t, resp)
	assert.Regexp(t, `^anon_[a-f0-9]{32}$`, v.OwnerID)
	assert.Equal(t, domain.StatusPending, v.Status)
	assert.Equal(t, 1280, v.Config.ScreenWidth)
	assert.Equal(t, "/ws/sessions/"+v.SessionID, v.WebSocketURL)
	assert.Equal(t, "/api/v1/sessions/"+v.SessionID+"/events", v.EventsURL)
}

func TestCreateSessionValidation(t *testing.T) {
	a := newTestAPI(t, 10)

	resp := a.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"user_id": "has spaces"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"model": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"user_id": "team:ops"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "team:ops", decode[sessionView](t, resp).OwnerID)
}

func TestListSessionsFilters(t *testing.T) {
	a := newTestAPI(t, 10)
	a.runningSession(t)

	resp := a.do(t, http.MethodGet, "/api/v1/sessions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/api/v1/sessions?user_id=owner-1&status=running,ended&limit=9999&offset=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Sessions []sessionView `json:"sessions"`
		Total    int           `json:"total"`
		Limit    int           `json:"limit"`
		Offset   int           `json:"offset"`
	}](t, resp)
	assert.Len(t, body.Sessions, 1)
	assert.Equal(t, maxPageSize, body.Limit)
	assert.Equal(t, 5, body.Offset)

	f := a.sessions.lastFilter
	assert.Equal(t, "owner-1", f.OwnerID)
	assert.Equal(t, []domain.Status{domain.StatusRunning, domain.StatusEnded}, f.Statuses)
}

func TestGetAndEndSession(t *testing.T) {
	a := newTestAPI(t, 10)
	id := a.runningSession(t)

	resp := a.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StatusRunning, decode[sessionView](t, resp).Status)

	resp = a.do(t, http.MethodDelete, "/api/v1/sessions/"+id+"?reason=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	first := decode[map[string]any](t, resp)
	assert.Equal(t, false, first["already_ended"])
	assert.Equal(t, string(domain.StatusEnding), first["status"])

	resp = a.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, decode[map[string]any](t, resp)["already_ended"])

	resp = a.do(t, http.MethodDelete, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func publish(t *testing.T, a *testAPI, id string, body map[string]any) *http.Response {
	t.Helper()
	return a.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", body)
}

func TestPublishAndPageMessages(t *testing.T) {
	a := newTestAPI(t, 100)
	id := a.runningSession(t)

	for i := 1; i <= 3; i++ {
		resp := publish(t, a, id, map[string]any{"content": fmt.Sprintf("m%d", i)})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.EqualValues(t, i, decode[map[string]any](t, resp)["seq"])
	}

	type page struct {
		Messages  []domain.Message `json:"messages"`
		Total     int              `json:"total"`
		NextAfter *int64           `json:"next_after"`
	}
	resp := a.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := decode[page](t, resp)
	require.Len(t, p.Messages, 2)
	assert.Equal(t, 3, p.Total)
	require.NotNil(t, p.NextAfter)
	assert.Equal(t, int64(2), *p.NextAfter)

	resp = a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s/messages?after=%d", id, *p.NextAfter), nil)
	p = decode[page](t, resp)
	require.Len(t, p.Messages, 1)
	assert.Equal(t, "m3", p.Messages[0].Body)
	assert.Nil(t, p.NextAfter)

	resp = a.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/messages/"+p.Messages[0].ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(3), decode[domain.Message](t, resp).Seq)

	resp = a.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/messages/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPublishValidation(t *testing.T) {
	a := newTestAPI(t, 100)
	id := a.runningSession(t)

	assert.Equal(t, http.StatusBadRequest, publish(t, a, id, map[string]any{"content": ""}).StatusCode)
	assert.Equal(t, http.StatusBadRequest, publish(t, a, id, map[string]any{"content": "x", "origin": "robot"}).StatusCode)
	assert.Equal(t, http.StatusNotFound, publish(t, a, "missing", map[string]any{"content": "x"}).StatusCode)

	a.sessions.setStatus(id, domain.StatusEnded)
	assert.Equal(t, http.StatusConflict, publish(t, a, id, map[string]any{"content": "x"}).StatusCode)
}

func TestPublishRateLimited(t *testing.T) {
	a := newTestAPI(t, 2)
	id := a.runningSession(t)

	for range 2 {
		require.Equal(t, http.StatusCreated, publish(t, a, id, map[string]any{"content": "hi"}).StatusCode)
	}
	resp := publish(t, a, id, map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	other := a.runningSession(t)
	assert.Equal(t, http.StatusCreated, publish(t, a, other, map[string]any{"content": "hi"}).StatusCode)
}

func TestClearMessagesByOrigin(t *testing.T) {
	a := newTestAPI(t, 100)
	id := a.runningSession(t)
	require.Equal(t, http.StatusCreated, publish(t, a, id, map[string]any{"content": "question"}).StatusCode)
	require.Equal(t, http.StatusCreated, publish(t, a, id, map[string]any{"content": "answer", "origin": "agent"}).StatusCode)

	sub, err := a.relay.Attach(context.Background(), id, relay.KindClient, -1)
	require.NoError(t, err)
	defer sub.Close()

	resp := a.do(t, http.MethodDelete, "/api/v1/sessions/"+id+"/messages?origin=agent", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, decode[map[string]any](t, resp)["deleted"])

	var cleared bool
	timeout := time.After(2 * time.Second)
	for !cleared {
		select {
		case f := <-sub.Frames():
			if f.Type == relay.FrameHistoryCleared {
				assert.Equal(t, domain.OriginAgent, f.Origin)
				cleared = true
			}
		case <-timeout:
			t.Fatal("no history_cleared frame")
		}
	}

	resp = a.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/messages", nil)
	assert.EqualValues(t, 1, decode[map[string]any](t, resp)["total"])
}

func TestExportMessages(t *testing.T) {
	a := newTestAPI(t, 100)
	id := a.runningSession(t)
	require.Equal(t, http.StatusCreated, publish(t, a, id, map[string]any{"content": "hello, world"}).StatusCode)

	resp := a.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/messages/export?format=csv", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "session-"+id+".csv")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "seq,timestamp,origin,body,message_id,metadata", lines[0])
	assert.Contains(t, lines[1], `"hello, world"`)

	resp = a.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/messages/export?format=txt", nil)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "#1 user: hello, world")

	resp = a.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/messages/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decode[struct {
		Session  sessionView      `json:"session"`
		Messages []domain.Message `json:"messages"`
	}](t, resp)
	assert.Equal(t, id, doc.Session.SessionID)
	assert.Len(t, doc.Messages, 1)

	resp = a.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/messages/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionStatsAndObservers(t *testing.T) {
	a := newTestAPI(t, 100)
	id := a.runningSession(t)
	require.Equal(t, http.StatusCreated, publish(t, a, id, map[string]any{"content": "a"}).StatusCode)

	sub, err := a.relay.Attach(context.Background(), id, relay.KindEnvironment, -1)
	require.NoError(t, err)
	defer sub.Close()

	resp := a.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, stats["message_count"])
	assert.EqualValues(t, 1, stats["observers"])
	assert.Equal(t, string(domain.HealthHealthy), stats["health"])

	resp = a.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/observers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	obs := decode[struct {
		Observers []relay.ObserverStats `json:"observers"`
	}](t, resp)
	require.Len(t, obs.Observers, 1)
	assert.Equal(t, relay.KindEnvironment, obs.Observers[0].Kind)
}

func TestCleanupRunsSweep(t *testing.T) {
	a := newTestAPI(t, 10)

	resp := a.do(t, http.MethodPost, "/api/v1/sessions/cleanup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep := decode[janitor.Report](t, resp)
	assert.Equal(t, 1, rep.Idle)
	assert.Equal(t, 1, a.sweeper.calls)
}

func TestEventsRouteStreams(t *testing.T) {
	a := newTestAPI(t, 10)
	id := a.runningSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.srv.URL+"/api/v1/sessions/"+id+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}
