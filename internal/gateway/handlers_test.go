package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fieldglass/vagent/internal/config"
	"github.com/fieldglass/vagent/internal/events"
	"github.com/fieldglass/vagent/internal/orchestrator"
	"github.com/fieldglass/vagent/internal/session"
	"github.com/fieldglass/vagent/internal/vlm"
	"github.com/fieldglass/vagent/internal/vlmproc"
)

type stubActuator struct{ w, h int }

func (s *stubActuator) Capture(ctx context.Context) (*orchestrator.ScreenFrame, error) {
	return &orchestrator.ScreenFrame{CapturedAt: time.Now(), WidthPx: s.w, HeightPx: s.h}, nil
}
func (s *stubActuator) Apply(ctx context.Context, a orchestrator.PixelAction) error { return nil }
func (s *stubActuator) Resolution() (int, int)                                      { return s.w, s.h }

type stubVLM struct{}

func (stubVLM) Chat(ctx context.Context, req *vlm.ChatRequest, timeout time.Duration) (*vlm.ChatResponse, error) {
	return &vlm.ChatResponse{Content: ""}, nil
}

func newTestSupervisor(t *testing.T, mutate func(*config.Settings)) *Supervisor {
	t.Helper()

	cfg := config.Defaults()
	cfg.Gateway.RootDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}

	bus := events.New()
	store := events.NewStore()
	sess, err := session.New(store, session.Config{})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	orch := orchestrator.New(&stubActuator{w: 1920, h: 1080}, stubVLM{}, bus, store, orchestrator.Config{})
	mgr := vlmproc.NewManager(func(host string, port int) (vlm.Client, error) {
		return nil, fmt.Errorf("no client in tests")
	})
	catalog := &vlmproc.Catalog{Models: []vlmproc.ModelDescriptor{
		{ID: "test-model", ModelFile: "/nonexistent/model.gguf", Host: "127.0.0.1", Port: 9999},
	}}

	sup, err := New(Deps{
		Settings: cfg,
		Bus:      bus,
		Store:    store,
		Session:  sess,
		Orch:     orch,
		VLMMgr:   mgr,
		Catalog:  catalog,
		MemProbe: func() (int, error) { return 8192, nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sup
}

func doRequest(t *testing.T, h http.Handler, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestHealthNeedsNoAuth(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	h := sup.Handler(context.Background())

	rec := doRequest(t, h, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["ok"] != true {
		t.Errorf("ok = %v, want true", body["ok"])
	}
}

func TestMissingOrWrongKeyIs401(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	h := sup.Handler(context.Background())

	for _, key := range []string{"", "wrong-key"} {
		rec := doRequest(t, h, http.MethodGet, "/state", key, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("key=%q: status = %d, want 401", key, rec.Code)
		}
	}
}

func TestStateWithValidKey(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	h := sup.Handler(context.Background())

	rec := doRequest(t, h, http.MethodGet, "/state", sup.APIKey(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "idle" {
		t.Errorf("status = %v, want idle", body["status"])
	}
	if body["vlm_status"] != "OFF" {
		t.Errorf("vlm_status = %v, want OFF", body["vlm_status"])
	}
}

func TestTaskSubmitAndBusy(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	h := sup.Handler(context.Background())

	// No orchestrator Run loop is draining the queue, so the first submit
	// parks in the work channel and the second must come back BUSY.
	rec := doRequest(t, h, http.MethodPost, "/task", sup.APIKey(), map[string]string{"command": "open settings"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["task_id"] == nil || body["task_id"] == "" {
		t.Fatalf("missing task_id in %v", body)
	}

	rec = doRequest(t, h, http.MethodPost, "/task", sup.APIKey(), map[string]string{"command": "another"})
	body = decodeBody(t, rec)
	if body["status"] != "BUSY" {
		t.Errorf("second submit status = %v, want BUSY", body["status"])
	}
}

func TestBodyCapReturns413(t *testing.T) {
	sup := newTestSupervisor(t, func(cfg *config.Settings) {
		cfg.Gateway.BodyCapBytes = 64
	})
	h := sup.Handler(context.Background())

	big := make([]byte, 256)
	for i := range big {
		big[i] = 'x'
	}
	rec := doRequest(t, h, http.MethodPost, "/task", sup.APIKey(), map[string]string{"command": string(big)})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestLifecycleRateLimit(t *testing.T) {
	sup := newTestSupervisor(t, func(cfg *config.Settings) {
		cfg.Gateway.RateLimitLifecycle = 2
	})
	h := sup.Handler(context.Background())

	for i := 0; i < 2; i++ {
		rec := doRequest(t, h, http.MethodPost, "/agent/stop", sup.APIKey(), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d: status = %d, want 200", i, rec.Code)
		}
	}
	rec := doRequest(t, h, http.MethodPost, "/agent/stop", sup.APIKey(), nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("third lifecycle call: status = %d, want 429", rec.Code)
	}
}

func TestAgentStartBlockedByCircuitBreaker(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	for i := 0; i < 3; i++ {
		sup.breaker.RecordFailure()
	}
	h := sup.Handler(context.Background())

	rec := doRequest(t, h, http.MethodPost, "/agent/start", sup.APIKey(), nil)
	body := decodeBody(t, rec)
	if body["status"] != "blocked" {
		t.Errorf("status = %v, want blocked", body["status"])
	}
	if running, _ := sup.AgentStatus(); running {
		t.Error("agent worker must not spawn while the breaker is tripped")
	}
}

func TestAgentStartBlockedByLowMemory(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	sup.memProbe = func() (int, error) { return 16, nil }
	h := sup.Handler(context.Background())

	rec := doRequest(t, h, http.MethodPost, "/agent/start", sup.APIKey(), nil)
	body := decodeBody(t, rec)
	if body["status"] != "blocked" || body["reason"] != "low memory" {
		t.Errorf("got %v, want blocked/low memory", body)
	}
}

func TestAgentStartStopStatus(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := sup.Handler(ctx)

	rec := doRequest(t, h, http.MethodPost, "/agent/start", sup.APIKey(), nil)
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Fatalf("start: %v", body)
	}

	rec = doRequest(t, h, http.MethodGet, "/agent/status", sup.APIKey(), nil)
	body := decodeBody(t, rec)
	if body["running"] != true {
		t.Fatalf("running = %v, want true", body["running"])
	}
	if body["pid"] == nil {
		t.Error("expected pid while running")
	}

	rec = doRequest(t, h, http.MethodPost, "/agent/stop", sup.APIKey(), nil)
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Fatalf("stop: %v", body)
	}
	rec = doRequest(t, h, http.MethodGet, "/agent/status", sup.APIKey(), nil)
	if body := decodeBody(t, rec); body["running"] != false {
		t.Errorf("running = %v after stop, want false", body["running"])
	}
}

func TestModelSwitchUnknownID(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	h := sup.Handler(context.Background())

	rec := doRequest(t, h, http.MethodPost, "/model/switch", sup.APIKey(), map[string]string{"model_id": "nope"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestModelsListsCatalog(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	h := sup.Handler(context.Background())

	rec := doRequest(t, h, http.MethodGet, "/models", sup.APIKey(), nil)
	body := decodeBody(t, rec)
	models, ok := body["models"].([]any)
	if !ok || len(models) != 1 {
		t.Fatalf("models = %v, want one entry", body["models"])
	}
	entry := models[0].(map[string]any)
	if entry["id"] != "test-model" || entry["present"] != false {
		t.Errorf("entry = %v, want id=test-model present=false", entry)
	}
}

func TestWakeWordToggle(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	h := sup.Handler(context.Background())

	rec := doRequest(t, h, http.MethodPost, "/wake-word/enable", sup.APIKey(), nil)
	if body := decodeBody(t, rec); body["enabled"] != true {
		t.Fatalf("enable: %v", body)
	}
	rec = doRequest(t, h, http.MethodGet, "/wake-word/status", sup.APIKey(), nil)
	if body := decodeBody(t, rec); body["enabled"] != true {
		t.Errorf("status after enable: %v", body)
	}
	rec = doRequest(t, h, http.MethodPost, "/wake-word/disable", sup.APIKey(), nil)
	if body := decodeBody(t, rec); body["enabled"] != false {
		t.Errorf("disable: %v", body)
	}
}

func TestChatHistoryRoundTrip(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	h := sup.Handler(context.Background())

	sup.store.RecordChat(events.ChatMessage{Role: "user", Text: "hello"})

	rec := doRequest(t, h, http.MethodGet, "/chat/history", sup.APIKey(), nil)
	body := decodeBody(t, rec)
	msgs, ok := body["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("messages = %v, want one entry", body["messages"])
	}

	rec = doRequest(t, h, http.MethodPost, "/chat/clear", sup.APIKey(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear: status = %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/chat/history", sup.APIKey(), nil)
	body = decodeBody(t, rec)
	if msgs, _ := body["messages"].([]any); len(msgs) != 0 {
		t.Errorf("messages after clear = %v, want empty", msgs)
	}
}

func TestStreamToggleGatesSocketFrames(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	h := sup.Handler(context.Background())

	if !sup.StreamingEnabled() {
		t.Fatal("streaming should default on")
	}
	doRequest(t, h, http.MethodPost, "/stream/stop", sup.APIKey(), nil)
	if sup.StreamingEnabled() {
		t.Error("streaming still on after /stream/stop")
	}
	if sup.socket.FrameGate == nil || sup.socket.FrameGate() {
		t.Error("socket frame gate still open after /stream/stop")
	}
	doRequest(t, h, http.MethodPost, "/stream/start", sup.APIKey(), nil)
	if !sup.StreamingEnabled() {
		t.Error("streaming still off after /stream/start")
	}
}

func TestActivityLoopDrainsAndExitsOnCancel(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.activityLoop(ctx)
		close(done)
	}()

	sup.bus.Publish(events.Event{Kind: events.KindThought, Payload: "checking the screen"})
	sup.bus.Publish(events.Event{Kind: events.KindAction, Payload: map[string]any{"type": "CLICK", "x": 10, "y": 20}})
	time.Sleep(10 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("activityLoop did not exit on cancel")
	}
}

func TestAPIKeyPersistsAcrossRestarts(t *testing.T) {
	root := t.TempDir()
	mutate := func(cfg *config.Settings) { cfg.Gateway.RootDir = root }

	first := newTestSupervisor(t, mutate)
	second := newTestSupervisor(t, mutate)
	if first.APIKey() != second.APIKey() {
		t.Error("api key must be generated once and then persisted")
	}
	if len(first.APIKey()) < 32 {
		t.Errorf("api key length = %d, want >= 32", len(first.APIKey()))
	}
}
