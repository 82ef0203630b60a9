package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/chatrelay/internal/config"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/realtime"
	"github.com/ent0n29/chatrelay/internal/relay"
	"github.com/ent0n29/chatrelay/internal/store"
)

type stubCompleter struct {
	configured bool
	reply      string
	err        error
}

func (c *stubCompleter) Configured() bool { return c.configured }

func (c *stubCompleter) Complete(context.Context, string, []relay.ChatMessage) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.reply, nil
}

type testEnv struct {
	server   *httptest.Server
	sessions *store.Facade
}

func newTestEnv(t *testing.T, completer relay.Completer, apiKey string) testEnv {
	t.Helper()

	cfg := config.Config{
		OpenRouterAPIKey: apiKey,
		MaxUploadBytes:   16 << 20,
		ContextWindow:    10,
	}
	sessions := store.NewFacade(nil, store.NewVolatileStore(100))
	orchestrator := relay.NewOrchestrator(sessions, completer, relay.Config{
		TextModel:     "text-model",
		VisionModel:   "vision-model",
		ContextWindow: cfg.ContextWindow,
	})
	metrics := observability.NewMetrics("test_httpapi_" + t.Name() + time.Now().Format("150405000000000"))

	hub := realtime.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	sessions.SetAppendHook(hub.Publish)

	cfg.AllowAnyOrigin = true
	srv := New(cfg, sessions, orchestrator, hub, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})

	return testEnv{server: ts, sessions: sessions}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestChatMissingMessage(t *testing.T) {
	env := newTestEnv(t, &stubCompleter{configured: true, reply: "ok"}, "sk-test")

	res := postJSON(t, env.server.URL+"/api/chat", map[string]string{"session_id": "s1"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	res.Body.Close()
}

func TestChatWithoutCredentialReturns503(t *testing.T) {
	env := newTestEnv(t, &stubCompleter{configured: false}, "")

	res := postJSON(t, env.server.URL+"/api/chat", map[string]string{
		"message":    "hello",
		"session_id": "s1",
	})
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
	res.Body.Close()

	// The user turn is stored; no assistant turn is appended.
	msgs, err := env.sessions.Messages(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != store.RoleUser {
		t.Fatalf("stored messages = %+v, want exactly one user turn", msgs)
	}
}

func TestChatSuccess(t *testing.T) {
	env := newTestEnv(t, &stubCompleter{configured: true, reply: "hi there"}, "sk-test")

	res := postJSON(t, env.server.URL+"/api/chat", map[string]string{"message": "hello"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, res)
	if body["response"] != "hi there" {
		t.Fatalf("response = %v, want model reply", body["response"])
	}
	if body["session_id"] == "" || body["session_id"] == nil {
		t.Fatalf("missing session_id in response: %v", body)
	}
	if body["message_count"] != float64(2) {
		t.Fatalf("message_count = %v, want 2", body["message_count"])
	}
}

func TestChatUpstreamFailure(t *testing.T) {
	env := newTestEnv(t, &stubCompleter{
		configured: true,
		err:        &relay.UpstreamError{Status: 502, Body: "overloaded"},
	}, "sk-test")

	res := postJSON(t, env.server.URL+"/api/chat", map[string]string{
		"message":    "hello",
		"session_id": "s1",
	})
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
	res.Body.Close()

	msgs, _ := env.sessions.Messages(context.Background(), "s1")
	if len(msgs) != 1 {
		t.Fatalf("no assistant turn may be stored on upstream failure, got %+v", msgs)
	}
}

func uploadFile(t *testing.T, url, field, filename string, content []byte, sessionID string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if sessionID != "" {
		_ = mw.WriteField("session_id", sessionID)
	}
	mw.Close()

	res, err := http.Post(url+"/api/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /api/upload error = %v", err)
	}
	return res
}

func TestUploadTextFileRoundTrip(t *testing.T) {
	env := newTestEnv(t, &stubCompleter{configured: true, reply: "ok"}, "sk-test")

	content := strings.Repeat("z", 2500)
	res := uploadFile(t, env.server.URL, "file", "notes.txt", []byte(content), "s1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, res)
	if body["success"] != true || body["filename"] != "notes.txt" {
		t.Fatalf("unexpected upload response: %v", body)
	}

	msgs, _ := env.sessions.Messages(context.Background(), "s1")
	if len(msgs) != 1 || msgs[0].Role != store.RoleSystem {
		t.Fatalf("upload must append exactly one system turn, got %+v", msgs)
	}
	if !strings.Contains(msgs[0].Content, strings.Repeat("z", 2000)) {
		t.Fatalf("system turn missing the first 2000 characters")
	}
	if !strings.HasSuffix(msgs[0].Content, "...") {
		t.Fatalf("system turn missing truncation marker: %q", msgs[0].Content[len(msgs[0].Content)-20:])
	}
}

func TestUploadShortTextNoTruncationMarker(t *testing.T) {
	env := newTestEnv(t, &stubCompleter{configured: true, reply: "ok"}, "sk-test")

	res := uploadFile(t, env.server.URL, "file", "short.txt", []byte("tiny"), "s1")
	res.Body.Close()

	msgs, _ := env.sessions.Messages(context.Background(), "s1")
	if len(msgs) != 1 {
		t.Fatalf("want one system turn, got %d", len(msgs))
	}
	if strings.HasSuffix(msgs[0].Content, "...") {
		t.Fatalf("short content must not be marked truncated: %q", msgs[0].Content)
	}
}

func TestUploadDisallowedExtension(t *testing.T) {
	env := newTestEnv(t, &stubCompleter{configured: true, reply: "ok"}, "sk-test")

	res := uploadFile(t, env.server.URL, "file", "evil.exe", []byte("MZ"), "")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	res.Body.Close()
}

func TestUploadMissingFile(t *testing.T) {
	env := newTestEnv(t, &stubCompleter{configured: true, reply: "ok"}, "sk-test")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("session_id", "s1")
	mw.Close()
	res, err := http.Post(env.server.URL+"/api/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /api/upload error = %v", err)
	}
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	res.Body.Close()
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubCompleter{configured: true, reply: "sure"}, "sk-test")

	res := postJSON(t, env.server.URL+"/api/chat", map[string]string{
		"message":    "hello",
		"session_id": "s1",
	})
	res.Body.Close()

	histRes, err := http.Get(env.server.URL + "/api/history/s1")
	if err != nil {
		t.Fatalf("GET /api/history error = %v", err)
	}
	if histRes.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", histRes.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, histRes)
	msgs, ok := body["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("messages = %v, want user and assistant turns", body["messages"])
	}
	if body["created_at"] == nil {
		t.Fatalf("created_at missing: %v", body)
	}
}

func TestHistoryInvalidSessionID(t *testing.T) {
	env := newTestEnv(t, &stubCompleter{configured: true, reply: "ok"}, "sk-test")

	res, err := http.Get(env.server.URL + "/api/history/undefined")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	res.Body.Close()
}

func TestSessionsListing(t *testing.T) {
	env := newTestEnv(t, &stubCompleter{configured: true, reply: "yes"}, "sk-test")

	long := strings.Repeat("q", 60)
	res := postJSON(t, env.server.URL+"/api/chat", map[string]string{
		"message":    long,
		"session_id": "s1",
	})
	res.Body.Close()

	listRes, err := http.Get(env.server.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET /api/sessions error = %v", err)
	}
	body := decodeBody(t, listRes)
	sessions, ok := body["sessions"].([]any)
	if !ok || len(sessions) != 1 {
		t.Fatalf("sessions = %v, want one entry", body["sessions"])
	}
	entry := sessions[0].(map[string]any)
	if entry["preview"] != strings.Repeat("q", 50)+"..." {
		t.Fatalf("preview = %v, want 50 chars plus ellipsis", entry["preview"])
	}
	if entry["message_count"] != float64(2) {
		t.Fatalf("message_count = %v, want 2", entry["message_count"])
	}
}

func TestDeleteSessionSemantics(t *testing.T) {
	env := newTestEnv(t, &stubCompleter{configured: false}, "")

	res := postJSON(t, env.server.URL+"/api/chat", map[string]string{
		"message":    "hello",
		"session_id": "s1",
	})
	res.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/api/delete-session/s1", nil)
	delRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	if delRes.StatusCode != http.StatusOK {
		t.Fatalf("deleting a fallback-only session: status = %d, want %d", delRes.StatusCode, http.StatusOK)
	}
	delRes.Body.Close()

	req, _ = http.NewRequest(http.MethodDelete, env.server.URL+"/api/delete-session/s1", nil)
	delRes, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	if delRes.StatusCode != http.StatusNotFound {
		t.Fatalf("deleting a missing session: status = %d, want %d", delRes.StatusCode, http.StatusNotFound)
	}
	delRes.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubCompleter{configured: false}, "")

	res, err := http.Get(env.server.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health error = %v", err)
	}
	body := decodeBody(t, res)
	if body["status"] != "healthy" {
		t.Fatalf("status = %v, want healthy", body["status"])
	}
	if body["openrouter_configured"] != false {
		t.Fatalf("openrouter_configured = %v, want false", body["openrouter_configured"])
	}
	db, ok := body["database"].(map[string]any)
	if !ok || db["status"] != "disconnected" {
		t.Fatalf("database = %v, want disconnected", body["database"])
	}
}

func TestStreamReceivesAppendedTurns(t *testing.T) {
	env := newTestEnv(t, &stubCompleter{configured: true, reply: "streamed"}, "sk-test")

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/stream?session_id=s1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	defer conn.Close()

	// Give the hub a moment to register the subscriber.
	time.Sleep(50 * time.Millisecond)

	res := postJSON(t, env.server.URL+"/api/chat", map[string]string{
		"message":    "hello",
		"session_id": "s1",
	})
	res.Body.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event realtime.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read stream event: %v", err)
	}
	if event.SessionID != "s1" || event.Role != store.RoleUser || event.Content != "hello" {
		t.Fatalf("unexpected stream event: %+v", event)
	}
}
