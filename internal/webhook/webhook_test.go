package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/tagsyncd/internal/config"
)

// mockRunner is a mock implementation of PassRunner
type mockRunner struct {
	mu         sync.Mutex
	runCalled  bool
	triggers   int
	runErr     error
	triggerErr error
}

func (m *mockRunner) Run(ctx context.Context, _ time.Duration) error {
	m.mu.Lock()
	m.runCalled = true
	err := m.runErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (m *mockRunner) Trigger(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers++
	return m.triggerErr
}

func (m *mockRunner) triggerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggers
}

func (m *mockRunner) wasRunCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runCalled
}

func setupTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()

	tmpDir := t.TempDir()

	secretPath := filepath.Join(tmpDir, "webhook_secret")
	secret := "test-secret-key"
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	cfg := &config.Config{
		Paths: config.PathsConfig{
			StateDir: filepath.Join(tmpDir, "state"),
		},
		Poll: config.PollConfig{
			Interval: config.Duration(time.Hour),
		},
		Entries: []config.Entry{{
			UpstreamOwner:  "golang",
			UpstreamRepo:   "go",
			UpstreamBranch: "master",
			ForkOwner:      "me",
			ForkRepo:       "go",
			ForkBranch:     "master",
		}},
		Serve: config.ServeConfig{
			Enabled:                 true,
			ListenAddr:              "127.0.0.1:0",
			GitHubWebhookSecretFile: secretPath,
			AllowedEventTypes:       []string{"create", "push"},
		},
	}

	return cfg, secret
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestServer(t *testing.T, cfg *config.Config, runner PassRunner) *Server {
	t.Helper()

	server, err := NewServer(cfg, runner, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	server.debounce.delay = 10 * time.Millisecond
	return server
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func signedRequest(body []byte, event, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", computeSignature(body, secret))
	return req
}

func TestNewServer(t *testing.T) {
	cfg, _ := setupTestConfig(t)

	server, err := NewServer(cfg, &mockRunner{}, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}

	if string(server.secret) != "test-secret-key" {
		t.Errorf("expected trimmed secret 'test-secret-key', got %q", string(server.secret))
	}
}

func TestNewServer_MissingSecretFile(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.Serve.GitHubWebhookSecretFile = "/nonexistent/secret"

	_, err := NewServer(cfg, &mockRunner{}, testLogger())
	if err == nil {
		t.Fatal("expected error for missing secret file, got nil")
	}
}

func TestNewServer_EmptySecretFile(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	if err := os.WriteFile(cfg.Serve.GitHubWebhookSecretFile, []byte("  \n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	_, err := NewServer(cfg, &mockRunner{}, testLogger())
	if err == nil {
		t.Fatal("expected error for empty secret file, got nil")
	}
}

func TestGitHubEvent_TagName(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		event     GitHubEvent
		want      string
	}{
		{
			name:      "create tag",
			eventType: "create",
			event:     GitHubEvent{Ref: "go1.22.1", RefType: "tag"},
			want:      "go1.22.1",
		},
		{
			name:      "create branch",
			eventType: "create",
			event:     GitHubEvent{Ref: "feature", RefType: "branch"},
			want:      "",
		},
		{
			name:      "push tag",
			eventType: "push",
			event:     GitHubEvent{Ref: "refs/tags/v2.0.0"},
			want:      "v2.0.0",
		},
		{
			name:      "push branch",
			eventType: "push",
			event:     GitHubEvent{Ref: "refs/heads/main"},
			want:      "",
		},
		{
			name:      "deleted tag",
			eventType: "push",
			event:     GitHubEvent{Ref: "refs/tags/v2.0.0", Deleted: true},
			want:      "",
		},
		{
			name:      "other event",
			eventType: "release",
			event:     GitHubEvent{Ref: "v2.0.0", RefType: "tag"},
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.TagName(tt.eventType); got != tt.want {
				t.Errorf("TagName(%q) = %q, want %q", tt.eventType, got, tt.want)
			}
		})
	}
}

func TestVerifySignature(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	server := newTestServer(t, cfg, &mockRunner{})

	body := []byte(`{"ref":"v1.0.0","ref_type":"tag"}`)

	tests := []struct {
		name      string
		body      []byte
		signature string
		want      bool
	}{
		{
			name:      "valid signature",
			body:      body,
			signature: computeSignature(body, secret),
			want:      true,
		},
		{
			name:      "invalid signature",
			body:      body,
			signature: "sha256=invalid",
			want:      false,
		},
		{
			name:      "missing sha256 prefix",
			body:      body,
			signature: "notsha256",
			want:      false,
		},
		{
			name:      "empty signature",
			body:      body,
			signature: "",
			want:      false,
		},
		{
			name:      "wrong secret",
			body:      body,
			signature: computeSignature(body, "other-secret"),
			want:      false,
		},
		{
			name:      "wrong body",
			body:      []byte(`{"ref":"v6.6.6","ref_type":"tag"}`),
			signature: computeSignature(body, secret),
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := server.verifySignature(tt.body, tt.signature)
			if got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsEventTypeAllowed(t *testing.T) {
	tests := []struct {
		name              string
		allowedEventTypes []string
		eventType         string
		want              bool
	}{
		{
			name:              "allowed event",
			allowedEventTypes: []string{"create", "push"},
			eventType:         "create",
			want:              true,
		},
		{
			name:              "disallowed event",
			allowedEventTypes: []string{"create"},
			eventType:         "push",
			want:              false,
		},
		{
			name:              "no filter (allow all)",
			allowedEventTypes: nil,
			eventType:         "anything",
			want:              true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _ := setupTestConfig(t)
			cfg.Serve.AllowedEventTypes = tt.allowedEventTypes
			server := newTestServer(t, cfg, &mockRunner{})

			got := server.isEventTypeAllowed(tt.eventType)
			if got != tt.want {
				t.Errorf("isEventTypeAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleWebhook(t *testing.T) {
	tests := []struct {
		name        string
		event       string
		body        string
		wantStatus  int
		wantBody    string
		wantTrigger bool
	}{
		{
			name:        "create tag on configured upstream",
			event:       "create",
			body:        `{"ref":"go1.22.1","ref_type":"tag","repository":{"full_name":"golang/go"}}`,
			wantStatus:  http.StatusOK,
			wantBody:    "Sync triggered",
			wantTrigger: true,
		},
		{
			name:        "push tag with different case",
			event:       "push",
			body:        `{"ref":"refs/tags/go1.22.1","after":"abc123","repository":{"full_name":"Golang/Go"}}`,
			wantStatus:  http.StatusOK,
			wantBody:    "Sync triggered",
			wantTrigger: true,
		},
		{
			name:       "push to branch",
			event:      "push",
			body:       `{"ref":"refs/heads/master","after":"abc123","repository":{"full_name":"golang/go"}}`,
			wantStatus: http.StatusOK,
			wantBody:   "Not a tag event",
		},
		{
			name:       "tag on unconfigured repository",
			event:      "create",
			body:       `{"ref":"v1.0.0","ref_type":"tag","repository":{"full_name":"someone/else"}}`,
			wantStatus: http.StatusOK,
			wantBody:   "Repository not configured",
		},
		{
			name:       "fork tag is not an upstream tag",
			event:      "create",
			body:       `{"ref":"go1.22.1","ref_type":"tag","repository":{"full_name":"me/go"}}`,
			wantStatus: http.StatusOK,
			wantBody:   "Repository not configured",
		},
		{
			name:       "disallowed event type",
			event:      "pull_request",
			body:       `{"ref":"refs/heads/main"}`,
			wantStatus: http.StatusOK,
			wantBody:   "Event type not configured",
		},
		{
			name:       "ping",
			event:      "ping",
			body:       `{"zen":"Keep it logically awesome."}`,
			wantStatus: http.StatusOK,
			wantBody:   "pong",
		},
		{
			name:       "malformed payload",
			event:      "create",
			body:       `{"ref":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, secret := setupTestConfig(t)
			runner := &mockRunner{}
			server := newTestServer(t, cfg, runner)

			rec := httptest.NewRecorder()
			server.handleWebhook(rec, signedRequest([]byte(tt.body), tt.event, secret))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantBody != "" && !bytes.Contains(rec.Body.Bytes(), []byte(tt.wantBody)) {
				t.Errorf("expected body to contain %q, got: %s", tt.wantBody, rec.Body.String())
			}

			// Wait for the debounced trigger to fire
			time.Sleep(50 * time.Millisecond)

			triggered := runner.triggerCount() > 0
			if triggered != tt.wantTrigger {
				t.Errorf("expected trigger=%v, got %v", tt.wantTrigger, triggered)
			}
		})
	}
}

func TestHandleWebhook_InvalidMethod(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	server := newTestServer(t, cfg, &mockRunner{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	server.handleWebhook(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405, got %d", rec.Code)
	}
}

func TestHandleWebhook_InvalidContentType(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	server := newTestServer(t, cfg, &mockRunner{})

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "text/plain")

	rec := httptest.NewRecorder()
	server.handleWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	runner := &mockRunner{}
	server := newTestServer(t, cfg, runner)

	body := []byte(`{"ref":"go1.22.1","ref_type":"tag","repository":{"full_name":"golang/go"}}`)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "create")
	req.Header.Set("X-Hub-Signature-256", "sha256=invalid")

	rec := httptest.NewRecorder()
	server.handleWebhook(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rec.Code)
	}

	time.Sleep(50 * time.Millisecond)
	if runner.triggerCount() != 0 {
		t.Error("expected no pass to be triggered for an unsigned request")
	}
}

func TestHandleWebhook_BurstTriggersOnce(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	runner := &mockRunner{}
	server := newTestServer(t, cfg, runner)
	server.debounce.delay = 50 * time.Millisecond

	create := []byte(`{"ref":"go1.22.1","ref_type":"tag","repository":{"full_name":"golang/go"}}`)
	push := []byte(`{"ref":"refs/tags/go1.22.1","after":"abc123","repository":{"full_name":"golang/go"}}`)

	server.handleWebhook(httptest.NewRecorder(), signedRequest(create, "create", secret))
	server.handleWebhook(httptest.NewRecorder(), signedRequest(push, "push", secret))

	time.Sleep(150 * time.Millisecond)

	if got := runner.triggerCount(); got != 1 {
		t.Errorf("expected a single triggered pass, got %d", got)
	}
}

func TestStart_RunsPollLoopAndStopsOnCancel(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	runner := &mockRunner{}
	server := newTestServer(t, cfg, runner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Start(ctx, listener)
	}()

	// The endpoint answers while the loop runs
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + listener.Addr().String() + "/")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusMethodNotAllowed {
				t.Errorf("expected status 405, got %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("webhook endpoint never became reachable: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}

	if !runner.wasRunCalled() {
		t.Error("expected Start to run the poll loop")
	}
}

func TestStart_ReturnsPollLoopError(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	runner := &mockRunner{runErr: errors.New("failed to save state: disk full")}
	server := newTestServer(t, cfg, runner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- server.Start(context.Background(), listener)
	}()

	select {
	case err := <-done:
		if err == nil || err.Error() != "failed to save state: disk full" {
			t.Errorf("expected poll loop error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after poll loop failure")
	}
}

func TestStart_ReturnsTriggeredPassError(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	runner := &mockRunner{triggerErr: errors.New("failed to save state: read-only filesystem")}
	server := newTestServer(t, cfg, runner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- server.Start(context.Background(), listener)
	}()

	body := []byte(`{"ref":"go1.22.1","ref_type":"tag","repository":{"full_name":"golang/go"}}`)
	server.handleWebhook(httptest.NewRecorder(), signedRequest(body, "create", secret))

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected Start() to return the triggered pass error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after triggered pass failure")
	}
}

func TestDebouncer(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	d := &debouncer{delay: 50 * time.Millisecond}

	// Trigger multiple times rapidly
	for i := 0; i < 5; i++ {
		d.trigger(func() {
			mu.Lock()
			callCount++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}

	// Wait for debounce to complete
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	count := callCount
	mu.Unlock()

	if count != 1 {
		t.Errorf("expected callback to be called once, got %d", count)
	}
}

// slowRunner blocks triggered passes until released and records when the
// poll loop returns.
type slowRunner struct {
	mu             sync.Mutex
	loopExited     bool
	triggerStarted chan struct{}
	release        chan struct{}
}

func (r *slowRunner) Run(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	r.mu.Lock()
	r.loopExited = true
	r.mu.Unlock()
	return nil
}

func (r *slowRunner) Trigger(_ context.Context) error {
	close(r.triggerStarted)
	<-r.release
	return nil
}

func (r *slowRunner) exited() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loopExited
}

func TestStart_WaitsForRunningPassesOnCancel(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	runner := &slowRunner{
		triggerStarted: make(chan struct{}),
		release:        make(chan struct{}),
	}
	server := newTestServer(t, cfg, runner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Start(ctx, listener)
	}()

	body := []byte(`{"ref":"go1.22.1","ref_type":"tag","repository":{"full_name":"golang/go"}}`)
	server.handleWebhook(httptest.NewRecorder(), signedRequest(body, "create", secret))

	select {
	case <-runner.triggerStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("triggered pass never started")
	}

	cancel()

	select {
	case err := <-done:
		t.Fatalf("Start() returned while a triggered pass was running: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(runner.release)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after the triggered pass finished")
	}

	if !runner.exited() {
		t.Error("Start() returned before the poll loop exited")
	}
}

func TestDebouncer_StopDropsPendingCallback(t *testing.T) {
	var mu sync.Mutex
	var called bool
	d := &debouncer{delay: 50 * time.Millisecond}

	d.trigger(func() {
		mu.Lock()
		called = true
		mu.Unlock()
	})
	d.stop()

	// Triggers after stop are ignored
	d.trigger(func() {
		mu.Lock()
		called = true
		mu.Unlock()
	})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if called {
		t.Error("expected no callback after stop")
	}
}
