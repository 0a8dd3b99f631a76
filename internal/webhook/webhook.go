package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/tagsyncd/internal/config"
)

// PassRunner runs sync passes over the configured entries
type PassRunner interface {
	// Run polls until ctx is cancelled
	Run(ctx context.Context, interval time.Duration) error
	// Trigger runs an extra pass outside the poll schedule
	Trigger(ctx context.Context) error
}

// GitHubEvent holds the fields tagsyncd reads from create and push webhooks
type GitHubEvent struct {
	Ref        string `json:"ref"`
	RefType    string `json:"ref_type"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// TagName returns the tag the event announces, or "" if it is not a tag event
func (e GitHubEvent) TagName(eventType string) string {
	switch eventType {
	case "create":
		if e.RefType == "tag" {
			return e.Ref
		}
	case "push":
		if !e.Deleted && strings.HasPrefix(e.Ref, "refs/tags/") {
			return strings.TrimPrefix(e.Ref, "refs/tags/")
		}
	}
	return ""
}

// Server runs the poll loop and an HTTP endpoint that triggers an early pass
// when an upstream repository announces a new tag.
type Server struct {
	cfg      *config.Config
	runner   PassRunner
	logger   *slog.Logger
	secret   []byte
	debounce *debouncer
	fatal    chan error
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
	stopped  bool
	running  sync.WaitGroup
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, runner PassRunner, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
	}

	s := &Server{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		secret: secret,
		fatal:  make(chan error, 1),
	}

	// Tag events usually arrive in bursts (create + push + release)
	s.debounce = &debouncer{
		delay: 2 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler of the webhook endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

// Start runs the poll loop and serves webhooks until ctx is cancelled or a
// pass fails to persist its state. If listener is nil, serve.listen_addr is
// bound.
func (s *Server) Start(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", s.cfg.Serve.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.Serve.ListenAddr, err)
		}
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()

	errCh := make(chan error, 2)
	loopDone := make(chan struct{})
	go func() {
		s.logger.Info("webhook server starting", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		defer close(loopDone)
		if err := s.runner.Run(loopCtx, s.cfg.PollInterval()); err != nil {
			errCh <- err
		}
	}()

	var result error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
	case err := <-errCh:
		result = err
	case err := <-s.fatal:
		result = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && result == nil {
		result = err
	}

	// Callers close the state backend once Start returns, so no pass may
	// still be running.
	cancelLoop()
	<-loopDone
	s.debounce.stop()
	return result
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType)

	if eventType == "ping" {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	tag := event.TagName(eventType)
	if tag == "" {
		s.logger.Info("ignoring non-tag event", "event", eventType, "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Not a tag event\n")
		return
	}

	if _, ok := s.cfg.UpstreamEntry(event.Repository.FullName); !ok {
		s.logger.Info("ignoring tag of unconfigured repository", "repo", event.Repository.FullName, "tag", tag)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Repository not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"tag", tag,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.triggerPass()
	})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// triggerPass runs a pass and reports persistence failures to Start
func (s *Server) triggerPass() {
	if err := s.runner.Trigger(context.Background()); err != nil {
		s.logger.Error("triggered sync pass failed", "error", err)
		select {
		case s.fatal <- err:
		default:
		}
	}
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		cb := d.callback
		d.running.Add(1)
		d.mu.Unlock()
		defer d.running.Done()

		if cb != nil {
			cb()
		}
	})
}

// stop drops any pending callback and waits for a running one to return.
// Triggers after stop are ignored.
func (d *debouncer) stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()

	d.running.Wait()
}
