// Package webhook runs an HTTP server that reconciles the declared packages
// of a repository whenever GitHub reports a push to it.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/schaermu/modsync/internal/activation"
	"github.com/schaermu/modsync/internal/config"
	"github.com/schaermu/modsync/internal/identity"
	modsync "github.com/schaermu/modsync/internal/sync"
)

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Syncer runs a reconcile. *sync.Engine implements it.
type Syncer interface {
	Run(ctx context.Context, opts modsync.Options) (*modsync.Report, error)
}

// Server implements the webhook HTTP server
type Server struct {
	cfg    *config.Config
	syncer Syncer
	logger zerolog.Logger
	secret []byte

	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a sync is currently in progress
	syncPending *selection // what to reconcile once the current sync is done

	queueMu  sync.Mutex // guards queued
	queued   *selection // repositories collected while debouncing
	debounce *debouncer
}

// selection is the set of repositories a sync covers. all covers every
// declared package.
type selection struct {
	all   bool
	repos map[string]bool
}

func allPackages() *selection {
	return &selection{all: true}
}

func (s *selection) add(repo string) {
	if s.repos == nil {
		s.repos = make(map[string]bool)
	}
	s.repos[strings.ToLower(repo)] = true
}

// merge folds other into s and returns the result; either may be nil
func (s *selection) merge(other *selection) *selection {
	if s == nil {
		return other
	}
	if other == nil {
		return s
	}
	if other.all {
		s.all = true
	}
	for r := range other.repos {
		s.add(r)
	}
	return s
}

func (s *selection) names() []string {
	out := make([]string, 0, len(s.repos))
	for r := range s.repos {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// matches reports whether pkg is covered by the selection
func (s *selection) matches(pkg config.Package) bool {
	if s.all {
		return true
	}
	repo, err := identity.RepoPath(pkg.URL)
	if err != nil {
		return false
	}
	return s.repos[strings.ToLower(repo)]
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, syncer Syncer, logger zerolog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
	}

	return &Server{
		cfg:      cfg,
		syncer:   syncer,
		logger:   logger.With().Str("component", "webhook").Logger(),
		secret:   secret,
		debounce: &debouncer{delay: 2 * time.Second},
	}, nil
}

// Start starts the webhook HTTP server, performing an initial sync of every
// declared package first. A socket passed in by the service manager is used
// in place of serve.listen_addr.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info().Msg("performing initial sync before starting webhook server")
	s.performSync(ctx, allPackages())

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	server := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	listener, activated, err := activation.Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("addr", listener.Addr().String()).
			Bool("socket_activated", activated).
			Msg("webhook server starting")
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn().Str("method", r.Method).Msg("rejecting non-POST request")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn().Str("content_type", contentType).Msg("rejecting request with invalid content type")
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read request body")
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn().Msg("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info().Str("event", eventType).Msg("received webhook")

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info().Str("event", eventType).Msg("ignoring disallowed event type")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error().Err(err).Msg("failed to parse webhook payload")
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info().Str("ref", event.Ref).Msg("ignoring disallowed ref")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	repo := event.Repository.FullName
	if n := s.declaredPackages(repo); n == 0 {
		s.logger.Info().Str("repo", repo).Msg("ignoring push to undeclared repository")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Repository not declared\n")
		return
	}

	s.logger.Info().
		Str("event", eventType).
		Str("ref", event.Ref).
		Str("commit", event.After).
		Str("repo", repo).
		Msg("webhook accepted")

	s.queue(repo)
	s.debounce.trigger(func() {
		s.performSync(context.Background(), s.takeQueued())
	})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// declaredPackages counts the declarations whose URL names repo
func (s *Server) declaredPackages(repo string) int {
	if repo == "" {
		return 0
	}
	sel := &selection{}
	sel.add(repo)

	n := 0
	for _, cat := range s.cfg.Categories() {
		for _, pkg := range cat.Packages {
			if sel.matches(pkg) {
				n++
			}
		}
	}
	return n
}

func (s *Server) queue(repo string) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if s.queued == nil {
		s.queued = &selection{}
	}
	s.queued.add(repo)
}

func (s *Server) takeQueued() *selection {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	sel := s.queued
	s.queued = nil
	return sel
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

// isRefAllowed checks if the ref is in the allowed list
func (s *Server) isRefAllowed(ref string) bool {
	if len(s.cfg.Serve.AllowedRefs) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedRefs {
		if ref == allowed {
			return true
		}
	}
	return false
}

// performSync reconciles sel with single-flight semantics. A request that
// arrives while a sync is running is merged into one pending re-run.
func (s *Server) performSync(ctx context.Context, sel *selection) {
	if sel == nil {
		return
	}

	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = s.syncPending.merge(sel)
		s.syncMu.Unlock()
		s.logger.Info().Msg("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		log := s.logger.With().Bool("all", sel.all).Strs("repos", sel.names()).Logger()
		log.Info().Msg("performing sync operation")

		rep, err := s.syncer.Run(ctx, modsync.Options{Match: sel.matches})
		switch {
		case err != nil:
			log.Error().Err(err).Msg("sync failed")
		default:
			log.Info().Str("summary", rep.Summary()).Msg("sync completed")
		}

		s.syncMu.Lock()
		if s.syncPending == nil {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		sel = s.syncPending
		s.syncPending = nil
		s.syncMu.Unlock()

		s.logger.Info().Msg("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
