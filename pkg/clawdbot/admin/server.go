// Package admin exposes the serve daemon's local HTTP surface: health,
// a read-only view of the run registry, and a command endpoint that feeds
// the subagent command handler directly (operator escape hatch when no chat
// channel is wired).
package admin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/config"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/sessions"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/subagents"
)

// Server is the admin HTTP server.
type Server struct {
	cfg       config.AdminConfig
	handler   *subagents.Handler
	registry  *subagents.Registry
	mainKey   string
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates an admin server over the command handler and registry.
func New(cfg config.AdminConfig, handler *subagents.Handler, registry *subagents.Registry, mainKey string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8087"
	}
	return &Server{
		cfg:      cfg,
		handler:  handler,
		registry: registry,
		mainKey:  mainKey,
		logger:   logger.With("component", "admin"),
	}
}

// routes assembles the full middleware-wrapped handler.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/command", s.handleCommand)
	return s.securityHeaders(s.auth(mux))
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.startedAt = time.Now()
	s.server = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.routes(),
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server error", "error", err)
		}
	}()
	s.logger.Info("admin server started", "address", s.cfg.Address)
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// auth requires Authorization: Bearer <token> when a token is configured.
// /health stays public.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || !compareTokens(token, s.cfg.AuthToken) {
			s.writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, msg string, status int) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": s.registry.ListAll()})
}

type commandRequest struct {
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId,omitempty"`
	Text       string `json:"text"`
}

type commandResponse struct {
	Handled        bool   `json:"handled"`
	ShouldContinue bool   `json:"shouldContinue"`
	Reply          string `json:"reply,omitempty"`
}

// handleCommand runs one subagent directive as an authorized operator.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		s.writeError(w, "text is required", http.StatusBadRequest)
		return
	}
	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = "main"
	}

	reply := s.handler.Handle(r.Context(), subagents.CommandParams{
		SessionKey:         sessions.ResolveKey(sessionKey, s.mainKey),
		AgentID:            req.AgentID,
		Text:               req.Text,
		IsAuthorizedSender: true,
	}, true)
	if reply == nil {
		s.writeJSON(w, http.StatusOK, commandResponse{Handled: false, ShouldContinue: true})
		return
	}
	s.writeJSON(w, http.StatusOK, commandResponse{
		Handled:        true,
		ShouldContinue: reply.ShouldContinue,
		Reply:          reply.Reply,
	})
}
