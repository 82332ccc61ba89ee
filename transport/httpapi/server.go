// ABOUTME: HTTP surface over the agent engine, exposing session creation, input
// ABOUTME: submission, and a Server-Sent-Events stream of a session's Event Channel.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/2389-research/conductor/agent"
	"github.com/2389-research/conductor/llm"
	"github.com/2389-research/conductor/llm/sse"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// ServerConfig holds the configuration for the HTTP surface.
type ServerConfig struct {
	Addr string // listen address (default: "127.0.0.1:8089")

	// WorkingDirectory roots the LocalExecutionEnvironment created for every
	// session; each session gets its own subdirectory named by session ID.
	WorkingDirectory string

	// DefaultProvider and DefaultModel seed createSessionRequest fields left
	// blank by the caller.
	DefaultProvider string
	DefaultModel    string
}

// Server is a chi-routed HTTP front end for the agent engine: one process
// can host many concurrent sessions, each reachable by ID.
type Server struct {
	cfg    ServerConfig
	client *llm.Client
	router chi.Router

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// sessionEntry bundles a live session with the execution environment it
// owns, so the server can clean up the environment once the session closes.
type sessionEntry struct {
	session *agent.Session
	profile agent.ProviderProfile
	env     *agent.LocalExecutionEnvironment
}

// NewServer creates a Server backed by an LLM client detected from the
// environment (ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY).
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8089"
	}
	if cfg.WorkingDirectory == "" {
		return nil, fmt.Errorf("working directory must not be empty")
	}
	if err := os.MkdirAll(cfg.WorkingDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("creating working directory: %w", err)
	}

	client, err := llm.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("building LLM client: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		client:   client,
		sessions: make(map[string]*sessionEntry),
	}
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the configured address with
// timeouts sized for a long-lived SSE stream on /sessions/{id}/events.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // event streams can run for the life of a session
		IdleTimeout:       2 * time.Minute,
	}
	return srv.ListenAndServe()
}

// buildRouter constructs the chi router with all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Post("/input", s.handleSubmitInput)
			r.Get("/events", s.handleStreamEvents)
		})
	})

	return r
}

// handleHealth returns a JSON health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createSessionRequest is the POST /sessions request body.
type createSessionRequest struct {
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	UserInstruction string `json:"user_instruction,omitempty"`
}

// createSessionResponse is the POST /sessions response body.
type createSessionResponse struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// handleCreateSession builds a ProviderProfile and a LocalExecutionEnvironment
// scoped to a fresh subdirectory, then constructs and registers a new Session.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "decoding request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Provider == "" {
		req.Provider = s.cfg.DefaultProvider
	}
	if req.Model == "" {
		req.Model = s.cfg.DefaultModel
	}

	profile, err := profileFor(req.Provider, req.Model)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := uuid.New().String()
	workDir := s.cfg.WorkingDirectory + "/" + id
	env := agent.NewLocalExecutionEnvironment(workDir)
	if err := env.Initialize(); err != nil {
		http.Error(w, "initializing execution environment: "+err.Error(), http.StatusInternalServerError)
		return
	}

	config := agent.DefaultSessionConfig()
	config.Provider = profile.ID()
	config.Model = profile.Model()
	config.UserInstruction = req.UserInstruction
	config.WorkingDirectory = workDir

	session := agent.NewSession(config, profile, env, s.client)

	s.mu.Lock()
	s.sessions[session.ID] = &sessionEntry{session: session, profile: profile, env: env}
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, createSessionResponse{
		ID:       session.ID,
		Provider: profile.ID(),
		Model:    profile.Model(),
	})
}

// submitInputRequest is the POST /sessions/{id}/input request body.
type submitInputRequest struct {
	Input string `json:"input"`
}

// handleSubmitInput queues input to a session and drives it to completion in
// the background; the caller observes progress via GET /sessions/{id}/events.
func (s *Server) handleSubmitInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	entry, ok := s.lookupSession(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req submitInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "decoding request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		http.Error(w, "input must not be empty", http.StatusBadRequest)
		return
	}

	go func() {
		_ = entry.session.Submit(context.Background(), req.Input)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleStreamEvents streams a session's Event Channel as Server-Sent Events.
// Only one client may stream a given session's events at a time; a second
// concurrent subscriber receives a 409 Conflict.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	entry, ok := s.lookupSession(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	writer := sse.NewWriter(w)
	started := false

	for {
		ev, ok, err := entry.session.Events.Next(r.Context())
		if err != nil {
			if err == agent.ErrConsumerAttached && !started {
				http.Error(w, "a client is already streaming this session's events", http.StatusConflict)
			}
			return
		}
		if !ok {
			return
		}
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := writer.WriteEvent(string(ev.Kind), string(payload)); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// lookupSession returns the registered session entry for id, if any.
func (s *Server) lookupSession(id string) (*sessionEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[id]
	return entry, ok
}

// profileFor builds a ProviderProfile for the given provider name, using
// that provider's default model when model is empty.
func profileFor(provider, model string) (agent.ProviderProfile, error) {
	switch strings.ToLower(provider) {
	case "anthropic":
		return agent.NewAnthropicProfile(model), nil
	case "openai":
		return agent.NewOpenAIProfile(model), nil
	case "gemini":
		return agent.NewGeminiProfile(model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q: expected anthropic, openai, or gemini", provider)
	}
}

// writeJSON writes v as a JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
