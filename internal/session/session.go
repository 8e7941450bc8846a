// Package session implements a single user's codex app-server subprocess:
// spawn, protocol handshake, turn serialization, and conversation-id
// bookkeeping.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/brindlewood/codexbridge/internal/rpc"
)

// State is a Session's lifecycle stage.
type State int

const (
	Starting State = iota
	Ready
	Draining
	Dead
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// ErrBusy is returned by SendTurn when another turn is already in flight.
var ErrBusy = errors.New("session: turn already in progress")

// ErrDead is returned when an operation is attempted on a dead session.
var ErrDead = errors.New("session: dead")

// ErrThreadNotFound is returned when a caller supplies a thread id this
// session does not recognize and the upstream does not confirm ownership.
var ErrThreadNotFound = errors.New("session: thread not found")

// Config configures how a Session spawns and talks to its child process.
type Config struct {
	UserID         string
	DataDir        string
	BinaryPath     string
	WorkingDir     string
	APIKey         string
	Model          string
	TurnTimeout    time.Duration
	HandshakeGrace time.Duration
}

// ListConversationsFunc is the signature of a function that queries the
// upstream listConversations method and returns the conversation ids it
// reports, as a set.
type ListConversationsFunc func(ctx context.Context, transport *rpc.Transport) (ids map[string]bool, err error)

// Session is one user's agent instance: data directory, RPC transport,
// known conversation ids, and the serialized turn lock.
type Session struct {
	cfg Config

	mu             sync.Mutex
	state          State
	conversationID map[string]bool
	lastActive     time.Time
	stateErr       error

	cmd       *exec.Cmd
	transport *rpc.Transport

	turnMu     sync.Mutex
	turnActive bool

	probeNeeded atomic.Bool
}

// New constructs a Session in the Starting state. Call Start to spawn the
// child process and run the handshake.
func New(cfg Config) *Session {
	return &Session{
		cfg:            cfg,
		state:          Starting,
		conversationID: make(map[string]bool),
		lastActive:     time.Now(),
	}
}

// UserID returns the user this session belongs to.
func (s *Session) UserID() string { return s.cfg.UserID }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch records an access, used by the registry's idle reaper.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// IdleSince returns how long the session has been without activity.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive)
}

// FlagForHealthProbe marks the session as due for a liveness check by the
// registry's background prober. A turn timing out is not itself proof the
// child process is dead — a slow turn is not a sick session — so this only
// schedules a cheap probe rather than tearing the session down outright.
func (s *Session) FlagForHealthProbe() {
	s.probeNeeded.Store(true)
}

// NeedsHealthProbe reports whether FlagForHealthProbe has been called since
// the last ClearHealthProbe.
func (s *Session) NeedsHealthProbe() bool {
	return s.probeNeeded.Load()
}

// ClearHealthProbe resets the health-probe flag once a probe has succeeded.
func (s *Session) ClearHealthProbe() {
	s.probeNeeded.Store(false)
}

// Start creates the session's data directory, spawns the child process with
// CODEX_HOME pointed at it, and runs the initialize/loginApiKey handshake.
// On any failure the session transitions to Dead.
func (s *Session) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.DataDir, 0o700); err != nil {
		s.markDead(err)
		return fmt.Errorf("session: create data dir: %w", err)
	}

	binary := s.cfg.BinaryPath
	if binary == "" {
		resolved, err := exec.LookPath("codex")
		if err != nil {
			s.markDead(err)
			return fmt.Errorf("session: resolve codex binary: %w", err)
		}
		binary = resolved
	}

	cmd := exec.Command(binary, "app-server")
	cmd.Dir = s.cfg.WorkingDir
	cmd.Env = append(os.Environ(),
		"CODEX_HOME="+s.cfg.DataDir,
	)
	if s.cfg.APIKey != "" {
		cmd.Env = append(cmd.Env, "OPENAI_API_KEY="+s.cfg.APIKey)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.markDead(err)
		return fmt.Errorf("session: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.markDead(err)
		return fmt.Errorf("session: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.markDead(err)
		return fmt.Errorf("session: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.markDead(err)
		return fmt.Errorf("session: start child: %w", err)
	}

	transport := rpc.New(stdin, stdout, stderr, nil)

	s.mu.Lock()
	s.cmd = cmd
	s.transport = transport
	s.mu.Unlock()

	if err := s.handshake(ctx); err != nil {
		s.markDead(err)
		s.killChild()
		return err
	}

	s.mu.Lock()
	s.state = Ready
	s.mu.Unlock()
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	grace := s.cfg.HandshakeGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	initParams := map[string]any{
		"clientInfo": map[string]any{
			"name":    "codexbridge",
			"title":   "Codex Bridge",
			"version": "0.1.0",
		},
		"capabilities": map[string]any{"experimentalApi": true},
	}
	if _, err := s.transport.Call(hctx, "initialize", initParams); err != nil {
		return fmt.Errorf("session: initialize: %w", err)
	}

	if s.cfg.APIKey != "" {
		if _, err := s.transport.Call(hctx, "loginApiKey", map[string]any{"apiKey": s.cfg.APIKey}); err != nil {
			return fmt.Errorf("session: loginApiKey: %w", err)
		}
	}
	return nil
}

func (s *Session) markDead(cause error) {
	s.mu.Lock()
	s.state = Dead
	s.stateErr = cause
	s.mu.Unlock()
}

func (s *Session) killChild() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// Drain moves the session into Draining: new turns are refused, but
// in-flight turns are allowed to finish.
func (s *Session) Drain() {
	s.mu.Lock()
	if s.state == Ready {
		s.state = Draining
	}
	s.mu.Unlock()
}

// Close force-closes the transport and kills the child process.
func (s *Session) Close(grace time.Duration) {
	s.mu.Lock()
	s.state = Dead
	transport := s.transport
	s.mu.Unlock()

	if transport != nil {
		transport.Close(grace)
	}
	s.killChild()
}

// TurnHandle is the live scope of one sendUserTurn/sendUserMessage call: a
// notification stream that terminates on turn.completed, turn.failed,
// timeout, or explicit Close.
type TurnHandle struct {
	ConversationID string

	session     *Session
	ch          <-chan rpc.Notification
	unsubscribe func()
	closeOnce   sync.Once
}

// Events returns the channel of notifications scoped to this turn. The
// channel closes when the transport fails; closing the handle stops further
// deliveries but does not close the channel.
func (h *TurnHandle) Events() <-chan rpc.Notification {
	return h.ch
}

// Close unsubscribes and releases the turn lock. Safe to call more than
// once and safe to call after the handle has already reached a terminal
// notification.
func (h *TurnHandle) Close() {
	h.closeOnce.Do(func() {
		h.unsubscribe()
		h.session.turnMu.Lock()
		h.session.turnActive = false
		h.session.turnMu.Unlock()
	})
}

// FlagForHealthProbe marks this handle's session as due for a liveness
// check. Called by the chat orchestrator when a turn exceeds its
// wall-clock budget.
func (h *TurnHandle) FlagForHealthProbe() {
	h.session.FlagForHealthProbe()
}

// IsTerminal reports whether a notification ends a turn.
func IsTerminal(method string) bool {
	switch method {
	case "turn.completed", "turn/completed", "turn.failed", "turn/failed":
		return true
	default:
		return false
	}
}

// newConversationResult is the subset of newConversation's response this
// package needs.
type newConversationResult struct {
	ConversationID string `json:"conversationId"`
}

// SendTurn starts a turn: it creates a new conversation if conversationID is
// empty, rejects a non-empty conversationID this session does not know with
// ErrThreadNotFound, then issues sendUserTurn (falling back to
// sendUserMessage, per the protocol's historical naming variance) and
// returns a handle over the matching notification stream. Only one turn may
// be in flight per session at a time.
func (s *Session) SendTurn(ctx context.Context, conversationID, text, model string) (*TurnHandle, error) {
	if s.State() != Ready {
		return nil, ErrDead
	}

	if model == "" {
		model = s.cfg.Model
	}

	if !s.turnMu.TryLock() {
		return nil, ErrBusy
	}
	if s.turnActive {
		s.turnMu.Unlock()
		return nil, ErrBusy
	}

	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	convID := conversationID
	if convID != "" && !s.knowsConversation(convID) {
		s.turnMu.Unlock()
		return nil, ErrThreadNotFound
	}

	if convID == "" {
		newID, err := s.newConversation(ctx, transport, model)
		if err != nil {
			s.turnMu.Unlock()
			return nil, err
		}
		convID = newID
	}

	ch, unsubscribe := transport.Subscribe(func(n rpc.Notification) bool {
		return n.ConversationID() == convID
	})

	params := map[string]any{
		"conversationId": convID,
		"items":          []map[string]any{{"type": "text", "text": text}},
	}
	if model != "" {
		params["model"] = model
	}

	if _, err := transport.Call(ctx, "sendUserTurn", params); err != nil {
		var rpcErr *rpc.Error
		if !errors.As(err, &rpcErr) {
			unsubscribe()
			s.turnActive = false
			s.turnMu.Unlock()
			return nil, fmt.Errorf("session: sendUserTurn: %w", err)
		}
		if _, err2 := transport.Call(ctx, "sendUserMessage", params); err2 != nil {
			unsubscribe()
			s.turnActive = false
			s.turnMu.Unlock()
			return nil, fmt.Errorf("session: sendUserMessage: %w", err2)
		}
	}

	s.turnActive = true
	s.Touch()

	handle := &TurnHandle{
		ConversationID: convID,
		session:        s,
		ch:             ch,
		unsubscribe:    unsubscribe,
	}
	s.turnMu.Unlock()
	return handle, nil
}

func (s *Session) newConversation(ctx context.Context, transport *rpc.Transport, model string) (string, error) {
	params := map[string]any{
		"id":             ulid.Make().String(),
		"approvalPolicy": "never", // API-driven turns never block on tool-call approval
	}
	if model != "" {
		params["model"] = model
	}
	raw, err := transport.Call(ctx, "newConversation", params)
	if err != nil {
		return "", fmt.Errorf("session: newConversation: %w", err)
	}
	var result newConversationResult
	if err := json.Unmarshal(raw, &result); err != nil || result.ConversationID == "" {
		return "", fmt.Errorf("session: newConversation: malformed response")
	}
	s.recordConversation(result.ConversationID)
	return result.ConversationID, nil
}

func (s *Session) recordConversation(id string) {
	s.mu.Lock()
	s.conversationID[id] = true
	s.mu.Unlock()
}

func (s *Session) knowsConversation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID[id]
}

// KnowsConversation reports whether id is already recorded as belonging to
// this session (created via SendTurn or previously confirmed via
// ConfirmConversation), without any upstream round trip. Used by
// threads.ValidateThreadID as the cheap local fast path before falling back
// to listConversations.
func (s *Session) KnowsConversation(id string) bool {
	return s.knowsConversation(id)
}

// ConfirmConversation records id as known, called once an upstream
// listConversations/getConversation query confirms it belongs to this
// session's user even though it was not created through SendTurn here (for
// example, a thread created in a prior process lifetime).
func (s *Session) ConfirmConversation(id string) {
	s.recordConversation(id)
}

// Transport exposes the underlying RPC transport for passthrough calls
// (listConversations, getConversation) that do not take the turn lock.
func (s *Session) Transport() *rpc.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// DataDirFor returns the conventional per-user data directory under base.
func DataDirFor(base, userID string) string {
	return filepath.Join(base, "users", userID)
}

// NewForTesting returns a Session already in the Ready state without
// spawning a child process or running a handshake, for use by tests in
// other packages that only exercise registry/lease bookkeeping rather than
// the RPC transport itself.
func NewForTesting(cfg Config) *Session {
	s := New(cfg)
	s.mu.Lock()
	s.state = Ready
	s.mu.Unlock()
	return s
}

// NewReadyWithTransport is like NewForTesting but attaches the given
// transport, for tests that need SendTurn/Transport to exercise a real
// (typically io.Pipe-backed fake) RPC round trip.
func NewReadyWithTransport(cfg Config, transport *rpc.Transport) *Session {
	s := NewForTesting(cfg)
	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()
	return s
}

// NewTurnHandleForTesting builds a TurnHandle over an arbitrary notification
// channel, for use by tests in other packages (such as the chat orchestrator)
// that exercise turn-handle draining without a real transport.
func NewTurnHandleForTesting(conversationID string, ch <-chan rpc.Notification, unsubscribe func()) *TurnHandle {
	return &TurnHandle{
		ConversationID: conversationID,
		session:        NewForTesting(Config{UserID: "test"}),
		ch:             ch,
		unsubscribe:    unsubscribe,
	}
}
