// Package rpc implements the JSON-RPC 2.0 transport that multiplexes a
// single codex app-server subprocess's stdin/stdout: request/response
// correlation by id, and notification fan-out to predicate-filtered
// subscribers.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brindlewood/codexbridge/internal/ringbuf"
)

const (
	defaultMaxMessageSize = 16 * 1024 * 1024
	subscriberBufferSize  = 64
	stderrTailSize        = 4 * 1024
)

// Notification is a server-originated JSON-RPC message with no id.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// ConversationID extracts params.conversationId, or "" if absent.
func (n Notification) ConversationID() string {
	var p struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(n.Params, &p); err != nil {
		return ""
	}
	return p.ConversationID
}

// Error is a JSON-RPC error object returned by Call.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TransportError indicates the subprocess or its stdio pipes failed; every
// pending Call and open subscription is completed with one of these when
// the reader loop exits. Tail carries the last bytes of the child's stderr,
// if any were captured.
type TransportError struct {
	Reason string
	Tail   string
}

func (e *TransportError) Error() string {
	if e.Tail == "" {
		return "rpc: transport failed: " + e.Reason
	}
	return fmt.Sprintf("rpc: transport failed: %s (stderr: %s)", e.Reason, e.Tail)
}

type pendingCall struct {
	resultCh chan *rpcResponse
}

type subscriber struct {
	id        uint64
	predicate func(Notification) bool
	ch        chan Notification
}

// Transport owns one subprocess's stdin/stdout/stderr and the bookkeeping
// needed to act as a JSON-RPC 2.0 client against it. The pending map and
// subscriber list are shared by the reader loop, Call, and Subscribe, and
// every access to them holds mu.
type Transport struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writeMu sync.Mutex
	enc     *json.Encoder

	mu          sync.Mutex
	pending     map[int64]*pendingCall
	subscribers map[uint64]*subscriber
	nextSubID   uint64
	closed      bool
	closeErr    error

	nextID atomic.Int64

	stderr *ringbuf.Buffer

	done   chan struct{}
	logger *slog.Logger
}

// New wraps a running subprocess's stdio in a Transport and starts its
// reader and stderr-drain goroutines. The caller must have already started
// the subprocess; New takes ownership of stdin/stdout/stderr.
func New(stdin io.WriteCloser, stdout io.ReadCloser, stderr io.Reader, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		stdin:       stdin,
		stdout:      stdout,
		enc:         json.NewEncoder(stdin),
		pending:     make(map[int64]*pendingCall),
		subscribers: make(map[uint64]*subscriber),
		stderr:      ringbuf.New(ringbuf.DefaultCapacity),
		done:        make(chan struct{}),
		logger:      logger,
	}
	go t.readLoop()
	if stderr != nil {
		go t.drainStderr(stderr)
	}
	return t
}

// Call sends a JSON-RPC request and blocks until the response arrives, the
// context expires, or the transport fails.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	call := &pendingCall{resultCh: make(chan *rpcResponse, 1)}

	t.mu.Lock()
	if t.closed {
		err := t.closeErr
		t.mu.Unlock()
		return nil, err
	}
	t.pending[id] = call
	t.mu.Unlock()

	req := &rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	if err := t.send(req); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, fmt.Errorf("rpc: send %s: %w", method, err)
	}

	select {
	case resp := <-call.resultCh:
		return t.resultOrError(resp)
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		select {
		case resp := <-call.resultCh:
			return t.resultOrError(resp)
		default:
			return nil, ctx.Err()
		}
	}
}

// resultOrError unpacks a completed call. A nil response means failAll
// completed the call, so the transport's *TransportError is returned.
func (t *Transport) resultOrError(resp *rpcResponse) (json.RawMessage, error) {
	if resp == nil {
		t.mu.Lock()
		err := t.closeErr
		t.mu.Unlock()
		return nil, err
	}
	if resp.Error != nil {
		return nil, &Error{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Result, nil
}

// Subscribe registers a predicate-filtered consumer of notifications. The
// returned channel delivers every notification the reader sees for which
// predicate returns true, in arrival order. The reader loop blocks on a
// full subscriber channel rather than dropping notifications — callers
// MUST call unsubscribe promptly when done consuming, including on early
// return, to avoid stalling the reader for other subscribers.
func (t *Transport) Subscribe(predicate func(Notification) bool) (ch <-chan Notification, unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSubID
	t.nextSubID++
	sub := &subscriber{id: id, predicate: predicate, ch: make(chan Notification, subscriberBufferSize)}
	if t.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	t.subscribers[id] = sub

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			t.mu.Unlock()
		})
	}
	return sub.ch, unsub
}

// Close closes stdin and waits up to grace for the reader loop to exit.
// Pending calls and subscribers are completed with a transport-failure by
// the reader loop once it sees stdout close, not by Close itself; if that
// has not happened within grace, Close returns with them still open. Close
// does not itself kill the subprocess — callers that own the *exec.Cmd are
// responsible for that after Close or Done.
func (t *Transport) Close(grace time.Duration) {
	_ = t.stdin.Close()
	select {
	case <-t.done:
	case <-time.After(grace):
	}
}

// Done is closed when the reader loop exits (subprocess stdout closed or a
// read error occurred).
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// StderrTail returns the last captured bytes of the subprocess's stderr,
// for attaching to transport-failure diagnostics.
func (t *Transport) StderrTail() string {
	return string(t.stderr.Tail(stderrTailSize))
}

func (t *Transport) send(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.enc.Encode(v)
}

func (t *Transport) readLoop() {
	defer close(t.done)

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 4096), defaultMaxMessageSize)

	var exitErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Warn("rpc: unparsable line from child", "error", err)
			continue
		}
		t.dispatch(&msg)
	}
	if err := scanner.Err(); err != nil {
		exitErr = err
	} else {
		exitErr = io.EOF
	}

	t.failAll(exitErr)
}

func (t *Transport) dispatch(msg *rpcMessage) {
	if msg.ID != nil && msg.Method == "" {
		t.mu.Lock()
		call, ok := t.pending[*msg.ID]
		if ok {
			delete(t.pending, *msg.ID)
		}
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("rpc: response with no matching pending call", "id", *msg.ID)
			return
		}
		call.resultCh <- &rpcResponse{Result: msg.Result, Error: msg.Error}
		return
	}

	if msg.ID != nil && msg.Method != "" {
		t.handleServerRequest(msg)
		return
	}

	if msg.Method != "" {
		notif := Notification{Method: msg.Method, Params: msg.Params}
		t.mu.Lock()
		matches := make([]*subscriber, 0, len(t.subscribers))
		for _, sub := range t.subscribers {
			if sub.predicate(notif) {
				matches = append(matches, sub)
			}
		}
		t.mu.Unlock()
		// Deliver outside the lock: subscriber channels may be full, and a
		// slow consumer must only stall the reader, never other mu holders.
		for _, sub := range matches {
			sub.ch <- notif
		}
	}
}

// handleServerRequest answers a server-initiated request — an id plus a
// method, the shape the codex app-server uses for approval prompts. Every
// session is started with approvalPolicy "never", so this should not occur
// in practice, but an unanswered request of this shape would leave the
// child blocked waiting on a reply that never comes. Auto-approve rather
// than drop it.
func (t *Transport) handleServerRequest(msg *rpcMessage) {
	t.logger.Warn("rpc: auto-approving unexpected server-initiated request", "method", msg.Method, "id", *msg.ID)
	reply := &rpcReply{JSONRPC: "2.0", ID: *msg.ID, Result: map[string]any{"decision": "approved"}}
	if err := t.send(reply); err != nil {
		t.logger.Warn("rpc: failed to answer server-initiated request", "method", msg.Method, "error", err)
	}
}

func (t *Transport) failAll(cause error) {
	reason := cause.Error()
	if errors.Is(cause, io.EOF) {
		reason = "child process closed stdout"
	}
	transportErr := &TransportError{Reason: reason, Tail: t.StderrTail()}

	t.mu.Lock()
	t.closed = true
	t.closeErr = transportErr
	pending := t.pending
	t.pending = nil
	subs := t.subscribers
	t.subscribers = nil
	t.mu.Unlock()

	for _, call := range pending {
		call.resultCh <- nil
	}
	for _, sub := range subs {
		close(sub.ch)
	}
}

func (t *Transport) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			t.stderr.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage
	Error  *rpcError
}

type rpcReply struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Result  any    `json:"result,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
