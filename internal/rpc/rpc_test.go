package rpc

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

// testChild simulates the codex app-server side of the pipe: it reads
// requests written by the Transport and lets the test script raw bytes
// back as if the child had written them to stdout.
type testChild struct {
	reqCh chan rpcMessage
	toUs  *io.PipeWriter
	dec   *json.Decoder
}

func newTestTransport(t *testing.T) (*Transport, *testChild) {
	t.Helper()

	// Transport reads from stdoutR (we write via stdoutW).
	stdoutR, stdoutW := io.Pipe()
	// Transport writes to stdinW (we read via stdinR).
	stdinR, stdinW := io.Pipe()

	tr := New(stdinW, stdoutR, nil, nil)

	child := &testChild{
		reqCh: make(chan rpcMessage, 16),
		toUs:  stdoutW,
		dec:   json.NewDecoder(stdinR),
	}
	go func() {
		for {
			var msg rpcMessage
			if err := child.dec.Decode(&msg); err != nil {
				return
			}
			child.reqCh <- msg
		}
	}()

	t.Cleanup(func() {
		stdinW.Close()
		stdinR.Close()
		stdoutW.Close()
		stdoutR.Close()
	})

	return tr, child
}

func (c *testChild) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	data = append(data, '\n')
	if _, err := c.toUs.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *testChild) nextRequest(t *testing.T) rpcMessage {
	t.Helper()
	select {
	case msg := <-c.reqCh:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for request")
		return rpcMessage{}
	}
}

func TestCallSuccess(t *testing.T) {
	t.Parallel()
	tr, child := newTestTransport(t)

	done := make(chan struct{})
	var result json.RawMessage
	var callErr error
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		result, callErr = tr.Call(ctx, "initialize", map[string]any{"x": 1})
		close(done)
	}()

	req := child.nextRequest(t)
	if req.Method != "initialize" {
		t.Fatalf("method = %q, want initialize", req.Method)
	}
	child.send(t, map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": map[string]any{"ok": true}})

	<-done
	if callErr != nil {
		t.Fatalf("Call error: %v", callErr)
	}
	var got map[string]bool
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !got["ok"] {
		t.Errorf("result = %v, want ok=true", got)
	}
}

func TestCallErrorResponse(t *testing.T) {
	t.Parallel()
	tr, child := newTestTransport(t)

	done := make(chan struct{})
	var callErr error
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_, callErr = tr.Call(ctx, "loginApiKey", nil)
		close(done)
	}()

	req := child.nextRequest(t)
	child.send(t, map[string]any{
		"jsonrpc": "2.0", "id": *req.ID,
		"error": map[string]any{"code": -32000, "message": "bad key"},
	})

	<-done
	var rpcErr *Error
	if callErr == nil {
		t.Fatal("expected error, got nil")
	}
	if !asError(callErr, &rpcErr) {
		t.Fatalf("error = %v, want *Error", callErr)
	}
	if rpcErr.Code != -32000 || rpcErr.Message != "bad key" {
		t.Errorf("error = %+v, want code=-32000 message=bad key", rpcErr)
	}
}

func asError(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	return false
}

func TestCallContextCancel(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTransport(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Call(ctx, "slow", nil)
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSubscribeDeliversInOrderFiltered(t *testing.T) {
	t.Parallel()
	tr, child := newTestTransport(t)

	ch, unsubscribe := tr.Subscribe(func(n Notification) bool {
		return n.ConversationID() == "conv-1"
	})
	defer unsubscribe()

	child.send(t, map[string]any{"method": "turn/started", "params": map[string]any{"conversationId": "conv-1"}})
	child.send(t, map[string]any{"method": "turn/started", "params": map[string]any{"conversationId": "conv-2"}})
	child.send(t, map[string]any{"method": "turn/completed", "params": map[string]any{"conversationId": "conv-1"}})

	first := recvNotif(t, ch)
	if first.Method != "turn/started" || first.ConversationID() != "conv-1" {
		t.Errorf("first = %+v", first)
	}
	second := recvNotif(t, ch)
	if second.Method != "turn/completed" || second.ConversationID() != "conv-1" {
		t.Errorf("second = %+v", second)
	}
}

func recvNotif(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func TestServerInitiatedRequestIsAutoApproved(t *testing.T) {
	t.Parallel()
	_, child := newTestTransport(t)

	child.send(t, map[string]any{"jsonrpc": "2.0", "id": 7, "method": "applyPatchApproval", "params": map[string]any{"path": "foo.go"}})

	req := child.nextRequest(t)
	if req.ID == nil || *req.ID != 7 {
		t.Fatalf("reply id = %v, want 7", req.ID)
	}
	if req.Method != "" {
		t.Fatalf("reply method = %q, want empty (this is a response, not a request)", req.Method)
	}
	var result map[string]string
	if err := json.Unmarshal(req.Result, &result); err != nil {
		t.Fatalf("unmarshal reply result: %v", err)
	}
	if result["decision"] != "approved" {
		t.Errorf("decision = %q, want approved", result["decision"])
	}
}

func TestTransportFailureCompletesPendingAndSubscribers(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTransport(t)

	ch, unsubscribe := tr.Subscribe(func(Notification) bool { return true })
	defer unsubscribe()

	callDone := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "thread/start", nil)
		callDone <- err
	}()

	// Closing stdin (child's stdin) doesn't end the test loop; instead we
	// simulate the child exiting by closing the pipe the transport reads
	// stdout from.
	tr.stdout.Close()

	select {
	case err := <-callDone:
		if err == nil {
			t.Fatal("expected transport-failure error")
		}
		if _, ok := err.(*TransportError); !ok {
			t.Errorf("err = %v (%T), want *TransportError", err, err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Call did not complete after transport failure")
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected subscriber channel to be closed")
		}
	case <-time.After(testTimeout):
		t.Fatal("subscriber channel was not closed after transport failure")
	}
}
