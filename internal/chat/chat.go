// Package chat implements the Chat Orchestrator: translates one HTTP chat
// request into a session turn, then either streams the resulting
// notifications as Server-Sent Events or aggregates them into a single
// JSON envelope.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	sse "github.com/tmaxmax/go-sse"

	"github.com/brindlewood/codexbridge/internal/rpc"
	"github.com/brindlewood/codexbridge/internal/session"
)

// ErrEmptyMessage is returned when the request's prompt text is empty.
var ErrEmptyMessage = errors.New("chat: empty message")

// Request is one validated chat request.
type Request struct {
	ThreadID string
	Text     string
	Model    string
	Stream   bool
}

// UpstreamError wraps a turn failure surfaced from the child process,
// mapped by the HTTP layer to a 502.
type UpstreamError struct {
	Reason string
}

func (e *UpstreamError) Error() string { return "chat: upstream turn failed: " + e.Reason }

// TimeoutError indicates the per-turn wall-clock budget expired.
type TimeoutError struct{}

func (e *TimeoutError) Error() string { return "chat: turn timed out" }

// Result is the aggregated, non-streaming response envelope.
type Result struct {
	ThreadID string           `json:"thread_id"`
	Message  string           `json:"message"`
	Events   []map[string]any `json:"events"`
}

// sessionFrame is the synthesized first SSE frame of every successful
// stream.
type sessionFrame struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

// Handle runs req against sess, writing an SSE stream directly to w when
// req.Stream is true, or returning an aggregated Result otherwise.
//
// turnTimeout is the per-turn wall-clock budget; zero disables it.
func Handle(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *session.Session, req Request, turnTimeout time.Duration) (*Result, error) {
	if req.Text == "" {
		return nil, ErrEmptyMessage
	}

	handle, err := sess.SendTurn(ctx, req.ThreadID, req.Text, req.Model)
	if err != nil {
		return nil, err
	}

	turnCtx := ctx
	var cancel context.CancelFunc
	if turnTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, turnTimeout)
		defer cancel()
	}

	if req.Stream {
		return nil, streamSSE(turnCtx, w, r, handle)
	}
	return aggregate(turnCtx, handle)
}

func streamSSE(ctx context.Context, w http.ResponseWriter, r *http.Request, handle *session.TurnHandle) error {
	defer handle.Close()

	sseSession, err := sse.Upgrade(w, r)
	if err != nil {
		return fmt.Errorf("chat: sse upgrade: %w", err)
	}

	first, err := json.Marshal(sessionFrame{Type: "session", ThreadID: handle.ConversationID})
	if err != nil {
		return fmt.Errorf("chat: encode session frame: %w", err)
	}
	if err := sendFrame(sseSession, first); err != nil {
		return nil // client disconnected; upstream turn continues to completion untouched
	}

	for {
		select {
		case n, ok := <-handle.Events():
			if !ok {
				return nil
			}
			if err := sendFrame(sseSession, n.Params); err != nil {
				return nil
			}
			if session.IsTerminal(n.Method) {
				sendDone(sseSession)
				return nil
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				handle.FlagForHealthProbe()
				sendErrorFrame(sseSession, "turn timed out")
				sendDone(sseSession)
				return &TimeoutError{}
			}
			sendDone(sseSession)
			return nil
		}
	}
}

// errorFrame is the terminal SSE frame written in place of a turn.completed/
// turn.failed notification when the turn ends abnormally on this side (for
// example, the wall-clock budget expires) rather than via a notification
// from the child.
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func sendErrorFrame(sess *sse.Session, message string) {
	data, err := json.Marshal(errorFrame{Type: "error", Message: message})
	if err != nil {
		return
	}
	_ = sendFrame(sess, data)
}

func sendFrame(sess *sse.Session, payload json.RawMessage) error {
	msg := &sse.Message{}
	msg.AppendData(string(payload))
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

func sendDone(sess *sse.Session) {
	msg := &sse.Message{}
	msg.AppendData("[DONE]")
	_ = sess.Send(msg)
	_ = sess.Flush()
}

func aggregate(ctx context.Context, handle *session.TurnHandle) (*Result, error) {
	defer handle.Close()

	var message string
	var events []map[string]any

	for {
		select {
		case n, ok := <-handle.Events():
			if !ok {
				return &Result{ThreadID: handle.ConversationID, Message: message, Events: events}, nil
			}
			var params any
			_ = json.Unmarshal(n.Params, &params)
			events = append(events, map[string]any{"method": n.Method, "params": params})
			if text, ok := extractAgentMessage(n); ok {
				message += text
			}
			if n.Method == "turn/failed" || n.Method == "turn.failed" {
				return nil, &UpstreamError{Reason: failureReason(n)}
			}
			if session.IsTerminal(n.Method) {
				return &Result{ThreadID: handle.ConversationID, Message: message, Events: events}, nil
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				handle.FlagForHealthProbe()
				return nil, &TimeoutError{}
			}
			return nil, ctx.Err()
		}
	}
}

func extractAgentMessage(n rpc.Notification) (string, bool) {
	if n.Method != "item/completed" {
		return "", false
	}
	var item struct {
		Item struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"item"`
	}
	if err := json.Unmarshal(n.Params, &item); err != nil {
		return "", false
	}
	if item.Item.Type != "agentMessage" {
		return "", false
	}
	return item.Item.Text, true
}

func failureReason(n rpc.Notification) string {
	var body struct {
		Reason string `json:"reason"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(n.Params, &body); err != nil {
		return "unknown"
	}
	if body.Reason != "" {
		return body.Reason
	}
	if body.Error != "" {
		return body.Error
	}
	return "unknown"
}
