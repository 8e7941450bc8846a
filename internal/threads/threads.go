// Package threads implements the History/Thread Query component:
// listConversations and getConversation passthroughs with shape
// normalization.
package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/brindlewood/codexbridge/internal/rpc"
	"github.com/brindlewood/codexbridge/internal/session"
)

const previewMaxLen = 200

// ErrNotFound is returned when the upstream has no record of the requested
// conversation id.
var ErrNotFound = errors.New("threads: not found")

// Summary is one entry in a thread listing.
type Summary struct {
	ThreadID  string `json:"thread_id"`
	Preview   string `json:"preview"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// ListResult is the normalized response for a thread listing.
type ListResult struct {
	Threads    []Summary `json:"threads"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// Detail is the normalized response for a single thread's history.
type Detail struct {
	ThreadID  string `json:"thread_id"`
	Preview   string `json:"preview"`
	Turns     []any  `json:"turns"`
	CreatedAt int64  `json:"created_at"`
}

type listConversationsResult struct {
	Threads []struct {
		ID        string `json:"id"`
		CreatedAt int64  `json:"createdAt"`
		UpdatedAt int64  `json:"updatedAt"`
		Preview   string `json:"preview"`
	} `json:"threads"`
	NextCursor string `json:"nextCursor"`
}

// List calls the upstream listConversations method and normalizes the
// result shape for the HTTP surface.
func List(ctx context.Context, transport *rpc.Transport, limit int, cursor string) (ListResult, error) {
	params := map[string]any{}
	if limit > 0 {
		params["limit"] = limit
	}
	if cursor != "" {
		params["cursor"] = cursor
	}

	raw, err := transport.Call(ctx, "listConversations", params)
	if err != nil {
		return ListResult{}, fmt.Errorf("threads: listConversations: %w", err)
	}

	var result listConversationsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ListResult{}, fmt.Errorf("threads: malformed listConversations response: %w", err)
	}

	out := ListResult{NextCursor: result.NextCursor, Threads: make([]Summary, 0, len(result.Threads))}
	for _, th := range result.Threads {
		out.Threads = append(out.Threads, Summary{
			ThreadID:  th.ID,
			Preview:   truncate(th.Preview, previewMaxLen),
			CreatedAt: th.CreatedAt,
			UpdatedAt: th.UpdatedAt,
		})
	}
	return out, nil
}

// getConversationResult keeps each turn as a json.RawMessage: the upstream
// turn shape (ids, timestamps, roles, tool-call/file-change items, ...) is
// passed through to the client untouched, per spec's "pure passthrough"
// characterization of getConversation, rather than narrowed to the fields
// this package happens to need for preview derivation.
type getConversationResult struct {
	ID        string            `json:"id"`
	CreatedAt int64             `json:"createdAt"`
	Turns     []json.RawMessage `json:"turns"`
}

// Get calls the upstream getConversation method and normalizes the result,
// deriving preview from the first non-empty agent message found when
// scanning turns from the oldest (a later turn supplies it if the oldest has
// none) while passing every turn through untouched. It returns ErrNotFound if the
// upstream reports the conversation unknown.
func Get(ctx context.Context, transport *rpc.Transport, conversationID string) (Detail, error) {
	raw, err := transport.Call(ctx, "getConversation", map[string]any{"conversationId": conversationID})
	if err != nil {
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Message), "not found") {
			return Detail{}, ErrNotFound
		}
		return Detail{}, fmt.Errorf("threads: getConversation: %w", err)
	}

	var result getConversationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return Detail{}, fmt.Errorf("threads: malformed getConversation response: %w", err)
	}

	turns := make([]any, len(result.Turns))
	preview := ""
	for i, rawTurn := range result.Turns {
		var parsed any
		if err := json.Unmarshal(rawTurn, &parsed); err != nil {
			parsed = rawTurn
		}
		turns[i] = parsed
		if preview == "" {
			preview = derivePreview(rawTurn)
		}
	}

	return Detail{
		ThreadID:  result.ID,
		Preview:   preview,
		Turns:     turns,
		CreatedAt: result.CreatedAt,
	}, nil
}

// derivePreview peeks at a raw turn for its first agentMessage item's text,
// without narrowing the turn value returned to the client.
func derivePreview(rawTurn json.RawMessage) string {
	var peek struct {
		Items []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rawTurn, &peek); err != nil {
		return ""
	}
	for _, item := range peek.Items {
		if item.Type == "agentMessage" && item.Text != "" {
			return truncate(item.Text, previewMaxLen)
		}
	}
	return ""
}

// maxValidationPages bounds how many listConversations pages ValidateThreadID
// will walk looking for an id the session doesn't already know about, so a
// misbehaving upstream that always sets next_cursor can't hang a request.
const maxValidationPages = 50

// ValidateThreadID confirms a client-supplied thread id, consulting the
// session's known set first (no RPC round trip) and only falling back to a
// paginated upstream listConversations walk when the id isn't already known.
func ValidateThreadID(ctx context.Context, sess *session.Session, threadID string) error {
	if threadID == "" {
		return nil
	}
	if sess.KnowsConversation(threadID) {
		return nil
	}

	cursor := ""
	for page := 0; page < maxValidationPages; page++ {
		result, err := List(ctx, sess.Transport(), 0, cursor)
		if err != nil {
			return err
		}
		for _, th := range result.Threads {
			if th.ThreadID == threadID {
				sess.ConfirmConversation(threadID)
				return nil
			}
		}
		if result.NextCursor == "" {
			return ErrNotFound
		}
		cursor = result.NextCursor
	}
	return ErrNotFound
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
