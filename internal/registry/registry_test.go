package registry

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brindlewood/codexbridge/internal/rpc"
	"github.com/brindlewood/codexbridge/internal/session"
)

func fakeFactory(t *testing.T) (Factory, *int32) {
	var started int32
	return func(ctx context.Context, userID string) (*session.Session, error) {
		started++
		s := session.NewForTesting(session.Config{UserID: userID, DataDir: t.TempDir()})
		return s, nil
	}, &started
}

func TestAcquireCreatesAndReuses(t *testing.T) {
	t.Parallel()
	factory, started := fakeFactory(t)
	r := New(Config{MaxSessions: 2, CleanupInterval: time.Hour}, factory)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})

	l1, err := r.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	l1.Release()

	l2, err := r.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	l2.Release()

	require.Equal(t, int32(1), *started, "second acquire should reuse the session, not start a new one")
}

func TestAcquireRejectsAtCapacity(t *testing.T) {
	t.Parallel()
	factory, _ := fakeFactory(t)
	r := New(Config{MaxSessions: 1, CleanupInterval: time.Hour}, factory)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})

	la, err := r.Acquire(context.Background(), "a")
	require.NoError(t, err)

	_, err = r.Acquire(context.Background(), "b")
	require.ErrorIs(t, err, ErrAtCapacity)

	la.Release()
}

func TestConcurrentAcquireSharesSingleStart(t *testing.T) {
	t.Parallel()
	factory, started := fakeFactory(t)
	r := New(Config{MaxSessions: 10, CleanupInterval: time.Hour}, factory)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})

	var wg sync.WaitGroup
	leases := make([]*Leased, 8)
	for i := range leases {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := r.Acquire(context.Background(), "shared")
			require.NoError(t, err)
			leases[i] = l
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), *started, "concurrent acquires for one user must share the single in-flight start")
	for _, l := range leases {
		l.Release()
	}
}

type fakeChild struct {
	reqCh chan map[string]any
	toUs  *io.PipeWriter
	dec   *json.Decoder
}

func (c *fakeChild) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = c.toUs.Write(data)
	require.NoError(t, err)
}

func (c *fakeChild) nextRequest(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-c.reqCh:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request")
		return nil
	}
}

// transportFactory builds a Factory whose sessions share one real
// rpc.Transport over an io.Pipe pair, for tests that exercise the health
// prober's actual RPC round trip rather than just lease bookkeeping.
func transportFactory(t *testing.T) (Factory, *fakeChild) {
	t.Helper()
	stdoutR, stdoutW := io.Pipe()
	stdinR, stdinW := io.Pipe()
	transport := rpc.New(stdinW, stdoutR, nil, nil)

	child := &fakeChild{reqCh: make(chan map[string]any, 16), toUs: stdoutW, dec: json.NewDecoder(stdinR)}
	go func() {
		for {
			var msg map[string]any
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

	factory := func(ctx context.Context, userID string) (*session.Session, error) {
		return session.NewReadyWithTransport(session.Config{UserID: userID, DataDir: t.TempDir()}, transport), nil
	}
	return factory, child
}

func TestHealthProbeClearsFlagOnSuccess(t *testing.T) {
	t.Parallel()
	factory, child := transportFactory(t)
	r := New(Config{MaxSessions: 5, CleanupInterval: time.Hour}, factory)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})

	leased, err := r.Acquire(context.Background(), "u1")
	require.NoError(t, err)
	leased.Session.FlagForHealthProbe()
	leased.Release()

	done := make(chan struct{})
	go func() {
		r.probeOnce()
		close(done)
	}()

	req := child.nextRequest(t)
	require.Equal(t, "listConversations", req["method"])
	child.send(t, map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": map[string]any{"threads": []any{}}})

	<-done
	require.False(t, leased.Session.NeedsHealthProbe(), "a responsive session should have its probe flag cleared")
	require.Equal(t, 1, r.Len(), "a healthy session must not be evicted")
}

func TestHealthProbeEvictsUnresponsiveSession(t *testing.T) {
	t.Parallel()
	factory, child := transportFactory(t)
	r := New(Config{MaxSessions: 5, CleanupInterval: time.Hour}, factory)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})

	leased, err := r.Acquire(context.Background(), "u1")
	require.NoError(t, err)
	leased.Session.FlagForHealthProbe()
	leased.Release()

	// Simulate a dead child: closing its write end makes the transport's
	// reader loop observe EOF and fail every subsequent call.
	child.toUs.Close()
	require.Eventually(t, func() bool {
		select {
		case <-leased.Session.Transport().Done():
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond, "transport should observe the closed child")

	r.probeOnce()
	require.Equal(t, 0, r.Len(), "an unresponsive session must be evicted")
}

func TestReaperEvictsOnlyZeroLeaseIdleSessions(t *testing.T) {
	t.Parallel()
	factory, _ := fakeFactory(t)
	r := New(Config{MaxSessions: 10, IdleTimeout: 10 * time.Millisecond, CleanupInterval: 5 * time.Millisecond}, factory)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})

	busy, err := r.Acquire(context.Background(), "busy")
	require.NoError(t, err)

	idle, err := r.Acquire(context.Background(), "idle")
	require.NoError(t, err)
	idle.Release()

	require.Eventually(t, func() bool {
		return r.Len() == 1
	}, time.Second, 5*time.Millisecond, "idle session should be reaped while leased session survives")

	busy.Release()
}
