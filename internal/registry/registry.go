// Package registry implements the Session Manager: a capacity-bounded
// user_id -> Session map with lazy creation, lease counting, and an idle
// reaper.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brindlewood/codexbridge/internal/session"
)

// healthProbeTimeout bounds how long a flagged session's liveness check may
// take before the session is presumed dead.
const healthProbeTimeout = 5 * time.Second

// ErrAtCapacity is returned by Acquire when the registry is full and the
// requested user_id has no existing session.
var ErrAtCapacity = errors.New("registry: at capacity")

// ErrShuttingDown is returned by Acquire once Shutdown has been called.
var ErrShuttingDown = errors.New("registry: shutting down")

// Factory constructs and starts a new Session for a user. It is called
// outside the registry lock so a slow handshake never blocks other users.
type Factory func(ctx context.Context, userID string) (*session.Session, error)

type entry struct {
	sess     *session.Session
	leases   int
	startWg  chan struct{}
	startErr error
}

// Registry is the Session Manager: user_id -> Session, capacity-capped,
// with idleness-only eviction.
type Registry struct {
	factory      Factory
	maxSessions  int
	idleTimeout  time.Duration
	reapInterval time.Duration
	closeGrace   time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	draining bool

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// Config configures a Registry.
type Config struct {
	MaxSessions     int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	CloseGrace      time.Duration
	Logger          *slog.Logger
}

// New constructs a Registry and starts its background reaper.
func New(cfg Config, factory Factory) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		factory:      factory,
		maxSessions:  cfg.MaxSessions,
		idleTimeout:  cfg.IdleTimeout,
		reapInterval: cfg.CleanupInterval,
		closeGrace:   cfg.CloseGrace,
		logger:       logger,
		sessions:     make(map[string]*entry),
		stopReaper:   make(chan struct{}),
		reaperDone:   make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

// Leased is a borrowed Session; callers must call Release exactly once.
type Leased struct {
	Session *session.Session
	r       *Registry
	userID  string
}

// Release decrements the lease count for the session. If the session has
// since been marked draining and this was the last lease, it is torn down.
func (l *Leased) Release() {
	l.r.release(l.userID)
}

// Acquire returns a leased Session for userID, creating one if absent. Under
// capacity and no existing entry, a placeholder is inserted and Start runs
// outside the registry lock; concurrent acquirers for the same user_id wait
// on the same in-flight start rather than racing to create duplicates.
func (r *Registry) Acquire(ctx context.Context, userID string) (*Leased, error) {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}

	if e, ok := r.sessions[userID]; ok {
		e.leases++
		r.mu.Unlock()
		<-e.startWg
		if e.startErr != nil {
			r.mu.Lock()
			e.leases--
			delete(r.sessions, userID)
			r.mu.Unlock()
			return nil, e.startErr
		}
		e.sess.Touch()
		return &Leased{Session: e.sess, r: r, userID: userID}, nil
	}

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, ErrAtCapacity
	}

	e := &entry{leases: 1, startWg: make(chan struct{})}
	r.sessions[userID] = e
	r.mu.Unlock()

	sess, err := r.factory(ctx, userID)
	if err != nil {
		e.startErr = fmt.Errorf("registry: start session for %s: %w", userID, err)
		close(e.startWg)
		r.mu.Lock()
		delete(r.sessions, userID)
		e.leases--
		r.mu.Unlock()
		return nil, e.startErr
	}

	e.sess = sess
	close(e.startWg)
	sess.Touch()
	return &Leased{Session: sess, r: r, userID: userID}, nil
}

func (r *Registry) release(userID string) {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.leases--
	drain := e.leases <= 0 && e.sess != nil && e.sess.State() == session.Draining
	if drain {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()

	if drain {
		e.sess.Close(r.closeGrace)
	}
}

// Remove evicts a dead session immediately, regardless of lease count; used
// when the chat orchestrator observes a transport failure.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()
	if ok && e.sess != nil {
		e.sess.Close(r.closeGrace)
	}
}

func (r *Registry) reapLoop() {
	defer close(r.reaperDone)
	if r.reapInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopReaper:
			return
		case <-ticker.C:
			r.reapOnce()
			r.probeOnce()
		}
	}
}

// probeOnce runs a cheap upstream RPC against every session flagged by
// FlagForHealthProbe (a turn that exceeded its wall-clock budget). A session
// that answers is healthy and the flag is cleared; one that errors or times
// out is presumed dead and evicted, regardless of lease count — a slow turn
// alone is never grounds for eviction, but an unresponsive transport is.
func (r *Registry) probeOnce() {
	r.mu.Lock()
	var toProbe []*entry
	for _, e := range r.sessions {
		if e.sess != nil && e.sess.NeedsHealthProbe() {
			toProbe = append(toProbe, e)
		}
	}
	r.mu.Unlock()

	for _, e := range toProbe {
		transport := e.sess.Transport()
		if transport == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		_, err := transport.Call(ctx, "listConversations", map[string]any{"limit": 1})
		cancel()
		if err != nil {
			r.logger.Warn("registry: health probe failed, evicting session", "user_id", e.sess.UserID(), "error", err)
			r.Remove(e.sess.UserID())
			continue
		}
		e.sess.ClearHealthProbe()
	}
}

func (r *Registry) reapOnce() {
	if r.idleTimeout <= 0 {
		return
	}

	r.mu.Lock()
	var toClose []*entry
	for userID, e := range r.sessions {
		if e.sess == nil || e.leases > 0 {
			continue
		}
		if e.sess.IdleSince() <= r.idleTimeout {
			continue
		}
		e.sess.Drain()
		delete(r.sessions, userID)
		toClose = append(toClose, e)
	}
	r.mu.Unlock()

	for _, e := range toClose {
		r.logger.Info("registry: reaping idle session", "user_id", e.sess.UserID())
		e.sess.Close(r.closeGrace)
	}
}

// Shutdown marks the registry draining, refuses new acquires, waits for
// lease counts to reach zero (bounded by ctx), then force-closes every
// remaining transport.
func (r *Registry) Shutdown(ctx context.Context) error {
	close(r.stopReaper)
	<-r.reaperDone

	r.mu.Lock()
	r.draining = true
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.sess != nil {
			e.sess.Drain()
			entries = append(entries, e)
		}
	}
	r.mu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			if r.allLeasesZero() {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case <-waitDone:
	case <-ctx.Done():
	}

	r.mu.Lock()
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.sess.Close(r.closeGrace)
	}
	return ctx.Err()
}

func (r *Registry) allLeasesZero() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.sessions {
		if e.leases > 0 {
			return false
		}
	}
	return true
}

// Len returns the number of live sessions, for tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
