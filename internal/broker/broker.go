package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wsshell/wsshell/internal/config"
	"github.com/wsshell/wsshell/internal/containers"
	"github.com/wsshell/wsshell/internal/sshshell"
	"github.com/wsshell/wsshell/internal/wschannel"
)

// pingInterval and pongTimeout are C5's auto-ping contract.
const (
	pingInterval = 30 * time.Second
	pongTimeout  = 60 * time.Second
)

// Broker is the process-wide singleton tying client channels to
// containers and SSH shells. Construct exactly one per process and
// hold it explicitly — see spec.md §9 on singleton construction.
type Broker struct {
	cfg        config.Settings
	containers *containers.Manager

	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs a Broker. cfg supplies the policy constants (connect
// rate limit, timeouts, keepalive) and mgr is the container lifecycle
// collaborator (C3) this broker drives.
func New(cfg config.Settings, mgr *containers.Manager) *Broker {
	return &Broker{
		cfg:        cfg,
		containers: mgr,
		sessions:   make(map[string]*Session),
	}
}

func (b *Broker) sshOptions() sshshell.Options {
	return sshshell.Options{
		ConnectTimeout:         b.cfg.ConnectTimeout,
		Keepalive:              b.cfg.SSHKeepalive,
		KeepaliveMaxMiss:       b.cfg.SSHKeepaliveMaxMiss,
		InsecureAcceptHostKeys: b.cfg.InsecureAcceptHostKeys,
	}
}

// HandleConnection owns one browser WebSocket connection for its
// lifetime: it registers (or resumes) a Session, runs the channel's
// read loop until the socket closes, then detaches the channel from
// the session — the session and its container, if any, are preserved
// for the resume window (see detachChannel) rather than destroyed
// outright, so a reconnecting browser presenting the same resumeID can
// reattach via Resume. resumeID may be empty for a brand-new session.
func (b *Broker) HandleConnection(ctx context.Context, ch *wschannel.Channel, resumeID string) {
	s := b.Resume(resumeID, ch)
	if s == nil {
		s = newSession(ch.ID, b, ch)
		b.mu.Lock()
		b.sessions[s.ID] = s
		b.mu.Unlock()
		s.logger.Printf("channel opened")
	} else {
		s.logger.Printf("channel resumed")
	}

	err := ch.Run(ctx, s, pingInterval, pongTimeout)
	if err != nil {
		s.logger.Printf("channel closed: %v", err)
	}

	s.detachChannel()
}

// Resume rebinds ch to the still-live session identified by resumeID,
// for the browser's cached-credentials reconnect flow. Returns nil if
// resumeID is empty, unknown, or names a session that was destroyed
// while detached — the caller falls back to starting a fresh session.
func (b *Broker) Resume(resumeID string, ch *wschannel.Channel) *Session {
	if resumeID == "" {
		return nil
	}
	b.mu.Lock()
	existing, ok := b.sessions[resumeID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if !existing.rebind(ch) {
		return nil
	}
	return existing
}

// Get returns the live session for an ID, or nil.
func (b *Broker) Get(sessionID string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[sessionID]
}

// EndSession implements the admin-surface end-session operation:
// tears down SSH and stops the session's container if it has one.
// Returns how many containers were cleaned up (0 or 1) so the HTTP
// handler can report containersCleanedUp.
func (b *Broker) EndSession(ctx context.Context, sessionID string) (cleanedUp int, err error) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("unknown session %q", sessionID)
	}

	containerID := s.endSession(ctx)
	if containerID != "" {
		return 1, nil
	}
	return 0, nil
}

// ForceDisconnect tears down a session's SSH transport (container
// preserved) without destroying the session, for the admin surface's
// terminal-disconnect endpoint.
func (b *Broker) ForceDisconnect(sessionID string) bool {
	s := b.Get(sessionID)
	if s == nil {
		return false
	}
	s.teardownTransport(ReasonForceDisconnect)
	return true
}

// SessionStat is the admin-surface view of one session, including its
// connection-event history for operator debugging (see spec.md §12's
// per-session event ring buffer).
type SessionStat struct {
	SessionID    string
	State        State
	ContainerID  string
	ConnectedAt  time.Time
	LastActivity time.Time
	Events       []Event
}

// Stats returns a snapshot of every live session.
func (b *Broker) Stats() []SessionStat {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	out := make([]SessionStat, 0, len(sessions))
	for _, s := range sessions {
		snap := s.snapshot()
		out = append(out, SessionStat{
			SessionID:    snap.ID,
			State:        snap.State,
			ContainerID:  snap.ContainerID,
			ConnectedAt:  snap.ConnectedAt,
			LastActivity: snap.LastActivity,
			Events:       s.Events(),
		})
	}
	return out
}

// Count returns the number of live sessions, for the health endpoint.
func (b *Broker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// ReapIdleSessions implements the supervisor's idle-session sweep:
// any session whose lastActivity predates maxIdle is destroyed
// (container preserved) and notified with reason idle_timeout.
func (b *Broker) ReapIdleSessions(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	return b.sweep(func(snap snapshot) bool {
		return snap.LastActivity.Before(cutoff)
	}, ReasonIdleTimeout)
}

// HealthSweep implements the supervisor's health sweep: sessions stuck
// in Connecting past stuckTimeout are destroyed with a timeout error,
// and sessions idle past maxIdle are destroyed with reason inactive.
// This is also what ultimately reaps sessions left detached by
// HandleConnection (their channel gone, nobody resumed within
// IdleTimeout) since detachChannel only unbinds the channel — it does
// not remove the session from the broker's map or stop lastActivity
// from aging past maxIdle.
func (b *Broker) HealthSweep(stuckTimeout, maxIdle time.Duration) int {
	now := time.Now()
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	n := 0
	for _, s := range sessions {
		snap := s.snapshot()
		if snap.State == StateConnecting && now.Sub(snap.ConnectingSince) > stuckTimeout {
			s.emitError(context.Background(), newError(KindTimeout, ""))
			s.destroy(ReasonConnectionClosed)
			b.remove(snap.ID)
			n++
			continue
		}
		if now.Sub(snap.LastActivity) > maxIdle {
			s.destroy(ReasonInactive)
			b.remove(snap.ID)
			n++
		}
	}
	return n
}

func (b *Broker) sweep(match func(snapshot) bool, reason string) int {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	n := 0
	for _, s := range sessions {
		if match(s.snapshot()) {
			s.destroy(reason)
			b.remove(s.ID)
			n++
		}
	}
	return n
}

func (b *Broker) remove(sessionID string) {
	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()
}

// Shutdown notifies and tears down every live session, for the
// supervisor's orderly shutdown sequence.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()

	for _, s := range sessions {
		s.destroy(ReasonServerShutdown)
	}
	log.Printf("[broker] shutdown: %d sessions torn down", len(sessions))
}
