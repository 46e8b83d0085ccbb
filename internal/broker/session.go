package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wsshell/wsshell/internal/logging"
	"github.com/wsshell/wsshell/internal/sshshell"
	"github.com/wsshell/wsshell/internal/wschannel"
	"golang.org/x/time/rate"
)

// State is one of spec.md §4.6's session states.
type State string

const (
	StateIdle              State = "idle"
	StateConnecting        State = "connecting"
	StateCreatingContainer State = "creating_container"
	StateConnected         State = "connected"
	StateEnding            State = "ending"
)

// maxEventsPerSession bounds the per-session event ring buffer, same
// shape and limit as the teacher's sshmanager event log.
const maxEventsPerSession = 100

// Event is one entry in a session's connection-event history, surfaced
// through the admin surface for operator visibility.
type Event struct {
	Type      string
	Detail    string
	Timestamp time.Time
}

// Session is one client channel's conversation with the broker. All
// mutable fields are guarded by mu; operations that suspend (opening an
// SSH shell, creating a container) release mu before the suspending
// call and reacquire it to commit the outcome.
type Session struct {
	ID string

	broker  *Broker
	channel *wschannel.Channel

	mu              sync.Mutex
	state           State
	creds           Credentials
	containerID     string
	connectedAt     time.Time
	connectingSince time.Time
	lastActivity    time.Time
	shell           *sshshell.Shell
	generation      uint64
	destroyed       bool

	connectLimiter *rate.Limiter
	logger         *log.Logger

	eventsMu sync.Mutex
	events   []Event
}

func newSession(id string, b *Broker, ch *wschannel.Channel) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		broker:         b,
		channel:        ch,
		state:          StateIdle,
		lastActivity:   now,
		connectLimiter: rate.NewLimiter(rate.Every(b.cfg.MinConnectInterval), 1),
		logger:         logging.SessionLogger(id),
	}
}

func (s *Session) recordEvent(eventType, detail string) {
	s.eventsMu.Lock()
	s.events = append(s.events, Event{Type: eventType, Detail: detail, Timestamp: time.Now()})
	if len(s.events) > maxEventsPerSession {
		s.events = s.events[len(s.events)-maxEventsPerSession:]
	}
	s.eventsMu.Unlock()
	s.logger.Printf("%s %s", eventType, detail)
}

// Events returns a snapshot of this session's recorded event history.
func (s *Session) Events() []Event {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// snapshot is an admin-surface-facing, lock-free copy of session state.
type snapshot struct {
	ID              string
	State           State
	ContainerID     string
	ConnectedAt     time.Time
	ConnectingSince time.Time
	LastActivity    time.Time
}

func (s *Session) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{
		ID:              s.ID,
		State:           s.state,
		ContainerID:     s.containerID,
		ConnectedAt:     s.connectedAt,
		ConnectingSince: s.connectingSince,
		LastActivity:    s.lastActivity,
	}
}

func (s *Session) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *Session) emitError(ctx context.Context, err error) {
	msg := clientMessage(err)
	s.recordEvent("error", msg)
	s.sendError(ctx, msg)
}

// sendError and sendDisconnected guard against a detached channel: a
// session that has outlived its websocket (see detachChannel) keeps
// running scheduled sweeps and admin-surface calls against it, but has
// nothing to write to until a browser reconnect calls rebind.
func (s *Session) sendError(ctx context.Context, msg string) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch != nil {
		ch.SendError(ctx, msg)
	}
}

func (s *Session) sendDisconnected(ctx context.Context, reason string) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch != nil {
		ch.SendDisconnected(ctx, canonicalizeReason(reason))
	}
}

func (s *Session) boundChannel() *wschannel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// --- wschannel.Handler ---

// OnConnect implements spec.md's connect(credentials) operation.
func (s *Session) OnConnect(req wschannel.ConnectRequest) {
	if s.isDestroyed() {
		return
	}
	creds := Credentials{
		Host: req.Host, Port: req.Port, Username: req.Username,
		Password: req.Password, PrivateKey: req.PrivateKey, Passphrase: req.Passphrase,
	}
	s.connect(creds, "")
}

// OnCreateContainer implements spec.md's create-container operation.
func (s *Session) OnCreateContainer() {
	if s.isDestroyed() {
		return
	}
	ctx := context.Background()

	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected || s.state == StateCreatingContainer {
		s.mu.Unlock()
		s.emitError(ctx, newError(KindBusy, ""))
		return
	}
	s.state = StateCreatingContainer
	s.mu.Unlock()

	s.recordEvent("container-creating", "")
	if ch := s.boundChannel(); ch != nil {
		ch.SendContainerCreating(ctx, "Creating container...")
	}

	rec, err := s.broker.containers.Create(ctx, s.broker.cfg.ConnectTimeout)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		s.emitError(ctx, classifyContainerError(err))
		return
	}

	s.recordEvent("container-created", rec.ContainerID)
	if ch := s.boundChannel(); ch != nil {
		ch.SendContainerCreated(ctx, wschannel.ContainerView{
			ContainerID: rec.ContainerID,
			Host:        rec.Host,
			Port:        rec.Port,
			Username:    rec.Username,
		})
	}

	s.mu.Lock()
	s.state = StateIdle // connect() below will re-validate and re-enter Connecting
	s.mu.Unlock()

	// The warmup grace and the connect attempt run off the channel's
	// read loop so a disconnect or ping arriving in the meantime is
	// still serviced promptly.
	go func() {
		time.Sleep(s.broker.cfg.ContainerReadyGrace)
		if s.isDestroyed() {
			return
		}
		s.connect(Credentials{
			Host: rec.Host, Port: rec.Port, Username: rec.Username, Password: rec.Password,
		}, rec.ContainerID)
	}()
}

// connect drives the Connecting -> Connected|Idle transition shared by
// OnConnect and the post-create-container auto-connect. containerID, if
// non-empty, is attached to the session on success.
func (s *Session) connect(creds Credentials, containerID string) {
	ctx := context.Background()

	s.mu.Lock()
	if !s.connectLimiter.Allow() {
		s.mu.Unlock()
		s.emitError(ctx, newError(KindRateLimited, ""))
		return
	}
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		s.emitError(ctx, newError(KindBusy, ""))
		return
	}
	if err := creds.Validate(); err != nil {
		s.mu.Unlock()
		s.emitError(ctx, newError(KindValidation, err.Error()))
		return
	}
	s.state = StateConnecting
	s.connectingSince = time.Now()
	s.generation++
	generation := s.generation
	s.mu.Unlock()

	s.recordEvent("connecting", fmt.Sprintf("%s:%d", creds.Host, creds.Port))

	connectCtx, cancel := context.WithTimeout(ctx, s.broker.cfg.ConnectTimeout)
	defer cancel()

	shell, err := sshshell.Open(connectCtx, creds.toSSHShell(), sshshell.DefaultPTY, s.broker.sshOptions(), sshshell.Callbacks{
		OnOutput: func(b []byte) { s.handleShellOutput(generation, b) },
		OnClose:  func(code int, signal string) { s.handleShellTeardown(generation, ReasonStreamClosed) },
		OnError:  func(cbErr error) { s.handleShellError(generation, cbErr) },
	})

	s.mu.Lock()
	if s.generation != generation || s.state != StateConnecting {
		// Superseded by a disconnect/end-session/timeout while Open was
		// in flight: discard whatever Open produced and do not emit.
		s.mu.Unlock()
		if err == nil {
			shell.Close()
		}
		return
	}
	if err != nil {
		s.state = StateIdle
		s.mu.Unlock()
		s.emitError(ctx, classifyTransportError(err))
		return
	}

	s.shell = shell
	s.creds = creds
	if containerID != "" {
		s.containerID = containerID
	}
	s.state = StateConnected
	now := time.Now()
	s.connectedAt = now
	s.lastActivity = now
	view := wschannel.ContainerView{
		ContainerID: s.containerID,
		Host:        creds.Host,
		Port:        creds.Port,
		Username:    creds.Username,
	}
	s.mu.Unlock()

	s.recordEvent("connected", view.ContainerID)
	if ch := s.boundChannel(); ch != nil {
		ch.SendConnected(ctx, view)
	}
}

func (s *Session) handleShellOutput(generation uint64, b []byte) {
	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		return
	}
	s.lastActivity = time.Now()
	containerID := s.containerID
	s.mu.Unlock()

	if containerID != "" {
		s.broker.containers.Touch(containerID)
	}
	if ch := s.boundChannel(); ch != nil {
		ch.SendOutput(context.Background(), b)
	}
}

func (s *Session) handleShellError(generation uint64, err error) {
	s.mu.Lock()
	stale := s.generation != generation
	s.mu.Unlock()
	if stale {
		return
	}
	s.emitError(context.Background(), classifyTransportError(err))
}

// handleShellTeardown implements the Connected -> Idle transition on
// peer-close/stream-close, preserving the container.
func (s *Session) handleShellTeardown(generation uint64, reason string) {
	s.mu.Lock()
	if s.generation != generation || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	s.shell = nil
	s.mu.Unlock()

	s.recordEvent("disconnected", reason)
	s.sendDisconnected(context.Background(), reason)
}

// OnInput implements spec.md's input(bytes) operation.
func (s *Session) OnInput(data []byte) {
	if s.isDestroyed() {
		return
	}
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	shell := s.shell
	containerID := s.containerID
	s.lastActivity = time.Now()
	s.mu.Unlock()

	shell.Write(data)
	if containerID != "" {
		s.broker.containers.Touch(containerID)
	}
}

// OnResize implements spec.md's resize(...) operation.
func (s *Session) OnResize(req wschannel.ResizeRequest) {
	if s.isDestroyed() {
		return
	}
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	shell := s.shell
	s.mu.Unlock()

	if req.Cols > 0 && req.Rows > 0 {
		shell.Resize(req.Cols, req.Rows, req.Width, req.Height)
	}
}

// OnDisconnect implements spec.md's disconnect operation: tears down
// the SSH transport but preserves the container, per invariant 4.
func (s *Session) OnDisconnect() {
	if s.isDestroyed() {
		return
	}
	s.teardownTransport(ReasonUserDisconnect)
}

// OnPing replies to a client-initiated application-level ping.
func (s *Session) OnPing() {
	if s.isDestroyed() {
		return
	}
	if ch := s.boundChannel(); ch != nil {
		ch.SendPong(context.Background())
	}
}

// teardownTransport closes the SSH transport (if any) and returns the
// session to Idle without touching containerID, then emits
// terminal:disconnected with reason.
func (s *Session) teardownTransport(reason string) {
	s.mu.Lock()
	shell := s.shell
	s.shell = nil
	s.generation++ // invalidate any in-flight connect/output callbacks
	if s.state != StateEnding {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if shell != nil {
		shell.Close()
	}

	s.recordEvent("disconnected", reason)
	s.sendDisconnected(context.Background(), reason)
}

// detachChannel releases this session's channel reference when its
// websocket closes without an explicit disconnect or end-session (a
// dropped network connection, a closed browser tab). The session and
// its container, if any, are preserved in the broker's map so a
// reconnecting browser presenting the same sessionId can rebind to it
// instead of provisioning a fresh container — the server side of the
// cached-credentials reconnect flow. The session is still reaped by
// the idle sweep if nobody reconnects within IdleTimeout.
func (s *Session) detachChannel() {
	s.mu.Lock()
	shell := s.shell
	s.shell = nil
	s.channel = nil
	if s.state == StateConnecting || s.state == StateConnected {
		s.state = StateIdle
	}
	s.generation++
	s.mu.Unlock()

	if shell != nil {
		shell.Close()
	}
	s.recordEvent("channel-detached", "")
}

// rebind attaches a freshly dialed channel to this session for resume.
// Returns false if the session was destroyed while detached, in which
// case the caller must fall back to starting a fresh session.
func (s *Session) rebind(ch *wschannel.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return false
	}
	s.channel = ch
	return true
}

// endSession implements spec.md's end-session operation: tears down
// SSH, stops the container, and marks the session destroyed so any
// further events dispatched to it (the channel may still be open) are
// dropped.
func (s *Session) endSession(ctx context.Context) (containerID string) {
	s.mu.Lock()
	shell := s.shell
	s.shell = nil
	containerID = s.containerID
	s.containerID = ""
	s.destroyed = true
	s.state = StateEnding
	s.generation++
	s.mu.Unlock()

	if shell != nil {
		shell.Close()
	}
	if containerID != "" {
		if err := s.broker.containers.Stop(ctx, containerID); err != nil {
			s.logger.Printf("end-session: stop container %s: %v", containerID, err)
		}
	}

	s.recordEvent("disconnected", ReasonEndSession)
	s.sendDisconnected(ctx, ReasonEndSession)
	return containerID
}

// destroy tears down the session without touching its container,
// used for channel-close and supervisor-driven cleanup.
func (s *Session) destroy(reason string) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	shell := s.shell
	s.shell = nil
	s.destroyed = true
	s.generation++
	s.mu.Unlock()

	if shell != nil {
		shell.Close()
	}
	if reason != "" {
		s.recordEvent("disconnected", reason)
		s.sendDisconnected(context.Background(), reason)
	}
}
