package wschannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Wire event names. These are exact per spec.md §6 and must not change
// independently of the browser client.
const (
	EventConnect         = "terminal:connect"
	EventCreateContainer = "terminal:create-container"
	EventResize          = "terminal:resize"
	EventDisconnect      = "terminal:disconnect"
	EventPing            = "ping"

	EventContainerCreating = "terminal:container-creating"
	EventContainerCreated  = "terminal:container-created"
	EventConnected         = "terminal:connected"
	EventError             = "terminal:error"
	EventDisconnected      = "terminal:disconnected"
	EventPong              = "pong"
)

// maxInputMessageSize bounds a single binary input frame, mirroring the
// teacher's sshterminal.MaxInputMessageSize guard against oversized
// pastes being used to exhaust memory.
const maxInputMessageSize = 64 * 1024

// maxResizeCols and maxResizeRows clamp resize requests to sane bounds,
// same values the teacher's sshterminal package enforces.
const (
	maxResizeCols uint16 = 500
	maxResizeRows uint16 = 500
)

// inputRateLimit and inputRateBurst configure the token bucket guarding
// the input stream against runaway clients.
const (
	inputRateLimit = 200
	inputRateBurst = 200
)

// ConnectRequest is the decoded payload of terminal:connect.
type ConnectRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// ResizeRequest is the decoded payload of terminal:resize.
type ResizeRequest struct {
	Cols   uint16 `json:"cols"`
	Rows   uint16 `json:"rows"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// ContainerView is the external, client-facing shape of a container
// record, used in both terminal:container-created and terminal:connected.
type ContainerView struct {
	ContainerID string `json:"containerId,omitempty"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username,omitempty"`
}

// Handler receives decoded client events. The broker implements this;
// Channel.Run calls exactly one method at a time, in arrival order, so
// the broker never sees two events from the same channel racing each
// other inside the handler.
type Handler interface {
	OnConnect(req ConnectRequest)
	OnCreateContainer()
	OnInput(data []byte)
	OnResize(req ResizeRequest)
	OnDisconnect()
	OnPing()
}

type envelope struct {
	Type string `json:"type"`
}

// Channel is one browser WebSocket connection.
type Channel struct {
	ID   string
	conn *websocket.Conn

	writeMu sync.Mutex

	limiter *tokenBucket
}

// New wraps an accepted WebSocket connection. The caller is responsible
// for websocket.Accept; New assigns the session identity C5 owns.
func New(conn *websocket.Conn) *Channel {
	return &Channel{
		ID:      uuid.New().String(),
		conn:    conn,
		limiter: newTokenBucket(inputRateBurst, inputRateLimit),
	}
}

// Run reads frames until the connection closes or ctx is cancelled,
// dispatching each to h, and concurrently sends a WebSocket ping every
// pingInterval. If a ping round-trip exceeds pongTimeout the channel is
// considered dead and Run returns.
func (c *Channel) Run(ctx context.Context, h Handler, pingInterval, pongTimeout time.Duration) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if pingInterval > 0 {
		go c.pingLoop(runCtx, cancel, pingInterval, pongTimeout)
	}

	for {
		msgType, data, err := c.conn.Read(runCtx)
		if err != nil {
			return err
		}

		if msgType == websocket.MessageBinary {
			if len(data) > maxInputMessageSize {
				log.Printf("[wschannel] %s: dropping oversized input frame (%d bytes)", c.ID, len(data))
				continue
			}
			if !c.limiter.allow() {
				continue
			}
			h.OnInput(data)
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[wschannel] %s: malformed frame: %v", c.ID, err)
			continue
		}

		switch env.Type {
		case EventConnect:
			var req ConnectRequest
			if err := json.Unmarshal(data, &req); err != nil {
				log.Printf("[wschannel] %s: malformed connect payload: %v", c.ID, err)
				continue
			}
			h.OnConnect(req)
		case EventCreateContainer:
			h.OnCreateContainer()
		case EventResize:
			var req ResizeRequest
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			if req.Cols == 0 || req.Rows == 0 {
				continue
			}
			if req.Cols > maxResizeCols {
				req.Cols = maxResizeCols
			}
			if req.Rows > maxResizeRows {
				req.Rows = maxResizeRows
			}
			h.OnResize(req)
		case EventDisconnect:
			h.OnDisconnect()
		case EventPing:
			h.OnPing()
		default:
			log.Printf("[wschannel] %s: unknown event type %q", c.ID, env.Type)
		}
	}
}

func (c *Channel) pingLoop(ctx context.Context, onDead context.CancelFunc, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				log.Printf("[wschannel] %s: ping timeout, closing: %v", c.ID, err)
				onDead()
				return
			}
		}
	}
}

func (c *Channel) writeJSON(ctx context.Context, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", v, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, b)
}

// SendContainerCreating emits terminal:container-creating.
func (c *Channel) SendContainerCreating(ctx context.Context, message string) error {
	return c.writeJSON(ctx, struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{EventContainerCreating, message})
}

// SendContainerCreated emits terminal:container-created.
func (c *Channel) SendContainerCreated(ctx context.Context, container ContainerView) error {
	return c.writeJSON(ctx, struct {
		Type string `json:"type"`
		ContainerView
	}{EventContainerCreated, container})
}

// SendConnected emits terminal:connected.
func (c *Channel) SendConnected(ctx context.Context, container ContainerView) error {
	return c.writeJSON(ctx, struct {
		Type string `json:"type"`
		ContainerView
	}{EventConnected, container})
}

// SendOutput emits terminal:output as a raw binary frame.
func (c *Channel) SendOutput(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

// SendError emits terminal:error.
func (c *Channel) SendError(ctx context.Context, message string) error {
	return c.writeJSON(ctx, struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{EventError, message})
}

// SendDisconnected emits terminal:disconnected with a canonical reason.
func (c *Channel) SendDisconnected(ctx context.Context, reason string) error {
	return c.writeJSON(ctx, struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}{EventDisconnected, reason})
}

// SendPong emits pong, the reply to a client-initiated ping.
func (c *Channel) SendPong(ctx context.Context) error {
	return c.writeJSON(ctx, struct {
		Type string `json:"type"`
	}{EventPong})
}

// Close closes the underlying WebSocket with the given status and
// reason string.
func (c *Channel) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

// tokenBucket is the per-channel input throttle, adapted from the
// teacher's handlers.tokenBucket.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(maxTokens),
		maxTokens:  float64(maxTokens),
		refillRate: float64(refillRate),
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += elapsed.Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
