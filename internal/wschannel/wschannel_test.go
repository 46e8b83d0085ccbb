package wschannel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// recordingHandler captures every callback Channel.Run dispatches.
type recordingHandler struct {
	mu        sync.Mutex
	connects  []ConnectRequest
	inputs    [][]byte
	resizes   []ResizeRequest
	created   int
	pings     int
	disconn   int
}

func (h *recordingHandler) OnConnect(req ConnectRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects = append(h.connects, req)
}
func (h *recordingHandler) OnCreateContainer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created++
}
func (h *recordingHandler) OnInput(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	h.inputs = append(h.inputs, cp)
}
func (h *recordingHandler) OnResize(req ResizeRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resizes = append(h.resizes, req)
}
func (h *recordingHandler) OnDisconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconn++
}
func (h *recordingHandler) OnPing() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pings++
}

// serverChannel is set by the test server's handler once a connection is
// accepted, so the test body can call Send* methods on it.
func startChannelServer(t *testing.T, h Handler, chanCh chan *Channel) (*httptest.Server, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ch := New(conn)
		chanCh <- ch
		ch.Run(r.Context(), h, 0, 0)
	})
	ts := httptest.NewServer(mux)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return ts, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestRunDispatchesControlEvents(t *testing.T) {
	h := &recordingHandler{}
	chanCh := make(chan *Channel, 1)
	ts, url := startChannelServer(t, h, chanCh)
	defer ts.Close()

	client := dial(t, url)
	defer client.CloseNow()

	ctx := context.Background()

	send := func(v interface{}) {
		b, _ := json.Marshal(v)
		if err := client.Write(ctx, websocket.MessageText, b); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	send(map[string]interface{}{"type": EventConnect, "host": "127.0.0.1", "port": 2222, "username": "root", "password": "x"})
	send(map[string]interface{}{"type": EventCreateContainer})
	send(map[string]interface{}{"type": EventResize, "cols": 100, "rows": 40})
	send(map[string]interface{}{"type": EventResize, "cols": 99999, "rows": 1})
	send(map[string]interface{}{"type": EventPing})
	send(map[string]interface{}{"type": EventDisconnect})

	deadline := time.After(3 * time.Second)
	for {
		h.mu.Lock()
		done := len(h.connects) == 1 && h.created == 1 && len(h.resizes) == 2 && h.pings == 1 && h.disconn == 1
		h.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for dispatch: %+v", h)
		case <-time.After(10 * time.Millisecond):
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connects[0].Host != "127.0.0.1" || h.connects[0].Port != 2222 {
		t.Errorf("unexpected connect payload: %+v", h.connects[0])
	}
	if h.resizes[1].Cols != maxResizeCols {
		t.Errorf("expected oversized cols clamped to %d, got %d", maxResizeCols, h.resizes[1].Cols)
	}
}

func TestRunDispatchesBinaryInput(t *testing.T) {
	h := &recordingHandler{}
	chanCh := make(chan *Channel, 1)
	ts, url := startChannelServer(t, h, chanCh)
	defer ts.Close()

	client := dial(t, url)
	defer client.CloseNow()

	ctx := context.Background()
	if err := client.Write(ctx, websocket.MessageBinary, []byte("ls -la\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		h.mu.Lock()
		got := len(h.inputs)
		h.mu.Unlock()
		if got == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for input dispatch")
		case <-time.After(10 * time.Millisecond):
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if string(h.inputs[0]) != "ls -la\n" {
		t.Errorf("unexpected input: %q", h.inputs[0])
	}
}

func TestSendMethodsProduceExpectedFrames(t *testing.T) {
	h := &recordingHandler{}
	chanCh := make(chan *Channel, 1)
	ts, url := startChannelServer(t, h, chanCh)
	defer ts.Close()

	client := dial(t, url)
	defer client.CloseNow()

	serverCh := <-chanCh
	ctx := context.Background()

	if err := serverCh.SendContainerCreating(ctx, "starting up"); err != nil {
		t.Fatalf("SendContainerCreating: %v", err)
	}
	_, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != EventContainerCreating || env.Message != "starting up" {
		t.Errorf("unexpected frame: %+v", env)
	}

	if err := serverCh.SendOutput(ctx, []byte("hello")); err != nil {
		t.Fatalf("SendOutput: %v", err)
	}
	msgType, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.MessageBinary || string(data) != "hello" {
		t.Errorf("unexpected output frame: type=%v data=%q", msgType, data)
	}
}

func TestPingLoopClosesOnTimeout(t *testing.T) {
	h := &recordingHandler{}
	chanCh := make(chan *Channel, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ch := New(conn)
		chanCh <- ch
		// Short ping interval/timeout against a client that never reads,
		// so the ping never completes and Run must return promptly.
		ch.Run(r.Context(), h, 20*time.Millisecond, 50*time.Millisecond)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	client := dial(t, wsURL)
	defer client.CloseNow()

	<-chanCh

	// The test passes as long as the server side doesn't hang forever;
	// give the ping loop a generous window to notice and tear down.
	time.Sleep(500 * time.Millisecond)
}
