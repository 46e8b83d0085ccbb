package containers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeRuntime stands in for the docker CLI in tests so they never spawn
// a real container engine. It starts a real TCP listener per "container"
// so AwaitListener's polling has something to observe.
type fakeRuntime struct {
	mu         sync.Mutex
	buildCalls int
	buildErr   error
	runErr     error
	neverReady bool // Run succeeds but never binds the port, so AwaitListener times out
	nextID     int
	listeners  map[string]net.Listener
	stopped    map[string]bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		listeners: make(map[string]net.Listener),
		stopped:   make(map[string]bool),
	}
}

func (f *fakeRuntime) Build(ctx context.Context, tag, contextDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildCalls++
	return f.buildErr
}

func (f *fakeRuntime) Run(ctx context.Context, image string, hostPort int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	f.nextID++
	id := fmt.Sprintf("fakecontainer%02d", f.nextID)

	if f.neverReady {
		return id[:12], nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", hostPort))
	if err != nil {
		return "", err
	}
	f.listeners[id] = ln
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	return id[:12], nil
}

func (f *fakeRuntime) Stop(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ln, ok := f.listeners[containerID]; ok {
		ln.Close()
		delete(f.listeners, containerID)
	}
	f.stopped[containerID] = true
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, containerID string) error {
	return nil
}

func TestEnsureImageBuildsOnce(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, "wsshell-agent-ssh:latest", 0, "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.EnsureImage(context.Background()); err != nil {
				t.Errorf("EnsureImage: %v", err)
			}
		}()
	}
	wg.Wait()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.buildCalls != 1 {
		t.Errorf("expected exactly 1 build, got %d", rt.buildCalls)
	}
}

func TestEnsureImageRetriesAfterFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.buildErr = errors.New("build failed")
	m := NewManager(rt, "wsshell-agent-ssh:latest", 0, "")

	if err := m.EnsureImage(context.Background()); err == nil {
		t.Fatal("expected error on first build")
	}

	rt.buildErr = nil
	if err := m.EnsureImage(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.buildCalls != 2 {
		t.Errorf("expected 2 build attempts, got %d", rt.buildCalls)
	}
}

func TestCreateAndStopRoundTrip(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, "wsshell-agent-ssh:latest", 0, "")

	rec, err := m.Create(context.Background(), 3*time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Username != DefaultUsername || rec.Password != DefaultPassword {
		t.Errorf("unexpected credentials: %+v", rec)
	}
	if len(m.List()) != 1 {
		t.Fatalf("expected 1 tracked container, got %d", len(m.List()))
	}

	if err := m.Stop(context.Background(), rec.ContainerID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(m.List()) != 0 {
		t.Errorf("expected state to return to empty after stop, got %d", len(m.List()))
	}
}

func TestStopUnknownIsNoOp(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, "wsshell-agent-ssh:latest", 0, "")

	if err := m.Stop(context.Background(), "does-not-exist"); err != nil {
		t.Errorf("expected no-op success, got %v", err)
	}
}

func TestTouchUnknownIsNoOp(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, "wsshell-agent-ssh:latest", 0, "")
	m.Touch("does-not-exist") // must not panic
}

func TestCreateFailsAtStartStage(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, "wsshell-agent-ssh:latest", 0, "")

	rt.runErr = errors.New("boom")

	_, err := m.Create(context.Background(), 1*time.Second)
	if err == nil {
		t.Fatal("expected Create to fail")
	}
	var createErr *CreateError
	if !errors.As(err, &createErr) {
		t.Fatalf("expected *CreateError, got %T", err)
	}
	if createErr.Stage != "start container" {
		t.Errorf("expected failure stage %q, got %q", "start container", createErr.Stage)
	}
	if len(m.List()) != 0 {
		t.Errorf("expected no orphaned record, got %d", len(m.List()))
	}
}

func TestCreateRollsBackOrphanWhenNeverReady(t *testing.T) {
	rt := newFakeRuntime()
	rt.neverReady = true
	m := NewManager(rt, "wsshell-agent-ssh:latest", 0, "")

	_, err := m.Create(context.Background(), 500*time.Millisecond)
	if err == nil {
		t.Fatal("expected Create to fail on readiness timeout")
	}
	var createErr *CreateError
	if !errors.As(err, &createErr) {
		t.Fatalf("expected *CreateError, got %T", err)
	}
	if createErr.Stage != "await ssh listener" {
		t.Errorf("expected failure stage %q, got %q", "await ssh listener", createErr.Stage)
	}
	if len(m.List()) != 0 {
		t.Errorf("expected no orphaned record, got %d", len(m.List()))
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.stopped) != 1 {
		t.Errorf("expected best-effort stop of orphaned container, got %d stopped", len(rt.stopped))
	}
}

func TestReapIdleStopsOnlyStaleContainers(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, "wsshell-agent-ssh:latest", 0, "")

	rec, err := m.Create(context.Background(), 3*time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Freshly created: not idle yet.
	if n := m.ReapIdle(context.Background(), 30*time.Minute); n != 0 {
		t.Errorf("expected 0 reaped, got %d", n)
	}

	m.mu.Lock()
	m.containers[rec.ContainerID].LastActivity = time.Now().Add(-1 * time.Hour)
	m.mu.Unlock()

	if n := m.ReapIdle(context.Background(), 30*time.Minute); n != 1 {
		t.Errorf("expected 1 reaped, got %d", n)
	}
	if len(m.List()) != 0 {
		t.Errorf("expected container removed after reap, got %d remaining", len(m.List()))
	}
}

func TestStatsReportsIdleTimeAndActivity(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, "wsshell-agent-ssh:latest", 0, "")

	rec, err := m.Create(context.Background(), 3*time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	stats := m.Stats()
	if len(stats) != 1 {
		t.Fatalf("expected 1 stat, got %d", len(stats))
	}
	if !stats[0].IsActive {
		t.Error("expected freshly created container to be active")
	}
	if stats[0].ContainerID != rec.ContainerID {
		t.Errorf("unexpected container id in stats: %s", stats[0].ContainerID)
	}
}
