//go:build container_integration

package containers

// These tests require a working Docker (or Docker-CLI-compatible)
// engine on PATH. Run with:
//
//	go test -tags container_integration ./internal/containers/... -v -timeout 180s

import (
	"context"
	"testing"
	"time"
)

func TestDockerManagerEndToEnd(t *testing.T) {
	rt := NewDockerRuntime("")
	m := NewManager(rt, "wsshell-agent-ssh-test:latest", 0, "127.0.0.1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	rec, err := m.Create(ctx, 60*time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Logf("created container %s on %s:%d", rec.ContainerID, rec.Host, rec.Port)
	defer m.Stop(ctx, rec.ContainerID)

	if rec.Username != DefaultUsername {
		t.Errorf("expected username %q, got %q", DefaultUsername, rec.Username)
	}

	stats := m.Stats()
	if len(stats) != 1 || stats[0].ContainerID != rec.ContainerID {
		t.Fatalf("expected stats to include the created container, got %+v", stats)
	}

	if err := m.Stop(ctx, rec.ContainerID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(m.List()) != 0 {
		t.Errorf("expected container list empty after stop, got %d", len(m.List()))
	}

	// Stop is idempotent.
	if err := m.Stop(ctx, rec.ContainerID); err != nil {
		t.Errorf("expected second stop to be a no-op, got %v", err)
	}
}

func TestDockerManagerEnsureImageBuildsOnce(t *testing.T) {
	rt := NewDockerRuntime("")
	m := NewManager(rt, "wsshell-agent-ssh-test:latest", 0, "127.0.0.1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	if err := m.EnsureImage(ctx); err != nil {
		t.Fatalf("first EnsureImage: %v", err)
	}
	if err := m.EnsureImage(ctx); err != nil {
		t.Fatalf("second EnsureImage: %v", err)
	}
}
