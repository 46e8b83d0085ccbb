package containers

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wsshell/wsshell/internal/logging"
	"github.com/wsshell/wsshell/internal/portalloc"
	"github.com/wsshell/wsshell/internal/procrun"
)

// Record is the in-memory handle for a container the broker has
// provisioned. A Record exists in a Manager's map iff the Manager
// believes the runtime still has that container and it has not been
// explicitly destroyed.
type Record struct {
	ContainerID  string
	Host         string
	Port         int
	Username     string
	Password     string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Stat is a point-in-time snapshot of a Record for the admin surface.
type Stat struct {
	ContainerID string
	Host        string
	Port        int
	CreatedAt   time.Time
	Duration    time.Duration
	IdleTime    time.Duration
	IsActive    bool
}

// Runtime is the subset of container-runtime CLI operations the Manager
// needs. It exists so tests can substitute a fake runtime instead of
// spawning a real container engine.
type Runtime interface {
	Build(ctx context.Context, tag, contextDir string) error
	Run(ctx context.Context, image string, hostPort int) (containerID string, err error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
}

// dockerRuntime shells out to the docker CLI binary via procrun.
type dockerRuntime struct {
	binary string
}

func (d dockerRuntime) Build(ctx context.Context, tag, contextDir string) error {
	_, err := procrun.Run(ctx, d.binary, "build", "-t", tag, contextDir)
	return err
}

func (d dockerRuntime) Run(ctx context.Context, image string, hostPort int) (string, error) {
	res, err := procrun.Run(ctx, d.binary, "run", "-d",
		"-p", fmt.Sprintf("%d:22", hostPort),
		image,
	)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(res.Stdout)
	if len(id) > 12 {
		id = id[:12]
	}
	return id, nil
}

func (d dockerRuntime) Stop(ctx context.Context, containerID string) error {
	_, err := procrun.Run(ctx, d.binary, "stop", containerID)
	return ignoreNoSuchContainer(err)
}

func (d dockerRuntime) Remove(ctx context.Context, containerID string) error {
	_, err := procrun.Run(ctx, d.binary, "rm", "-f", containerID)
	return ignoreNoSuchContainer(err)
}

func ignoreNoSuchContainer(err error) error {
	if err == nil {
		return nil
	}
	exitErr, ok := err.(*procrun.ExitError)
	if ok && strings.Contains(strings.ToLower(exitErr.StderrTail), "no such container") {
		return nil
	}
	return err
}

// NewDockerRuntime returns a Runtime that drives the docker CLI found at
// the given binary path (or "docker" if empty, resolved via PATH).
func NewDockerRuntime(binary string) Runtime {
	if binary == "" {
		binary = "docker"
	}
	return dockerRuntime{binary: binary}
}

// ErrKind classifies a Manager failure for the caller (spec.md's
// ContainerCreate error kind is surfaced by wrapping with this prefix;
// broker classifies on top of it).
type CreateError struct {
	Stage string
	Cause error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create container: %s: %v", e.Stage, e.Cause)
}

func (e *CreateError) Unwrap() error { return e.Cause }

// Manager builds the SSH image once and owns the lifecycle of every
// container it provisions.
type Manager struct {
	runtime  Runtime
	image    string
	startPort int
	host     string

	imageMu    sync.Mutex
	imageBuilt bool

	mu         sync.Mutex
	containers map[string]*Record
}

// NewManager constructs a Manager. host is the address the broker will
// dial to reach a container's published SSH port (typically "127.0.0.1").
func NewManager(runtime Runtime, image string, startPort int, host string) *Manager {
	if host == "" {
		host = "127.0.0.1"
	}
	if startPort <= 0 {
		startPort = portalloc.DefaultStartPort
	}
	return &Manager{
		runtime:    runtime,
		image:      image,
		startPort:  startPort,
		host:       host,
		containers: make(map[string]*Record),
	}
}

// EnsureImage builds the SSH image if it has not been built yet this
// process lifetime. It is idempotent: concurrent callers block on the
// same build and all succeed or fail together. On build failure the
// image-built flag stays unset so the next call retries.
func (m *Manager) EnsureImage(ctx context.Context) error {
	m.imageMu.Lock()
	defer m.imageMu.Unlock()

	if m.imageBuilt {
		return nil
	}

	dir, err := os.MkdirTemp("", "wsshell-image-*")
	if err != nil {
		return fmt.Errorf("ensure image: create build context: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0644); err != nil {
		return fmt.Errorf("ensure image: write Dockerfile: %w", err)
	}

	if err := m.runtime.Build(ctx, m.image, dir); err != nil {
		return fmt.Errorf("ensure image: build %s: %w", m.image, err)
	}

	m.imageBuilt = true
	log.Printf("[containers] image %s built", m.image)
	return nil
}

// Create provisions a fresh container: ensures the image, allocates a
// host port, starts the container publishing container-port 22 to it,
// awaits the SSH listener, and records the entry. Any failure surfaces
// as a *CreateError; if the container started but never became ready,
// Create makes a best-effort attempt to stop the orphan before
// returning.
func (m *Manager) Create(ctx context.Context, readyTimeout time.Duration) (*Record, error) {
	if err := m.EnsureImage(ctx); err != nil {
		return nil, &CreateError{Stage: "ensure image", Cause: err}
	}

	port, err := portalloc.Allocate(m.startPort)
	if err != nil {
		return nil, &CreateError{Stage: "allocate port", Cause: err}
	}

	containerID, err := m.runtime.Run(ctx, m.image, port)
	if err != nil {
		return nil, &CreateError{Stage: "start container", Cause: err}
	}

	if err := portalloc.AwaitListener(ctx, m.host, port, readyTimeout, portalloc.DefaultAwaitInterval); err != nil {
		if stopErr := m.runtime.Stop(ctx, containerID); stopErr != nil {
			logging.ContainerLogger(containerID).Printf("best-effort stop of orphaned container failed: %v", stopErr)
		}
		m.runtime.Remove(ctx, containerID)
		return nil, &CreateError{Stage: "await ssh listener", Cause: err}
	}

	now := time.Now()
	rec := &Record{
		ContainerID:  containerID,
		Host:         m.host,
		Port:         port,
		Username:     DefaultUsername,
		Password:     DefaultPassword,
		CreatedAt:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	m.containers[containerID] = rec
	m.mu.Unlock()

	logging.ContainerLogger(containerID).Printf("created on port %d", port)
	return rec, nil
}

// Stop issues a runtime stop + remove and erases the record. It is a
// no-op returning success if the runtime reports the container is
// already gone.
func (m *Manager) Stop(ctx context.Context, containerID string) error {
	m.mu.Lock()
	_, known := m.containers[containerID]
	m.mu.Unlock()
	if !known {
		return nil
	}

	if err := m.runtime.Stop(ctx, containerID); err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	if err := m.runtime.Remove(ctx, containerID); err != nil {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	m.mu.Lock()
	delete(m.containers, containerID)
	m.mu.Unlock()

	logging.ContainerLogger(containerID).Printf("stopped")
	return nil
}

// Touch advances a container's last-activity timestamp. It is a no-op
// if the container is unknown.
func (m *Manager) Touch(containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.containers[containerID]; ok {
		rec.LastActivity = time.Now()
	}
}

// Get returns a snapshot copy of a container record, or nil if unknown.
func (m *Manager) Get(containerID string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.containers[containerID]
	if !ok {
		return nil
	}
	copy := *rec
	return &copy
}

// List returns a snapshot of every tracked container record.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.containers))
	for _, rec := range m.containers {
		out = append(out, *rec)
	}
	return out
}

// activeThreshold is how recently a container must have seen activity to
// be reported IsActive in Stats.
const activeThreshold = 5 * time.Minute

// Stats returns a point-in-time snapshot suitable for the admin surface.
func (m *Manager) Stats() []Stat {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]Stat, 0, len(m.containers))
	for _, rec := range m.containers {
		idle := now.Sub(rec.LastActivity)
		out = append(out, Stat{
			ContainerID: rec.ContainerID,
			Host:        rec.Host,
			Port:        rec.Port,
			CreatedAt:   rec.CreatedAt,
			Duration:    now.Sub(rec.CreatedAt),
			IdleTime:    idle,
			IsActive:    idle < activeThreshold,
		})
	}
	return out
}

// ReapIdle stops every container whose last activity is older than
// maxIdle and returns how many were stopped.
func (m *Manager) ReapIdle(ctx context.Context, maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var stale []string
	for id, rec := range m.containers {
		if rec.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	count := 0
	for _, id := range stale {
		if err := m.Stop(ctx, id); err != nil {
			logging.ContainerLogger(id).Printf("reap idle: stop failed: %v", err)
			continue
		}
		count++
	}
	return count
}
