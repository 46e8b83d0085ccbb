package supervisor

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/wsshell/wsshell/internal/broker"
	"github.com/wsshell/wsshell/internal/config"
	"github.com/wsshell/wsshell/internal/containers"
	"github.com/robfig/cron/v3"
)

// Supervisor owns the three periodic sweeps spec.md §9 describes
// (idle session reap, health sweep, idle container reap) plus the
// orderly shutdown sequence: stop scheduling new work, tear down every
// live session, stop every tracked container, then close the HTTP
// server. Construct exactly one per process, same as Broker.
type Supervisor struct {
	cfg        config.Settings
	broker     *broker.Broker
	containers *containers.Manager
	cron       *cron.Cron
}

// New wires the three sweeps into a cron.Cron scheduler using "@every"
// specs built from cfg, matching the teacher's "run this periodically"
// intent but replacing its hand-rolled time.Ticker loop with the
// scheduler library the teacher's go.mod already declares but never
// calls.
func New(cfg config.Settings, b *broker.Broker, mgr *containers.Manager) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		broker:     b,
		containers: mgr,
		cron:       cron.New(),
	}

	if _, err := s.cron.AddFunc(everySpec(cfg.SessionSweepInterval), s.runIdleSessionSweep); err != nil {
		log.Fatalf("[supervisor] schedule idle session sweep: %v", err)
	}
	if _, err := s.cron.AddFunc(everySpec(cfg.HealthSweepInterval), s.runHealthSweep); err != nil {
		log.Fatalf("[supervisor] schedule health sweep: %v", err)
	}
	if _, err := s.cron.AddFunc(everySpec(cfg.ContainerSweepInterval), s.runContainerSweep); err != nil {
		log.Fatalf("[supervisor] schedule container sweep: %v", err)
	}

	return s
}

func everySpec(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return fmt.Sprintf("@every %s", d)
}

// Start begins running the scheduled sweeps. It returns immediately;
// cron.Cron runs its own goroutine internally.
func (s *Supervisor) Start() {
	s.cron.Start()
	log.Printf("[supervisor] started (session sweep=%s, health sweep=%s, container sweep=%s)",
		s.cfg.SessionSweepInterval, s.cfg.HealthSweepInterval, s.cfg.ContainerSweepInterval)
}

func (s *Supervisor) runIdleSessionSweep() {
	n := s.broker.ReapIdleSessions(s.cfg.IdleTimeout)
	if n > 0 {
		log.Printf("[supervisor] idle session sweep: reaped %d session(s)", n)
	}
}

func (s *Supervisor) runHealthSweep() {
	n := s.broker.HealthSweep(s.cfg.StuckConnectingTimeout, s.cfg.IdleTimeout)
	if n > 0 {
		log.Printf("[supervisor] health sweep: cleaned up %d session(s)", n)
	}
}

func (s *Supervisor) runContainerSweep() {
	n := s.containers.ReapIdle(context.Background(), s.cfg.IdleTimeout)
	if n > 0 {
		log.Printf("[supervisor] container sweep: stopped %d idle container(s)", n)
	}
}

// Shutdown runs the ordered teardown: stop the scheduler (no new
// sweeps fire), tear down every live session (containers preserved —
// sessions own SSH transport, not container lifecycle), stop every
// still-running container, then shut the HTTP server down within its
// own deadline. Mirrors the teacher's termMgr.Stop() -> tunnelMgr.
// StopAll() -> sshMgr.CloseAll() -> srv.Shutdown() sequence.
func (s *Supervisor) Shutdown(httpServer *http.Server, timeout time.Duration) error {
	s.cron.Stop()

	s.broker.Shutdown()

	for _, rec := range s.containers.List() {
		if err := s.containers.Stop(context.Background(), rec.ContainerID); err != nil {
			log.Printf("[supervisor] shutdown: stop container %s: %v", rec.ContainerID, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	log.Println("[supervisor] shutdown complete")
	return nil
}
