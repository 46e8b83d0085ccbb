package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/wsshell/wsshell/internal/broker"
	"github.com/wsshell/wsshell/internal/containers"
	"github.com/wsshell/wsshell/internal/logging"
	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Server holds the collaborators the admin surface reads and drives.
// It has no mutable state of its own — every handler reads through to
// Containers or Broker, same as the teacher's handlers package reading
// through to package-level database/orchestrator singletons.
type Server struct {
	Containers *containers.Manager
	Broker     *broker.Broker
	startedAt  time.Time
}

// New constructs a Server. startedAt is recorded for terminal-health's
// uptime field.
func New(mgr *containers.Manager, b *broker.Broker) *Server {
	return &Server{Containers: mgr, Broker: b, startedAt: time.Now()}
}

// Router builds the chi router for the admin surface, with the same
// middleware stack the teacher's main.go installs plus a permissive
// CORS layer spec.md's admin surface requires.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(permissiveCORS)

	r.Get("/health", s.handleHealth)

	r.Route("/api/containers", func(r chi.Router) {
		r.Post("/create", s.handleContainerCreate)
		r.Get("/list", s.handleContainerList)
		r.Get("/stats", s.handleContainerStats)
		r.Delete("/{id}", s.handleContainerDelete)
		r.Post("/end-session", s.handleEndSession)
	})

	r.Get("/api/terminal-stats", s.handleTerminalStats)
	r.Post("/api/terminal-disconnect", s.handleTerminalDisconnect)
	r.Get("/api/terminal-health", s.handleTerminalHealth)

	r.Get("/api/logs/tail", s.handleLogTail)
	r.Post("/api/logs/clear", s.handleLogClear)

	return r
}

// permissiveCORS allows any origin, matching spec.md §6's
// "all CORS-permissive" requirement. No example repo in the retrieval
// pack vendors a CORS middleware, so this is hand-rolled in the
// teacher's handler style rather than left unimplemented.
func permissiveCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "container-service",
	})
}

// containerView is the wire shape for a container record on the admin
// surface, distinct from wschannel.ContainerView since the admin
// surface always includes createdAt and never omits fields.
type containerView struct {
	ContainerID string    `json:"containerId"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Username    string    `json:"username"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toContainerView(rec containers.Record) containerView {
	return containerView{
		ContainerID: rec.ContainerID,
		Host:        rec.Host,
		Port:        rec.Port,
		Username:    rec.Username,
		CreatedAt:   rec.CreatedAt,
	}
}

func (s *Server) handleContainerCreate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	rec, err := s.Containers.Create(ctx, 30*time.Second)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"container": toContainerView(*rec),
	})
}

func (s *Server) handleContainerList(w http.ResponseWriter, r *http.Request) {
	recs := s.Containers.List()
	views := make([]containerView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, toContainerView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"containers": views})
}

// statView matches spec.md §6's per-container stats shape exactly;
// Duration and IdleTime are rendered as Go duration strings, which is
// what containers.Stat's time.Duration fields marshal to by default.
type statView struct {
	ContainerID   string        `json:"containerId"`
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	CreatedAt     time.Time     `json:"createdAt"`
	Duration      time.Duration `json:"duration"`
	DurationHuman string        `json:"durationHuman"`
	IdleTime      time.Duration `json:"idleTime"`
	IdleTimeHuman string        `json:"idleTimeHuman"`
	IsActive      bool          `json:"isActive"`
}

func toStatView(st containers.Stat) statView {
	return statView{
		ContainerID:   st.ContainerID,
		Host:          st.Host,
		Port:          st.Port,
		CreatedAt:     st.CreatedAt,
		Duration:      st.Duration,
		DurationHuman: units.HumanDuration(st.Duration),
		IdleTime:      st.IdleTime,
		IdleTimeHuman: units.HumanDuration(st.IdleTime),
		IsActive:      st.IsActive,
	}
}

func (s *Server) handleContainerStats(w http.ResponseWriter, r *http.Request) {
	stats := s.Containers.Stats()
	views := make([]statView, 0, len(stats))
	for _, st := range stats {
		views = append(views, toStatView(st))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleContainerDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if err := s.Containers.Stop(ctx, id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "container stopped",
	})
}

type endSessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "malformed request body",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	cleanedUp, err := s.Broker.EndSession(ctx, req.SessionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":            true,
		"containersCleanedUp": cleanedUp,
	})
}

// eventView is the wire shape for one entry of a session's
// connection-event history (spec.md §12's per-session ring buffer).
type eventView struct {
	Type      string    `json:"type"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

func toEventViews(events []broker.Event) []eventView {
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{Type: e.Type, Detail: e.Detail, Timestamp: e.Timestamp})
	}
	return views
}

func (s *Server) handleTerminalStats(w http.ResponseWriter, r *http.Request) {
	sessionStats := s.Broker.Stats()
	sessions := make([]map[string]interface{}, 0, len(sessionStats))
	for _, st := range sessionStats {
		sessions = append(sessions, map[string]interface{}{
			"sessionId":    st.SessionID,
			"state":        st.State,
			"containerId":  st.ContainerID,
			"connectedAt":  st.ConnectedAt,
			"lastActivity": st.LastActivity,
			"events":       toEventViews(st.Events),
		})
	}

	containerStats := s.Containers.Stats()
	containerViews := make([]statView, 0, len(containerStats))
	for _, st := range containerStats {
		containerViews = append(containerViews, toStatView(st))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":   sessions,
		"containers": containerViews,
	})
}

type terminalDisconnectRequest struct {
	SocketID string `json:"socketId"`
}

func (s *Server) handleTerminalDisconnect(w http.ResponseWriter, r *http.Request) {
	var req terminalDisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "malformed request body",
		})
		return
	}

	ok := s.Broker.ForceDisconnect(req.SocketID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          ok,
		"containerStopped": false,
	})
}

func (s *Server) handleTerminalHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"uptime":         time.Since(s.startedAt).String(),
		"activeSessions": s.Broker.Count(),
		"containerService": map[string]interface{}{
			"status":     "healthy",
			"containers": len(s.Containers.List()),
		},
	})
}

// defaultLogTailLines is used when the caller omits ?lines= or passes a
// non-positive value.
const defaultLogTailLines = 200

func (s *Server) handleLogTail(w http.ResponseWriter, r *http.Request) {
	n := defaultLogTailLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}

	tail, err := logging.ReadTail(n)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"log":     tail,
	})
}

func (s *Server) handleLogClear(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}
