// Package streamserver is the client-facing transport of spec §6: a
// duplex WebSocket channel carrying `start`/`hitl_response`/`cancel`
// envelopes in and `workflow_event`/`agent_event`/`error`/
// `workflow_complete` envelopes out, one connection per session.
//
// Grounded on _examples/codeready-toolchain-tarsy/pkg/api/websocket.go
// (the upgrade-then-read-loop shape, one goroutine per connection) and
// kadirpekel-hector/pkg/transport/http_metrics_middleware.go for
// wiring chi's RouteContext into request handling.
package streamserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/devflow/orchestrator/internal/checkpoint"
	"github.com/devflow/orchestrator/internal/graph"
	"github.com/devflow/orchestrator/internal/orchestrator"
	"github.com/devflow/orchestrator/internal/workflowstate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboundEnvelope is the shape of every message the client may send
// (spec §6): the three message types share one envelope, discriminated
// by Type.
type inboundEnvelope struct {
	Type          string                    `json:"type"`
	Goal          string                    `json:"goal,omitempty"`
	WorkspacePath string                    `json:"workspace_path,omitempty"`
	SessionID     string                    `json:"session_id,omitempty"`
	Payload       *workflowstate.HITLResponse `json:"payload,omitempty"`
}

// Server hosts the WebSocket control surface plus health/readiness
// and pending-session discovery endpoints.
type Server struct {
	graph   *graph.Graph
	orch    *orchestrator.Orchestrator
	checks  *checkpoint.Store

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// New builds a Server. The caller is responsible for calling
// orch.Initialize before serving requests.
func New(g *graph.Graph, orch *orchestrator.Orchestrator, checks *checkpoint.Store) *Server {
	return &Server{graph: g, orch: orch, checks: checks, sessions: make(map[string]context.CancelFunc)}
}

// Routes builds the chi router this server answers on.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/sessions/pending", s.handleSessionsPending)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("streamserver: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var env inboundEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("streamserver: connection closed unexpectedly", "error", err)
			}
			return
		}

		switch env.Type {
		case "start":
			s.handleStart(conn, env)
		case "hitl_response":
			s.handleHITLResponse(conn, env)
		case "cancel":
			s.handleCancel(env.SessionID)
		default:
			s.writeError(conn, env.SessionID, "unknown message type: "+env.Type)
		}
	}
}

func (s *Server) handleStart(conn *websocket.Conn, env inboundEnvelope) {
	sessionID := env.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.registerSession(sessionID, cancel)
	defer s.unregisterSession(sessionID)

	for ev, err := range s.graph.Run(ctx, sessionID, env.Goal, env.WorkspacePath) {
		if err != nil {
			s.writeError(conn, sessionID, err.Error())
			return
		}
		if writeErr := conn.WriteJSON(ev); writeErr != nil {
			slog.Warn("streamserver: dropping connection, write failed", "session_id", sessionID, "error", writeErr)
			return
		}
	}
}

func (s *Server) handleHITLResponse(conn *websocket.Conn, env inboundEnvelope) {
	if env.SessionID == "" || env.Payload == nil {
		s.writeError(conn, env.SessionID, "hitl_response requires session_id and payload")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.registerSession(env.SessionID, cancel)
	defer s.unregisterSession(env.SessionID)

	for ev, err := range s.graph.Resume(ctx, env.SessionID, *env.Payload) {
		if err != nil {
			s.writeError(conn, env.SessionID, err.Error())
			return
		}
		if writeErr := conn.WriteJSON(ev); writeErr != nil {
			slog.Warn("streamserver: dropping connection, write failed", "session_id", env.SessionID, "error", writeErr)
			return
		}
	}
}

func (s *Server) handleCancel(sessionID string) {
	s.mu.Lock()
	cancel, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Server) registerSession(sessionID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = cancel
}

func (s *Server) unregisterSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *Server) writeError(conn *websocket.Conn, sessionID, message string) {
	_ = conn.WriteJSON(map[string]any{
		"type":       "error",
		"session_id": sessionID,
		"error":      message,
		"timestamp":  time.Now(),
	})
}

// handleHealthz reports worker liveness per spec D.4.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"workers": s.workerLiveness()}
	writeJSON(w, http.StatusOK, status)
}

// handleReadyz gates on the five agent workers all being alive.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	liveness := s.workerLiveness()
	ready := true
	for _, alive := range liveness {
		if !alive {
			ready = false
			break
		}
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ready": ready, "workers": liveness})
}

func (s *Server) workerLiveness() map[string]bool {
	liveness := make(map[string]bool)
	for _, name := range []string{"research", "architect", "codesmith", "reviewfix", "responder"} {
		liveness[name] = s.orch.IsAlive(name)
	}
	return liveness
}

// handleSessionsPending surfaces sessions awaiting a human response or
// otherwise interrupted mid-run, per SPEC_FULL.md §D.5, instead of
// silently dropping them on restart.
func (s *Server) handleSessionsPending(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.checks.PendingSessions(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
