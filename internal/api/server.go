package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"agent-orchestrator/internal/config"
	"agent-orchestrator/internal/hub"
	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/ratelimit"
	"agent-orchestrator/internal/scheduler"
	"agent-orchestrator/internal/store"
	"agent-orchestrator/internal/telemetry"
	"agent-orchestrator/internal/worker"
)

// Server wires HTTP and WebSocket handlers over the queue engine.
type Server struct {
	cfg        config.Config
	store      *store.Store
	hub        *hub.Hub
	limiter    *ratelimit.TokenBucket
	execCancel *worker.CancelRegistry
	infCancel  *worker.CancelRegistry
	upgrader   websocket.Upgrader
	startTime  time.Time
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, h *hub.Hub, limiter *ratelimit.TokenBucket, execCancel, infCancel *worker.CancelRegistry) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		hub:        h,
		limiter:    limiter,
		execCancel: execCancel,
		infCancel:  infCancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/admin/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/executions/run", s.handleRunExecution)
	r.Get("/executions/{id}", s.handleGetExecution)
	r.Get("/executions/{id}/events", s.handleExecutionEvents)
	r.Post("/executions/{id}/cancel", s.handleCancelExecution)

	r.Post("/inference/chat", s.handleChat)
	r.Get("/inference/{id}", s.handleGetInference)
	r.Post("/inference/{id}/cancel", s.handleCancelInference)
	r.Get("/inference/{id}/stream", s.handleInferenceStream)

	return r
}

type runExecutionRequest struct {
	AgentID           string          `json:"agent_id"`
	Input             json.RawMessage `json:"input"`
	Source            string          `json:"source,omitempty"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	ParentPriority    *int            `json:"parent_priority,omitempty"`
}

func (s *Server) handleRunExecution(w http.ResponseWriter, r *http.Request) {
	var req runExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if req.Source == "" {
		req.Source = models.SourceManualRun
	}
	if !models.ValidSource(req.Source) {
		writeError(w, http.StatusBadRequest, "unknown source")
		return
	}
	if !s.allow(w, r) {
		return
	}

	exec, err := s.store.EnqueueExecution(r.Context(), store.EnqueueExecutionParams{
		AgentID:           req.AgentID,
		Payload:           req.Input,
		ParentExecutionID: req.ParentExecutionID,
		BasePriority:      scheduler.BasePriority(req.Source),
		Priority:          scheduler.Assign(req.Source, req.ParentPriority),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	telemetry.ExecutionsEnqueued.Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"execution_id": exec.ExecutionID,
		"status":       "QUEUED",
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetExecution(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events, err := s.store.NodeEvents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.RequestCancelExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.execCancel.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "cancel_requested",
		"execution_id": id,
	})
}

type chatRequest struct {
	ModelID        string          `json:"model_id"`
	Messages       json.RawMessage `json:"messages"`
	Parameters     json.RawMessage `json:"parameters"`
	Source         string          `json:"source,omitempty"`
	ParentPriority *int            `json:"parent_priority,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "model_id is required")
		return
	}
	if req.Source == "" {
		req.Source = models.SourceChat
	}
	if !models.ValidSource(req.Source) {
		writeError(w, http.StatusBadRequest, "unknown source")
		return
	}
	if !s.allow(w, r) {
		return
	}

	if len(req.Messages) == 0 {
		req.Messages = json.RawMessage(`[]`)
	}
	prompt, err := json.Marshal(map[string]json.RawMessage{"messages": req.Messages})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid messages")
		return
	}

	task, err := s.store.EnqueueInference(r.Context(), store.EnqueueInferenceParams{
		ModelID:      req.ModelID,
		Prompt:       prompt,
		Parameters:   req.Parameters,
		BasePriority: scheduler.BasePriority(req.Source),
		Priority:     scheduler.Assign(req.Source, req.ParentPriority),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	telemetry.InferenceEnqueued.Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": task.TaskID,
		"status":  "QUEUED",
	})
}

func (s *Server) handleGetInference(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetInferenceTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelInference(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.RequestCancelInference(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.infCancel.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "cancel_requested",
		"task_id": id,
	})
}

// handleInferenceStream upgrades to WebSocket and forwards channel events
// until a terminal event is sent, then closes.
func (s *Server) handleInferenceStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before the terminal check so no event can slip between the
	// snapshot and the subscription.
	sub := s.hub.Subscribe(hub.InferenceChannel(id))
	defer s.hub.Unsubscribe(sub)

	task, err := s.store.GetInferenceTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if models.IsTerminal(task.Status) {
		_ = conn.WriteJSON(terminalEventFor(task))
		return
	}

	// Reader goroutine drains client frames so close is noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if hub.Terminal(ev.Type) {
				return
			}
		}
	}
}

// terminalEventFor reconstructs the terminal event for a task that finished
// before the subscriber connected.
func terminalEventFor(task models.InferenceTask) hub.Event {
	ev := hub.Event{TaskID: task.TaskID, TS: hub.Now()}
	switch task.Status {
	case models.StatusCompleted:
		ev.Type = hub.TypeDone
		ev.Data = map[string]any{"result": task.Result}
		if task.TokensPerSecond != nil {
			ev.Data["tokens_per_second"] = *task.TokensPerSecond
		}
	case models.StatusFailed:
		ev.Type = hub.TypeError
		ev.Data = map[string]any{}
		if task.ErrorLog != nil {
			ev.Data["message"] = *task.ErrorLog
		}
	default:
		ev.Type = hub.TypeCanceled
	}
	return ev
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.SQLiteVersion(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"sqlite_version": version,
		"uptime_sec":     int64(time.Since(s.startTime).Seconds()),
	})
}

// allow runs the enqueue rate limiter; it writes the 429 itself.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+tenantFromRequest(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
