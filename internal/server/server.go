// Package server exposes the control plane: a loopback HTTP API used by the
// sm CLI, by agents messaging each other, and by provider hooks reporting
// lifecycle events.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/OWNER/sm/internal/constants"
	"github.com/OWNER/sm/internal/delivery"
	"github.com/OWNER/sm/internal/handoff"
	"github.com/OWNER/sm/internal/hooks"
	"github.com/OWNER/sm/internal/obs"
	"github.com/OWNER/sm/internal/session"
	"github.com/OWNER/sm/internal/tmux"
	"github.com/OWNER/sm/internal/watch"
)

// Options wires a Server.
type Options struct {
	Registry *session.Registry
	Engine   *delivery.Engine
	Watcher  *watch.Watcher
	Handoff  *handoff.Coordinator
	Driver   tmux.Driver
	Tools    *obs.Store // may be nil

	// AgentCommands maps provider name to the launch command for new panes.
	AgentCommands map[string]string

	// APIAddr is the control plane address hook commands post back to.
	// Empty disables hook installation on session creation.
	APIAddr string

	// Context monitor thresholds, in tokens.
	WarnTokens     int
	CriticalTokens int
}

// Server is the HTTP control plane.
type Server struct {
	registry *session.Registry
	engine   *delivery.Engine
	watcher  *watch.Watcher
	handoff  *handoff.Coordinator
	driver   tmux.Driver
	tools    *obs.Store

	agentCommands  map[string]string
	apiAddr        string
	warnTokens     int
	criticalTokens int
	startedAt      time.Time
}

// New creates a server.
func New(opts Options) *Server {
	cmds := opts.AgentCommands
	if cmds == nil {
		cmds = map[string]string{
			constants.ProviderClaudeTmux: "claude",
			constants.ProviderCodexTmux:  "codex",
		}
	}
	return &Server{
		registry:       opts.Registry,
		engine:         opts.Engine,
		watcher:        opts.Watcher,
		handoff:        opts.Handoff,
		driver:         opts.Driver,
		tools:          opts.Tools,
		agentCommands:  cmds,
		apiAddr:        opts.APIAddr,
		warnTokens:     opts.WarnTokens,
		criticalTokens: opts.CriticalTokens,
		startedAt:      time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleCreate)
	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("GET /sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleKill)
	mux.HandleFunc("POST /sessions/{id}/input", s.handleInput)
	mux.HandleFunc("POST /sessions/{id}/key", s.handleKey)
	mux.HandleFunc("POST /sessions/{id}/handoff", s.handleHandoff)
	mux.HandleFunc("POST /sessions/{id}/clear", s.handleClear)
	mux.HandleFunc("GET /sessions/{id}/output", s.handleOutput)
	mux.HandleFunc("POST /sessions/{id}/agent-status", s.handleAgentStatus)
	mux.HandleFunc("POST /watch", s.handleWatch)
	mux.HandleFunc("POST /hooks/{provider}", s.handleHook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleHealthDetailed)
	return mux
}

// ListenAndServe binds the control plane. Loopback only; there is no auth.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("[server] control plane listening on %s", addr)
	return srv.ListenAndServe()
}

type createRequest struct {
	Provider       string `json:"provider"`
	WorkingDir     string `json:"working_dir"`
	FriendlyName   string `json:"friendly_name"`
	ParentID       string `json:"parent_id"`
	IsEM           bool   `json:"is_em"`
	Command        string `json:"command"` // override the provider default
	ContextMonitor bool   `json:"context_monitor"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	switch req.Provider {
	case constants.ProviderClaudeTmux, constants.ProviderCodexTmux, constants.ProviderCodexApp:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown provider %q", req.Provider))
		return
	}
	if req.ParentID != "" {
		if _, err := s.registry.Get(req.ParentID); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("parent: %w", err))
			return
		}
	}

	sess := &session.Session{
		ID:                    session.NewID(),
		Provider:              req.Provider,
		WorkingDir:            req.WorkingDir,
		FriendlyName:          req.FriendlyName,
		ParentID:              req.ParentID,
		IsEM:                  req.IsEM,
		ContextMonitorEnabled: req.ContextMonitor,
	}

	if req.Provider != constants.ProviderCodexApp {
		command := req.Command
		if command == "" {
			command = s.agentCommands[req.Provider]
		}
		if req.Provider == constants.ProviderClaudeTmux && s.apiAddr != "" && req.WorkingDir != "" {
			// Hooks must be in place before the agent starts, or the first
			// turn's events are lost.
			if err := hooks.Install(req.WorkingDir, s.apiAddr); err != nil {
				log.Printf("[server] installing hooks in %s: %v", req.WorkingDir, err)
			}
		}
		sess.TmuxName = paneName(req.Provider, sess.ID)
		if err := s.driver.NewSessionWithCommand(sess.TmuxName, req.WorkingDir, command); err != nil {
			writeError(w, http.StatusBadGateway, fmt.Errorf("starting pane: %w", err))
			return
		}
		s.setupPane(sess)
	}

	if err := s.registry.Create(sess); err != nil {
		if sess.TmuxName != "" {
			_ = s.driver.KillSession(sess.TmuxName)
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.Printf("[server] created session %s (%s)", sess.ID, sess.Provider)
	writeJSON(w, http.StatusCreated, sess)
}

// setupPane applies best-effort pane extras: the session id in the pane
// environment (hooks echo it back) and the append-only pipe log.
func (s *Server) setupPane(sess *session.Session) {
	type envSetter interface {
		SetEnvironment(session, key, value string) error
	}
	if es, ok := s.driver.(envSetter); ok {
		if err := es.SetEnvironment(sess.TmuxName, "SM_SESSION_ID", sess.ID); err != nil {
			log.Printf("[server] setting pane env for %s: %v", sess.ID, err)
		}
	}
	type paneLogger interface {
		PipeToLog(pane, dir string) (string, error)
	}
	if pl, ok := s.driver.(paneLogger); ok {
		if _, err := pl.PipeToLog(sess.TmuxName, constants.PipeLogDir); err != nil {
			log.Printf("[server] starting pipe log for %s: %v", sess.ID, err)
		}
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolve(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolve(w, r)
	if !ok {
		return
	}

	if sess.TmuxName != "" {
		if err := s.driver.KillSession(sess.TmuxName); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
			log.Printf("[server] killing pane %s: %v", sess.TmuxName, err)
		}
	}
	if err := s.registry.UpdateStatus(sess.ID, session.StatusStopped); err != nil && !errors.Is(err, session.ErrStopped) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// The dead session's outbound notifications are as stale as its inbound
	// queue; both go.
	s.engine.InvalidateSessionCache(sess.ID, false)
	s.engine.ReleaseTarget(sess.ID)
	log.Printf("[server] killed session %s", sess.ID)
	writeJSON(w, http.StatusOK, map[string]string{"id": sess.ID, "status": "stopped"})
}

type inputRequest struct {
	Text              string `json:"text"`
	Mode              string `json:"mode"`
	SenderID          string `json:"sender_id"`
	ParentID          string `json:"parent_id"`
	Category          string `json:"category"`
	Notify            bool   `json:"notify"`
	RemindSoftSeconds int    `json:"remind_soft_seconds"`
	RemindHardSeconds int    `json:"remind_hard_seconds"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	mode := delivery.Mode(req.Mode)
	switch mode {
	case "":
		mode = delivery.ModeSequential
	case delivery.ModeSequential, delivery.ModeImportant, delivery.ModeUrgent:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown mode %q", req.Mode))
		return
	}

	msg, err := s.engine.Enqueue(delivery.EnqueueRequest{
		TargetID:          sess.ID,
		SenderID:          req.SenderID,
		ParentID:          req.ParentID,
		Text:              req.Text,
		Mode:              mode,
		Category:          req.Category,
		Notify:            req.Notify,
		RemindSoftSeconds: req.RemindSoftSeconds,
		RemindHardSeconds: req.RemindHardSeconds,
	})
	if err != nil {
		// An urgent preemption that failed leaves the message queued; tell
		// the caller both halves of that story.
		if msg != nil {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"message_id": msg.ID, "queued": true, "error": err.Error(),
			})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": msg.ID, "queued": true})
}

type keyRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, errors.New("key is required"))
		return
	}
	type keySender interface {
		SendKey(pane, key string) error
	}
	ks, ok2 := s.driver.(keySender)
	if !ok2 || sess.TmuxName == "" {
		writeError(w, http.StatusBadRequest, delivery.ErrNoPane)
		return
	}
	if err := ks.SendKey(sess.TmuxName, req.Key); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	s.engine.MarkSessionActive(sess.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type handoffRequest struct {
	ContinuationPath string `json:"continuation_path"`
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var req handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContinuationPath == "" {
		writeError(w, http.StatusBadRequest, errors.New("continuation_path is required"))
		return
	}
	res, err := s.handoff.Clear(sess.ID, req.ContinuationPath)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"snapshot_path": res.SnapshotPath,
		"pipe_log_path": res.PipeLogPath,
	})
}

// handleClear is the bare reset: /clear without a continuation. The fence
// still arms so the produced stop hook is absorbed, and the session's stale
// notifications are cancelled.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolve(w, r)
	if !ok {
		return
	}
	if sess.Provider != constants.ProviderClaudeTmux {
		writeError(w, http.StatusBadRequest, handoff.ErrUnsupported)
		return
	}
	err := s.engine.WithTargetLock(sess.ID, func() error {
		s.engine.InvalidateSessionCache(sess.ID, true)
		return s.engine.Inject(sess.ID, "/clear")
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	s.engine.MarkSessionActive(sess.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolve(w, r)
	if !ok {
		return
	}
	if sess.TmuxName == "" {
		writeError(w, http.StatusBadRequest, delivery.ErrNoPane)
		return
	}
	lines := 50
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad lines value %q", v))
			return
		}
		lines = n
	}
	out, err := s.driver.CapturePane(sess.TmuxName, lines)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}

type agentStatusRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolve(w, r)
	if !ok {
		return
	}
	var req agentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	if err := s.registry.Update(sess.ID, func(live *session.Session) {
		live.AgentStatusText = req.Text
		live.AgentStatusAt = time.Now()
		live.LastActivity = time.Now()
	}); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	// A status report is progress; the reminder clock restarts.
	s.engine.ResetRemind(sess.ID)
	s.engine.MarkSessionActive(sess.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type watchRequest struct {
	TargetID       string `json:"target_id"`
	ObserverID     string `json:"observer_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	target, err := s.registry.Resolve(req.TargetID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	observer, err := s.registry.Resolve(req.ObserverID)
	if err != nil {
		writeError(w, statusFor(err), fmt.Errorf("observer: %w", err))
		return
	}
	id, err := s.watcher.Watch(target.ID, observer.ID, time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"watch_id": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	counts := map[session.Status]int{}
	for _, sess := range s.registry.List() {
		counts[sess.Status]++
	}
	pending, err := s.engine.TotalPending()
	if err != nil {
		log.Printf("[server] queue depth: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"sessions": map[string]int{
			"running": counts[session.StatusRunning],
			"idle":    counts[session.StatusIdle],
			"stopped": counts[session.StatusStopped],
		},
		"queue_depth":    pending,
		"active_watches": s.watcher.Active(),
		"goroutines":     runtime.NumGoroutine(),
	})
}

// resolve maps the {id} path segment to a session, writing the error response
// itself on failure.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.registry.Resolve(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return nil, false
	}
	return sess, true
}

// paneName builds the tmux session name for a new pane.
func paneName(provider, id string) string {
	prefix := "agent"
	switch provider {
	case constants.ProviderClaudeTmux:
		prefix = "claude"
	case constants.ProviderCodexTmux:
		prefix = "codex"
	}
	return prefix + "-" + id
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAmbiguous):
		return http.StatusConflict
	case errors.Is(err, session.ErrStopped),
		errors.Is(err, delivery.ErrNoPane),
		errors.Is(err, delivery.ErrEmptyMessage),
		errors.Is(err, handoff.ErrUnsupported):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
