package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/OWNER/sm/internal/constants"
	"github.com/OWNER/sm/internal/delivery"
	"github.com/OWNER/sm/internal/obs"
	"github.com/OWNER/sm/internal/session"
)

// hookPayload is the superset of fields the provider hook scripts post.
type hookPayload struct {
	// SMSessionID is our id, exported into the pane environment at creation
	// and echoed back by the hook scripts.
	SMSessionID string `json:"sm_session_id"`

	HookEventName  string `json:"hook_event_name"`
	SessionID      string `json:"session_id"` // the provider's own id
	TranscriptPath string `json:"transcript_path"`
	Source         string `json:"source"` // SessionStart: startup, resume, compact
	ToolName       string `json:"tool_name"`
	ToolInput      struct {
		FilePath string `json:"file_path"`
		Command  string `json:"command"`
	} `json:"tool_input"`
	TokensUsed int `json:"tokens_used"`
}

// handleHook ingests provider lifecycle events. Hooks must never block or
// break the agent, so unroutable events are acknowledged and dropped.
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	var p hookPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding hook: %w", err))
		return
	}

	sess := s.routeHook(&p)
	if sess == nil {
		log.Printf("[hooks] unroutable %s event (provider session %s)", p.HookEventName, p.SessionID)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	if p.TranscriptPath != "" && p.TranscriptPath != sess.TranscriptPath {
		if err := s.registry.Update(sess.ID, func(live *session.Session) {
			live.TranscriptPath = p.TranscriptPath
		}); err != nil {
			log.Printf("[hooks] recording transcript path for %s: %v", sess.ID, err)
		}
	}
	if p.TokensUsed > 0 {
		s.recordTokens(sess, p.TokensUsed)
	}

	switch p.HookEventName {
	case "PreToolUse":
		s.engine.MarkSessionActive(sess.ID)
		s.touchTool(sess.ID, p)
	case "PostToolUse":
		s.engine.MarkSessionActive(sess.ID)
		s.touchTool(sess.ID, p)
		s.recordToolEvent(sess.ID, p)
	case "Stop":
		s.engine.MarkSessionIdle(sess.ID, delivery.IdleSignal{
			FromStopHook:   true,
			TranscriptPath: p.TranscriptPath,
		})
		// App sessions have no pane to inject into; their queue drains in the
		// hook response instead.
		if sess.Provider == constants.ProviderCodexApp {
			s.respondWithPending(w, sess.ID)
			return
		}
	case "Notification":
		// The agent is waiting on input; weaker than a stop hook and never
		// fenced.
		s.engine.MarkSessionIdle(sess.ID, delivery.IdleSignal{})
	case "SessionStart":
		s.engine.MarkSessionActive(sess.ID)
		if p.Source == "compact" {
			s.engine.SetCompacting(sess.ID, false)
			s.engine.ResetRemind(sess.ID)
			log.Printf("[hooks] compaction finished for %s", sess.ID)
		}
	case "PreCompact":
		s.engine.SetCompacting(sess.ID, true)
		s.notifyContext(sess, fmt.Sprintf("[sm context] %s started compacting; expect a pause.", sess.DisplayName()), delivery.ModeSequential)
	case "SessionEnd":
		if err := s.registry.UpdateStatus(sess.ID, session.StatusStopped); err == nil {
			s.engine.InvalidateSessionCache(sess.ID, false)
			s.engine.ReleaseTarget(sess.ID)
			log.Printf("[hooks] session %s ended", sess.ID)
		}
	case "ContextReset":
		s.engine.InvalidateSessionCache(sess.ID, false)
		if err := s.registry.Update(sess.ID, func(live *session.Session) {
			live.TokensUsed = 0
			live.ContextWarningSent = false
			live.ContextCriticalSent = false
		}); err != nil {
			log.Printf("[hooks] resetting context counters for %s: %v", sess.ID, err)
		}
	default:
		log.Printf("[hooks] ignoring %q event for %s", p.HookEventName, sess.ID)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// respondWithPending drains a paneless session's queue into the hook
// response. The app relays each text to its agent as user input.
func (s *Server) respondWithPending(w http.ResponseWriter, sessionID string) {
	msgs, err := s.engine.TakePending(sessionID)
	if err != nil {
		log.Printf("[hooks] draining queue for %s: %v", sessionID, err)
	}
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "messages": texts})
}

// routeHook maps a hook payload to a managed session: the echoed id first,
// then the transcript path. Providers restart and renumber their own ids, so
// those are never used for routing.
func (s *Server) routeHook(p *hookPayload) *session.Session {
	if p.SMSessionID != "" {
		if sess, err := s.registry.Get(p.SMSessionID); err == nil {
			return sess
		}
	}
	if p.TranscriptPath != "" {
		for _, sess := range s.registry.List() {
			if !sess.Stopped() && sess.TranscriptPath == p.TranscriptPath {
				return sess
			}
		}
	}
	return nil
}

func (s *Server) touchTool(id string, p hookPayload) {
	if err := s.registry.Update(id, func(live *session.Session) {
		live.LastActivity = time.Now()
		live.LastToolCall = time.Now()
		live.LastToolName = p.ToolName
	}); err != nil {
		log.Printf("[hooks] recording tool call for %s: %v", id, err)
	}
}

func (s *Server) recordToolEvent(id string, p hookPayload) {
	if s.tools == nil {
		return
	}
	detail := p.ToolInput.FilePath
	if detail == "" {
		detail = p.ToolInput.Command
	}
	if err := s.tools.Record(obs.ToolEvent{SessionID: id, Tool: p.ToolName, Detail: detail}); err != nil {
		log.Printf("[hooks] recording tool event for %s: %v", id, err)
	}
}

// recordTokens updates the context gauge and fires the one-shot warning and
// critical notifications to the session's parent.
func (s *Server) recordTokens(sess *session.Session, tokens int) {
	var warn, critical bool
	if err := s.registry.Update(sess.ID, func(live *session.Session) {
		live.TokensUsed = tokens
		if live.ContextMonitorEnabled && s.criticalTokens > 0 && tokens >= s.criticalTokens && !live.ContextCriticalSent {
			live.ContextCriticalSent = true
			critical = true
		} else if live.ContextMonitorEnabled && s.warnTokens > 0 && tokens >= s.warnTokens && !live.ContextWarningSent {
			live.ContextWarningSent = true
			warn = true
		}
	}); err != nil {
		log.Printf("[hooks] recording token usage for %s: %v", sess.ID, err)
		return
	}

	if critical {
		s.notifyContext(sess, fmt.Sprintf("[sm context] %s is at %d tokens, critically close to its limit. Hand off or clear soon.",
			sess.DisplayName(), tokens), delivery.ModeImportant)
	} else if warn {
		s.notifyContext(sess, fmt.Sprintf("[sm context] %s crossed %d tokens of context.", sess.DisplayName(), tokens), delivery.ModeSequential)
	}
}

// notifyContext sends a context-monitor notification about sess to its
// parent and mirrors it to the session's external chat topic. Tagged with the
// context-monitor category so a later reset can cancel exactly these.
func (s *Server) notifyContext(sess *session.Session, text string, mode delivery.Mode) {
	s.engine.RemoteNotify(sess.ID, text)
	if sess.ParentID == "" {
		return
	}
	if _, err := s.engine.Enqueue(delivery.EnqueueRequest{
		TargetID: sess.ParentID,
		SenderID: sess.ID,
		Text:     text,
		Mode:     mode,
		Category: constants.CategoryContextMonitor,
	}); err != nil {
		log.Printf("[hooks] context notification for %s: %v", sess.ID, err)
	}
}
