// Package session provides the authoritative session registry: the in-memory
// table of live agent sessions plus its durable JSON snapshot on disk.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the externally visible session lifecycle state.
type Status string

const (
	// StatusRunning means the agent is mid-turn or has work injected.
	StatusRunning Status = "running"
	// StatusIdle means the agent is at its input prompt.
	StatusIdle Status = "idle"
	// StatusStopped is terminal; no transitions out of it.
	StatusStopped Status = "stopped"
)

// EMTopic is the external-chat forum topic inherited by successive EM
// sessions. Stored once at registry top level, not per session, so a new EM
// can adopt the previous EM's thread instead of growing an unbounded set of
// topics.
type EMTopic struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id"`
}

// Session represents one agent session under management.
type Session struct {
	ID           string    `json:"id"`
	Provider     string    `json:"provider"`
	TmuxName     string    `json:"tmux_name,omitempty"` // absent for codex_app
	ParentID     string    `json:"parent_id,omitempty"`
	WorkingDir   string    `json:"working_dir"`
	FriendlyName string    `json:"friendly_name,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	IsEM         bool      `json:"is_em,omitempty"`

	// Observability telemetry, updated by hook handlers.
	LastActivity   time.Time `json:"last_activity"`
	LastToolCall   time.Time `json:"last_tool_call,omitempty"`
	LastToolName   string    `json:"last_tool_name,omitempty"`
	TokensUsed     int       `json:"tokens_used,omitempty"`
	TranscriptPath string    `json:"transcript_path,omitempty"`

	// Agent-reported status, reset point for the reminder scheduler.
	AgentStatusText string    `json:"agent_status_text,omitempty"`
	AgentStatusAt   time.Time `json:"agent_status_at,omitempty"`

	ContextMonitorEnabled bool `json:"context_monitor_enabled,omitempty"`

	// Runtime-only flags, never persisted. A compaction or pending handoff
	// does not survive a daemon restart.
	Compacting          bool   `json:"-"`
	ContextWarningSent  bool   `json:"-"`
	ContextCriticalSent bool   `json:"-"`
	PendingHandoffPath  string `json:"-"`
}

// NewID returns a short opaque session identifier: 8 hex chars of a UUID.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// Stopped reports whether the session is in its terminal state.
func (s *Session) Stopped() bool {
	return s.Status == StatusStopped
}

// DisplayName returns the friendly name when set, otherwise the id.
func (s *Session) DisplayName() string {
	if s.FriendlyName != "" {
		return s.FriendlyName
	}
	return s.ID
}
