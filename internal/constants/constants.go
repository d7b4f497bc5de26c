// Package constants defines shared constant values used throughout sm.
// Centralizing these magic numbers keeps delivery timing consistent across
// the engine, the handoff coordinator, and the CLI.
package constants

import "time"

// Timing constants for message injection and idle detection.
const (
	// InjectionSettleDelay is the pause between sending literal text and the
	// submit key. Claude Code's paste detection swallows a carriage return
	// that arrives in the same burst as the text, leaving the message typed
	// but never submitted. 300ms is the tested minimum.
	InjectionSettleDelay = 300 * time.Millisecond

	// UrgentPromptTimeout is how long the urgent path polls for the input
	// prompt after sending the cancel key.
	UrgentPromptTimeout = 3 * time.Second

	// UrgentPromptPoll is the polling interval while waiting for the prompt.
	UrgentPromptPoll = 200 * time.Millisecond

	// SkipFenceTTL bounds how long an armed skip fence absorbs stop hooks.
	// It is the hook caller's transport timeout plus margin: a /clear whose
	// stop hook has not arrived within this window has lost its hook, and
	// the fence must not absorb a later genuine stop.
	SkipFenceTTL = 8 * time.Second

	// TranscriptNullRetryDelay is the single retry delay when a stop hook's
	// transcript read returns nothing (file not yet flushed).
	TranscriptNullRetryDelay = 500 * time.Millisecond

	// TranscriptStaleRetryDelay is the single retry delay when the transcript
	// read returns the previously stored response (stale file).
	TranscriptStaleRetryDelay = 300 * time.Millisecond

	// WatchPollInterval is how often a watcher checks the target for idleness.
	WatchPollInterval = 2 * time.Second

	// RemindPollInterval is how often a remind registration checks thresholds.
	RemindPollInterval = 5 * time.Second

	// CompactionWaitCeiling bounds how long a one-shot reminder waits for a
	// compaction to finish before delivering anyway.
	CompactionWaitCeiling = 5 * time.Minute
)

// Default reminder and parent-wake thresholds, in the units the HTTP API and
// CLI use.
const (
	// DefaultRemindSoftSeconds is the soft reminder threshold for dispatches.
	DefaultRemindSoftSeconds = 210

	// DefaultRemindHardSeconds is the hard (urgent) reminder threshold.
	DefaultRemindHardSeconds = 420

	// ParentWakePeriodSeconds is the default parent wake-up period.
	ParentWakePeriodSeconds = 600

	// ParentWakeEscalatedSeconds is the period after a no-progress escalation.
	ParentWakeEscalatedSeconds = 300

	// ParentWakeToolEvents is how many recent tool events a wake digest shows.
	ParentWakeToolEvents = 5
)

// Tool-event log housekeeping.
const (
	// ToolEventRetention is how long recorded tool events are kept.
	ToolEventRetention = 7 * 24 * time.Hour

	// ToolEventPruneInterval is how often the daemon prunes old tool events.
	ToolEventPruneInterval = time.Hour
)

// Remote gateway timing. The Telegram transport can stall silently when
// keepalive traffic keeps per-chunk timeouts from firing; both bounds below
// exist to recover from that.
const (
	// GatewayPollTimeout caps a single getUpdates round trip.
	GatewayPollTimeout = 15 * time.Second

	// GatewayStallThreshold is how long without a completed round trip before
	// the health monitor restarts the poll loop.
	GatewayStallThreshold = 45 * time.Second
)

// Provider names. The provider determines which idle signals exist for a
// session: claude_tmux has stop hooks and a pane prompt, codex_tmux has only
// the pane prompt, codex_app reports turn completion over RPC.
const (
	ProviderClaudeTmux = "claude_tmux"
	ProviderCodexTmux  = "codex_tmux"
	ProviderCodexApp   = "codex_app"
)

// Prompt glyphs for pane inspection. A pane is idle only when its last
// non-empty line, right-trimmed, equals the glyph exactly; "> something"
// means typed-but-unsubmitted, which is not idle.
const (
	ClaudePromptGlyph = ">"
	CodexPromptGlyph  = "▌"
)

// Message category markers. CategoryContextMonitor is set only by the system
// for compaction/context-warning notifications; it is the sole key used to
// cancel those selectively without touching user send traffic.
const (
	CategoryContextMonitor = "context_monitor"
)

// Default service endpoints and state locations.
const (
	// DefaultAPIAddr is the loopback address the control plane binds to.
	DefaultAPIAddr = "127.0.0.1:8420"

	// PipeLogDir is where tmux pipe-pane logs are written, one per pane.
	PipeLogDir = "/tmp/sm-sessions"
)
