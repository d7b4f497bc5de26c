// Package hooks generates the Claude Code hook configuration that reports
// lifecycle events back to the daemon's hook sink.
//
// Settings files are merged, not overwritten: unknown fields and hooks
// installed by other tools survive a sync, and re-installing is idempotent.
package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Entry is one hook matcher with its commands.
type Entry struct {
	Matcher string `json:"matcher,omitempty"`
	Hooks   []Hook `json:"hooks"`
}

// Hook is an individual hook command.
type Hook struct {
	Type    string `json:"type"` // always "command"
	Command string `json:"command"`
}

// Config is the hooks section of a Claude Code settings.json, limited to the
// events the daemon consumes.
type Config struct {
	PreToolUse   []Entry `json:"PreToolUse,omitempty"`
	PostToolUse  []Entry `json:"PostToolUse,omitempty"`
	Stop         []Entry `json:"Stop,omitempty"`
	Notification []Entry `json:"Notification,omitempty"`
	SessionStart []Entry `json:"SessionStart,omitempty"`
	PreCompact   []Entry `json:"PreCompact,omitempty"`
	SessionEnd   []Entry `json:"SessionEnd,omitempty"`
}

// settings wraps a settings.json for roundtrip-preserving edits: every field
// is kept raw, and only the hooks section is interpreted.
type settings struct {
	extra map[string]json.RawMessage
	hooks Config
}

func parseSettings(data []byte) (*settings, error) {
	s := &settings{extra: make(map[string]json.RawMessage)}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.extra); err != nil {
			return nil, err
		}
	}
	if raw, ok := s.extra["hooks"]; ok {
		if err := json.Unmarshal(raw, &s.hooks); err != nil {
			return nil, fmt.Errorf("parsing hooks section: %w", err)
		}
	}
	return s, nil
}

func (s *settings) marshal() ([]byte, error) {
	raw, err := json.Marshal(s.hooks)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(s.extra)+1)
	for k, v := range s.extra {
		out[k] = v
	}
	out["hooks"] = raw
	return json.MarshalIndent(out, "", "  ")
}

// command builds the hook pipeline for one event: the event payload arrives
// on stdin, gets the session id stitched in, and is posted to the sink.
// SM_SESSION_ID comes from the pane environment set at session creation.
func command(apiAddr string) string {
	url := fmt.Sprintf("http://%s/hooks/claude_tmux", apiAddr)
	return fmt.Sprintf(
		`jq -c --arg sid "${SM_SESSION_ID:-}" '. + {sm_session_id: $sid}' | curl -s -m 10 -X POST -H 'Content-Type: application/json' -d @- %s > /dev/null`,
		url)
}

// marker identifies entries owned by sm so re-installs replace them.
const marker = "/hooks/claude_tmux"

// Default returns the full hook set pointed at apiAddr.
func Default(apiAddr string) *Config {
	entry := func(matcher string) []Entry {
		return []Entry{{Matcher: matcher, Hooks: []Hook{{Type: "command", Command: command(apiAddr)}}}}
	}
	return &Config{
		PreToolUse:   entry("*"),
		PostToolUse:  entry("*"),
		Stop:         entry(""),
		Notification: entry(""),
		SessionStart: entry(""),
		PreCompact:   entry(""),
		SessionEnd:   entry(""),
	}
}

// Install merges the daemon's hooks into dir/.claude/settings.json. Existing
// foreign hooks are preserved; previously installed sm hooks are replaced.
func Install(dir, apiAddr string) error {
	settingsDir := filepath.Join(dir, ".claude")
	path := filepath.Join(settingsDir, "settings.json")

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	s, err := parseSettings(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	merge(&s.hooks, Default(apiAddr))

	out, err := s.marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(settingsDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", settingsDir, err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// merge replaces sm-owned entries in dst with those from src, keeping
// everything else in place.
func merge(dst, src *Config) {
	dst.PreToolUse = replaceOwned(dst.PreToolUse, src.PreToolUse)
	dst.PostToolUse = replaceOwned(dst.PostToolUse, src.PostToolUse)
	dst.Stop = replaceOwned(dst.Stop, src.Stop)
	dst.Notification = replaceOwned(dst.Notification, src.Notification)
	dst.SessionStart = replaceOwned(dst.SessionStart, src.SessionStart)
	dst.PreCompact = replaceOwned(dst.PreCompact, src.PreCompact)
	dst.SessionEnd = replaceOwned(dst.SessionEnd, src.SessionEnd)
}

func replaceOwned(existing, ours []Entry) []Entry {
	var kept []Entry
	for _, e := range existing {
		if !owned(e) {
			kept = append(kept, e)
		}
	}
	return append(kept, ours...)
}

func owned(e Entry) bool {
	for _, h := range e.Hooks {
		if strings.Contains(h.Command, marker) {
			return true
		}
	}
	return false
}
