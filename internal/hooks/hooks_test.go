package hooks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readSettings(t *testing.T, dir string) map[string]json.RawMessage {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, ".claude", "settings.json"))
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestInstallFreshDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := Install(dir, "127.0.0.1:8420"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	out := readSettings(t, dir)
	var cfg Config
	if err := json.Unmarshal(out["hooks"], &cfg); err != nil {
		t.Fatal(err)
	}
	for name, entries := range map[string][]Entry{
		"Stop":         cfg.Stop,
		"PreToolUse":   cfg.PreToolUse,
		"SessionStart": cfg.SessionStart,
		"PreCompact":   cfg.PreCompact,
	} {
		if len(entries) != 1 {
			t.Errorf("%s entries = %d, want 1", name, len(entries))
			continue
		}
		cmd := entries[0].Hooks[0].Command
		if !strings.Contains(cmd, "127.0.0.1:8420/hooks/claude_tmux") {
			t.Errorf("%s command does not target the sink: %q", name, cmd)
		}
		if !strings.Contains(cmd, "sm_session_id") {
			t.Errorf("%s command does not stitch in the session id: %q", name, cmd)
		}
	}
}

func TestInstallPreservesForeignSettings(t *testing.T) {
	dir := t.TempDir()
	settingsDir := filepath.Join(dir, ".claude")
	if err := os.MkdirAll(settingsDir, 0755); err != nil {
		t.Fatal(err)
	}
	existing := `{
		"model": "opus",
		"permissions": {"allow": ["Bash"]},
		"hooks": {
			"Stop": [{"hooks": [{"type": "command", "command": "say done"}]}]
		}
	}`
	if err := os.WriteFile(filepath.Join(settingsDir, "settings.json"), []byte(existing), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Install(dir, "127.0.0.1:8420"); err != nil {
		t.Fatal(err)
	}

	out := readSettings(t, dir)
	if string(out["model"]) != `"opus"` {
		t.Errorf("model field lost: %s", out["model"])
	}
	if _, ok := out["permissions"]; !ok {
		t.Error("permissions field lost")
	}

	var cfg Config
	if err := json.Unmarshal(out["hooks"], &cfg); err != nil {
		t.Fatal(err)
	}
	if len(cfg.Stop) != 2 {
		t.Fatalf("Stop entries = %d, want foreign + ours", len(cfg.Stop))
	}
	if cfg.Stop[0].Hooks[0].Command != "say done" {
		t.Errorf("foreign hook displaced: %+v", cfg.Stop[0])
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		if err := Install(dir, "127.0.0.1:8420"); err != nil {
			t.Fatal(err)
		}
	}
	out := readSettings(t, dir)
	var cfg Config
	if err := json.Unmarshal(out["hooks"], &cfg); err != nil {
		t.Fatal(err)
	}
	if len(cfg.Stop) != 1 || len(cfg.PostToolUse) != 1 {
		t.Errorf("repeated installs duplicated entries: Stop=%d PostToolUse=%d", len(cfg.Stop), len(cfg.PostToolUse))
	}
}

func TestInstallRewritesStaleAddress(t *testing.T) {
	dir := t.TempDir()
	if err := Install(dir, "127.0.0.1:8420"); err != nil {
		t.Fatal(err)
	}
	if err := Install(dir, "127.0.0.1:9999"); err != nil {
		t.Fatal(err)
	}
	out := readSettings(t, dir)
	if strings.Contains(string(out["hooks"]), "8420") {
		t.Error("stale sink address survived the re-install")
	}
}
