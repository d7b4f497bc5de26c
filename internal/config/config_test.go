package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/OWNER/sm/internal/constants"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIAddr != constants.DefaultAPIAddr {
		t.Errorf("APIAddr = %q", cfg.APIAddr)
	}
	if cfg.Agents.ClaudeCommand != "claude" {
		t.Errorf("ClaudeCommand = %q", cfg.Agents.ClaudeCommand)
	}
	if cfg.Context.WarnTokens == 0 || cfg.Context.CriticalTokens <= cfg.Context.WarnTokens {
		t.Errorf("context thresholds = %+v", cfg.Context)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
api_addr = "127.0.0.1:9999"

[agents]
claude_command = "claude --dangerously-skip-permissions"

[telegram]
token = "abc:def"
chat_id = -100555
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIAddr != "127.0.0.1:9999" {
		t.Errorf("APIAddr = %q", cfg.APIAddr)
	}
	if cfg.Agents.ClaudeCommand != "claude --dangerously-skip-permissions" {
		t.Errorf("ClaudeCommand = %q", cfg.Agents.ClaudeCommand)
	}
	if cfg.Agents.CodexCommand != "codex" {
		t.Errorf("unset field lost its default: %q", cfg.Agents.CodexCommand)
	}
	if cfg.Telegram.ChatID != -100555 {
		t.Errorf("ChatID = %d", cfg.Telegram.ChatID)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SM_API_ADDR", "127.0.0.1:7777")
	t.Setenv("SM_TELEGRAM_CHAT_ID", "-42")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIAddr != "127.0.0.1:7777" {
		t.Errorf("APIAddr = %q", cfg.APIAddr)
	}
	if cfg.Telegram.ChatID != -42 {
		t.Errorf("ChatID = %d", cfg.Telegram.ChatID)
	}
}

func TestMalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("api_addr = [what"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed config loaded without error")
	}
}
