// Package config loads daemon configuration: TOML file first, environment
// overrides second, compiled defaults underneath.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/OWNER/sm/internal/constants"
)

// Config is the daemon configuration.
type Config struct {
	APIAddr  string `toml:"api_addr"`
	StateDir string `toml:"state_dir"`

	Agents   AgentsConfig   `toml:"agents"`
	Context  ContextConfig  `toml:"context"`
	Telegram TelegramConfig `toml:"telegram"`
}

// AgentsConfig holds the launch commands for new panes.
type AgentsConfig struct {
	ClaudeCommand string `toml:"claude_command"`
	CodexCommand  string `toml:"codex_command"`
}

// ContextConfig holds the context monitor thresholds.
type ContextConfig struct {
	WarnTokens     int `toml:"warn_tokens"`
	CriticalTokens int `toml:"critical_tokens"`
}

// TelegramConfig enables the chat gateway when a token is set.
type TelegramConfig struct {
	Token  string `toml:"token"`
	ChatID int64  `toml:"chat_id"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		APIAddr:  constants.DefaultAPIAddr,
		StateDir: filepath.Join(home, ".local", "share", "sm"),
		Agents: AgentsConfig{
			ClaudeCommand: "claude",
			CodexCommand:  "codex",
		},
		Context: ContextConfig{
			WarnTokens:     140000,
			CriticalTokens: 160000,
		},
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "sm", "config.toml")
}

// Load reads path over the defaults. A missing file is fine; a malformed one
// is not. Environment overrides apply last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SM_API_ADDR"); v != "" {
		c.APIAddr = v
	}
	if v := os.Getenv("SM_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("SM_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("SM_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}
}

// AgentCommands maps provider names to launch commands.
func (c *Config) AgentCommands() map[string]string {
	return map[string]string{
		constants.ProviderClaudeTmux: c.Agents.ClaudeCommand,
		constants.ProviderCodexTmux:  c.Agents.CodexCommand,
	}
}

// SnapshotPath is the session registry snapshot file.
func (c *Config) SnapshotPath() string { return filepath.Join(c.StateDir, "sessions.json") }

// QueueDBPath is the delivery queue database.
func (c *Config) QueueDBPath() string { return filepath.Join(c.StateDir, "queue.db") }

// ObsDBPath is the tool-event database.
func (c *Config) ObsDBPath() string { return filepath.Join(c.StateDir, "obs.db") }

// HandoffDir is where handoff artifacts are written.
func (c *Config) HandoffDir() string { return filepath.Join(c.StateDir, "handoffs") }
