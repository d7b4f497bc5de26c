package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/OWNER/sm/internal/config"
)

// errBackend marks a failure to reach the daemon at all, as opposed to an
// error the daemon returned.
var errBackend = errors.New("cannot reach the sm daemon; is it running? (sm serve)")

// client is a thin wrapper over the daemon's loopback API.
type client struct {
	base  string
	httpc *http.Client
}

func newClient() (*client, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, err
	}
	return &client{
		base:  "http://" + cfg.APIAddr,
		httpc: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do issues one API call. body and out may be nil. Non-2xx responses become
// errors carrying the daemon's message.
func (c *client) do(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errBackend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if derr := json.NewDecoder(resp.Body).Decode(&apiErr); derr == nil && apiErr.Error != "" {
			return errors.New(apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding daemon response: %w", err)
		}
	}
	return nil
}

// sessionView is the session shape the API returns, as the CLI displays it.
type sessionView struct {
	ID              string    `json:"id"`
	Provider        string    `json:"provider"`
	TmuxName        string    `json:"tmux_name"`
	ParentID        string    `json:"parent_id"`
	WorkingDir      string    `json:"working_dir"`
	FriendlyName    string    `json:"friendly_name"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	IsEM            bool      `json:"is_em"`
	LastActivity    time.Time `json:"last_activity"`
	LastToolName    string    `json:"last_tool_name"`
	TokensUsed      int       `json:"tokens_used"`
	AgentStatusText string    `json:"agent_status_text"`
	AgentStatusAt   time.Time `json:"agent_status_at"`
}

func (s *sessionView) displayName() string {
	if s.FriendlyName != "" {
		return s.FriendlyName
	}
	return s.ID
}
