// Package handoff resets an agent's context without losing the thread of
// work: snapshot the pane, arm the stop-hook fence, inject /clear, and let
// the tracker's absorbed hook deliver the wake-up that re-primes the agent
// from the continuation file.
package handoff

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/OWNER/sm/internal/constants"
	"github.com/OWNER/sm/internal/delivery"
	"github.com/OWNER/sm/internal/session"
	"github.com/OWNER/sm/internal/tmux"
)

// ErrUnsupported is returned for providers without a /clear command.
var ErrUnsupported = errors.New("provider does not support context handoff")

// Coordinator runs handoffs. Safe for concurrent use; two handoffs against
// the same session serialize on the target's delivery lock, so the second
// queues behind the first instead of interleaving.
type Coordinator struct {
	registry *session.Registry
	engine   *delivery.Engine
	driver   tmux.Driver
	dir      string // artifact root, one subdirectory per handoff
}

// Result reports what a handoff produced.
type Result struct {
	SnapshotPath string // empty when the pane capture failed
	PipeLogPath  string // empty when no pipe log exists for the pane
}

// New creates a coordinator writing artifacts under dir.
func New(registry *session.Registry, engine *delivery.Engine, driver tmux.Driver, dir string) *Coordinator {
	return &Coordinator{registry: registry, engine: engine, driver: driver, dir: dir}
}

// Clear performs the handoff: snapshot, fence, /clear. The wake-up that
// points the cleared agent at continuationPath is scheduled by the stop hook
// the /clear itself produces; Clear returns as soon as the injection lands.
func (c *Coordinator) Clear(sessionID, continuationPath string) (*Result, error) {
	s, err := c.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Stopped() {
		return nil, fmt.Errorf("%w: %s", session.ErrStopped, s.ID)
	}
	if s.Provider != constants.ProviderClaudeTmux {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, s.Provider)
	}

	res := &Result{}
	err = c.engine.WithTargetLock(s.ID, func() error {
		// Best effort. Losing the snapshot costs forensics, not correctness;
		// the continuation file is what the agent actually resumes from.
		res.SnapshotPath = c.snapshot(s)
		res.PipeLogPath = pipeLogPath(s)

		// Invalidate everything tied to the context being cleared (queued
		// context-monitor messages, scheduler registrations, the transcript
		// baseline) and arm the fence for the /clear's own stop hook.
		c.engine.InvalidateSessionCache(s.ID, true)
		c.engine.SetPendingHandoff(s.ID, continuationPath, res.SnapshotPath, res.PipeLogPath)

		if err := c.engine.Inject(s.ID, "/clear"); err != nil {
			// No /clear means no absorbed hook and no wake-up. Drop the
			// intent; the fence drains by TTL.
			c.engine.ClearPendingHandoff(s.ID)
			return fmt.Errorf("injecting /clear into %s: %w", s.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.engine.MarkSessionActive(s.ID)
	if uerr := c.registry.Update(s.ID, func(live *session.Session) {
		live.PendingHandoffPath = continuationPath
	}); uerr != nil {
		log.Printf("[handoff] recording pending handoff for %s: %v", s.ID, uerr)
	}
	log.Printf("[handoff] cleared %s; continuation at %s", s.ID, continuationPath)
	return res, nil
}

// snapshot captures the pane's full scrollback to a timestamped dump file.
func (c *Coordinator) snapshot(s *session.Session) string {
	content, err := c.driver.CapturePaneAll(s.TmuxName)
	if err != nil {
		log.Printf("[handoff] capturing pane for %s: %v", s.ID, err)
		return ""
	}
	dir := filepath.Join(c.dir, fmt.Sprintf("%s-%d", s.ID, time.Now().Unix()))
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Printf("[handoff] creating artifact dir for %s: %v", s.ID, err)
		return ""
	}
	path := filepath.Join(dir, "dump.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		log.Printf("[handoff] writing snapshot for %s: %v", s.ID, err)
		return ""
	}
	return path
}

// pipeLogPath returns the pane's pipe log when one exists. The pipe log
// survives /clear, which only resets the agent's context.
func pipeLogPath(s *session.Session) string {
	path := filepath.Join(constants.PipeLogDir, s.TmuxName+".log")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
