package delivery

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OWNER/sm/internal/constants"
	"github.com/OWNER/sm/internal/obs"
	"github.com/OWNER/sm/internal/session"
	"github.com/OWNER/sm/internal/tmux"
)

// Common errors
var (
	ErrEmptyMessage = errors.New("message text is empty")
	ErrNoPane       = errors.New("target has no terminal pane")
	ErrPromptWait   = errors.New("prompt did not return after cancel")
)

// RemoteNotifier mirrors session events into an external operator chat.
// The telegram gateway implements it.
type RemoteNotifier interface {
	NotifySession(sessionID, text string)
}

// Engine owns message delivery: the durable queue, the per-target idle state,
// and the injection path into tmux panes. One instance per daemon.
//
// Every delivery for a target runs under that target's delivery lock, shared
// by the sequential flush, the urgent preempt path and the handoff
// coordinator, so two writers can never interleave keystrokes into one pane.
type Engine struct {
	registry *session.Registry
	store    *Store
	driver   tmux.Driver
	tools    *obs.Store     // optional; wake digests degrade without it
	remote   RemoteNotifier // optional; set before Start

	settle        time.Duration
	promptTimeout time.Duration
	promptPoll    time.Duration
	now           func() time.Time

	mu     sync.Mutex
	states map[string]*state
	locks  map[string]*sync.Mutex

	schedMu sync.Mutex
	reminds map[string]*remindLoop
	wakes   map[string]*wakeLoop

	done chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates a delivery engine. tools may be nil.
func NewEngine(registry *session.Registry, store *Store, driver tmux.Driver, tools *obs.Store) *Engine {
	return &Engine{
		registry:      registry,
		store:         store,
		driver:        driver,
		tools:         tools,
		settle:        constants.InjectionSettleDelay,
		promptTimeout: constants.UrgentPromptTimeout,
		promptPoll:    constants.UrgentPromptPoll,
		now:           time.Now,
		states:        make(map[string]*state),
		locks:         make(map[string]*sync.Mutex),
		reminds:       make(map[string]*remindLoop),
		wakes:         make(map[string]*wakeLoop),
		done:          make(chan struct{}),
	}
}

// SetRemoteNotifier attaches an external chat mirror. Must be called before
// Start; the scheduler loops read it without locking.
func (e *Engine) SetRemoteNotifier(n RemoteNotifier) {
	e.remote = n
}

// RemoteNotify forwards text to the external chat topic of sessionID when a
// gateway is attached. Fire-and-forget; never blocks the delivery path.
func (e *Engine) RemoteNotify(sessionID, text string) {
	if e.remote == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.remote.NotifySession(sessionID, text)
	}()
}

// Start recovers persisted scheduler registrations and prunes queue rows
// whose target no longer exists. Call once after the registry is loaded.
func (e *Engine) Start() error {
	var live []string
	for _, s := range e.registry.List() {
		if !s.Stopped() {
			live = append(live, s.ID)
		}
	}
	if n, err := e.store.PruneMissingTargets(live); err != nil {
		return fmt.Errorf("pruning orphan messages: %w", err)
	} else if n > 0 {
		log.Printf("[delivery] pruned %d queued messages for dead targets", n)
	}

	if err := e.recoverReminds(); err != nil {
		return err
	}
	return e.recoverWakes()
}

// Close stops all scheduler loops and waits for them to exit.
func (e *Engine) Close() {
	close(e.done)
	e.wg.Wait()
}

// EnqueueRequest describes one message to queue.
type EnqueueRequest struct {
	TargetID string
	SenderID string // empty for operator/system traffic
	ParentID string // when set, delivery registers a parent wake for the target
	Text     string
	Mode     Mode
	Category string

	// Notify asks to enqueue a completion notice back to the sender when the
	// target next finishes a turn.
	Notify bool

	// Reminder thresholds in seconds; zero means no reminder.
	RemindSoftSeconds int
	RemindHardSeconds int
}

// Enqueue validates and persists a message, then triggers delivery according
// to its mode. Urgent delivery runs synchronously so the caller sees the
// preemption outcome; a failed urgent stays queued and flushes sequentially
// on the target's next idle.
func (e *Engine) Enqueue(req EnqueueRequest) (*Message, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyMessage
	}
	if req.Mode == "" {
		req.Mode = ModeSequential
	}

	target, err := e.registry.Get(req.TargetID)
	if err != nil {
		return nil, err
	}
	if target.Stopped() {
		return nil, fmt.Errorf("%w: %s", session.ErrStopped, target.ID)
	}
	// App sessions have no pane; they pull their queue over the hook channel.
	if target.TmuxName == "" && target.Provider != constants.ProviderCodexApp {
		return nil, fmt.Errorf("%w: %s", ErrNoPane, target.ID)
	}

	m := &Message{
		ID:                uuid.New().String(),
		TargetID:          target.ID,
		SenderID:          req.SenderID,
		ParentID:          req.ParentID,
		Text:              req.Text,
		Mode:              req.Mode,
		Category:          req.Category,
		QueuedAt:          e.now(),
		RemindSoftSeconds: req.RemindSoftSeconds,
		RemindHardSeconds: req.RemindHardSeconds,
	}
	if err := e.store.Insert(m); err != nil {
		return nil, err
	}

	if req.Notify && req.SenderID != "" {
		name := req.SenderID
		if sender, err := e.registry.Get(req.SenderID); err == nil {
			name = sender.DisplayName()
		}
		e.mu.Lock()
		st := e.stateLocked(target.ID)
		st.notifySenderID = req.SenderID
		st.notifySenderName = name
		e.mu.Unlock()
	}

	if m.Mode.Interrupts() {
		// Nothing to preempt without a pane; the app drains on next contact.
		if target.TmuxName == "" {
			return m, nil
		}
		if err := e.deliverUrgent(target, m); err != nil {
			return m, err
		}
		return m, nil
	}

	if e.IsIdle(target.ID) {
		go e.Flush(target.ID)
	}
	return m, nil
}

// Flush delivers all pending messages for a target, oldest first, while the
// target is idle. Safe to call at any time; a busy target flushes nothing.
func (e *Engine) Flush(targetID string) {
	lock := e.targetLock(targetID)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := e.store.Pending(targetID)
	if err != nil {
		log.Printf("[delivery] reading queue for %s: %v", targetID, err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	target, err := e.registry.Get(targetID)
	if err != nil || target.Stopped() {
		if n, derr := e.store.DeleteForTarget(targetID); derr == nil && n > 0 {
			log.Printf("[delivery] dropped %d messages for terminal target %s", n, targetID)
		}
		return
	}
	if target.TmuxName == "" {
		// Paneless target; the queue drains through TakePending instead.
		return
	}
	if !e.IsIdle(targetID) {
		return
	}

	// A stop hook can outrun the pane repaint, and a resumed turn can outrun
	// the stop hook. Trust the pane over the recorded state for Claude panes:
	// no visible prompt means not idle, whatever the tracker thinks.
	if target.Provider == constants.ProviderClaudeTmux {
		visible, err := e.promptVisible(target)
		if err != nil {
			log.Printf("[delivery] prompt check for %s: %v", targetID, err)
			return
		}
		if !visible {
			log.Printf("[delivery] %s recorded idle but pane is busy; correcting", targetID)
			e.markActive(targetID)
			return
		}
	}

	delivered := 0
	for _, m := range msgs {
		if err := e.inject(target.TmuxName, m.Text); err != nil {
			log.Printf("[delivery] injecting %s into %s: %v", m.ID, targetID, err)
			break
		}
		if err := e.store.Delete(m.ID); err != nil {
			log.Printf("[delivery] dequeuing %s: %v", m.ID, err)
		}
		e.afterDelivery(target, m)
		delivered++
	}
	if delivered > 0 {
		e.markActive(targetID)
		_ = e.registry.UpdateStatus(targetID, session.StatusRunning)
		log.Printf("[delivery] flushed %d message(s) to %s", delivered, targetID)
	}
}

// deliverUrgent preempts the target's current turn: cancel key, wait for the
// input prompt to return, then inject. The queue row is deleted only on
// success; on any failure it stays and retries as sequential.
func (e *Engine) deliverUrgent(target *session.Session, m *Message) error {
	lock := e.targetLock(target.ID)
	lock.Lock()
	defer lock.Unlock()

	e.markActive(target.ID)

	if err := e.driver.SendCancelKey(target.TmuxName); err != nil {
		return fmt.Errorf("sending cancel to %s: %w", target.ID, err)
	}
	if err := e.waitForPrompt(target); err != nil {
		return err
	}
	if err := e.inject(target.TmuxName, m.Text); err != nil {
		return fmt.Errorf("injecting urgent message into %s: %w", target.ID, err)
	}
	if err := e.store.Delete(m.ID); err != nil {
		log.Printf("[delivery] dequeuing %s: %v", m.ID, err)
	}
	e.afterDelivery(target, m)
	_ = e.registry.UpdateStatus(target.ID, session.StatusRunning)
	log.Printf("[delivery] urgent message delivered to %s", target.ID)
	return nil
}

// afterDelivery runs the per-message post-delivery bookkeeping. Scheduler
// registrations start here, not at enqueue time: a reminder clock that starts
// while the message is still queued would count time the agent never had.
func (e *Engine) afterDelivery(target *session.Session, m *Message) {
	if m.ParentID != "" && m.ParentID != target.ID {
		if err := e.RegisterParentWake(target.ID, m.ParentID, constants.ParentWakePeriodSeconds); err != nil {
			log.Printf("[delivery] parent wake registration for %s failed: %v", target.ID, err)
		}
	}
	if m.RemindSoftSeconds > 0 || m.RemindHardSeconds > 0 {
		if err := e.RegisterRemind(target.ID, m.SenderID, m.RemindSoftSeconds, m.RemindHardSeconds); err != nil {
			log.Printf("[delivery] remind registration for %s failed: %v", target.ID, err)
		}
	}
}

// TakePending atomically drains a paneless target's queue, oldest first, for
// delivery over the hook channel. The drained messages count as delivered:
// scheduler registrations fire and the target is marked mid-turn.
func (e *Engine) TakePending(targetID string) ([]*Message, error) {
	lock := e.targetLock(targetID)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := e.store.Pending(targetID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	target, err := e.registry.Get(targetID)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if err := e.store.Delete(m.ID); err != nil {
			log.Printf("[delivery] dequeuing %s: %v", m.ID, err)
		}
		e.afterDelivery(target, m)
	}
	e.markActive(targetID)
	_ = e.registry.UpdateStatus(targetID, session.StatusRunning)
	log.Printf("[delivery] handed %d message(s) to %s over the hook channel", len(msgs), targetID)
	return msgs, nil
}

// inject performs the two-phase injection: literal text, settle, submit key.
// The settle delay is load-bearing; see the tmux package comment.
func (e *Engine) inject(pane, text string) error {
	if err := e.driver.SendLiteralText(pane, text); err != nil {
		return err
	}
	time.Sleep(e.settle)
	return e.driver.SendSubmitKey(pane)
}

// Inject delivers raw text to a session's pane via the two-phase path,
// outside the queue. Callers must hold the target's delivery lock (see
// WithTargetLock); the handoff coordinator uses this for /clear.
func (e *Engine) Inject(sessionID, text string) error {
	s, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if s.TmuxName == "" {
		return fmt.Errorf("%w: %s", ErrNoPane, sessionID)
	}
	return e.inject(s.TmuxName, text)
}

// WithTargetLock runs fn while holding the target's delivery lock, excluding
// concurrent flushes and urgent deliveries to the same pane.
func (e *Engine) WithTargetLock(targetID string, fn func() error) error {
	lock := e.targetLock(targetID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// waitForPrompt polls the pane until the provider's input prompt is the last
// non-empty line, bounded by the prompt timeout.
func (e *Engine) waitForPrompt(target *session.Session) error {
	deadline := e.now().Add(e.promptTimeout)
	for {
		visible, err := e.promptVisible(target)
		if err != nil {
			return fmt.Errorf("polling prompt on %s: %w", target.ID, err)
		}
		if visible {
			return nil
		}
		if e.now().After(deadline) {
			return fmt.Errorf("%w on %s", ErrPromptWait, target.ID)
		}
		time.Sleep(e.promptPoll)
	}
}

// promptVisible reports whether the pane's last non-empty line, trimmed, is
// exactly the provider's prompt glyph. A prompt with typed-but-unsubmitted
// text does not count as idle.
func (e *Engine) promptVisible(target *session.Session) (bool, error) {
	glyph := promptGlyph(target.Provider)
	if glyph == "" {
		return false, fmt.Errorf("no prompt glyph for provider %s", target.Provider)
	}
	out, err := e.driver.CapturePane(target.TmuxName, 30)
	if err != nil {
		return false, err
	}
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		return line == glyph, nil
	}
	return false, nil
}

func promptGlyph(provider string) string {
	switch provider {
	case constants.ProviderClaudeTmux:
		return constants.ClaudePromptGlyph
	case constants.ProviderCodexTmux:
		return constants.CodexPromptGlyph
	}
	return ""
}

// TotalPending reports the queue depth across all targets.
func (e *Engine) TotalPending() (int, error) {
	return e.store.TotalPending()
}

// PaneIdle inspects the target's pane directly and reports whether its input
// prompt is showing. Used by watchers for providers without stop hooks.
func (e *Engine) PaneIdle(targetID string) (bool, error) {
	target, err := e.registry.Get(targetID)
	if err != nil {
		return false, err
	}
	if target.TmuxName == "" {
		return false, fmt.Errorf("%w: %s", ErrNoPane, targetID)
	}
	return e.promptVisible(target)
}

// IsIdle reports the tracker's recorded idle state for a target. Targets
// with no recorded state are active: after a restart the first idle signal
// rebuilds the record.
func (e *Engine) IsIdle(targetID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[targetID]
	return ok && st.idle
}

// MarkSessionActive records that a target is mid-turn. Any inbound signal
// that implies work (hook traffic, an operator injection, an urgent preempt)
// routes through here.
func (e *Engine) MarkSessionActive(targetID string) {
	e.markActive(targetID)
}

func (e *Engine) markActive(targetID string) {
	e.mu.Lock()
	st := e.stateLocked(targetID)
	st.idle = false
	st.lastActiveAt = e.now()
	e.mu.Unlock()
}

// ArmSkipFence arms the target's skip fence so the next stop hook inside the
// TTL is absorbed instead of marking the session idle.
func (e *Engine) ArmSkipFence(targetID string) {
	e.mu.Lock()
	e.stateLocked(targetID).armFence(e.now())
	e.mu.Unlock()
}

// SetPendingHandoff records the wake-up the absorbed post-clear stop hook
// should schedule.
func (e *Engine) SetPendingHandoff(targetID, continuationPath, snapshotPath, pipeLogPath string) {
	e.mu.Lock()
	e.stateLocked(targetID).pendingHandoff = &handoffIntent{
		continuationPath: continuationPath,
		snapshotPath:     snapshotPath,
		pipeLogPath:      pipeLogPath,
	}
	e.mu.Unlock()
}

// ClearPendingHandoff drops a previously recorded handoff intent. Used when
// the /clear injection itself fails and the wake-up must not fire.
func (e *Engine) ClearPendingHandoff(targetID string) {
	e.mu.Lock()
	e.stateLocked(targetID).pendingHandoff = nil
	e.mu.Unlock()
}

// SetCompacting toggles a session's compaction interlock.
func (e *Engine) SetCompacting(targetID string, on bool) {
	e.mu.Lock()
	st := e.stateLocked(targetID)
	st.compacting = on
	if on {
		st.compactingSince = e.now()
	} else {
		st.compactingSince = time.Time{}
	}
	e.mu.Unlock()
}

// IsCompacting reports whether the session is mid-compaction.
func (e *Engine) IsCompacting(targetID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[targetID]
	return ok && st.compacting
}

// InvalidateSessionCache drops state tied to a session's now-reset context:
// its queued context-monitor notifications, its scheduler registrations, its
// stop-notification slot and the stale transcript baseline. armFence
// additionally arms the skip fence for the reset's own stop hook. Returns how
// many messages were cancelled.
func (e *Engine) InvalidateSessionCache(sessionID string, armFence bool) int {
	n, err := e.store.CancelCategoryFrom(sessionID, constants.CategoryContextMonitor)
	if err != nil {
		log.Printf("[delivery] cancelling context-monitor messages from %s: %v", sessionID, err)
	}

	e.mu.Lock()
	st := e.stateLocked(sessionID)
	st.notifySenderID = ""
	st.notifySenderName = ""
	st.lastResponse = ""
	if armFence {
		st.armFence(e.now())
	}
	e.mu.Unlock()

	// Reminders and parent wakes belong to the conversation that was just
	// reset; the next delivery re-registers whatever the new one needs.
	e.CancelRemind(sessionID)
	e.CancelParentWake(sessionID)

	if n > 0 {
		log.Printf("[delivery] cancelled %d context-monitor message(s) from %s", n, sessionID)
	}
	return n
}

// ReleaseTarget drops all engine state for a stopped or removed session:
// queued messages, schedulers and the tracker record.
func (e *Engine) ReleaseTarget(targetID string) {
	if n, err := e.store.DeleteForTarget(targetID); err == nil && n > 0 {
		log.Printf("[delivery] dropped %d queued message(s) for %s", n, targetID)
	}
	e.CancelRemind(targetID)
	e.CancelParentWake(targetID)
	e.mu.Lock()
	delete(e.states, targetID)
	e.mu.Unlock()
}

// stateLocked returns the target's state record, creating it if absent.
// Caller holds e.mu.
func (e *Engine) stateLocked(targetID string) *state {
	st, ok := e.states[targetID]
	if !ok {
		st = &state{lastActiveAt: e.now()}
		e.states[targetID] = st
	}
	return st
}

// targetLock returns the per-target delivery mutex.
func (e *Engine) targetLock(targetID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[targetID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[targetID] = lock
	}
	return lock
}
