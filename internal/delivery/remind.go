package delivery

import (
	"fmt"
	"log"
	"time"

	"github.com/OWNER/sm/internal/constants"
)

// remindLoop is one running reminder registration. Fields are guarded by
// Engine.schedMu; the goroutine takes snapshots under it.
type remindLoop struct {
	row  RemindRow
	stop chan struct{}
}

// RegisterRemind starts (or replaces) a reminder for a target. Soft fires an
// important nudge once; hard preempts with an urgent one and ends the
// registration. Zero thresholds take the defaults.
func (e *Engine) RegisterRemind(targetID, parentID string, softSeconds, hardSeconds int) error {
	if softSeconds <= 0 {
		softSeconds = constants.DefaultRemindSoftSeconds
	}
	if hardSeconds <= 0 {
		hardSeconds = constants.DefaultRemindHardSeconds
	}
	if hardSeconds <= softSeconds {
		hardSeconds = softSeconds * 2
	}

	row := RemindRow{
		TargetID:    targetID,
		ParentID:    parentID,
		SoftSeconds: softSeconds,
		HardSeconds: hardSeconds,
		LastResetAt: e.now(),
	}
	if err := e.store.UpsertRemind(&row); err != nil {
		return err
	}
	e.startRemindLoop(row)
	return nil
}

// ResetRemind restarts a target's reminder clock, typically because the
// agent reported status. A reset also re-arms the soft threshold.
func (e *Engine) ResetRemind(targetID string) {
	e.schedMu.Lock()
	loop, ok := e.reminds[targetID]
	if ok {
		loop.row.LastResetAt = e.now()
		loop.row.SoftFired = false
		row := loop.row
		e.schedMu.Unlock()
		if err := e.store.UpsertRemind(&row); err != nil {
			log.Printf("[remind] persisting reset for %s: %v", targetID, err)
		}
		return
	}
	e.schedMu.Unlock()
}

// CancelRemind ends a target's reminder registration, if any.
func (e *Engine) CancelRemind(targetID string) {
	e.schedMu.Lock()
	loop, ok := e.reminds[targetID]
	if ok {
		close(loop.stop)
		delete(e.reminds, targetID)
	}
	e.schedMu.Unlock()
	if ok {
		if err := e.store.DeleteRemind(targetID); err != nil {
			log.Printf("[remind] deleting registration for %s: %v", targetID, err)
		}
	}
}

// recoverReminds restarts persisted reminder loops after a daemon restart.
// The reset clock carries over, so a reminder due while the daemon was down
// fires on the first tick.
func (e *Engine) recoverReminds() error {
	rows, err := e.store.Reminds()
	if err != nil {
		return fmt.Errorf("loading reminder registrations: %w", err)
	}
	for _, row := range rows {
		e.startRemindLoop(*row)
	}
	if len(rows) > 0 {
		log.Printf("[remind] recovered %d registration(s)", len(rows))
	}
	return nil
}

func (e *Engine) startRemindLoop(row RemindRow) {
	e.schedMu.Lock()
	if old, ok := e.reminds[row.TargetID]; ok {
		close(old.stop)
	}
	loop := &remindLoop{row: row, stop: make(chan struct{})}
	e.reminds[row.TargetID] = loop
	e.schedMu.Unlock()

	e.wg.Add(1)
	go e.runRemindLoop(loop)
}

func (e *Engine) runRemindLoop(loop *remindLoop) {
	defer e.wg.Done()
	ticker := time.NewTicker(constants.RemindPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-loop.stop:
			return
		case <-ticker.C:
			if !e.remindTick(loop) {
				return
			}
		}
	}
}

// remindTick evaluates the thresholds once. Returns false when the
// registration is finished and the loop should exit.
func (e *Engine) remindTick(loop *remindLoop) bool {
	e.schedMu.Lock()
	row := loop.row
	e.schedMu.Unlock()

	target, err := e.registry.Get(row.TargetID)
	if err != nil || target.Stopped() {
		e.CancelRemind(row.TargetID)
		return false
	}

	// Interrupting a compaction loses the compacted context, so hold fire
	// while one is in flight. Bounded: a compaction that never completes
	// (lost hook) stops blocking after the ceiling.
	if e.IsCompacting(row.TargetID) {
		if e.compactingFor(row.TargetID) < constants.CompactionWaitCeiling {
			return true
		}
		log.Printf("[remind] %s compacting past the %s ceiling; delivering anyway",
			row.TargetID, constants.CompactionWaitCeiling)
	}

	elapsed := e.now().Sub(row.LastResetAt)

	if elapsed >= time.Duration(row.HardSeconds)*time.Second {
		text := fmt.Sprintf("[sm remind] No status update for %s. Stop and report progress now.", formatElapsed(elapsed))
		if _, err := e.Enqueue(EnqueueRequest{
			TargetID: row.TargetID,
			SenderID: row.ParentID,
			Text:     text,
			Mode:     ModeUrgent,
		}); err != nil {
			log.Printf("[remind] hard reminder for %s: %v", row.TargetID, err)
		}
		e.CancelRemind(row.TargetID)
		return false
	}

	if elapsed >= time.Duration(row.SoftSeconds)*time.Second && !row.SoftFired {
		text := fmt.Sprintf("[sm remind] %s since your last status update. Please post one.", formatElapsed(elapsed))
		if _, err := e.Enqueue(EnqueueRequest{
			TargetID: row.TargetID,
			SenderID: row.ParentID,
			Text:     text,
			Mode:     ModeImportant,
		}); err != nil {
			log.Printf("[remind] soft reminder for %s: %v", row.TargetID, err)
		}
		e.schedMu.Lock()
		loop.row.SoftFired = true
		row = loop.row
		e.schedMu.Unlock()
		if err := e.store.UpsertRemind(&row); err != nil {
			log.Printf("[remind] persisting soft-fired for %s: %v", row.TargetID, err)
		}
	}
	return true
}

// compactingFor returns how long the session has been mid-compaction.
func (e *Engine) compactingFor(targetID string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[targetID]
	if !ok || !st.compacting || st.compactingSince.IsZero() {
		return 0
	}
	return e.now().Sub(st.compactingSince)
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}
