package delivery

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/OWNER/sm/internal/constants"
)

// wakeLoop is one running parent-wake registration. Fields are guarded by
// Engine.schedMu.
type wakeLoop struct {
	row  WakeRow
	stop chan struct{}
}

// RegisterParentWake starts periodic wake-ups telling a parent how its child
// is doing. An existing registration for the same pair is left alone so
// escalation state survives repeated dispatches.
func (e *Engine) RegisterParentWake(childID, parentID string, periodSeconds int) error {
	if periodSeconds <= 0 {
		periodSeconds = constants.ParentWakePeriodSeconds
	}

	e.schedMu.Lock()
	if old, ok := e.wakes[childID]; ok && old.row.ParentID == parentID {
		e.schedMu.Unlock()
		return nil
	}
	e.schedMu.Unlock()

	row := WakeRow{
		ChildID:       childID,
		ParentID:      parentID,
		PeriodSeconds: periodSeconds,
		RegisteredAt:  e.now(),
	}
	if err := e.store.UpsertWake(&row); err != nil {
		return err
	}
	e.startWakeLoop(row)
	log.Printf("[wake] monitoring %s for parent %s every %ds", childID, parentID, periodSeconds)
	return nil
}

// CancelParentWake ends the wake registration for a child, if any.
func (e *Engine) CancelParentWake(childID string) {
	e.schedMu.Lock()
	loop, ok := e.wakes[childID]
	if ok {
		close(loop.stop)
		delete(e.wakes, childID)
	}
	e.schedMu.Unlock()
	if ok {
		if err := e.store.DeleteWake(childID); err != nil {
			log.Printf("[wake] deleting registration for %s: %v", childID, err)
		}
	}
}

// recoverWakes restarts persisted wake loops after a daemon restart,
// escalation state included.
func (e *Engine) recoverWakes() error {
	rows, err := e.store.Wakes()
	if err != nil {
		return fmt.Errorf("loading wake registrations: %w", err)
	}
	for _, row := range rows {
		e.startWakeLoop(*row)
	}
	if len(rows) > 0 {
		log.Printf("[wake] recovered %d registration(s)", len(rows))
	}
	return nil
}

func (e *Engine) startWakeLoop(row WakeRow) {
	e.schedMu.Lock()
	if old, ok := e.wakes[row.ChildID]; ok {
		close(old.stop)
	}
	loop := &wakeLoop{row: row, stop: make(chan struct{})}
	e.wakes[row.ChildID] = loop
	e.schedMu.Unlock()

	e.wg.Add(1)
	go e.runWakeLoop(loop)
}

func (e *Engine) runWakeLoop(loop *wakeLoop) {
	defer e.wg.Done()
	for {
		e.schedMu.Lock()
		period := time.Duration(loop.row.PeriodSeconds) * time.Second
		e.schedMu.Unlock()

		timer := time.NewTimer(period)
		select {
		case <-e.done:
			timer.Stop()
			return
		case <-loop.stop:
			timer.Stop()
			return
		case <-timer.C:
			if !e.wakeTick(loop) {
				return
			}
		}
	}
}

// wakeTick assembles and sends one digest. Returns false when the
// registration is finished.
func (e *Engine) wakeTick(loop *wakeLoop) bool {
	e.schedMu.Lock()
	row := loop.row
	e.schedMu.Unlock()

	child, err := e.registry.Get(row.ChildID)
	if err != nil || child.Stopped() {
		e.CancelParentWake(row.ChildID)
		return false
	}
	parent, err := e.registry.Get(row.ParentID)
	if err != nil || parent.Stopped() {
		log.Printf("[wake] parent %s of %s is gone; ending registration", row.ParentID, row.ChildID)
		e.CancelParentWake(row.ChildID)
		return false
	}

	now := e.now()
	stalled := !row.LastWakeAt.IsZero() && child.AgentStatusAt.Equal(row.StatusAtLastWake)

	var b strings.Builder
	fmt.Fprintf(&b, "[sm dispatch] Child update: %s (%s), running %s.",
		child.DisplayName(), child.ID, formatElapsed(now.Sub(row.RegisteredAt)))
	if child.AgentStatusText != "" {
		fmt.Fprintf(&b, "\nStatus: %q (%s ago)", child.AgentStatusText, formatElapsed(now.Sub(child.AgentStatusAt)))
	} else {
		b.WriteString("\nStatus: none reported yet")
	}
	if stalled {
		b.WriteString("\nWarning: NO PROGRESS DETECTED since the last wake-up. Check on this child.")
	}
	if e.tools != nil {
		if events, err := e.tools.RecentToolEvents(child.ID, constants.ParentWakeToolEvents); err == nil && len(events) > 0 {
			b.WriteString("\nRecent activity:")
			for _, ev := range events {
				fmt.Fprintf(&b, "\n  - %s %s (%s ago)", ev.Tool, ev.Detail, formatElapsed(now.Sub(ev.At)))
			}
		}
	}

	if _, err := e.Enqueue(EnqueueRequest{
		TargetID: row.ParentID,
		SenderID: row.ChildID,
		Text:     b.String(),
		Mode:     ModeImportant,
	}); err != nil {
		log.Printf("[wake] digest for %s to %s: %v", row.ChildID, row.ParentID, err)
	}

	e.schedMu.Lock()
	loop.row.LastWakeAt = now
	loop.row.StatusAtLastWake = child.AgentStatusAt
	if stalled && !loop.row.Escalated {
		loop.row.Escalated = true
		loop.row.PeriodSeconds = constants.ParentWakeEscalatedSeconds
		log.Printf("[wake] no progress from %s; escalating wake period to %ds",
			row.ChildID, constants.ParentWakeEscalatedSeconds)
	}
	row = loop.row
	e.schedMu.Unlock()

	if err := e.store.UpsertWake(&row); err != nil {
		log.Printf("[wake] persisting wake state for %s: %v", row.ChildID, err)
	}
	return true
}
