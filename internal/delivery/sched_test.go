package delivery

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/OWNER/sm/internal/constants"
	"github.com/OWNER/sm/internal/session"
)

func TestRemindSoftThenHard(t *testing.T) {
	e, reg, drv := newTestEngine(t)
	parent := mkSession(t, reg, "lead")
	worker := mkSession(t, reg, "worker")
	drv.afterCancel = idlePane

	loop := &remindLoop{row: RemindRow{
		TargetID:    worker.ID,
		ParentID:    parent.ID,
		SoftSeconds: 210,
		HardSeconds: 420,
		LastResetAt: time.Now().Add(-4 * time.Minute), // past soft, before hard
	}}

	if !e.remindTick(loop) {
		t.Fatal("soft tick ended the registration")
	}
	msgs, _ := e.store.Pending(worker.ID)
	if len(msgs) != 1 || msgs[0].Mode != ModeImportant {
		t.Fatalf("after soft: queue = %+v", msgs)
	}
	if !strings.Contains(msgs[0].Text, "status update") {
		t.Errorf("soft reminder text = %q", msgs[0].Text)
	}
	if !loop.row.SoftFired {
		t.Error("SoftFired not recorded")
	}

	// Soft is one-shot: the next tick below the hard threshold does nothing.
	if !e.remindTick(loop) {
		t.Fatal("quiet tick ended the registration")
	}
	if n, _ := e.store.PendingCount(worker.ID); n != 1 {
		t.Fatalf("soft reminder fired twice, pending = %d", n)
	}

	// Past the hard threshold: urgent preempt, then the registration ends.
	loop.row.LastResetAt = time.Now().Add(-8 * time.Minute)
	if e.remindTick(loop) {
		t.Fatal("hard tick should end the registration")
	}
	found := false
	for _, c := range drv.injected() {
		if strings.Contains(c, "report progress now") {
			found = true
		}
	}
	if !found {
		t.Errorf("hard reminder never injected; calls = %v", drv.injected())
	}
}

func TestRemindSkipsDuringCompaction(t *testing.T) {
	e, reg, drv := newTestEngine(t)
	worker := mkSession(t, reg, "worker")

	loop := &remindLoop{row: RemindRow{
		TargetID:    worker.ID,
		SoftSeconds: 210,
		HardSeconds: 420,
		LastResetAt: time.Now().Add(-10 * time.Minute),
	}}

	e.SetCompacting(worker.ID, true)
	if !e.remindTick(loop) {
		t.Fatal("compacting tick ended the registration")
	}
	if n, _ := e.store.PendingCount(worker.ID); n != 0 {
		t.Fatalf("reminder fired into a compacting session, pending = %d", n)
	}

	// A compaction stuck past the ceiling stops blocking, and the override
	// is logged so a stuck compaction leaves a trace.
	e.mu.Lock()
	e.states[worker.ID].compactingSince = time.Now().Add(-constants.CompactionWaitCeiling - time.Minute)
	e.mu.Unlock()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	e.remindTick(loop)
	log.SetOutput(os.Stderr)

	if len(drv.injected()) == 0 {
		t.Error("reminder still blocked after the compaction ceiling")
	}
	if !strings.Contains(buf.String(), "delivering anyway") {
		t.Errorf("ceiling override not logged; log = %q", buf.String())
	}
}

func TestRemindRegistersOnDeliveryNotEnqueue(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	parent := mkSession(t, reg, "lead")
	worker := mkSession(t, reg, "worker")

	// The target is busy; the message queues and the reminder clock must not
	// start yet.
	if _, err := e.Enqueue(EnqueueRequest{
		TargetID:          worker.ID,
		SenderID:          parent.ID,
		Text:              "take this task",
		RemindSoftSeconds: 210,
		RemindHardSeconds: 420,
	}); err != nil {
		t.Fatal(err)
	}
	rows, _ := e.store.Reminds()
	if len(rows) != 0 {
		t.Fatalf("reminder registered while the message was still queued: %+v", rows)
	}

	e.MarkSessionIdle(worker.ID, IdleSignal{FromStopHook: true})
	waitFor(t, "reminder registered at delivery", func() bool {
		rows, _ := e.store.Reminds()
		return len(rows) == 1
	})
	rows, _ = e.store.Reminds()
	if rows[0].TargetID != worker.ID || rows[0].SoftSeconds != 210 || rows[0].HardSeconds != 420 {
		t.Errorf("registration = %+v", rows[0])
	}
}

func TestInvalidateCancelsSchedulers(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	parent := mkSession(t, reg, "lead")
	worker := mkSession(t, reg, "worker")

	if err := e.RegisterRemind(worker.ID, parent.ID, 1, 2); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterParentWake(worker.ID, parent.ID, 600); err != nil {
		t.Fatal(err)
	}

	// A context reset orphans both registrations; nothing may fire for the
	// cleared conversation afterwards.
	e.InvalidateSessionCache(worker.ID, true)

	if rows, _ := e.store.Reminds(); len(rows) != 0 {
		t.Errorf("reminder registration survived the reset: %+v", rows)
	}
	if rows, _ := e.store.Wakes(); len(rows) != 0 {
		t.Errorf("wake registration survived the reset: %+v", rows)
	}
	e.schedMu.Lock()
	_, remindLive := e.reminds[worker.ID]
	_, wakeLive := e.wakes[worker.ID]
	e.schedMu.Unlock()
	if remindLive || wakeLive {
		t.Errorf("scheduler loops survived the reset: remind=%v wake=%v", remindLive, wakeLive)
	}
}

func TestRemindCancelledWhenTargetStops(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	worker := mkSession(t, reg, "worker")
	if err := e.RegisterRemind(worker.ID, "", 210, 420); err != nil {
		t.Fatal(err)
	}

	if err := reg.UpdateStatus(worker.ID, session.StatusStopped); err != nil {
		t.Fatal(err)
	}
	e.schedMu.Lock()
	loop := e.reminds[worker.ID]
	e.schedMu.Unlock()
	if loop == nil {
		t.Fatal("registration missing")
	}
	if e.remindTick(loop) {
		t.Error("tick against a stopped target should end the registration")
	}
	rows, _ := e.store.Reminds()
	if len(rows) != 0 {
		t.Errorf("registration row survived: %+v", rows)
	}
}

func TestResetRemindRearmsSoft(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	worker := mkSession(t, reg, "worker")
	if err := e.RegisterRemind(worker.ID, "", 210, 420); err != nil {
		t.Fatal(err)
	}

	e.schedMu.Lock()
	e.reminds[worker.ID].row.SoftFired = true
	e.reminds[worker.ID].row.LastResetAt = time.Now().Add(-5 * time.Minute)
	e.schedMu.Unlock()

	e.ResetRemind(worker.ID)

	e.schedMu.Lock()
	row := e.reminds[worker.ID].row
	e.schedMu.Unlock()
	if row.SoftFired {
		t.Error("reset did not re-arm the soft threshold")
	}
	if time.Since(row.LastResetAt) > time.Minute {
		t.Error("reset did not restart the clock")
	}
}

func TestWakeDigestAndEscalation(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	parent := mkSession(t, reg, "lead")
	child := mkSession(t, reg, "worker")

	loop := &wakeLoop{row: WakeRow{
		ChildID:       child.ID,
		ParentID:      parent.ID,
		PeriodSeconds: constants.ParentWakePeriodSeconds,
		RegisteredAt:  time.Now().Add(-15 * time.Minute),
	}}

	// First wake: digest to the parent, no escalation possible yet.
	if !e.wakeTick(loop) {
		t.Fatal("first wake ended the registration")
	}
	msgs, _ := e.store.Pending(parent.ID)
	if len(msgs) != 1 {
		t.Fatalf("pending for parent = %d, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "Child update: worker") {
		t.Errorf("digest = %q", msgs[0].Text)
	}
	if strings.Contains(msgs[0].Text, "NO PROGRESS") {
		t.Error("first wake flagged no-progress")
	}
	if loop.row.Escalated {
		t.Error("escalated on first wake")
	}

	// Second wake with an unchanged status timestamp: escalate once.
	if !e.wakeTick(loop) {
		t.Fatal("second wake ended the registration")
	}
	msgs, _ = e.store.Pending(parent.ID)
	if len(msgs) != 2 {
		t.Fatalf("pending for parent = %d, want 2", len(msgs))
	}
	if !strings.Contains(msgs[1].Text, "NO PROGRESS DETECTED") {
		t.Errorf("stalled digest = %q", msgs[1].Text)
	}
	if !loop.row.Escalated || loop.row.PeriodSeconds != constants.ParentWakeEscalatedSeconds {
		t.Errorf("escalation state = %+v", loop.row)
	}

	// Escalation is one-way: a third stalled wake keeps the short period.
	if !e.wakeTick(loop) {
		t.Fatal("third wake ended the registration")
	}
	if loop.row.PeriodSeconds != constants.ParentWakeEscalatedSeconds {
		t.Errorf("period = %d after third wake", loop.row.PeriodSeconds)
	}
}

func TestWakeEndsWhenParentGone(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	parent := mkSession(t, reg, "lead")
	child := mkSession(t, reg, "worker")
	if err := e.RegisterParentWake(child.ID, parent.ID, 600); err != nil {
		t.Fatal(err)
	}

	if err := reg.UpdateStatus(parent.ID, session.StatusStopped); err != nil {
		t.Fatal(err)
	}
	e.schedMu.Lock()
	loop := e.wakes[child.ID]
	e.schedMu.Unlock()
	if e.wakeTick(loop) {
		t.Error("wake against a stopped parent should end the registration")
	}
	rows, _ := e.store.Wakes()
	if len(rows) != 0 {
		t.Errorf("registration row survived: %+v", rows)
	}
}
