package delivery

import (
	"time"

	"github.com/OWNER/sm/internal/constants"
)

// state is the per-target tracker record. It is runtime-only: after a daemon
// restart every target starts active and the next idle signal rebuilds it.
// All access is serialized by the engine mutex.
type state struct {
	idle         bool
	lastIdleAt   time.Time
	lastActiveAt time.Time

	// Skip fence. Armed before injecting /clear so the stop hook the clear
	// itself produces is absorbed instead of marking the session idle.
	skipCount   int
	skipArmedAt time.Time

	// Pending stop notification: who asked to be told when this target next
	// finishes a turn. Single slot; a later request overwrites an earlier one.
	notifySenderID   string
	notifySenderName string

	// Pending handoff. Set by the coordinator before /clear; consumed by the
	// absorbed stop hook, which schedules the wake-up instead of going idle.
	pendingHandoff *handoffIntent

	// Last assistant response extracted from the transcript, used to detect a
	// stale read on the next stop hook.
	lastResponse string

	// Compaction interlock, toggled by hook events.
	compacting      bool
	compactingSince time.Time
}

// handoffIntent carries everything the post-clear wake message references.
type handoffIntent struct {
	continuationPath string
	snapshotPath     string
	pipeLogPath      string
}

// armFence increments the skip fence and stamps the arm time. Re-arming
// refreshes the TTL for the whole count.
func (st *state) armFence(now time.Time) {
	st.skipCount++
	st.skipArmedAt = now
}

// absorb consumes one armed skip if the fence is live. An expired fence is
// fully reset first so a lost hook can never eat a genuine stop later.
// Returns true when the signal was absorbed.
func (st *state) absorb(now time.Time) bool {
	if st.skipCount <= 0 {
		return false
	}
	if now.Sub(st.skipArmedAt) >= constants.SkipFenceTTL {
		st.skipCount = 0
		st.skipArmedAt = time.Time{}
		return false
	}
	st.skipCount--
	if st.skipCount == 0 {
		st.skipArmedAt = time.Time{}
	}
	return true
}

// takeHandoff returns and clears the pending handoff intent, if any.
func (st *state) takeHandoff() *handoffIntent {
	h := st.pendingHandoff
	st.pendingHandoff = nil
	return h
}

// takeNotify returns and clears the pending stop-notification sender, if any.
func (st *state) takeNotify() (id, name string) {
	id, name = st.notifySenderID, st.notifySenderName
	st.notifySenderID = ""
	st.notifySenderName = ""
	return id, name
}
