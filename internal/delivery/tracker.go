package delivery

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/OWNER/sm/internal/constants"
	"github.com/OWNER/sm/internal/session"
)

// IdleSignal describes one inbound "this session reached its prompt" event.
type IdleSignal struct {
	// FromStopHook marks a provider stop hook, the strongest idle signal. It
	// is the only kind the skip fence applies to and the only kind that
	// carries a transcript.
	FromStopHook   bool
	TranscriptPath string
}

// MarkSessionIdle processes an idle signal for a target: consume the skip
// fence if armed, otherwise transition to idle, fire the pending stop
// notification, cancel schedulers and flush the queue.
func (e *Engine) MarkSessionIdle(targetID string, sig IdleSignal) {
	now := e.now()

	e.mu.Lock()
	st := e.stateLocked(targetID)

	if sig.FromStopHook && st.absorb(now) {
		h := st.takeHandoff()
		e.mu.Unlock()
		if h != nil {
			e.completeHandoff(targetID, h)
		} else {
			log.Printf("[tracker] absorbed stop hook for %s", targetID)
		}
		return
	}

	st.idle = true
	st.lastIdleAt = now
	notifyID, notifyName := st.takeNotify()
	prevResponse := st.lastResponse
	e.mu.Unlock()

	if err := e.registry.UpdateStatus(targetID, session.StatusIdle); err != nil {
		if err == session.ErrNotFound || err == session.ErrStopped {
			return
		}
		log.Printf("[tracker] status update for %s: %v", targetID, err)
	}

	// An idle agent needs no nagging and no babysitting.
	e.CancelRemind(targetID)
	if sig.FromStopHook {
		e.CancelParentWake(targetID)
	}

	if notifyID != "" || sig.FromStopHook {
		e.announceStop(targetID, notifyID, notifyName, sig, prevResponse)
	}

	go e.Flush(targetID)
}

// completeHandoff runs the post-clear branch: the absorbed stop hook means
// the pane is back at a fresh prompt, so deliver the wake-up that re-primes
// the cleared agent, plus anything else that queued up during the handoff.
func (e *Engine) completeHandoff(targetID string, h *handoffIntent) {
	log.Printf("[tracker] context cleared for %s; scheduling wake-up", targetID)

	var b strings.Builder
	fmt.Fprintf(&b, "[sm handoff] Your context was reset. Resume work from the continuation file: %s", h.continuationPath)
	if h.snapshotPath != "" {
		fmt.Fprintf(&b, "\nPre-reset terminal snapshot: %s", h.snapshotPath)
	}
	if h.pipeLogPath != "" {
		fmt.Fprintf(&b, "\nFull pane log: %s", h.pipeLogPath)
	}

	if _, err := e.Enqueue(EnqueueRequest{
		TargetID: targetID,
		Text:     b.String(),
		Mode:     ModeImportant,
	}); err != nil {
		log.Printf("[tracker] queuing handoff wake-up for %s: %v", targetID, err)
		return
	}

	e.mu.Lock()
	st := e.stateLocked(targetID)
	st.idle = true
	st.lastIdleAt = e.now()
	e.mu.Unlock()
	go e.Flush(targetID)
}

// announceStop reports a finished turn: to the waiting sender when one asked
// to be notified, and to the external chat topic when a gateway is attached.
// Both carry the target's last response when the transcript yields one.
func (e *Engine) announceStop(targetID, notifyID, notifyName string, sig IdleSignal, prevResponse string) {
	if notifyID == "" && e.remote == nil {
		return
	}
	target, err := e.registry.Get(targetID)
	if err != nil {
		return
	}

	transcript := sig.TranscriptPath
	if transcript == "" {
		transcript = target.TranscriptPath
	}
	response := e.readResponse(transcript, prevResponse)
	if response != "" {
		e.mu.Lock()
		e.stateLocked(targetID).lastResponse = response
		e.mu.Unlock()
	}

	text := fmt.Sprintf("[sm] %s finished its turn.", target.DisplayName())
	if response != "" {
		text += "\nLast response:\n" + truncate(response, 700)
	}

	if notifyID != "" {
		if _, err := e.Enqueue(EnqueueRequest{
			TargetID: notifyID,
			SenderID: targetID,
			Text:     text,
			Mode:     ModeSequential,
		}); err != nil {
			log.Printf("[tracker] stop notification to %s (%s): %v", notifyID, notifyName, err)
		}
	}
	e.RemoteNotify(targetID, text)
}

// readResponse extracts the last assistant response from the transcript.
// Hooks race the transcript writer two ways: the file may not be flushed yet
// (empty read) or may still hold the previous turn (stale read). Each gets
// exactly one bounded retry; a still-stale read returns nothing rather than
// repeating old content.
func (e *Engine) readResponse(path, prev string) string {
	if path == "" {
		return ""
	}
	text := lastAssistantText(path)
	if text == "" {
		time.Sleep(constants.TranscriptNullRetryDelay)
		text = lastAssistantText(path)
	}
	if text != "" && text == prev {
		time.Sleep(constants.TranscriptStaleRetryDelay)
		text = lastAssistantText(path)
		if text == prev {
			return ""
		}
	}
	return text
}

// transcriptEntry is the slice of a transcript line the tracker reads.
type transcriptEntry struct {
	Type    string `json:"type"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// lastAssistantText returns the text of the last assistant message in a
// JSONL transcript, or "" when none is readable. Unparseable lines are
// skipped; transcripts routinely carry entry types we do not know.
func lastAssistantText(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry transcriptEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if entry.Type != "assistant" || len(entry.Message.Content) == 0 {
			continue
		}
		var blocks []contentBlock
		if err := json.Unmarshal(entry.Message.Content, &blocks); err != nil {
			continue
		}
		for _, b := range blocks {
			if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
				last = strings.TrimSpace(b.Text)
			}
		}
	}
	return last
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
