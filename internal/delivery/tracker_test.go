package delivery

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OWNER/sm/internal/constants"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	data := ""
	for _, l := range lines {
		data += l + "\n"
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLastAssistantText(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"content":[{"type":"text","text":"do the thing"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]}}`,
		`not json at all`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"all done, tests pass"}]}}`,
	)
	if got := lastAssistantText(path); got != "all done, tests pass" {
		t.Errorf("lastAssistantText = %q", got)
	}
}

func TestLastAssistantTextMissingFile(t *testing.T) {
	if got := lastAssistantText("/nonexistent/transcript.jsonl"); got != "" {
		t.Errorf("missing file: got %q, want empty", got)
	}
}

func TestReadResponseStaleReturnsNothing(t *testing.T) {
	e, _, _ := newTestEngine(t)
	path := writeTranscript(t,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"previous answer"}]}}`,
	)
	// The transcript still holds last turn's text; after the single retry it
	// is still stale, so the caller gets nothing rather than a repeat.
	if got := e.readResponse(path, "previous answer"); got != "" {
		t.Errorf("stale read returned %q, want empty", got)
	}
}

func TestReadResponseFreshText(t *testing.T) {
	e, _, _ := newTestEngine(t)
	path := writeTranscript(t,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"fresh answer"}]}}`,
	)
	if got := e.readResponse(path, "previous answer"); got != "fresh answer" {
		t.Errorf("readResponse = %q", got)
	}
}

func TestReadResponseRetriesEmptyTranscript(t *testing.T) {
	e, _, _ := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	// The hook outran the transcript writer; the text lands mid-retry.
	go func() {
		time.Sleep(100 * time.Millisecond)
		line := `{"type":"assistant","message":{"content":[{"type":"text","text":"late answer"}]}}` + "\n"
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return
		}
		defer f.Close()
		f.WriteString(line)
	}()

	start := time.Now()
	got := e.readResponse(path, "")
	if got != "late answer" {
		t.Errorf("readResponse = %q, want the late write", got)
	}
	if elapsed := time.Since(start); elapsed < constants.TranscriptNullRetryDelay {
		t.Errorf("no retry pause observed, elapsed = %s", elapsed)
	}
}

func TestReadResponseEmptyGivesUpAfterOneRetry(t *testing.T) {
	e, _, _ := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if got := e.readResponse(path, ""); got != "" {
		t.Errorf("empty transcript returned %q", got)
	}
	// One retry pause, not a loop.
	if elapsed := time.Since(start); elapsed >= 2*constants.TranscriptNullRetryDelay {
		t.Errorf("retried more than once, elapsed = %s", elapsed)
	}
}

// fakeNotifier records remote notifications for assertion.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []string // "sessionID|text"
}

func (f *fakeNotifier) NotifySession(sessionID, text string) {
	f.mu.Lock()
	f.calls = append(f.calls, sessionID+"|"+text)
	f.mu.Unlock()
}

func (f *fakeNotifier) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestStopHookMirroredToRemoteNotifier(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	remote := &fakeNotifier{}
	e.SetRemoteNotifier(remote)
	s := mkSession(t, reg, "worker")

	path := writeTranscript(t,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"shipped the fix"}]}}`,
	)
	e.MarkSessionIdle(s.ID, IdleSignal{FromStopHook: true, TranscriptPath: path})

	waitFor(t, "remote notification", func() bool { return len(remote.snapshot()) == 1 })
	got := remote.snapshot()[0]
	if !strings.HasPrefix(got, s.ID+"|") {
		t.Errorf("notified about %q, want %s", got, s.ID)
	}
	for _, want := range []string{"worker finished its turn", "shipped the fix"} {
		if !strings.Contains(got, want) {
			t.Errorf("notification %q missing %q", got, want)
		}
	}

	// Non-stop idle signals stay local; the chat only hears finished turns.
	e.MarkSessionIdle(s.ID, IdleSignal{})
	time.Sleep(20 * time.Millisecond)
	if n := len(remote.snapshot()); n != 1 {
		t.Errorf("non-stop signal reached the chat, %d notification(s)", n)
	}
}

func TestCompletedHandoffSendsWakeup(t *testing.T) {
	e, reg, drv := newTestEngine(t)
	s := mkSession(t, reg, "worker")

	e.ArmSkipFence(s.ID)
	e.SetPendingHandoff(s.ID, "/tmp/continue.md", "/tmp/dump.txt", "/tmp/pane.log")

	// The stop hook produced by /clear: absorbed, and the wake-up fires.
	e.MarkSessionIdle(s.ID, IdleSignal{FromStopHook: true})
	waitFor(t, "wake-up injected", func() bool { return len(drv.injected()) == 1 })

	got := drv.injected()[0]
	for _, want := range []string{"/tmp/continue.md", "/tmp/dump.txt", "/tmp/pane.log", "context was reset"} {
		if !strings.Contains(got, want) {
			t.Errorf("wake-up %q missing %q", got, want)
		}
	}
}
