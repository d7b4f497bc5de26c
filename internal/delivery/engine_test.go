package delivery

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OWNER/sm/internal/constants"
	"github.com/OWNER/sm/internal/session"
)

// fakeDriver records injection calls and serves canned pane content.
type fakeDriver struct {
	mu      sync.Mutex
	content string // CapturePane output
	// content served after a cancel key, simulating the prompt returning
	afterCancel string
	cancelSent  bool
	calls       []string
	failSubmit  bool
}

func (f *fakeDriver) SendLiteralText(pane, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "text:"+text)
	return nil
}

func (f *fakeDriver) SendSubmitKey(pane string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubmit {
		return errors.New("pane went away")
	}
	f.calls = append(f.calls, "submit")
	return nil
}

func (f *fakeDriver) SendCancelKey(pane string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelSent = true
	f.calls = append(f.calls, "cancel")
	return nil
}

func (f *fakeDriver) CapturePane(pane string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelSent && f.afterCancel != "" {
		return f.afterCancel, nil
	}
	return f.content, nil
}

func (f *fakeDriver) CapturePaneAll(pane string) (string, error)        { return f.CapturePane(pane, 0) }
func (f *fakeDriver) NewSessionWithCommand(name, dir, cmd string) error { return nil }
func (f *fakeDriver) KillSession(name string) error                     { return nil }
func (f *fakeDriver) HasSession(name string) (bool, error)              { return true, nil }

func (f *fakeDriver) setContent(s string) {
	f.mu.Lock()
	f.content = s
	f.mu.Unlock()
}

func (f *fakeDriver) injected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, "text:") {
			out = append(out, strings.TrimPrefix(c, "text:"))
		}
	}
	return out
}

const idlePane = "some earlier output\n\n> "
const busyPane = "✻ Thinking about the problem...\n  (esc to interrupt)"

func newTestEngine(t *testing.T) (*Engine, *session.Registry, *fakeDriver) {
	t.Helper()
	dir := t.TempDir()

	reg := session.NewRegistry(filepath.Join(dir, "sessions.json"))
	store, err := OpenStore(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	drv := &fakeDriver{content: idlePane}
	e := NewEngine(reg, store, drv, nil)
	e.settle = time.Millisecond
	e.promptPoll = 5 * time.Millisecond
	e.promptTimeout = 100 * time.Millisecond
	t.Cleanup(e.Close)
	return e, reg, drv
}

func mkSession(t *testing.T, reg *session.Registry, name string) *session.Session {
	t.Helper()
	s := &session.Session{
		Provider:     constants.ProviderClaudeTmux,
		TmuxName:     "claude-" + name,
		FriendlyName: name,
		WorkingDir:   "/tmp",
	}
	if err := reg.Create(s); err != nil {
		t.Fatal(err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnqueueValidation(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	s := mkSession(t, reg, "worker")

	if _, err := e.Enqueue(EnqueueRequest{TargetID: s.ID, Text: "  "}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("empty text: err = %v, want ErrEmptyMessage", err)
	}
	if _, err := e.Enqueue(EnqueueRequest{TargetID: "nope", Text: "hi"}); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("missing target: err = %v, want ErrNotFound", err)
	}

	if err := reg.UpdateStatus(s.ID, session.StatusStopped); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Enqueue(EnqueueRequest{TargetID: s.ID, Text: "hi"}); !errors.Is(err, session.ErrStopped) {
		t.Errorf("stopped target: err = %v, want ErrStopped", err)
	}

	// A tmux session that lost its pane name is undeliverable; a paneless
	// app session is not, it drains over the hook channel.
	paneless := &session.Session{Provider: constants.ProviderClaudeTmux}
	if err := reg.Create(paneless); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Enqueue(EnqueueRequest{TargetID: paneless.ID, Text: "hi"}); !errors.Is(err, ErrNoPane) {
		t.Errorf("paneless tmux target: err = %v, want ErrNoPane", err)
	}

	app := &session.Session{Provider: constants.ProviderCodexApp}
	if err := reg.Create(app); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Enqueue(EnqueueRequest{TargetID: app.ID, Text: "hi"}); err != nil {
		t.Errorf("app target: err = %v, want nil", err)
	}
}

func TestAppSessionQueuesAndDrains(t *testing.T) {
	e, reg, drv := newTestEngine(t)
	app := &session.Session{Provider: constants.ProviderCodexApp, FriendlyName: "app"}
	if err := reg.Create(app); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	for i, text := range []string{"one", "two"} {
		at := base.Add(time.Duration(i) * time.Millisecond)
		e.now = func() time.Time { return at }
		if _, err := e.Enqueue(EnqueueRequest{TargetID: app.ID, Text: text}); err != nil {
			t.Fatalf("Enqueue %q: %v", text, err)
		}
	}
	// Urgent has nothing to preempt without a pane; it queues like the rest.
	e.now = func() time.Time { return base.Add(2 * time.Millisecond) }
	if _, err := e.Enqueue(EnqueueRequest{TargetID: app.ID, Text: "three", Mode: ModeUrgent}); err != nil {
		t.Fatalf("urgent Enqueue: %v", err)
	}
	e.now = time.Now
	drv.mu.Lock()
	calls := len(drv.calls)
	drv.mu.Unlock()
	if calls != 0 {
		t.Fatalf("paneless target touched the driver: %d call(s)", calls)
	}

	msgs, err := e.TakePending(app.ID)
	if err != nil {
		t.Fatalf("TakePending: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("drained %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"one", "two", "three"} {
		if msgs[i].Text != want {
			t.Fatalf("drain order = %v", msgs)
		}
	}
	if n, _ := e.store.PendingCount(app.ID); n != 0 {
		t.Errorf("queue not emptied, pending = %d", n)
	}
	if e.IsIdle(app.ID) {
		t.Error("target still idle after handing over its queue")
	}

	again, err := e.TakePending(app.ID)
	if err != nil || len(again) != 0 {
		t.Errorf("second drain = %v, %v; want empty", again, err)
	}
}

func TestSequentialWaitsForIdle(t *testing.T) {
	e, reg, drv := newTestEngine(t)
	s := mkSession(t, reg, "worker")

	// Fresh targets are active; nothing should inject yet.
	if _, err := e.Enqueue(EnqueueRequest{TargetID: s.ID, Text: "first task"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := drv.injected(); len(got) != 0 {
		t.Fatalf("delivered to a busy target: %v", got)
	}
	if n, _ := e.store.PendingCount(s.ID); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	e.MarkSessionIdle(s.ID, IdleSignal{FromStopHook: true})
	waitFor(t, "flush after idle", func() bool { return len(drv.injected()) == 1 })

	if got := drv.injected()[0]; got != "first task" {
		t.Errorf("injected %q", got)
	}
	if n, _ := e.store.PendingCount(s.ID); n != 0 {
		t.Errorf("pending after delivery = %d, want 0", n)
	}
	if e.IsIdle(s.ID) {
		t.Error("target still recorded idle after delivery")
	}
}

func TestFlushIsFIFO(t *testing.T) {
	e, reg, drv := newTestEngine(t)
	s := mkSession(t, reg, "worker")

	base := time.Now()
	for i, text := range []string{"one", "two", "three"} {
		at := base.Add(time.Duration(i) * time.Millisecond)
		e.now = func() time.Time { return at }
		if _, err := e.Enqueue(EnqueueRequest{TargetID: s.ID, Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	e.now = time.Now

	e.MarkSessionIdle(s.ID, IdleSignal{FromStopHook: true})
	waitFor(t, "all three delivered", func() bool { return len(drv.injected()) == 3 })

	got := drv.injected()
	want := []string{"one", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
}

func TestUrgentPreempts(t *testing.T) {
	e, reg, drv := newTestEngine(t)
	s := mkSession(t, reg, "worker")
	drv.setContent(busyPane)
	drv.afterCancel = idlePane

	if _, err := e.Enqueue(EnqueueRequest{TargetID: s.ID, Text: "drop everything", Mode: ModeUrgent}); err != nil {
		t.Fatalf("urgent Enqueue: %v", err)
	}

	drv.mu.Lock()
	calls := append([]string(nil), drv.calls...)
	drv.mu.Unlock()
	want := []string{"cancel", "text:drop everything", "submit"}
	if len(calls) != 3 || calls[0] != want[0] || calls[1] != want[1] || calls[2] != want[2] {
		t.Fatalf("call sequence = %v, want %v", calls, want)
	}
	if n, _ := e.store.PendingCount(s.ID); n != 0 {
		t.Errorf("urgent message still queued")
	}
}

func TestUrgentFailureRetriesSequentially(t *testing.T) {
	e, reg, drv := newTestEngine(t)
	s := mkSession(t, reg, "worker")
	drv.setContent(busyPane) // prompt never returns

	_, err := e.Enqueue(EnqueueRequest{TargetID: s.ID, Text: "wake up", Mode: ModeUrgent})
	if !errors.Is(err, ErrPromptWait) {
		t.Fatalf("err = %v, want ErrPromptWait", err)
	}
	if n, _ := e.store.PendingCount(s.ID); n != 1 {
		t.Fatalf("failed urgent not left queued: pending = %d", n)
	}

	// The target eventually finishes its turn; the stranded row flushes.
	drv.setContent(idlePane)
	e.MarkSessionIdle(s.ID, IdleSignal{FromStopHook: true})
	waitFor(t, "sequential retry", func() bool { return len(drv.injected()) == 1 })
	if got := drv.injected()[0]; got != "wake up" {
		t.Errorf("injected %q", got)
	}
}

func TestSkipFenceAbsorbsOneStopHook(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	s := mkSession(t, reg, "worker")

	e.ArmSkipFence(s.ID)
	e.MarkSessionIdle(s.ID, IdleSignal{FromStopHook: true})
	if e.IsIdle(s.ID) {
		t.Fatal("fenced stop hook marked the session idle")
	}

	e.MarkSessionIdle(s.ID, IdleSignal{FromStopHook: true})
	if !e.IsIdle(s.ID) {
		t.Fatal("second stop hook should mark idle; fence is single-use")
	}
}

func TestSkipFenceIgnoresNonStopSignals(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	s := mkSession(t, reg, "worker")

	e.ArmSkipFence(s.ID)
	e.MarkSessionIdle(s.ID, IdleSignal{FromStopHook: false})
	if !e.IsIdle(s.ID) {
		t.Fatal("fence absorbed a non-stop idle signal")
	}
}

func TestSkipFenceExpires(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	s := mkSession(t, reg, "worker")

	e.ArmSkipFence(s.ID)
	// Jump the clock past the TTL; the fence belongs to a hook that got lost.
	e.now = func() time.Time { return time.Now().Add(constants.SkipFenceTTL + time.Second) }
	e.MarkSessionIdle(s.ID, IdleSignal{FromStopHook: true})
	if !e.IsIdle(s.ID) {
		t.Fatal("expired fence absorbed a genuine stop hook")
	}
}

func TestStaleIdleGuard(t *testing.T) {
	e, reg, drv := newTestEngine(t)
	s := mkSession(t, reg, "worker")

	e.MarkSessionIdle(s.ID, IdleSignal{FromStopHook: true})
	waitFor(t, "idle recorded", func() bool { return e.IsIdle(s.ID) })

	// The pane disagrees: the agent resumed before the queue was checked.
	drv.setContent(busyPane)
	if _, err := e.Enqueue(EnqueueRequest{TargetID: s.ID, Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "guard corrects state", func() bool { return !e.IsIdle(s.ID) })
	if got := drv.injected(); len(got) != 0 {
		t.Fatalf("delivered into a busy pane: %v", got)
	}
	if n, _ := e.store.PendingCount(s.ID); n != 1 {
		t.Errorf("message should remain queued, pending = %d", n)
	}
}

func TestStopNotification(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	parent := mkSession(t, reg, "lead")
	child := mkSession(t, reg, "worker")

	if _, err := e.Enqueue(EnqueueRequest{
		TargetID: child.ID,
		SenderID: parent.ID,
		Text:     "run the tests",
		Notify:   true,
	}); err != nil {
		t.Fatal(err)
	}

	e.MarkSessionIdle(child.ID, IdleSignal{FromStopHook: true})
	waitFor(t, "notification queued for parent", func() bool {
		n, _ := e.store.PendingCount(parent.ID)
		return n == 1
	})

	msgs, err := e.store.Pending(parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msgs[0].Text, "worker finished its turn") {
		t.Errorf("notification text = %q", msgs[0].Text)
	}
	if msgs[0].SenderID != child.ID {
		t.Errorf("notification sender = %q, want child", msgs[0].SenderID)
	}

	// The slot is single-shot: a second idle must not notify again.
	e.MarkSessionIdle(child.ID, IdleSignal{FromStopHook: true})
	time.Sleep(20 * time.Millisecond)
	if n, _ := e.store.PendingCount(parent.ID); n != 1 {
		t.Errorf("second idle produced another notification, pending = %d", n)
	}
}

func TestInvalidateCancelsOnlyContextMonitor(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	a := mkSession(t, reg, "alpha")
	b := mkSession(t, reg, "beta")

	if _, err := e.Enqueue(EnqueueRequest{
		TargetID: b.ID, SenderID: a.ID,
		Text: "[sm context] alpha is compacting", Category: constants.CategoryContextMonitor,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Enqueue(EnqueueRequest{
		TargetID: b.ID, SenderID: a.ID, Text: "please review my diff",
	}); err != nil {
		t.Fatal(err)
	}

	if n := e.InvalidateSessionCache(a.ID, false); n != 1 {
		t.Fatalf("cancelled %d messages, want 1", n)
	}
	msgs, _ := e.store.Pending(b.ID)
	if len(msgs) != 1 || msgs[0].Text != "please review my diff" {
		t.Fatalf("surviving queue = %+v", msgs)
	}
}

func TestReleaseTargetDropsQueue(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	s := mkSession(t, reg, "worker")

	if _, err := e.Enqueue(EnqueueRequest{TargetID: s.ID, Text: "pending"}); err != nil {
		t.Fatal(err)
	}
	e.ReleaseTarget(s.ID)
	if n, _ := e.store.PendingCount(s.ID); n != 0 {
		t.Errorf("queue survived release, pending = %d", n)
	}
	if e.IsIdle(s.ID) {
		t.Error("tracker state survived release")
	}
}
