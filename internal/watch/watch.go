// Package watch lets one session wait on another: a watcher polls the target
// until it goes idle (or the watch times out) and then messages the observer.
package watch

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/OWNER/sm/internal/constants"
	"github.com/OWNER/sm/internal/delivery"
	"github.com/OWNER/sm/internal/session"
)

// Watcher runs watch registrations for the daemon.
type Watcher struct {
	registry *session.Registry
	engine   *delivery.Engine

	poll time.Duration

	mu     sync.Mutex
	active map[string]chan struct{}
	wg     sync.WaitGroup
}

// New creates a watcher.
func New(registry *session.Registry, engine *delivery.Engine) *Watcher {
	return &Watcher{
		registry: registry,
		engine:   engine,
		poll:     constants.WatchPollInterval,
		active:   make(map[string]chan struct{}),
	}
}

// Watch registers an observer to be notified when the target next goes idle,
// bounded by timeout. Returns the watch id.
//
// The target is marked active first: the watch request itself means someone
// just gave the target work, and a stale idle record would otherwise trip
// the watch on the first poll.
func (w *Watcher) Watch(targetID, observerID string, timeout time.Duration) (string, error) {
	target, err := w.registry.Get(targetID)
	if err != nil {
		return "", err
	}
	if target.Stopped() {
		return "", fmt.Errorf("%w: %s", session.ErrStopped, targetID)
	}
	if _, err := w.registry.Get(observerID); err != nil {
		return "", fmt.Errorf("observer: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	w.engine.MarkSessionActive(targetID)

	id := session.NewID()
	stop := make(chan struct{})
	w.mu.Lock()
	w.active[id] = stop
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(id, targetID, observerID, timeout, stop)
	log.Printf("[watch] %s watching %s for %s (watch %s)", observerID, targetID, timeout, id)
	return id, nil
}

// Cancel stops a watch without notifying the observer.
func (w *Watcher) Cancel(watchID string) bool {
	w.mu.Lock()
	stop, ok := w.active[watchID]
	if ok {
		close(stop)
		delete(w.active, watchID)
	}
	w.mu.Unlock()
	return ok
}

// Active returns the number of running watches.
func (w *Watcher) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Close cancels all watches and waits for their goroutines.
func (w *Watcher) Close() {
	w.mu.Lock()
	for id, stop := range w.active {
		close(stop)
		delete(w.active, id)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) run(id, targetID, observerID string, timeout time.Duration, stop chan struct{}) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		delete(w.active, id)
		w.mu.Unlock()
	}()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		target, err := w.registry.Get(targetID)
		if err != nil || target.Stopped() {
			w.notify(observerID, targetID, fmt.Sprintf("[sm watch] %s stopped before going idle.", displayName(target, targetID)))
			return
		}

		if w.isIdle(target) {
			w.notify(observerID, targetID, fmt.Sprintf("[sm watch] %s is now idle.", target.DisplayName()))
			return
		}

		if time.Now().After(deadline) {
			w.notify(observerID, targetID, fmt.Sprintf("[sm watch] %s still busy after %s; watch expired.", target.DisplayName(), timeout))
			return
		}
	}
}

// isIdle consults the tracker, falling back to direct pane inspection for
// providers whose only idle signal is the prompt itself.
func (w *Watcher) isIdle(target *session.Session) bool {
	if w.engine.IsIdle(target.ID) {
		return true
	}
	if target.Provider != constants.ProviderCodexTmux {
		return false
	}
	idle, err := w.engine.PaneIdle(target.ID)
	if err != nil {
		log.Printf("[watch] pane check for %s: %v", target.ID, err)
		return false
	}
	if idle {
		// Feed the observation back so queued messages flush too.
		w.engine.MarkSessionIdle(target.ID, delivery.IdleSignal{})
	}
	return idle
}

func (w *Watcher) notify(observerID, targetID, text string) {
	if _, err := w.engine.Enqueue(delivery.EnqueueRequest{
		TargetID: observerID,
		SenderID: targetID,
		Text:     text,
		Mode:     delivery.ModeSequential,
	}); err != nil {
		log.Printf("[watch] notifying %s about %s: %v", observerID, targetID, err)
	}
}

func displayName(s *session.Session, fallback string) string {
	if s == nil {
		return fallback
	}
	return s.DisplayName()
}
