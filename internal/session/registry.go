package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Common errors
var (
	ErrNotFound  = errors.New("session not found")
	ErrAmbiguous = errors.New("ambiguous session identifier")
	ErrStopped   = errors.New("session is stopped")
)

// Registry owns the sessions table. All mutations are serialized by a single
// writer lock and written through to the snapshot file; readers get copies.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	emTopic  *EMTopic

	snapshotPath string
	fileLock     *flock.Flock
}

// snapshot is the on-disk layout. Missing fields load as defaults.
type snapshot struct {
	Sessions []*Session `json:"sessions"`
	EMTopic  *EMTopic   `json:"em_topic,omitempty"`
}

// NewRegistry creates a registry persisting to snapshotPath. The snapshot is
// guarded by a sibling .lock file so concurrent CLI invocations and the
// server never interleave partial writes.
func NewRegistry(snapshotPath string) *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		snapshotPath: snapshotPath,
		fileLock:     flock.New(snapshotPath + ".lock"),
	}
}

// Load rebuilds the registry from the snapshot file. A missing snapshot is an
// empty registry, not an error.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parsing snapshot: %w", err)
	}

	r.sessions = make(map[string]*Session, len(snap.Sessions))
	for _, s := range snap.Sessions {
		if s.ID == "" {
			continue
		}
		r.sessions[s.ID] = s
	}
	r.emTopic = snap.EMTopic
	return nil
}

// paneChecker is the slice of the terminal driver recovery needs.
type paneChecker interface {
	HasSession(name string) (bool, error)
}

// Recover marks sessions whose backing tmux pane no longer exists as stopped.
// Called once at startup, after Load. Returns the ids that were stopped.
func (r *Registry) Recover(panes paneChecker) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stopped []string
	for id, s := range r.sessions {
		if s.Stopped() || s.TmuxName == "" {
			continue
		}
		alive, err := panes.HasSession(s.TmuxName)
		if err != nil {
			return stopped, fmt.Errorf("checking pane %s: %w", s.TmuxName, err)
		}
		if !alive {
			s.Status = StatusStopped
			stopped = append(stopped, id)
		}
	}
	if len(stopped) > 0 {
		if err := r.saveLocked(); err != nil {
			return stopped, err
		}
	}
	return stopped, nil
}

// Create registers a new session and persists the snapshot.
func (r *Registry) Create(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID == "" {
		s.ID = NewID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.CreatedAt
	}
	if s.Status == "" {
		s.Status = StatusRunning
	}
	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	r.sessions[s.ID] = s
	return r.saveLocked()
}

// Get returns a copy of the session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// List returns copies of all sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update applies fn to the session under the writer lock and persists.
// fn sees the live session; it must not retain the pointer.
func (r *Registry) Update(id string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	return r.saveLocked()
}

// UpdateStatus transitions a session's status. Stopped is terminal: any
// transition away from it is rejected.
func (r *Registry) UpdateStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status == StatusStopped && status != StatusStopped {
		return ErrStopped
	}
	s.Status = status
	s.LastActivity = time.Now()
	return r.saveLocked()
}

// Remove deletes a session from the registry entirely.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(r.sessions, id)
	return r.saveLocked()
}

// Resolve maps a user-supplied identifier to a session: exact id, unambiguous
// id prefix, or exact friendly name, in that order.
func (r *Registry) Resolve(identifier string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessions[identifier]; ok {
		cp := *s
		return &cp, nil
	}

	var prefixMatches []*Session
	for _, s := range r.sessions {
		if strings.HasPrefix(s.ID, identifier) {
			prefixMatches = append(prefixMatches, s)
		}
	}
	if len(prefixMatches) == 1 {
		cp := *prefixMatches[0]
		return &cp, nil
	}
	if len(prefixMatches) > 1 {
		return nil, fmt.Errorf("%w: %q matches %d sessions", ErrAmbiguous, identifier, len(prefixMatches))
	}

	var nameMatches []*Session
	for _, s := range r.sessions {
		if s.FriendlyName == identifier {
			nameMatches = append(nameMatches, s)
		}
	}
	if len(nameMatches) == 1 {
		cp := *nameMatches[0]
		return &cp, nil
	}
	if len(nameMatches) > 1 {
		return nil, fmt.Errorf("%w: %q names %d sessions", ErrAmbiguous, identifier, len(nameMatches))
	}

	return nil, fmt.Errorf("%w: %q", ErrNotFound, identifier)
}

// EMTopic returns the inherited external-chat topic, or nil when none is set.
func (r *Registry) EMTopic() *EMTopic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.emTopic == nil {
		return nil
	}
	cp := *r.emTopic
	return &cp
}

// SetEMTopic stores the external-chat topic for EM inheritance and persists.
func (r *Registry) SetEMTopic(t *EMTopic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emTopic = t
	return r.saveLocked()
}

// saveLocked writes the snapshot atomically; caller must hold r.mu.
// The flock guards against a concurrent CLI process reading or replacing the
// file mid-rename; the temp-file + rename keeps crashes from truncating it.
func (r *Registry) saveLocked() error {
	snap := snapshot{EMTopic: r.emTopic}
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Sessions = append(snap.Sessions, r.sessions[id])
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.snapshotPath), 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	if err := r.fileLock.Lock(); err != nil {
		return fmt.Errorf("locking snapshot: %w", err)
	}
	defer func() { _ = r.fileLock.Unlock() }()

	tmp := r.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, r.snapshotPath); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}
