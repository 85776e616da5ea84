package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lsh908400/portfolio-be/internal/metrics"
)

// Store is the session state interface. The in-memory Registry is the only
// implementation today; the interface keeps it swappable for a distributed
// store later.
type Store interface {
	Create(meta Meta) string
	Get(downloadID string) (Session, bool)
	History(downloadID string) []Event
	Merge(downloadID string, update Update) bool
	Append(downloadID string, event Event, update Update) bool
	Terminate(downloadID string, event Event, update Update) bool
	SetActive(downloadID string, active bool)
	IsActive(downloadID string) bool
	ScheduleEviction(downloadID string, ttl time.Duration)
	Evict(downloadID string)
	Len() int
}

// Meta is the immutable part of a session fixed at creation.
type Meta struct {
	FilePath string
	FileName string
	IsFile   bool
}

type entry struct {
	mu      sync.Mutex
	session Session
	history []Event
	active  bool
	evict   *time.Timer
}

// Registry is the in-memory Store. Mutations for the same downloadId
// serialize on a per-entry mutex; different ids do not block each other.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Create allocates a fresh session in the preparing state and returns its
// download id. Ids are random 128-bit tokens and never reused.
func (r *Registry) Create(meta Meta) string {
	id := uuid.NewString()
	e := &entry{
		session: Session{
			DownloadID:  id,
			Status:      StatusPreparing,
			FilePath:    meta.FilePath,
			FileName:    meta.FileName,
			IsFile:      meta.IsFile,
			LastUpdated: time.Now(),
		},
		history: []Event{},
	}
	r.mu.Lock()
	r.entries[id] = e
	n := len(r.entries)
	r.mu.Unlock()
	metrics.SetTrackedSessions(int64(n))
	return id
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// Get returns a copy of the session snapshot.
func (r *Registry) Get(id string) (Session, bool) {
	e := r.lookup(id)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, true
}

// History returns a copy of the ordered event history.
func (r *Registry) History(id string) []Event {
	e := r.lookup(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.history))
	copy(out, e.history)
	return out
}

// Merge applies a partial update to the snapshot and bumps LastUpdated.
// Terminal sessions are frozen: the merge is refused.
func (r *Registry) Merge(id string, update Update) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Status.Terminal() {
		return false
	}
	update.apply(&e.session)
	return true
}

// Append merges the update and appends the event to the history in one
// critical section, so a reader can never observe a snapshot newer than the
// last recorded history entry. Like Merge it refuses terminal sessions, so
// no event can follow the terminal one.
func (r *Registry) Append(id string, event Event, update Update) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Status.Terminal() {
		return false
	}
	update.apply(&e.session)
	e.history = append(e.history, event)
	return true
}

// Terminate appends a terminal event, but only once: a session that already
// reached a terminal status ignores further terminations.
func (r *Registry) Terminate(id string, event Event, update Update) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Status.Terminal() {
		return false
	}
	update.apply(&e.session)
	e.history = append(e.history, event)
	return true
}

// SetActive marks or clears the "actively streaming to its original
// subscriber" liveness marker.
func (r *Registry) SetActive(id string, active bool) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.active = active
	e.mu.Unlock()
}

// IsActive reports the liveness marker.
func (r *Registry) IsActive(id string) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// ScheduleEviction deletes snapshot and history after ttl. A session evicted
// earlier for another reason cancels the timer.
func (r *Registry) ScheduleEviction(id string, ttl time.Duration) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.evict != nil {
		e.evict.Stop()
	}
	e.evict = time.AfterFunc(ttl, func() { r.Evict(id) })
	e.mu.Unlock()
}

// Evict removes a session immediately.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	n := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.evict != nil {
		e.evict.Stop()
		e.evict = nil
	}
	e.active = false
	e.mu.Unlock()
	metrics.SetTrackedSessions(int64(n))
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
