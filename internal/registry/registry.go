// Package registry tracks live authenticated endpoint connections.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/protocol"
)

// Entry is one authenticated endpoint connection. The session handler
// owns the reads; command dispatches and status pushes share the writes
// through the framed connection's write lock.
type Entry struct {
	Endpoint    string
	SessionID   string
	RemoteAddr  string
	ConnectedAt time.Time

	Conn *protocol.Conn

	// DispatchMu serializes operator command exchanges on this entry so
	// only one command is in flight per endpoint.
	DispatchMu sync.Mutex

	// Results carries RESULT messages from the session's reader loop to
	// a waiting dispatch.
	Results chan protocol.Message

	// stale counts replies still owed by dispatches that timed out.
	stale atomic.Int64

	// gone is closed by the owning session on teardown so dispatchers
	// blocked on Results stop waiting.
	gone     chan struct{}
	goneOnce sync.Once
}

// NewEntry builds an Entry for a freshly authenticated connection.
func NewEntry(endpoint string, conn *protocol.Conn) *Entry {
	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &Entry{
		Endpoint:    endpoint,
		SessionID:   uuid.NewString()[:8],
		RemoteAddr:  addr,
		ConnectedAt: time.Now(),
		Conn:        conn,
		Results:     make(chan protocol.Message, 8),
		gone:        make(chan struct{}),
	}
}

// MarkGone signals that the owning session has torn this connection
// down. Safe to call multiple times.
func (e *Entry) MarkGone() {
	e.goneOnce.Do(func() { close(e.gone) })
}

// Gone returns a channel that is closed once the owning session has
// torn the connection down.
func (e *Entry) Gone() <-chan struct{} {
	return e.gone
}

// PushResult delivers a RESULT message to the dispatcher without ever
// blocking the reader loop. When the buffer is full the oldest result is
// discarded to make room; the dispatcher drains leftovers before each
// command anyway.
func (e *Entry) PushResult(m protocol.Message) {
	for {
		select {
		case e.Results <- m:
			return
		default:
		}
		select {
		case <-e.Results:
		default:
		}
	}
}

// AddStale records that a dispatch gave up waiting and its reply is
// still owed on the wire.
func (e *Entry) AddStale() {
	e.stale.Add(1)
}

// StaleCount returns how many late replies are still owed.
func (e *Entry) StaleCount() int64 {
	return e.stale.Load()
}

// DropStale consumes one owed reply. Returns false when none are owed.
func (e *Entry) DropStale() bool {
	for {
		cur := e.stale.Load()
		if cur <= 0 {
			return false
		}
		if e.stale.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Registry is a mutex-guarded map of endpoint id to live connection.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register inserts an entry. When the endpoint already has a live
// connection, the new one replaces it and the superseded entry is
// returned so the caller can close it.
func (r *Registry) Register(e *Entry) (prev *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev = r.entries[e.Endpoint]
	r.entries[e.Endpoint] = e
	return prev
}

// Remove deletes the endpoint's entry only if it is still this entry,
// so a handler tearing down an old connection never removes a newer
// registration for the same endpoint.
func (r *Registry) Remove(endpoint string, e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[endpoint]; ok && existing == e {
		delete(r.entries, endpoint)
		return true
	}
	return false
}

// Get returns the live entry for an endpoint.
func (r *Registry) Get(endpoint string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[endpoint]
	return e, ok
}

// List returns all live entries sorted by endpoint id.
func (r *Registry) List() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
