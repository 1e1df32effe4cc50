// Package registry is the synchronization boundary between HTTP handlers
// and the extension socket. It holds the single extension connection and
// the two tables of in-flight requests, each keyed by correlation id.
package registry

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/lifeos-nexus/council/pkg/models"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotConnected is returned when no extension is attached.
	ErrNotConnected = errors.New("extension not connected")
	// ErrDuplicateID is returned when a correlation id is already pending.
	ErrDuplicateID = errors.New("correlation id already pending")
	// ErrClosed is returned after the registry or an outbox has been closed.
	ErrClosed = errors.New("registry closed")
)

// pendingTable maps correlation ids to one-shot completion channels.
// Every removal path either delivers a value or closes the channel, so a
// waiter that loses a take race can always finish with a blocking receive.
type pendingTable[T any] struct {
	mu      sync.Mutex
	entries map[string]chan T
}

func newPendingTable[T any]() *pendingTable[T] {
	return &pendingTable[T]{entries: make(map[string]chan T)}
}

func (p *pendingTable[T]) register(id string) (<-chan T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; ok {
		return nil, ErrDuplicateID
	}
	ch := make(chan T, 1)
	p.entries[id] = ch
	return ch, nil
}

func (p *pendingTable[T]) take(id string) (chan T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	return ch, ok
}

func (p *pendingTable[T]) drain() map[string]chan T {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.entries
	p.entries = make(map[string]chan T)
	return out
}

func (p *pendingTable[T]) has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

func (p *pendingTable[T]) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Registry is the single source of truth for "is an extension attached"
// and for in-flight request bookkeeping. The connection slot, each pending
// table and the progress map are guarded independently.
type Registry struct {
	connMu sync.RWMutex
	conn   *Connection
	closed bool

	council *pendingTable[models.CouncilResponse]
	proxy   *pendingTable[json.RawMessage]

	progressMu sync.Mutex
	progress   map[string]json.RawMessage
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		council:  newPendingTable[models.CouncilResponse](),
		proxy:    newPendingTable[json.RawMessage](),
		progress: make(map[string]json.RawMessage),
	}
}

// ── Connection Slot ─────────────────────────────────────────

// IsConnected reports whether an extension is attached.
func (r *Registry) IsConnected() bool {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return r.conn != nil
}

// Connection returns the current connection, or nil.
func (r *Registry) Connection() *Connection {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return r.conn
}

// SetConnection installs c as the extension connection and returns the
// connection it replaced, if any. The replaced connection is not closed; it
// simply stops receiving sends. Returns ErrClosed after Close.
func (r *Registry) SetConnection(c *Connection) (*Connection, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	prev := r.conn
	r.conn = c
	return prev, nil
}

// ClearConnection empties the slot only if c is still the current
// connection. It reports whether the slot was cleared.
func (r *Registry) ClearConnection(c *Connection) bool {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil || r.conn != c {
		return false
	}
	r.conn = nil
	return true
}

// Send enqueues a text frame on the current connection.
func (r *Registry) Send(text string) error {
	r.connMu.RLock()
	conn := r.conn
	r.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(text)
}

// ── Council Table ───────────────────────────────────────────

// RegisterCouncil adds a pending council entry and returns its channel.
// The channel receives exactly one value, or is closed without one when the
// registry shuts down.
func (r *Registry) RegisterCouncil(id string) (<-chan models.CouncilResponse, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	return r.council.register(id)
}

// ResolveCouncil delivers resp to the waiter for id. Returns false if no
// entry was pending.
func (r *Registry) ResolveCouncil(id string, resp models.CouncilResponse) bool {
	ch, ok := r.council.take(id)
	if !ok {
		return false
	}
	r.clearProgress(id)
	ch <- resp
	return true
}

// CancelCouncil removes the entry for id without delivering a value.
// Returns false if it was already taken.
func (r *Registry) CancelCouncil(id string) bool {
	ch, ok := r.council.take(id)
	if !ok {
		return false
	}
	r.clearProgress(id)
	close(ch)
	return true
}

// ── Proxy Table ─────────────────────────────────────────────

// RegisterProxy adds a pending proxy entry and returns its channel.
func (r *Registry) RegisterProxy(id string) (<-chan json.RawMessage, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	return r.proxy.register(id)
}

// ResolveProxy delivers payload to the waiter for id.
func (r *Registry) ResolveProxy(id string, payload json.RawMessage) bool {
	ch, ok := r.proxy.take(id)
	if !ok {
		return false
	}
	ch <- payload
	return true
}

// CancelProxy removes the entry for id without delivering a value.
func (r *Registry) CancelProxy(id string) bool {
	ch, ok := r.proxy.take(id)
	if !ok {
		return false
	}
	close(ch)
	return true
}

// ── Bulk Rejection ──────────────────────────────────────────

// RejectAll drains both tables, resolving every council waiter with a
// failed response and every proxy waiter with {"error": reason}.
// Returns the number of council and proxy entries rejected.
func (r *Registry) RejectAll(reason string) (int, int) {
	councils := r.council.drain()
	proxies := r.proxy.drain()

	for id, ch := range councils {
		r.clearProgress(id)
		ch <- models.CouncilResponse{RequestID: id, Success: false, Error: reason}
	}

	body, _ := json.Marshal(map[string]string{"error": reason})
	for _, ch := range proxies {
		ch <- json.RawMessage(body)
	}

	if len(councils) > 0 || len(proxies) > 0 {
		log.Warn().
			Int("council", len(councils)).
			Int("proxy", len(proxies)).
			Str("reason", reason).
			Msg("Rejected pending extension requests")
	}
	return len(councils), len(proxies)
}

// PendingCounts returns the sizes of the council and proxy tables.
func (r *Registry) PendingCounts() (int, int) {
	return r.council.len(), r.proxy.len()
}

// Close detaches the connection and wakes every waiter without a value.
// Further registrations and connections fail with ErrClosed.
func (r *Registry) Close() {
	r.connMu.Lock()
	if r.closed {
		r.connMu.Unlock()
		return
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	r.connMu.Unlock()

	if conn != nil {
		conn.outbox.Close()
	}
	for _, ch := range r.council.drain() {
		close(ch)
	}
	for _, ch := range r.proxy.drain() {
		close(ch)
	}

	r.progressMu.Lock()
	r.progress = make(map[string]json.RawMessage)
	r.progressMu.Unlock()
}

func (r *Registry) isClosed() bool {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return r.closed
}

// ── Progress ────────────────────────────────────────────────

// SetProgress records the latest progress payload for a pending council
// request. Progress for ids that are not pending is ignored.
func (r *Registry) SetProgress(id string, payload json.RawMessage) bool {
	// Membership is checked under progressMu: a take that races this call
	// clears progress only after acquiring the same lock.
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	if !r.council.has(id) {
		return false
	}
	r.progress[id] = append(json.RawMessage(nil), payload...)
	return true
}

// Progress returns the latest progress payload for id, if any.
func (r *Registry) Progress(id string) (json.RawMessage, bool) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	p, ok := r.progress[id]
	return p, ok
}

func (r *Registry) clearProgress(id string) {
	r.progressMu.Lock()
	delete(r.progress, id)
	r.progressMu.Unlock()
}
