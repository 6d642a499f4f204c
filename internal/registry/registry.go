// Package registry tracks connected peers by stable client ID, their
// transport handles, liveness, and metadata (spec.md §3, §4.2).
package registry

import (
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Status is a ClientRecord's connection state.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Handle is the registry's weak reference to a peer transport. The
// transport hub owns the real connection; the registry only ever holds
// this narrow interface, avoiding the back-reference cycle flagged in
// spec.md §9 ("avoid cycles: the transport hub owns transport handles; the
// registry owns only a weak reference / handle ID").
type Handle interface {
	Close() error
}

// ClientRecord is the identity of a registered peer.
type ClientRecord struct {
	ClientID        string
	Transport       Handle
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
	Status          Status
	Metadata        map[string]string
}

// PendingConnection is a peer that opened a transport but hasn't yet sent
// Register.
type PendingConnection struct {
	TempID    string
	Transport Handle
	CreatedAt time.Time
}

// ErrDuplicate is returned by Promote when clientId is already registered
// and connected; the caller decides whether to Displace and retry.
var ErrDuplicate = errors.New("registry: client id already connected")

// Registry is the single owner of both the pending and registered peer
// maps. All mutation goes through its methods; List returns a snapshot so
// callers never see a map that's concurrently mutated.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*ClientRecord
	pending map[string]*PendingConnection
	logger  log.Logger
}

func New(logger log.Logger) *Registry {
	return &Registry{
		clients: make(map[string]*ClientRecord),
		pending: make(map[string]*PendingConnection),
		logger:  logger,
	}
}

// Attach registers a pending connection under a freshly minted temporary ID.
func (r *Registry) Attach(h Handle) string {
	tempID := "pending-" + uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[tempID] = &PendingConnection{
		TempID:    tempID,
		Transport: h,
		CreatedAt: time.Now(),
	}
	return tempID
}

// Promote moves a pending connection to the registered map under clientID.
// It fails with ErrDuplicate if clientID is already connected; the caller
// (the transport hub) decides whether to Displace first.
func (r *Registry) Promote(tempID, clientID string, metadata map[string]string) (*ClientRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clients[clientID]; ok && existing.Status == StatusConnected {
		return nil, ErrDuplicate
	}

	pc, ok := r.pending[tempID]
	if !ok {
		return nil, errors.Errorf("registry: no pending connection %q", tempID)
	}
	delete(r.pending, tempID)

	now := time.Now()
	rec := &ClientRecord{
		ClientID:        clientID,
		Transport:       pc.Transport,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
		Status:          StatusConnected,
		Metadata:        metadata,
	}
	r.clients[clientID] = rec
	r.logger.WithDefaultLevel(log.Debug).Printf("registry: promoted %s -> %s", tempID, clientID)
	return rec, nil
}

// Displace force-closes the current holder of clientID (if any) and
// removes it, so a subsequent Promote can succeed (last-writer-wins).
func (r *Registry) Displace(clientID string) {
	r.mu.Lock()
	existing, ok := r.clients[clientID]
	if ok {
		delete(r.clients, clientID)
	}
	r.mu.Unlock()

	if ok {
		r.logger.WithDefaultLevel(log.Debug).Printf("registry: displacing %s", clientID)
		_ = existing.Transport.Close()
	}
}

// DetachClient removes a registered client, e.g. because its transport
// closed. Returns true if a record was removed.
func (r *Registry) DetachClient(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; !ok {
		return false
	}
	delete(r.clients, clientID)
	return true
}

// DetachIfTransport removes clientID's record only if it's still holding h
// as its transport. This is the identity-aware counterpart to DetachClient:
// a connection's own teardown must not evict a different, newer connection
// that has since displaced it under the same clientID (e.g. the losing side
// of a duplicate-registration race). Returns true if a record was removed.
func (r *Registry) DetachIfTransport(clientID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clients[clientID]
	if !ok || rec.Transport != h {
		return false
	}
	delete(r.clients, clientID)
	return true
}

// DetachPending removes a pending connection, e.g. because it disconnected
// before sending Register. Returns true if a record was removed.
func (r *Registry) DetachPending(tempID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[tempID]; !ok {
		return false
	}
	delete(r.pending, tempID)
	return true
}

// Lookup returns a copy of the ClientRecord for clientID, if connected.
func (r *Registry) Lookup(clientID string) (ClientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[clientID]
	if !ok {
		return ClientRecord{}, false
	}
	return *rec, true
}

// IsConnected reports whether clientID currently has a connected record.
func (r *Registry) IsConnected(clientID string) bool {
	_, ok := r.Lookup(clientID)
	return ok
}

// List returns a snapshot of all registered clients matching filter (nil
// filter returns everything).
func (r *Registry) List(filter func(ClientRecord) bool) []ClientRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientRecord, 0, len(r.clients))
	for _, rec := range r.clients {
		cp := *rec
		if filter == nil || filter(cp) {
			out = append(out, cp)
		}
	}
	return out
}

// TouchHeartbeat updates lastHeartbeatAt for clientID. Returns false if the
// client isn't registered.
func (r *Registry) TouchHeartbeat(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clients[clientID]
	if !ok {
		return false
	}
	rec.LastHeartbeatAt = time.Now()
	return true
}
