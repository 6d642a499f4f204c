package transfer

import (
	"sort"
	"sync"

	"github.com/anacrolix/log"
	"github.com/google/uuid"

	"github.com/dannyzb/chunkrelay/internal/config"
	"github.com/dannyzb/chunkrelay/internal/protocol"
	"github.com/dannyzb/chunkrelay/internal/registry"
)

// checksumWorkers bounds the goroutine pool that verifies chunk checksums
// off each session's serial event loop (spec.md §4.4.3: "checksum
// verification must not block the session's own goroutine"). Grounded on
// the teacher's hashing worker pool sizing in torrent.go's piece-hash
// goroutines, generalized to a fixed pool here since chunk sizes are
// bounded and uniform rather than variable-length pieces.
const checksumWorkers = 8

// Manager is the component described in spec.md §4.4: it owns every
// TransferSession, starts new ones against a registered client, and routes
// inbound protocol messages and transport events to the right session.
type Manager struct {
	sender   Sender
	registry *registry.Registry
	logger   log.Logger
	cfg      sessionConfig

	mu        sync.RWMutex
	sessions  map[string]*Session
	byClient  map[string]map[string]struct{}

	checksumSem chan struct{}
}

// NewManager builds a Manager from the server's loaded configuration.
func NewManager(sender Sender, reg *registry.Registry, cfg config.Config, logger log.Logger) *Manager {
	return &Manager{
		sender:   sender,
		registry: reg,
		logger:   logger,
		cfg: sessionConfig{
			chunkSize:             cfg.ChunkSize,
			maxChunkRetryAttempts: cfg.MaxChunkRetryAttempts,
			chunkRetryBase:        cfg.ChunkRetryDelay,
			ackTimeout:            cfg.AckTimeout,
			sessionDeadline:       cfg.DownloadTimeout,
			retentionWindow:       cfg.RetentionWindow,
			downloadDir:           cfg.DownloadDir,
		},
		sessions:    make(map[string]*Session),
		byClient:    make(map[string]map[string]struct{}),
		checksumSem: make(chan struct{}, checksumWorkers),
	}
}

// Start creates and launches a new TransferSession for filePath against
// clientID, returning its requestId. Fails fast (before any session is
// created) if the client isn't currently connected, per spec.md §5.
func (m *Manager) Start(clientID, filePath string) (string, *Error) {
	if !m.registry.IsConnected(clientID) {
		return "", NewError(ClientNotConnected, "client is not connected").WithDetail("clientId", clientID)
	}

	if m.hasActiveTransfer(clientID, filePath) {
		return "", NewError(DownloadInProgress, "a transfer for this client and file is already active").
			WithDetail("clientId", clientID).WithDetail("filePath", filePath)
	}

	requestID := newRequestID()
	s := newSession(requestID, clientID, filePath, m.sender, m.cfg, m.logger, m.evict)

	m.mu.Lock()
	m.sessions[requestID] = s
	if m.byClient[clientID] == nil {
		m.byClient[clientID] = make(map[string]struct{})
	}
	m.byClient[clientID][requestID] = struct{}{}
	m.mu.Unlock()

	s.start()
	return requestID, nil
}

// Get returns a snapshot of requestID's session.
func (m *Manager) Get(requestID string) (SessionView, *Error) {
	m.mu.RLock()
	s, ok := m.sessions[requestID]
	m.mu.RUnlock()
	if !ok {
		return SessionView{}, NewError(FileNotFound, "no such download").WithDetail("requestId", requestID)
	}
	return s.view(), nil
}

// List returns every tracked session's view, optionally filtered by state,
// ordered by start time (spec.md §6's GET /downloads).
func (m *Manager) List(state string) []SessionView {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		v := s.view()
		if state != "" && string(v.State) != state {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Cancel requests cancellation of requestID. Returns an error with kind
// DownloadInProgress (reused per spec.md §9's Open Question decision) if
// the session is already in a terminal state.
func (m *Manager) Cancel(requestID, reason string) *Error {
	m.mu.RLock()
	s, ok := m.sessions[requestID]
	m.mu.RUnlock()
	if !ok {
		return NewError(FileNotFound, "no such download").WithDetail("requestId", requestID)
	}
	return s.requestCancel(reason)
}

// HandleInbound implements transport.Dispatcher. It routes a requestId-
// carrying message to its session, computing chunk checksums off the
// session's own goroutine via the bounded worker pool.
func (m *Manager) HandleInbound(clientID string, msg protocol.RequestCarrier) {
	m.mu.RLock()
	s, ok := m.sessions[msg.GetRequestID()]
	m.mu.RUnlock()
	if !ok {
		m.logger.WithDefaultLevel(log.Debug).Printf("transfer: message for unknown session %s", msg.GetRequestID())
		return
	}

	switch m2 := msg.(type) {
	case *protocol.DownloadAck:
		s.notify(sessionEvent{kind: evAck, ack: m2})
	case *protocol.Chunk:
		m.verifyChunkAsync(s, m2)
	case *protocol.CancelDownload:
		s.notify(sessionEvent{kind: evPeerCancel, reason: m2.Reason})
	case *protocol.RetryChunk:
		// Server-initiated retries flow the other direction; an inbound
		// RetryChunk from a peer has no defined meaning and is ignored.
	}
}

// verifyChunkAsync hashes and compares a chunk's payload off the event
// loop, then posts the result back as a typed event (spec.md §4.4.3): the
// session's own goroutine is the only one that ever mutates its state.
func (m *Manager) verifyChunkAsync(s *Session, c *protocol.Chunk) {
	m.checksumSem <- struct{}{}
	go func() {
		defer func() { <-m.checksumSem }()
		matches := sha256Hex(c.Payload) == c.Checksum
		s.notify(sessionEvent{
			kind:         evChunkResult,
			chunkIndex:   int(c.ChunkIndex),
			chunkPayload: c.Payload,
			chunkMatches: matches,
			chunkIsLast:  c.IsLast,
		})
	}()
}

// HandleDisconnect implements transport.Dispatcher: every non-terminal
// session belonging to clientID fails with CLIENT_NOT_CONNECTED.
func (m *Manager) HandleDisconnect(clientID string) {
	for _, s := range m.sessionsForClient(clientID) {
		s.requestDisconnect()
	}
}

// HandleFatalPeerError implements transport.Dispatcher: a peer-originated
// Error frame (one with no requestId) is protocol-fatal for the whole
// connection, so every in-flight session for clientID is failed.
func (m *Manager) HandleFatalPeerError(clientID string, msg *protocol.ErrorMessage) {
	for _, s := range m.sessionsForClient(clientID) {
		s.notify(sessionEvent{kind: evFatalPeerError, errKind: ErrorKind(msg.Code), errMessage: msg.Message})
	}
}

func (m *Manager) sessionsForClient(clientID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byClient[clientID]
	out := make([]*Session, 0, len(ids))
	for id := range ids {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// hasActiveTransfer reports whether clientID already has a non-terminal
// session for filePath, per spec.md §4.4.1's DOWNLOAD_IN_PROGRESS rule.
func (m *Manager) hasActiveTransfer(clientID, filePath string) bool {
	for _, s := range m.sessionsForClient(clientID) {
		if s.filePath != filePath {
			continue
		}
		s.mu.RLock()
		terminal := s.state.Terminal()
		s.mu.RUnlock()
		if !terminal {
			return true
		}
	}
	return false
}

func newRequestID() string {
	return uuid.NewString()
}

// evict removes requestID from the tracking maps once its retention
// window has elapsed (spec.md §4.4.4).
func (m *Manager) evict(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[requestID]
	if !ok {
		return
	}
	delete(m.sessions, requestID)
	if ids, ok := m.byClient[s.clientID]; ok {
		delete(ids, requestID)
		if len(ids) == 0 {
			delete(m.byClient, s.clientID)
		}
	}
}
