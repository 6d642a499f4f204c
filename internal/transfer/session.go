package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/anacrolix/log"
	humanize "github.com/dustin/go-humanize"

	"github.com/dannyzb/chunkrelay/internal/protocol"
)

// Sender delivers a message to a registered peer, serialized per peer.
// Satisfied by *transport.Hub; kept as an interface so the transfer
// package never imports transport (spec.md §9 cycle-avoidance note).
type Sender interface {
	Send(clientID string, msg protocol.Message) error
}

type sessionConfig struct {
	chunkSize             int64
	maxChunkRetryAttempts int
	chunkRetryBase        time.Duration
	ackTimeout            time.Duration
	sessionDeadline       time.Duration
	retentionWindow       time.Duration
	downloadDir           string
}

type eventKind int

const (
	evAck eventKind = iota
	evChunkResult
	evChunkOutOfRange
	evCancelRequested
	evPeerCancel
	evFatalPeerError
	evDisconnect
	evAckTimeout
	evChunkRetryTimeout
	evSessionDeadline
	evRetention
)

type sessionEvent struct {
	kind         eventKind
	ack          *protocol.DownloadAck
	chunkIndex   int
	chunkPayload []byte
	chunkMatches bool
	chunkIsLast  bool
	reason       string
	errKind      ErrorKind
	errMessage   string
}

// Session is one in-flight (or recently terminal) file transfer: the
// TransferSession of spec.md §3, driven by the state machine of §4.4.2.
// A single goroutine (run) owns every mutation of the fields below mu;
// external callers only read via view() or request a transition via
// requestCancel/requestDisconnect, which lock briefly, mutate, unlock, then notify the
// run loop to handle any I/O the transition requires. This mirrors the
// teacher's discipline in peer.go's receiveChunkImpl of never holding the
// client lock across a write.
type Session struct {
	requestID string
	clientID  string
	filePath  string
	sender    Sender
	cfg       sessionConfig
	retry     retryPolicy
	logger    log.Logger
	onEvict   func(requestID string)

	events chan sessionEvent
	closed chan struct{}

	mu             sync.RWMutex
	state          State
	fileSize       int64
	totalChunks    int
	fileChecksum   string
	chunks         []ChunkRecord
	bytesVerified  int64
	chunksVerified int
	retryStats     RetryStats
	startedAt      time.Time
	updatedAt      time.Time
	completedAt    *time.Time
	err            *Error

	buf *assemblyBuffer

	ackTimer        *time.Timer
	sessionDeadline *time.Timer
	retentionTimer  *time.Timer
	chunkTimers     map[int]*time.Timer
}

func newSession(requestID, clientID, filePath string, sender Sender, cfg sessionConfig, logger log.Logger, onEvict func(string)) *Session {
	now := time.Now()
	return &Session{
		requestID:  requestID,
		clientID:   clientID,
		filePath:   filePath,
		sender:     sender,
		cfg:        cfg,
		retry:      newRetryPolicy(cfg.chunkRetryBase),
		logger:     logger,
		onEvict:    onEvict,
		events:     make(chan sessionEvent, 64),
		closed:     make(chan struct{}),
		state:      StateRequested,
		retryStats: newRetryStats(),
		startedAt:  now,
		updatedAt:  now,
		chunkTimers: make(map[int]*time.Timer),
	}
}

// start sends the initial DownloadRequest, arms the ack and session
// deadline timers, and launches the event loop. Must be called once.
func (s *Session) start() {
	_ = s.sender.Send(s.clientID, &protocol.DownloadRequest{RequestID: s.requestID, FilePath: s.filePath})
	s.ackTimer = time.AfterFunc(s.cfg.ackTimeout, func() { s.notify(sessionEvent{kind: evAckTimeout}) })
	s.sessionDeadline = time.AfterFunc(s.cfg.sessionDeadline, func() { s.notify(sessionEvent{kind: evSessionDeadline}) })
	go s.run()
}

func (s *Session) notify(ev sessionEvent) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

func (s *Session) run() {
	for ev := range s.events {
		switch ev.kind {
		case evAck:
			s.onAck(ev.ack)
		case evChunkResult:
			s.onChunkResult(ev.chunkIndex, ev.chunkPayload, ev.chunkMatches, ev.chunkIsLast)
		case evChunkOutOfRange:
			_ = s.sender.Send(s.clientID, &protocol.ErrorMessage{Code: string(ChunkTransferFailed), Message: "chunk index out of range"})
		case evCancelRequested:
			s.teardown(ev.reason, true)
		case evPeerCancel:
			s.onPeerCancel(ev.reason)
		case evFatalPeerError:
			s.onFatalPeerError(ev.errKind, ev.errMessage)
		case evDisconnect:
			s.onDisconnect()
		case evAckTimeout:
			s.onAckTimeout()
		case evChunkRetryTimeout:
			s.onChunkRetryTimeout(ev.chunkIndex)
		case evSessionDeadline:
			s.onSessionDeadline()
		case evRetention:
			s.onEvict(s.requestID)
			close(s.closed)
			return
		}
	}
}

// requestCancel is the synchronous entry point used by Manager.Cancel: by
// the time it returns, the state transition has already happened, matching
// spec.md §5 ("cancel is synchronous from the caller's perspective up to
// state transition"). Teardown I/O (sending CancelDownload, stopping
// timers) happens afterward on the event loop.
func (s *Session) requestCancel(reason string) *Error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return NewError(DownloadInProgress, "session is already in a terminal state").WithDetail("requestId", s.requestID).WithDetail("state", string(s.state))
	}
	s.setStateLocked(StateCancelled, nil)
	s.mu.Unlock()
	s.notify(sessionEvent{kind: evCancelRequested, reason: reason})
	return nil
}

func (s *Session) onPeerCancel(reason string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateCancelled, nil)
	s.mu.Unlock()
	s.teardown(reason, false)
}

func (s *Session) onDisconnect() {
	// state already transitioned by requestDisconnect before this event
	// was posted; this just runs the teardown.
	s.teardown("peer disconnected", false)
}

// requestDisconnect mirrors requestCancel but for a peer transport closing.
func (s *Session) requestDisconnect() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateFailed, NewError(ClientNotConnected, "peer disconnected mid-transfer"))
	s.mu.Unlock()
	s.notify(sessionEvent{kind: evDisconnect})
}

func (s *Session) onFatalPeerError(kind ErrorKind, message string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateFailed, NewError(kind, message))
	s.mu.Unlock()
	s.teardown(message, false)
}

func (s *Session) onAckTimeout() {
	s.mu.Lock()
	if s.state != StateRequested {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateFailed, NewError(DownloadTimeout, "no DownloadAck within the ack timeout"))
	s.mu.Unlock()
	s.teardown("ack timeout", false)
}

func (s *Session) onSessionDeadline() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateFailed, NewError(DownloadTimeout, "session exceeded its overall deadline"))
	s.mu.Unlock()
	s.teardown("session deadline exceeded", true)
}

func (s *Session) onAck(ack *protocol.DownloadAck) {
	s.mu.Lock()
	if s.state != StateRequested {
		s.mu.Unlock()
		return
	}
	if s.ackTimer != nil {
		s.ackTimer.Stop()
	}
	if !ack.Success {
		s.setStateLocked(StateFailed, NewError(FileNotFound, ack.Message))
		s.mu.Unlock()
		s.teardown("download ack reported failure", false)
		return
	}
	s.fileSize = ack.FileSize
	s.totalChunks = ack.TotalChunks
	s.fileChecksum = ack.FileChecksum
	s.chunks = make([]ChunkRecord, ack.TotalChunks)
	for i := range s.chunks {
		s.chunks[i].State = ChunkPending
	}
	s.setStateLocked(StateAcknowledged, nil)
	s.mu.Unlock()

	buf, err := openAssemblyBuffer(s.cfg.downloadDir, s.requestID)
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(StateFailed, WrapError(FileReadError, err, "opening assembly buffer"))
		s.mu.Unlock()
		s.teardown("assembly buffer open failed", false)
		return
	}
	s.buf = buf
}

func (s *Session) onChunkResult(index int, payload []byte, matches, isLast bool) {
	s.mu.Lock()
	if s.state.Terminal() || (s.state != StateAcknowledged && s.state != StateStreaming) {
		s.mu.Unlock()
		return
	}
	if index < 0 || index >= s.totalChunks {
		s.mu.Unlock()
		s.notify(sessionEvent{kind: evChunkOutOfRange})
		return
	}
	if s.chunks[index].State == ChunkVerified {
		// Duplicate delivery of an already-verified chunk: idempotent ack,
		// not counted in retry stats (spec.md §4.4.3).
		s.mu.Unlock()
		s.logger.WithDefaultLevel(log.Debug).Printf("transfer: %s duplicate verified chunk %d", s.requestID, index)
		return
	}

	if !matches {
		attempt := s.chunks[index].RetryCount + 1
		s.chunks[index].RetryCount = attempt
		s.chunks[index].LastAttemptAt = time.Now()
		s.chunks[index].State = ChunkFailed
		s.retryStats.TotalRetries++
		s.retryStats.PerChunkRetries[index]++
		s.updatedAt = time.Now()
		exceeded := attempt > s.cfg.maxChunkRetryAttempts
		if exceeded {
			s.setStateLocked(StateFailed, NewError(ChunkChecksumFailed, fmt.Sprintf("chunk %d failed checksum after %d attempts", index, attempt)).WithDetail("chunkIndex", index))
		}
		s.mu.Unlock()
		if exceeded {
			s.teardown("chunk checksum exhausted", false)
			return
		}
		delay := s.retry.delayForAttempt(attempt)
		s.scheduleChunkRetry(index, delay)
		return
	}

	offset := int64(index) * s.cfg.chunkSize
	if err := s.buf.writeChunk(offset, payload); err != nil {
		s.mu.Lock()
		s.setStateLocked(StateFailed, WrapError(FileReadError, err, "writing chunk to assembly buffer"))
		s.mu.Unlock()
		s.teardown("assembly write failed", false)
		return
	}

	s.chunks[index].State = ChunkVerified
	s.chunks[index].SHA256 = sha256Hex(payload)
	s.bytesVerified += int64(len(payload))
	s.chunksVerified++
	if s.state == StateAcknowledged {
		s.setStateLocked(StateStreaming, nil)
	} else {
		s.updatedAt = time.Now()
	}
	allVerified := s.chunksVerified == s.totalChunks
	s.mu.Unlock()

	if stopped, timer := s.takeChunkTimer(index); stopped {
		timer.Stop()
	}

	if allVerified {
		s.finishAssembly()
	}
}

func (s *Session) finishAssembly() {
	s.mu.Lock()
	s.setStateLocked(StateVerifying, nil)
	s.mu.Unlock()

	sum, err := s.buf.finalHash()
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(StateFailed, WrapError(FileReadError, err, "hashing assembled file"))
		s.mu.Unlock()
		s.teardown("final hash failed", false)
		return
	}

	s.mu.Lock()
	if sum == s.fileChecksum {
		s.setStateLocked(StateCompleted, nil)
		s.mu.Unlock()
		s.teardown("completed", false)
		return
	}
	s.setStateLocked(StateFailed, NewError(ChunkChecksumFailed, "assembled file checksum mismatch"))
	s.mu.Unlock()
	s.teardown("final checksum mismatch", false)
}

func (s *Session) onChunkRetryTimeout(index int) {
	s.mu.RLock()
	terminal := s.state.Terminal()
	var alreadyVerified bool
	if !terminal && index >= 0 && index < len(s.chunks) {
		alreadyVerified = s.chunks[index].State == ChunkVerified
	}
	s.mu.RUnlock()
	if terminal || alreadyVerified {
		return
	}
	_ = s.sender.Send(s.clientID, &protocol.RetryChunk{RequestID: s.requestID, ChunkIndex: uint32(index)})
}

func (s *Session) scheduleChunkRetry(index int, delay time.Duration) {
	s.mu.Lock()
	if t, ok := s.chunkTimers[index]; ok {
		t.Stop()
	}
	s.chunkTimers[index] = time.AfterFunc(delay, func() {
		s.notify(sessionEvent{kind: evChunkRetryTimeout, chunkIndex: index})
	})
	s.mu.Unlock()
}

func (s *Session) takeChunkTimer(index int) (bool, *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.chunkTimers[index]
	if ok {
		delete(s.chunkTimers, index)
	}
	return ok, t
}

// setStateLocked must be called with mu held. It updates state and, for
// terminal states, completedAt/err.
func (s *Session) setStateLocked(state State, err *Error) {
	s.state = state
	s.updatedAt = time.Now()
	if err != nil {
		s.err = err
	}
	if state.Terminal() {
		now := s.updatedAt
		s.completedAt = &now
	}
}

// teardown stops all timers, optionally notifies the peer with
// CancelDownload, closes or discards the assembly buffer depending on
// whether the session reached StateCompleted, and arms the retention
// timer. Called exactly once per session from the run loop, regardless of
// which terminal transition triggered it.
func (s *Session) teardown(reason string, sendCancel bool) {
	s.mu.Lock()
	if s.ackTimer != nil {
		s.ackTimer.Stop()
	}
	if s.sessionDeadline != nil {
		s.sessionDeadline.Stop()
	}
	for _, t := range s.chunkTimers {
		t.Stop()
	}
	s.chunkTimers = make(map[int]*time.Timer)
	buf := s.buf
	state := s.state
	s.mu.Unlock()

	if sendCancel {
		_ = s.sender.Send(s.clientID, &protocol.CancelDownload{RequestID: s.requestID, Reason: reason})
	}

	if buf != nil {
		if state == StateCompleted {
			buf.close()
		} else {
			buf.discard()
		}
	}

	s.retentionTimer = time.AfterFunc(s.cfg.retentionWindow, func() {
		s.notify(sessionEvent{kind: evRetention})
	})
}

func (s *Session) view() SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	percentage := 0.0
	if s.totalChunks > 0 {
		percentage = float64(s.chunksVerified) / float64(s.totalChunks) * 100
	}
	retried := 0
	for _, n := range s.retryStats.PerChunkRetries {
		if n > 0 {
			retried++
		}
	}

	return SessionView{
		RequestID:    s.requestID,
		ClientID:     s.clientID,
		FilePath:     s.filePath,
		State:        s.state,
		FileSize:     s.fileSize,
		TotalChunks:  s.totalChunks,
		FileChecksum: s.fileChecksum,
		Progress: Progress{
			ChunksReceived: s.chunksVerified,
			TotalChunks:    s.totalChunks,
			Percentage:     percentage,
			BytesReceived:  s.bytesVerified,
			RetriedChunks:  retried,
		},
		RetryStats:      s.retryStats.copy(),
		StartedAt:       s.startedAt,
		UpdatedAt:       s.updatedAt,
		CompletedAt:     s.completedAt,
		Error:           s.err,
		ProgressSummary: fmt.Sprintf("%.0f%%, %s, %d retries", percentage, humanize.Bytes(uint64(s.bytesVerified)), s.retryStats.TotalRetries),
	}
}
