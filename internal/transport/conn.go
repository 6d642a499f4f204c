package transport

import (
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/dannyzb/chunkrelay/internal/protocol"
)

// ErrNotConnected is returned by Send when the target peer has no live
// transport (spec.md §4.3).
var ErrNotConnected = errors.New("transport: not connected")

const outboundQueueLen = 64

// conn owns one peer's bidirectional WebSocket channel. Writes are
// serialized through a single writer goroutine draining outbox, the way
// the teacher's peerConnMsgWriter serializes writes to a single peer
// (peer-conn-msg-writer.go) — generalized from a coalesced byte buffer to a
// channel of discrete JSON frames, since WebSocket already frames messages
// and our wire format is message-oriented, not a byte stream.
type conn struct {
	id     string // ID given at construction; rename updates idValue, not this
	ws     *websocket.Conn
	logger log.Logger

	outbox chan protocol.Message

	closeOnce sync.Once
	closed    chan struct{}

	mu        sync.Mutex
	idValue   string
	malformed []time.Time
}

func newConn(id string, ws *websocket.Conn, logger log.Logger) *conn {
	c := &conn{
		id:      id,
		idValue: id,
		ws:      ws,
		logger:  logger,
		outbox:  make(chan protocol.Message, outboundQueueLen),
		closed:  make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// rename updates the identity used in logs once a pending connection is
// promoted to a clientId; it doesn't affect routing, which the hub tracks
// separately.
func (c *conn) rename(id string) {
	c.mu.Lock()
	c.idValue = id
	c.mu.Unlock()
}

func (c *conn) currentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idValue
}

// Send enqueues msg for delivery. Enqueued messages for a given conn are
// written in the order Send is called (spec.md §5 ordering guarantee).
func (c *conn) Send(msg protocol.Message) error {
	select {
	case <-c.closed:
		return ErrNotConnected
	default:
	}
	select {
	case c.outbox <- msg:
		return nil
	case <-c.closed:
		return ErrNotConnected
	}
}

// Close implements registry.Handle.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
	return nil
}

func (c *conn) writeLoop() {
	defer c.Close()
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.outbox:
			data, err := protocol.Encode(msg)
			if err != nil {
				c.logger.WithDefaultLevel(log.Warning).Printf("transport: encode outbound message: %v", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.WithDefaultLevel(log.Debug).Printf("transport: write to %s failed: %v", c.currentID(), err)
				return
			}
		}
	}
}

// recordMalformed appends now to the sliding window and reports whether the
// malformed-frame threshold (5 within 10s, spec.md §4.3) has been crossed.
func (c *conn) recordMalformed(now time.Time, window time.Duration, threshold int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-window)
	kept := c.malformed[:0]
	for _, t := range c.malformed {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.malformed = kept
	return len(c.malformed) >= threshold
}
