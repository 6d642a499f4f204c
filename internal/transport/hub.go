// Package transport owns the set of open peer WebSocket connections: it
// accepts them, decodes inbound frames via the protocol codec and routes
// them, and serializes outbound writes per peer (spec.md §4.3).
package transport

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/anacrolix/log"
	"github.com/gorilla/websocket"

	"github.com/dannyzb/chunkrelay/internal/protocol"
	"github.com/dannyzb/chunkrelay/internal/registry"
)

const (
	malformedThreshold = 5
	malformedWindow    = 10 * time.Second
)

// Dispatcher receives protocol messages that carry a requestId and
// notification of a peer disconnecting. The transfer manager implements
// this; the hub depends only on the interface, per spec.md §9's
// cycle-avoidance note (the hub owns transports, the registry owns only a
// handle ID, and here the hub owns no reference back into the manager's
// internals — just this narrow callback surface).
type Dispatcher interface {
	HandleInbound(clientID string, msg protocol.RequestCarrier)
	HandleDisconnect(clientID string)
	// HandleFatalPeerError is called when a peer sends an Error frame of
	// its own accord (not a reply to a requestId-carrying message).
	// Per spec.md §7 such a frame is protocol-fatal for the connection:
	// the dispatcher is expected to fail any in-flight sessions for
	// clientID before the hub tears the transport down.
	HandleFatalPeerError(clientID string, msg *protocol.ErrorMessage)
}

// Config configures liveness probing.
type Config struct {
	HeartbeatInterval time.Duration
}

// Hub is the transport owner described in spec.md §4.3.
type Hub struct {
	registry   *registry.Registry
	dispatcher Dispatcher
	logger     log.Logger
	cfg        Config
	upgrader   websocket.Upgrader
}

func New(reg *registry.Registry, dispatcher Dispatcher, cfg Config, logger log.Logger) *Hub {
	return &Hub{
		registry:   reg,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetDispatcher wires the dispatcher after construction, for the common
// case where the dispatcher (the transfer manager) itself needs a Sender
// backed by this same Hub. Must be called before ServeHTTP starts handling
// connections.
func (h *Hub) SetDispatcher(dispatcher Dispatcher) {
	h.dispatcher = dispatcher
}

// ServeHTTP upgrades an incoming request to a WebSocket peer channel.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithDefaultLevel(log.Warning).Printf("transport: upgrade failed: %v", err)
		return
	}
	h.handleConn(ws)
}

func (h *Hub) handleConn(ws *websocket.Conn) {
	tempID := "" // assigned once we attach
	c := newConn("", ws, h.logger)
	tempID = h.registry.Attach(c)
	c.rename(tempID)

	currentClientID := "" // empty until Register succeeds
	var lastPingAcked atomic.Bool
	lastPingAcked.Store(true)

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	disconnect := func() {
		c.Close()
		if currentClientID != "" {
			// DetachIfTransport, not DetachClient: if this connection lost a
			// duplicate-registration race, the registry may already hold a
			// newer, healthy connection under the same clientId by the time
			// this goroutine wakes from ws.Close(). Only remove the record
			// if it's still this connection's own.
			if h.registry.DetachIfTransport(currentClientID, c) {
				h.dispatcher.HandleDisconnect(currentClientID)
			}
		} else {
			h.registry.DetachPending(tempID)
		}
	}

	go func() {
		for range heartbeat.C {
			if !lastPingAcked.CompareAndSwap(true, false) {
				h.logger.WithDefaultLevel(log.Debug).Printf("transport: %s missed heartbeat, closing", c.currentID())
				c.Close()
				return
			}
			if err := c.Send(&protocol.Ping{}); err != nil {
				return
			}
		}
	}()

	defer disconnect()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			_ = c.Send(&protocol.ErrorMessage{Code: "INVALID_REQUEST", Message: err.Error()})
			if c.recordMalformed(time.Now(), malformedWindow, malformedThreshold) {
				h.logger.WithDefaultLevel(log.Warning).Printf("transport: %s exceeded malformed-frame threshold, closing", c.currentID())
				return
			}
			continue
		}

		switch m := msg.(type) {
		case *protocol.Register:
			rec, perr := h.registry.Promote(tempID, m.ClientID, map[string]string{
				"version":  m.Version,
				"hostname": m.Hostname,
				"platform": m.Platform,
			})
			if perr == registry.ErrDuplicate {
				h.registry.Displace(m.ClientID)
				rec, perr = h.registry.Promote(tempID, m.ClientID, map[string]string{
					"version":  m.Version,
					"hostname": m.Hostname,
					"platform": m.Platform,
				})
			}
			if perr != nil {
				_ = c.Send(&protocol.RegisterAck{Success: false, Message: perr.Error()})
				continue
			}
			_ = rec
			currentClientID = m.ClientID
			c.rename(currentClientID)
			_ = c.Send(&protocol.RegisterAck{Success: true, Message: "registered"})
		case *protocol.Ping:
			if currentClientID != "" {
				h.registry.TouchHeartbeat(currentClientID)
			}
			_ = c.Send(&protocol.Pong{})
		case *protocol.Pong:
			lastPingAcked.Store(true)
			if currentClientID != "" {
				h.registry.TouchHeartbeat(currentClientID)
			}
		case protocol.RequestCarrier:
			if currentClientID == "" {
				_ = c.Send(&protocol.ErrorMessage{Code: "INVALID_REQUEST", Message: "not registered"})
				continue
			}
			if m.Kind() == protocol.TypeDownloadRequest {
				// spec.md §9: DownloadRequest is server->peer only; a
				// peer sending one inbound is not a response to a
				// server-issued request and is rejected rather than
				// reinterpreted as peer-initiated fan-out.
				_ = c.Send(&protocol.ErrorMessage{Code: "INVALID_REQUEST", Message: "DownloadRequest is server-to-peer only"})
				continue
			}
			h.dispatcher.HandleInbound(currentClientID, m)
		case *protocol.ErrorMessage:
			if currentClientID != "" {
				h.dispatcher.HandleFatalPeerError(currentClientID, m)
			}
			return
		default:
			_ = c.Send(&protocol.ErrorMessage{Code: "INVALID_REQUEST", Message: "unexpected message type"})
		}
	}
}

// Send delivers msg to clientID's transport, serialized with any other
// writes to that same peer. Implements transfer.Sender.
func (h *Hub) Send(clientID string, msg protocol.Message) error {
	rec, ok := h.registry.Lookup(clientID)
	if !ok {
		return ErrNotConnected
	}
	c, ok := rec.Transport.(*conn)
	if !ok {
		return ErrNotConnected
	}
	return c.Send(msg)
}
