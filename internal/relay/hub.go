package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaysync/internal/chat"
	"github.com/agentworkforce/relaysync/internal/transport"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 5 * time.Second
)

// Hub fans envelopes out to push connections by room and identity scope.
type Hub struct {
	validator    *transport.EnvelopeValidator
	logger       zerolog.Logger
	metrics      *Metrics
	sendBuffer   int
	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	hub        *Hub
	identityID string
	rooms      map[string]struct{}
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
}

func NewHub(validator *transport.EnvelopeValidator, logger zerolog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		validator:    validator,
		logger:       logger.With().Str("component", "hub").Logger(),
		metrics:      metrics,
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		clients:      map[*client]struct{}{},
	}
}

// Serve upgrades the request and blocks until the connection ends.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, identityID string, rooms []string) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "relay shutting down", getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{transport.Subprotocol},
	})
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	if conn.Subprotocol() != transport.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return
	}

	c := &client{
		hub:        h,
		identityID: identityID,
		rooms:      map[string]struct{}{},
		conn:       conn,
		send:       make(chan []byte, h.sendBuffer),
		done:       make(chan struct{}),
	}
	for _, room := range rooms {
		c.rooms[room] = struct{}{}
	}
	if !h.add(c) {
		_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
		return
	}
	defer h.remove(c)

	h.logger.Info().Str("identity_id", identityID).Strs("rooms", rooms).Msg("push connection opened")
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.writeLoop(ctx)
	c.readLoop(ctx)
	c.close(websocket.StatusNormalClosure, "")
	h.logger.Info().Str("identity_id", identityID).Msg("push connection closed")
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.connectionOpened()
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.connectionClosed()
	}
}

// Clients reports the number of open push connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishRoom queues env to every connection subscribed to roomID except
// the one given.
func (h *Hub) PublishRoom(roomID string, env transport.Envelope, except *client) int {
	return h.publish(env, func(c *client) bool {
		if c == except {
			return false
		}
		_, ok := c.rooms[roomID]
		return ok
	})
}

func (h *Hub) PublishIdentity(identityID string, env transport.Envelope) int {
	return h.publish(env, func(c *client) bool {
		return c.identityID == identityID
	})
}

func (h *Hub) publish(env transport.Envelope, match func(*client) bool) int {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(env.Type)).Msg("encode envelope")
		return 0
	}
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if match(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(data) {
			n++
		}
	}
	h.metrics.publishedEnvelope(string(env.Type), n)
	return n
}

// Close ends every push connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "relay shutting down")
	}
}

func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.hub.logger.Warn().Str("identity_id", c.identityID).Msg("evicting slow push connection")
		c.hub.metrics.evictedClient()
		c.close(websocket.StatusPolicyViolation, "send buffer full")
		return false
	}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			// Close waits for the peer's close frame; never block a publisher on it.
			go func() { _ = c.conn.Close(code, reason) }()
		}
	})
}

func (c *client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := transport.ParseEnvelope(data, c.hub.validator)
		if err != nil {
			c.hub.metrics.rejectedFrame("invalid")
			c.hub.logger.Debug().Err(err).Str("identity_id", c.identityID).Msg("rejecting push frame")
			continue
		}
		if env.Type != transport.TypeTyping {
			c.hub.metrics.rejectedFrame("unsupported_type")
			continue
		}
		if _, ok := c.rooms[env.Scope]; !ok {
			c.hub.metrics.rejectedFrame("scope")
			continue
		}
		// The sender is always the authenticated identity, whatever the frame claims.
		out, err := transport.NewEnvelope(transport.TypeTyping, env.Scope, chat.Typing{RoomID: env.Scope, UserID: c.identityID})
		if err != nil {
			continue
		}
		c.hub.PublishRoom(env.Scope, out, c)
	}
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, c.hub.writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}
