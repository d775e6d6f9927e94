package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/message"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/session"
	"github.com/contexthub-ai/contexthub/internal/store"
	"github.com/contexthub-ai/contexthub/pkg/protocol"
)

const (
	wsReadLimit = 4 * 1024
	// Inbound command budget per connection.
	wsInboundRate  = 30.0
	wsInboundBurst = 50.0

	// closeTokenExpired tells the client to re-authenticate and reconnect.
	closeTokenExpired = 4401
)

func (s *Server) makeUpgrader() *websocket.Upgrader {
	allowed := make(map[string]bool, len(s.cfg.Server.AllowedOrigins))
	allowAll := false
	for _, o := range s.cfg.Server.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin.
			return origin == "" || allowAll || allowed[origin]
		},
	}
}

// wsConn is one upgraded connection: an identity, its subscriptions, and a
// serialized writer.
type wsConn struct {
	srv   *Server
	conn  *websocket.Conn
	token string

	writeMu sync.Mutex

	identMu sync.RWMutex
	ident   *auth.Identity

	subsMu sync.Mutex
	subs   map[string]*notify.Subscription

	// inbound token bucket
	tokens    float64
	lastCheck time.Time
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	ident, err := s.auth.Validate(r.Context(), token)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}

	conn, err := s.makeUpgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("ws upgrade failed", "error", err)
		return
	}

	c := &wsConn{
		srv:       s,
		conn:      conn,
		token:     token,
		ident:     ident,
		subs:      make(map[string]*notify.Subscription),
		tokens:    wsInboundBurst,
		lastCheck: time.Now(),
	}
	s.logger.Debug("ws connected", "agent_id", ident.AgentID, "remote", r.RemoteAddr)

	stop := make(chan struct{})
	go c.heartbeat(stop)
	c.readLoop()
	close(stop)
	c.teardown()
}

func (c *wsConn) identity() *auth.Identity {
	c.identMu.RLock()
	defer c.identMu.RUnlock()
	return c.ident
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsReadLimit)
	deadline := 2 * c.srv.cfg.Notify.HeartbeatInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		if !c.allowInbound() {
			c.closeWith(websocket.ClosePolicyViolation, "command rate exceeded")
			return
		}
		var cmd protocol.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.writeError("validation_error", "malformed command")
			continue
		}
		switch cmd.Action {
		case protocol.ActionSubscribe:
			c.subscribe(cmd.URI)
		case protocol.ActionUnsubscribe:
			c.unsubscribe(cmd.URI)
		case protocol.ActionPing:
			c.writeEvent(protocol.Event{Type: protocol.TypePing, Timestamp: store.Now()})
		default:
			c.writeError("validation_error", "unknown action "+cmd.Action)
		}
	}
}

// subscribe authorizes the URI for the caller and registers a sink. Events
// for a session pass the visibility rule per recipient before delivery.
func (c *wsConn) subscribe(uri string) {
	ident := c.identity()
	if err := auth.Require(ident, auth.PermRead); err != nil {
		c.writeError("permission_denied", "read permission required")
		return
	}

	var filter func(protocol.Event) bool
	switch {
	case strings.HasPrefix(uri, "session://"):
		id := strings.TrimPrefix(uri, "session://")
		if err := session.ValidateID(id); err != nil {
			c.writeError("validation_error", "bad session uri")
			return
		}
		sess, err := c.srv.store.GetSession(context.Background(), id)
		if err != nil {
			c.writeError("storage_unavailable", "session lookup failed")
			return
		}
		if sess == nil {
			c.writeError("not_found", "session "+id+" not found")
			return
		}
		filter = func(ev protocol.Event) bool {
			if ev.Type != protocol.TypeMessageAdded {
				return true
			}
			added, ok := ev.Payload.(protocol.MessageAdded)
			if !ok {
				return false
			}
			msg, ok := added.Message.(*store.Message)
			if !ok {
				return false
			}
			return message.Visible(c.identity(), msg)
		}
	case strings.HasPrefix(uri, "agent://") && strings.HasSuffix(uri, "/memory"):
		agentID := strings.TrimSuffix(strings.TrimPrefix(uri, "agent://"), "/memory")
		// Memory streams are strictly private to their owner.
		if agentID != ident.AgentID {
			c.writeError("permission_denied", "memory subscriptions are owner-only")
			return
		}
	default:
		c.writeError("validation_error", "unsupported uri scheme")
		return
	}

	c.subsMu.Lock()
	if _, dup := c.subs[uri]; dup {
		c.subsMu.Unlock()
		c.writeAck(uri)
		return
	}
	sub := c.srv.hub.Subscribe(uri, filter)
	c.subs[uri] = sub
	c.subsMu.Unlock()

	go c.forward(sub)
	c.writeAck(uri)
}

func (c *wsConn) unsubscribe(uri string) {
	c.subsMu.Lock()
	sub, ok := c.subs[uri]
	if ok {
		delete(c.subs, uri)
	}
	c.subsMu.Unlock()
	if ok {
		c.srv.hub.Unsubscribe(sub)
	}
	c.writeAck(uri)
}

// forward drains one subscription into the shared writer.
func (c *wsConn) forward(sub *notify.Subscription) {
	for {
		select {
		case ev := <-sub.C():
			if ev.Type == protocol.TypeOverflow {
				sub.AckOverflow()
			}
			if !c.writeEvent(ev) {
				c.srv.hub.Unsubscribe(sub)
				return
			}
		case <-sub.Done():
			return
		}
	}
}

// heartbeat pings on the configured cadence and reverifies the token. An
// expired or revoked token closes the connection with 4401.
func (c *wsConn) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(c.srv.cfg.Notify.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ident, err := c.srv.auth.Validate(context.Background(), c.token)
			if err != nil {
				c.closeWith(closeTokenExpired, "token expired")
				return
			}
			c.identMu.Lock()
			c.ident = ident
			c.identMu.Unlock()

			if !c.writeEvent(protocol.Event{Type: protocol.TypePing, Timestamp: store.Now()}) {
				return
			}
			c.writeMu.Lock()
			err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.srv.cfg.Notify.DrainTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) allowInbound() bool {
	now := time.Now()
	c.tokens += now.Sub(c.lastCheck).Seconds() * wsInboundRate
	if c.tokens > wsInboundBurst {
		c.tokens = wsInboundBurst
	}
	c.lastCheck = now
	if c.tokens < 1 {
		return false
	}
	c.tokens--
	return true
}

// writeEvent serializes one frame; a failed or timed-out write condemns the
// connection.
func (c *wsConn) writeEvent(ev protocol.Event) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.Notify.DrainTimeout))
	if err := c.conn.WriteJSON(ev); err != nil {
		_ = c.conn.Close()
		return false
	}
	return true
}

func (c *wsConn) writeAck(uri string) {
	c.writeEvent(protocol.Event{Type: protocol.TypeAck, URI: uri, Timestamp: store.Now()})
}

func (c *wsConn) writeError(code, msg string) {
	c.writeEvent(protocol.Event{
		Type:      protocol.TypeError,
		Timestamp: store.Now(),
		Payload:   protocol.ErrorEvent{Code: code, Message: msg},
	})
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

func (c *wsConn) teardown() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = make(map[string]*notify.Subscription)
	c.subsMu.Unlock()
	for _, sub := range subs {
		c.srv.hub.Unsubscribe(sub)
	}
	_ = c.conn.Close()
	ident := c.identity()
	c.srv.logger.Debug("ws disconnected", "agent_id", ident.AgentID)
}
