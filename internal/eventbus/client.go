package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"energy-exchange-core/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

// inboundFrame is the envelope for every client-to-server message; Type
// selects how Payload is interpreted
type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// authPayload carries the bearer token that establishes identity for
// this connection. A client must AUTH before any SUBSCRIBE is honored.
type authPayload struct {
	Token string `json:"token"`
}

// subscribePayload lists the event types and optional filter a client
// wants to receive. An empty EventTypes list means "everything".
type subscribePayload struct {
	EventTypes []domain.EventType      `json:"event_types"`
	Filter     domain.SubscriptionFilter `json:"filter"`
}

// Client is one authenticated-or-not websocket connection. Identity and
// subscription state live in domain.Subscription and are nil until the
// client successfully AUTHs.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu           sync.RWMutex
	authed       bool
	subscription *domain.Subscription
	lossy        bool
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// wants reports whether this client's current subscription matches the
// given event, applying both the event-type filter and the zone/amount
// filter carried in the subscription
func (c *Client) wants(e *event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.authed || c.subscription == nil {
		return false
	}
	if !c.subscription.Wants(e.Type) {
		return false
	}
	if e.ScopeUserID != "" && e.ScopeUserID != c.subscription.UserID && !c.subscription.IsAdmin {
		return false
	}
	if len(c.subscription.Filter.ZoneIDs) > 0 && e.ZoneID != 0 {
		matched := false
		for _, z := range c.subscription.Filter.ZoneIDs {
			if z == e.ZoneID {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if c.subscription.Filter.MinAmount != nil {
		min, err := decimal.NewFromString(*c.subscription.Filter.MinAmount)
		if err == nil && e.Amount.LessThan(min) {
			return false
		}
	}
	return true
}

// enqueue pushes a frame onto the client's send buffer. A full buffer
// drops the oldest queued frame and marks the connection lossy rather
// than disconnecting or blocking the hub's dispatch loop.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
		return
	default:
	}

	c.mu.Lock()
	c.lossy = true
	c.mu.Unlock()

	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump processes AUTH, SUBSCRIBE and PING frames; any other frame
// type gets an ERROR reply
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).Debug("websocket read error")
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendError("malformed frame")
			continue
		}

		switch frame.Type {
		case "AUTH":
			c.handleAuth(frame.Payload)
		case "SUBSCRIBE":
			c.handleSubscribe(frame.Payload)
		case "PING":
			c.enqueue(mustMarshal(wireFrame{Type: "pong", Payload: nil}))
		default:
			c.sendError("unknown frame type")
		}
	}
}

func (c *Client) handleAuth(raw json.RawMessage) {
	var payload authPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.sendError("malformed AUTH frame")
		return
	}

	userID, isAdmin, err := c.hub.auth.Authenticate(payload.Token)
	if err != nil {
		c.sendError("authentication failed")
		return
	}

	c.mu.Lock()
	c.authed = true
	c.subscription = &domain.Subscription{
		UserID:     userID,
		IsAdmin:    isAdmin,
		EventTypes: map[domain.EventType]bool{},
	}
	c.mu.Unlock()

	c.enqueue(mustMarshal(wireFrame{Type: "AUTH_OK", Payload: map[string]interface{}{"user_id": userID, "is_admin": isAdmin}}))
}

func (c *Client) handleSubscribe(raw json.RawMessage) {
	c.mu.RLock()
	authed := c.authed
	c.mu.RUnlock()
	if !authed {
		c.sendError("AUTH required before SUBSCRIBE")
		return
	}

	var payload subscribePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.sendError("malformed SUBSCRIBE frame")
		return
	}

	wants := make(map[domain.EventType]bool, len(payload.EventTypes))
	for _, t := range payload.EventTypes {
		wants[t] = true
	}

	c.mu.Lock()
	c.subscription.EventTypes = wants
	c.subscription.Filter = payload.Filter
	c.mu.Unlock()

	c.enqueue(mustMarshal(wireFrame{Type: "SUBSCRIBE_OK", Payload: payload}))
}

func (c *Client) sendError(message string) {
	c.enqueue(mustMarshal(wireFrame{Type: "ERROR", Payload: map[string]string{"message": message}}))
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"ERROR","payload":{"message":"internal encode error"}}`)
	}
	return data
}

// writePump drains the send buffer to the socket, coalescing queued
// frames into one websocket message per write and sending a ping every
// pingPeriod
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
