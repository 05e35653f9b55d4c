// Package eventbus is the authenticated fan-out for market events:
// order book updates, matches, settlement outcomes, and epoch
// transitions. Every connection must AUTH before it may SUBSCRIBE, and
// each connection gets a bounded send buffer that drops the oldest
// queued frame and marks itself lossy rather than blocking the hub.
package eventbus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"energy-exchange-core/internal/domain"
	"energy-exchange-core/internal/orderbook"
)

// sendBufferSize bounds a connection's outbound queue; once full, new
// frames evict the oldest queued frame instead of blocking the hub
const sendBufferSize = 1000

// Authenticator resolves an AUTH frame's token to the identity driving
// a connection's event scope
type Authenticator interface {
	Authenticate(token string) (userID string, isAdmin bool, err error)
}

// event is one fanned-out message, annotated with the routing scope
// used to decide which subscriptions receive it
type event struct {
	Type        domain.EventType
	ScopeUserID string // non-empty restricts delivery to this user plus admins
	ZoneID      int
	Amount      decimal.Decimal
	Payload     interface{}
}

func (e *event) wireFrame() wireFrame {
	return wireFrame{Type: e.Type, Payload: e.Payload}
}

type wireFrame struct {
	Type    domain.EventType `json:"type"`
	Payload interface{}      `json:"payload"`
}

// Hub owns every connected client and routes published events to the
// subscriptions that want them
type Hub struct {
	auth   Authenticator
	logger *logrus.Logger

	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *event
}

// NewHub constructs the event bus hub. Call Run in its own goroutine.
func NewHub(auth Authenticator, logger *logrus.Logger) *Hub {
	return &Hub{
		auth:       auth,
		logger:     logger,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *event, 256),
	}
}

// Run drains register/unregister/broadcast until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case evt := <-h.broadcast:
			h.dispatch(evt)
		}
	}
}

func (h *Hub) dispatch(evt *event) {
	data, err := json.Marshal(evt.wireFrame())
	if err != nil {
		h.logger.WithError(err).Error("failed to marshal event")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.wants(evt) {
			continue
		}
		c.enqueue(data)
	}
}

// publish fans an event out to every matching subscription
func (h *Hub) publish(eventType domain.EventType, scopeUserID string, zoneID int, amount decimal.Decimal, payload interface{}) {
	h.broadcast <- &event{
		Type:        eventType,
		ScopeUserID: scopeUserID,
		ZoneID:      zoneID,
		Amount:      amount,
		Payload:     payload,
	}
}

// PublishOrderBookUpdate implements orderbook.BookUpdatePublisher
func (h *Hub) PublishOrderBookUpdate(_ context.Context, _ uuid.UUID, snapshot *orderbook.Snapshot) {
	h.publish(domain.EventOrderBookUpdate, "", 0, decimal.Zero, snapshot)
}

// PublishOrderMatched notifies both parties of a match
func (h *Hub) PublishOrderMatched(buyerID, sellerID string, zoneID int, payload interface{}) {
	h.publish(domain.EventOrderMatched, buyerID, zoneID, decimal.Zero, payload)
	h.publish(domain.EventOrderMatched, sellerID, zoneID, decimal.Zero, payload)
}

// PublishSettlementConfirmed notifies the settling parties of success
func (h *Hub) PublishSettlementConfirmed(buyerID, sellerID string, amount decimal.Decimal, payload interface{}) {
	h.publish(domain.EventSettlementConfirmed, buyerID, 0, amount, payload)
	h.publish(domain.EventSettlementConfirmed, sellerID, 0, amount, payload)
}

// PublishSettlementFailed notifies the settling parties of failure
func (h *Hub) PublishSettlementFailed(buyerID, sellerID string, amount decimal.Decimal, payload interface{}) {
	h.publish(domain.EventSettlementFailed, buyerID, 0, amount, payload)
	h.publish(domain.EventSettlementFailed, sellerID, 0, amount, payload)
}

// PublishEpochTransition is broadcast to every subscriber (no user scope)
func (h *Hub) PublishEpochTransition(payload interface{}) {
	h.publish(domain.EventEpochTransition, "", 0, decimal.Zero, payload)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWebSocket upgrades an HTTP request and registers the resulting
// client. Identity is established later via an AUTH frame, not at
// upgrade time, so the handshake itself stays unauthenticated.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("websocket upgrade failed")
		return
	}

	client := newClient(h, conn)
	h.register <- client

	go client.writePump()
	go client.readPump()
}
