package eventbus

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy-exchange-core/internal/domain"
)

type stubAuthenticator struct {
	users map[string]struct {
		userID  string
		isAdmin bool
	}
}

func (s *stubAuthenticator) Authenticate(token string) (string, bool, error) {
	u, ok := s.users[token]
	if !ok {
		return "", false, fmt.Errorf("invalid token")
	}
	return u.userID, u.isAdmin, nil
}

func newTestClient() *Client {
	return &Client{send: make(chan []byte, sendBufferSize)}
}

func TestClientWantsRequiresAuth(t *testing.T) {
	c := newTestClient()
	evt := &event{Type: domain.EventOrderBookUpdate}
	assert.False(t, c.wants(evt))
}

func TestClientWantsFiltersByScopeAndZone(t *testing.T) {
	c := newTestClient()
	c.authed = true
	c.subscription = &domain.Subscription{
		UserID:     "buyer-1",
		EventTypes: map[domain.EventType]bool{domain.EventOrderMatched: true},
		Filter:     domain.SubscriptionFilter{ZoneIDs: []int{1}},
	}

	assert.True(t, c.wants(&event{Type: domain.EventOrderMatched, ScopeUserID: "buyer-1", ZoneID: 1}))
	assert.False(t, c.wants(&event{Type: domain.EventOrderMatched, ScopeUserID: "buyer-2", ZoneID: 1}), "scoped to a different user")
	assert.False(t, c.wants(&event{Type: domain.EventOrderMatched, ScopeUserID: "buyer-1", ZoneID: 2}), "zone filter excludes it")
	assert.False(t, c.wants(&event{Type: domain.EventSettlementConfirmed, ScopeUserID: "buyer-1", ZoneID: 1}), "event type not subscribed")
}

func TestClientWantsAdminSeesAllScopes(t *testing.T) {
	c := newTestClient()
	c.authed = true
	c.subscription = &domain.Subscription{
		UserID:     "admin-1",
		IsAdmin:    true,
		EventTypes: map[domain.EventType]bool{},
	}
	assert.True(t, c.wants(&event{Type: domain.EventSettlementFailed, ScopeUserID: "buyer-1"}))
}

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	c := newTestClient()
	c.send = make(chan []byte, 2)

	c.enqueue([]byte("first"))
	c.enqueue([]byte("second"))
	c.enqueue([]byte("third"))

	assert.True(t, c.lossy)

	first := <-c.send
	second := <-c.send
	assert.Equal(t, "second", string(first))
	assert.Equal(t, "third", string(second))
}

func TestHubDispatchRoutesOnlyToMatchingClients(t *testing.T) {
	hub := NewHub(&stubAuthenticator{}, logrus.New())

	buyerClient := newTestClient()
	buyerClient.authed = true
	buyerClient.subscription = &domain.Subscription{
		UserID:     "buyer-1",
		EventTypes: map[domain.EventType]bool{domain.EventOrderMatched: true},
	}

	unrelatedClient := newTestClient()
	unrelatedClient.authed = true
	unrelatedClient.subscription = &domain.Subscription{
		UserID:     "buyer-2",
		EventTypes: map[domain.EventType]bool{domain.EventOrderMatched: true},
	}

	hub.clients[buyerClient] = true
	hub.clients[unrelatedClient] = true

	hub.dispatch(&event{Type: domain.EventOrderMatched, ScopeUserID: "buyer-1", Payload: "matched"})

	require.Len(t, buyerClient.send, 1)
	require.Len(t, unrelatedClient.send, 0)
}

func TestPublishHelpersScopeToBothParties(t *testing.T) {
	hub := NewHub(&stubAuthenticator{}, logrus.New())
	hub.PublishOrderMatched("buyer-1", "seller-1", 1, map[string]string{"match_id": "abc"})

	first := <-hub.broadcast
	second := <-hub.broadcast
	assert.Equal(t, "buyer-1", first.ScopeUserID)
	assert.Equal(t, "seller-1", second.ScopeUserID)
	assert.Equal(t, decimal.Zero, first.Amount)
}
