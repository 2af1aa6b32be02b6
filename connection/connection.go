package connection

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/amberbase/amberbase/protocol"
)

// UserContext is the externally authenticated identity bound to a connection.
// It is immutable for the connection lifetime.
type UserContext struct {
	UserID string
	Roles  []string
}

// Transport is the wire handle owned by a connection. Implementations must be
// safe for concurrent SendJSON calls.
type Transport interface {
	SendJSON(message any) error
	Close() error
}

// Subscription key prefixes as stored on a connection. Observability hooks
// count subscriptions by matching on these.
const (
	CollectionKeyPrefix = "collection."
	ChannelKeyPrefix    = "channel."
)

// Conn is one live client connection: identity, tenant, transport and the
// per-engine subscription state. All mutable state is guarded by mu.
type Conn struct {
	ID     int64
	UserID string
	Tenant string
	Roles  []string

	transport Transport

	mu          sync.Mutex
	collections map[string]int64
	channels    mapset.Set[string]
}

// User returns the connection identity as a UserContext.
func (c *Conn) User() UserContext {
	return UserContext{UserID: c.UserID, Roles: c.Roles}
}

// Send delivers a message to the client. Errors are returned so callers can
// decide whether to log; a failed push is never retried.
func (c *Conn) Send(message any) error {
	return c.transport.SendJSON(message)
}

// Close tears down the underlying transport.
func (c *Conn) Close() error {
	return c.transport.Close()
}

// SubscribeCollection records the catch-up watermark for a collection. It
// returns false if the connection is already subscribed.
func (c *Conn) SubscribeCollection(collection string, start int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.collections[collection]; ok {
		return false
	}
	c.collections[collection] = start
	return true
}

// UnsubscribeCollection removes the subscription. It returns false if the
// connection was not subscribed.
func (c *Conn) UnsubscribeCollection(collection string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.collections[collection]; !ok {
		return false
	}
	delete(c.collections, collection)
	return true
}

// SubscribedToCollection reports whether the connection holds a subscription
// for the collection.
func (c *Conn) SubscribedToCollection(collection string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.collections[collection]
	return ok
}

// JoinChannel records membership for the exact channel identity. It returns
// false if the connection already joined it.
func (c *Conn) JoinChannel(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels.Add(identity)
}

// LeaveChannel removes membership. It returns false if the connection was not
// a member.
func (c *Conn) LeaveChannel(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.channels.Contains(identity) {
		return false
	}
	c.channels.Remove(identity)
	return true
}

// InChannel reports membership for the exact channel identity.
func (c *Conn) InChannel(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels.Contains(identity)
}

// SubscriptionKeys snapshots the subscription state as prefixed keys, sorted
// for stable output.
func (c *Conn) SubscriptionKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.collections)+c.channels.Cardinality())
	for collection := range c.collections {
		keys = append(keys, CollectionKeyPrefix+collection)
	}
	for identity := range c.channels.Iter() {
		keys = append(keys, ChannelKeyPrefix+identity)
	}
	sort.Strings(keys)
	return keys
}

// MessageHandler is one link of the dispatch chain. A handler that does not
// recognize the message returns nil so the chain continues.
type MessageHandler interface {
	HandleMessage(conn *Conn, message protocol.ClientMessage) *protocol.ServerMessage
}
