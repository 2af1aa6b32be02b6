package connection

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/amberbase/amberbase/protocol"
	"go.uber.org/zap"
)

var noOpLogger = zap.NewNop()

// Registry owns the set of live connections and routes inbound protocol
// messages through an ordered handler chain.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	conns    map[int64]*Conn
	nextID   int64
	handlers []MessageHandler
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		logger: logger,
		conns:  make(map[int64]*Conn),
	}
}

// RegisterHandler appends a handler to the dispatch chain. Handlers are
// consulted in registration order; call this only during startup.
func (r *Registry) RegisterHandler(handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// Register adds a new live connection for the authenticated user and returns
// it. The connection id is unique per process.
func (r *Registry) Register(user UserContext, tenant string, transport Transport) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	conn := &Conn{
		ID:          r.nextID,
		UserID:      user.UserID,
		Tenant:      tenant,
		Roles:       user.Roles,
		transport:   transport,
		collections: make(map[string]int64),
		channels:    mapset.NewThreadUnsafeSet[string](),
	}
	r.conns[conn.ID] = conn
	return conn
}

// Unregister removes a connection on transport close. All subscription state
// lives on the connection itself, so dropping it from the live set releases
// everything; no other component may retain the connection afterwards.
func (r *Registry) Unregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// ForTenant snapshots the live connections scoped to one tenant. Every
// broadcast goes through this; the engines never fan out cross-tenant.
func (r *Registry) ForTenant(tenant string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.Tenant == tenant {
			conns = append(conns, conn)
		}
	}
	return conns
}

// CountByTenant aggregates a per-connection count over the live set, grouped
// by tenant. A nil counter counts connections.
func (r *Registry) CountByTenant(counter func(subscriptionKeys []string) int) map[string]int {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	counts := make(map[string]int)
	for _, conn := range conns {
		if counter == nil {
			counts[conn.Tenant]++
			continue
		}
		counts[conn.Tenant] += counter(conn.SubscriptionKeys())
	}
	return counts
}

// Dispatch routes one inbound message through the handler chain. The first
// handler returning a non-nil response wins and the response is sent back on
// the connection. A panicking handler is logged and treated as "no response";
// the message is dropped but the connection stays open.
func (r *Registry) Dispatch(conn *Conn, message protocol.ClientMessage) {
	r.mu.RLock()
	handlers := r.handlers
	r.mu.RUnlock()

	for _, handler := range handlers {
		response := r.invoke(handler, conn, message)
		if response == nil {
			continue
		}
		if err := conn.Send(response); err != nil {
			r.logger.Warn("failed to send response",
				zap.Int64("connection_id", conn.ID),
				zap.String("tenant", conn.Tenant),
				zap.Error(err))
		}
		return
	}
}

func (r *Registry) invoke(handler MessageHandler, conn *Conn, message protocol.ClientMessage) (response *protocol.ServerMessage) {
	defer func() {
		if recovered := recover(); recovered != nil {
			response = nil
			r.logger.Error("message handler panicked",
				zap.Int64("connection_id", conn.ID),
				zap.String("tenant", conn.Tenant),
				zap.String("action", message.Action),
				zap.Any("panic", recovered))
		}
	}()
	return handler.HandleMessage(conn, message)
}
