package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/amberbase/amberbase/auth"
	"github.com/amberbase/amberbase/connection"
	"github.com/amberbase/amberbase/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// SessionProtocolPrefix carries the session token as a websocket
	// subprotocol for clients that cannot set query parameters.
	SessionProtocolPrefix = "ambersession."

	writeTimeout = 10 * time.Second
)

// wsTransport adapts a gorilla websocket connection to the transport handle a
// registered connection owns. Writes are serialized; broadcasts arrive from
// many goroutines.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) SendJSON(message any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteJSON(message)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

type realtimeHandler struct {
	registry    *connection.Registry
	sessions    SessionValidator
	upgrader    websocket.Upgrader
	idleTimeout time.Duration
	logger      *zap.Logger
}

func newRealtimeHandler(registry *connection.Registry, sessions SessionValidator, idleTimeout time.Duration, allowedOrigins []string, logger *zap.Logger) *realtimeHandler {
	return &realtimeHandler{
		registry: registry,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

func originChecker(allowedOrigins []string) func(*http.Request) bool {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

// sessionTokenFromRequest extracts the session token from the token query
// parameter or from an "ambersession.<token>" subprotocol offer.
func sessionTokenFromRequest(r *http.Request) (token, subprotocol string) {
	if value := r.URL.Query().Get("token"); value != "" {
		return value, ""
	}
	for _, offered := range websocket.Subprotocols(r) {
		if strings.HasPrefix(offered, SessionProtocolPrefix) {
			return strings.TrimPrefix(offered, SessionProtocolPrefix), offered
		}
	}
	return "", ""
}

func (h *realtimeHandler) serveHTTP(w http.ResponseWriter, r *http.Request) {
	token, subprotocol := sessionTokenFromRequest(r)
	if token == "" {
		http.Error(w, "missing session token", http.StatusUnauthorized)
		return
	}
	session, err := h.sessions.ValidateSessionToken(token)
	if err != nil {
		h.logger.Warn("session token validation failed", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var responseHeader http.Header
	if subprotocol != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{subprotocol}}
	}
	ws, err := h.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := h.registry.Register(
		connection.UserContext{UserID: session.UserID, Roles: session.Roles},
		session.Tenant,
		&wsTransport{conn: ws},
	)
	h.logger.Info("realtime connection opened",
		zap.Int64("connection_id", conn.ID),
		zap.String("tenant", conn.Tenant),
		zap.String("user_id", conn.UserID))

	h.serve(conn, ws)
}

// serve runs the connection worker: one goroutine reads and dispatches
// messages in order, a second probes liveness. A connection idle past the
// liveness window is pinged; if still unresponsive the read deadline expires
// and the connection is torn down, releasing all its subscriptions.
func (h *realtimeHandler) serve(conn *connection.Conn, ws *websocket.Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.registry.Unregister(conn.ID)
		ws.Close()
		h.logger.Info("realtime connection closed",
			zap.Int64("connection_id", conn.ID),
			zap.String("tenant", conn.Tenant))
	}()

	resetDeadline := func() {
		ws.SetReadDeadline(time.Now().Add(h.idleTimeout)) //nolint:errcheck
	}
	resetDeadline()
	ws.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	go h.probeLiveness(ws, done)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		resetDeadline()
		if messageType != websocket.TextMessage {
			continue
		}
		var message protocol.ClientMessage
		if err := json.Unmarshal(data, &message); err != nil {
			h.logger.Warn("dropping malformed client message",
				zap.Int64("connection_id", conn.ID),
				zap.Error(err))
			continue
		}
		h.registry.Dispatch(conn, message)
	}
}

func (h *realtimeHandler) probeLiveness(ws *websocket.Conn, done <-chan struct{}) {
	interval := h.idleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// SessionValidator is the seam to the authentication collaborator; the
// realtime endpoint never parses credentials itself.
type SessionValidator interface {
	ValidateSessionToken(token string) (auth.Session, error)
}
