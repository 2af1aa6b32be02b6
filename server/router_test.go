package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/amberbase/amberbase/auth"
	"github.com/amberbase/amberbase/channels"
	"github.com/amberbase/amberbase/collections"
	"github.com/amberbase/amberbase/connection"
	"github.com/amberbase/amberbase/protocol"
	"github.com/amberbase/amberbase/storage"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type testStack struct {
	handler  http.Handler
	sessions *auth.SessionIssuer
	registry *connection.Registry
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	db, err := storage.OpenSQLite("file::memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	store, err := storage.NewSQLStore(storage.Config{
		Database:   db,
		IDProvider: storage.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	registry := connection.NewRegistry(zap.NewNop())
	collectionEngine, err := collections.NewEngine(collections.EngineConfig{
		Store:       store,
		Registry:    registry,
		Collections: map[string]collections.Settings{"todos": {}},
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct collections engine: %v", err)
	}
	channelEngine, err := channels.NewEngine(channels.EngineConfig{
		Registry: registry,
		Channels: map[string]channels.Settings{"lobby": {}},
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct channels engine: %v", err)
	}
	registry.RegisterHandler(collectionEngine)
	registry.RegisterHandler(channelEngine)

	sessions := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "amberbase",
		Audience:      "amberbase-realtime",
		SessionTTL:    time.Minute,
	})

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:    sessions,
		Registry:    registry,
		Collections: collectionEngine,
		Channels:    channelEngine,
		IdleTimeout: 5 * time.Second,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testStack{handler: handler, sessions: sessions, registry: registry}
}

func (s *testStack) token(t *testing.T, userID, tenant string, roles ...string) string {
	t.Helper()
	token, _, err := s.sessions.IssueSessionToken(auth.Session{UserID: userID, Tenant: tenant, Roles: roles})
	if err != nil {
		t.Fatalf("failed to issue session token: %v", err)
	}
	return token
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	var message protocol.ServerMessage
	if err := conn.ReadJSON(&message); err != nil {
		t.Fatalf("failed to read server message: %v", err)
	}
	return message
}

func TestHealthEndpoint(t *testing.T) {
	stack := newTestStack(t)
	server := httptest.NewServer(stack.handler)
	t.Cleanup(server.Close)

	response, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
}

func TestRealtimeRejectsMissingOrInvalidToken(t *testing.T) {
	stack := newTestStack(t)
	server := httptest.NewServer(stack.handler)
	t.Cleanup(server.Close)

	if _, response, err := websocket.DefaultDialer.Dial(wsURL(server, "/realtime"), nil); err == nil {
		t.Fatalf("expected dial without token to fail")
	} else if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", response)
	}

	if _, response, err := websocket.DefaultDialer.Dial(wsURL(server, "/realtime?token=garbage"), nil); err == nil {
		t.Fatalf("expected dial with invalid token to fail")
	} else if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", response)
	}
}

func TestRealtimeSubscribeCreateRoundTrip(t *testing.T) {
	stack := newTestStack(t)
	server := httptest.NewServer(stack.handler)
	t.Cleanup(server.Close)

	token := stack.token(t, "alice", "tenant-a")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/realtime?token="+token), nil)
	if err != nil {
		t.Fatalf("failed to dial realtime endpoint: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(protocol.ClientMessage{
		Action:     protocol.ActionSubscribeCollection,
		RequestID:  1,
		Collection: "todos",
	}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	response := readMessage(t, conn)
	if response.Type != protocol.TypeSuccess || response.ResponseTo != 1 {
		t.Fatalf("expected subscribe success, got %#v", response)
	}

	if err := conn.WriteJSON(protocol.ClientMessage{
		Action:     protocol.ActionCreateDocument,
		RequestID:  2,
		Collection: "todos",
		Content:    json.RawMessage(`{"title":"hello"}`),
	}); err != nil {
		t.Fatalf("failed to send create: %v", err)
	}

	// The creator is also a subscriber, so it receives both the sync push and
	// the create response.
	var createResponse, syncPush *protocol.ServerMessage
	for i := 0; i < 2; i++ {
		message := readMessage(t, conn)
		switch message.Type {
		case protocol.TypeSuccessDocument:
			value := message
			createResponse = &value
		case protocol.TypeSyncDocument:
			value := message
			syncPush = &value
		default:
			t.Fatalf("unexpected message: %#v", message)
		}
	}
	if createResponse == nil || createResponse.ResponseTo != 2 || createResponse.DocumentID == "" {
		t.Fatalf("expected create response with document id, got %#v", createResponse)
	}
	if syncPush == nil || syncPush.Document == nil || syncPush.Document.ID != createResponse.DocumentID {
		t.Fatalf("expected sync push for the created document, got %#v", syncPush)
	}
	if string(syncPush.Document.Data) != `{"title":"hello"}` {
		t.Fatalf("unexpected payload: %s", syncPush.Document.Data)
	}
}

func TestRealtimeChannelDeliveryBetweenConnections(t *testing.T) {
	stack := newTestStack(t)
	server := httptest.NewServer(stack.handler)
	t.Cleanup(server.Close)

	dial := func(userID string) *websocket.Conn {
		token := stack.token(t, userID, "tenant-a")
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/realtime?token="+token), nil)
		if err != nil {
			t.Fatalf("failed to dial for %s: %v", userID, err)
		}
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	sender := dial("alice")
	listener := dial("bob")

	if err := listener.WriteJSON(protocol.ClientMessage{
		Action: protocol.ActionSubscribeChannel, RequestID: 1, Channel: "lobby",
	}); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	if message := readMessage(t, listener); message.Type != protocol.TypeSuccess {
		t.Fatalf("expected subscribe success, got %#v", message)
	}

	if err := sender.WriteJSON(protocol.ClientMessage{
		Action:    protocol.ActionSendToChannel,
		RequestID: 2,
		Channel:   "lobby",
		Message:   json.RawMessage(`{"text":"hi"}`),
	}); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	if message := readMessage(t, sender); message.Type != protocol.TypeSuccess || message.ResponseTo != 2 {
		t.Fatalf("expected send success, got %#v", message)
	}

	push := readMessage(t, listener)
	if push.Type != protocol.TypeChannelMessage || push.Channel != "lobby" {
		t.Fatalf("unexpected push: %#v", push)
	}
	if string(push.Message) != `{"text":"hi"}` {
		t.Fatalf("unexpected payload: %s", push.Message)
	}
}

func TestRealtimeAcceptsSessionSubprotocol(t *testing.T) {
	stack := newTestStack(t)
	server := httptest.NewServer(stack.handler)
	t.Cleanup(server.Close)

	token := stack.token(t, "alice", "tenant-a")
	dialer := websocket.Dialer{Subprotocols: []string{SessionProtocolPrefix + token}}
	conn, response, err := dialer.Dial(wsURL(server, "/realtime"), nil)
	if err != nil {
		t.Fatalf("failed to dial with subprotocol: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if got := response.Header.Get("Sec-WebSocket-Protocol"); !strings.HasPrefix(got, SessionProtocolPrefix) {
		t.Fatalf("expected negotiated subprotocol, got %q", got)
	}
}

func TestRealtimeDisconnectReleasesSubscriptions(t *testing.T) {
	stack := newTestStack(t)
	server := httptest.NewServer(stack.handler)
	t.Cleanup(server.Close)

	token := stack.token(t, "alice", "tenant-a")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "/realtime?token="+token), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	if err := conn.WriteJSON(protocol.ClientMessage{
		Action: protocol.ActionSubscribeCollection, RequestID: 1, Collection: "todos",
	}); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	readMessage(t, conn)
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if counts := stack.registry.CountByTenant(nil); counts["tenant-a"] == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected connection to be unregistered after close")
}

func TestStatsEndpointRequiresAdminRole(t *testing.T) {
	stack := newTestStack(t)
	server := httptest.NewServer(stack.handler)
	t.Cleanup(server.Close)

	request := func(authorization string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, server.URL+"/statsz", http.NoBody)
		if err != nil {
			t.Fatalf("failed to build request: %v", err)
		}
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		response, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("stats request failed: %v", err)
		}
		return response
	}

	response := request("")
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", response.StatusCode)
	}

	response = request("Bearer " + stack.token(t, "alice", "tenant-a"))
	response.Body.Close()
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without admin role, got %d", response.StatusCode)
	}

	response = request("Bearer " + stack.token(t, "root", "tenant-a", "admin"))
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", response.StatusCode)
	}
	var payload statsResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if payload.Tenants == nil {
		t.Fatalf("expected tenants map in stats payload")
	}
}
