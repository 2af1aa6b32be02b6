package channels

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/amberbase/amberbase/connection"
	"github.com/amberbase/amberbase/protocol"
	"go.uber.org/zap"
)

type recordingTransport struct {
	sent []*protocol.ServerMessage
}

func (t *recordingTransport) SendJSON(message any) error {
	serverMessage, ok := message.(*protocol.ServerMessage)
	if !ok {
		return errors.New("unexpected message type")
	}
	t.sent = append(t.sent, serverMessage)
	return nil
}

func (t *recordingTransport) Close() error {
	return nil
}

func newTestEngine(t *testing.T, settings map[string]Settings) (*Engine, *connection.Registry) {
	t.Helper()
	registry := connection.NewRegistry(zap.NewNop())
	engine, err := NewEngine(EngineConfig{
		Registry: registry,
		Channels: settings,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	registry.RegisterHandler(engine)
	return engine, registry
}

func connectUser(registry *connection.Registry, userID, tenant string, roles ...string) (*connection.Conn, *recordingTransport) {
	transport := &recordingTransport{}
	conn := registry.Register(connection.UserContext{UserID: userID, Roles: roles}, tenant, transport)
	return conn, transport
}

func expectSuccess(t *testing.T, response *protocol.ServerMessage, requestID int64) {
	t.Helper()
	if response == nil || response.Type != protocol.TypeSuccess || response.ResponseTo != requestID {
		t.Fatalf("expected success for request %d, got %#v", requestID, response)
	}
}

func expectError(t *testing.T, response *protocol.ServerMessage, requestID int64, code string) {
	t.Helper()
	if response == nil || response.Type != protocol.TypeError || response.Error != code || response.ResponseTo != requestID {
		t.Fatalf("expected %q error for request %d, got %#v", code, requestID, response)
	}
}

func TestHandlerIgnoresNonChannelActions(t *testing.T) {
	engine, registry := newTestEngine(t, map[string]Settings{"chat": {}})
	conn, _ := connectUser(registry, "alice", "tenant-a")

	response := engine.HandleMessage(conn, protocol.ClientMessage{
		Action:     protocol.ActionCreateDocument,
		Collection: "todos",
	})
	if response != nil {
		t.Fatalf("expected collection actions to pass through, got %#v", response)
	}
}

func TestSubscribeUnknownChannelReturnsNotFound(t *testing.T) {
	engine, registry := newTestEngine(t, map[string]Settings{"chat": {}})
	conn, _ := connectUser(registry, "alice", "tenant-a")

	response := engine.HandleMessage(conn, protocol.ClientMessage{
		Action:    protocol.ActionSubscribeChannel,
		RequestID: 1,
		Channel:   "nope",
	})
	expectError(t, response, 1, protocol.ErrCodeNotFound)
}

func TestSubchannelPresenceMustMatchChannelShape(t *testing.T) {
	engine, registry := newTestEngine(t, map[string]Settings{
		"lobby": {},
		"chat":  {Subchannels: true},
	})
	conn, _ := connectUser(registry, "alice", "tenant-a")

	// A plain channel rejects a subchannel suffix.
	response := engine.HandleMessage(conn, protocol.ClientMessage{
		Action:    protocol.ActionSubscribeChannel,
		RequestID: 2,
		Channel:   "lobby/room",
	})
	expectError(t, response, 2, protocol.ErrCodeInvalidMessage)

	// A subchannel type rejects a bare subscription.
	response = engine.HandleMessage(conn, protocol.ClientMessage{
		Action:    protocol.ActionSubscribeChannel,
		RequestID: 3,
		Channel:   "chat",
	})
	expectError(t, response, 3, protocol.ErrCodeInvalidMessage)

	// An empty identity is malformed.
	response = engine.HandleMessage(conn, protocol.ClientMessage{
		Action:    protocol.ActionSubscribeChannel,
		RequestID: 4,
		Channel:   "",
	})
	expectError(t, response, 4, protocol.ErrCodeInvalidMessage)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	engine, registry := newTestEngine(t, map[string]Settings{"lobby": {}})
	conn, _ := connectUser(registry, "alice", "tenant-a")

	for requestID := int64(5); requestID <= 6; requestID++ {
		response := engine.HandleMessage(conn, protocol.ClientMessage{
			Action:    protocol.ActionSubscribeChannel,
			RequestID: requestID,
			Channel:   "lobby",
		})
		expectSuccess(t, response, requestID)
	}
	if !conn.InChannel("lobby") {
		t.Fatalf("expected membership after subscribe")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	engine, registry := newTestEngine(t, map[string]Settings{"lobby": {}})
	conn, _ := connectUser(registry, "alice", "tenant-a")

	response := engine.HandleMessage(conn, protocol.ClientMessage{
		Action:    protocol.ActionUnsubscribeChannel,
		RequestID: 7,
		Channel:   "lobby",
	})
	expectSuccess(t, response, 7)
}

func TestPublishReachesExactIdentityOnly(t *testing.T) {
	engine, registry := newTestEngine(t, map[string]Settings{"chat": {Subchannels: true}})
	room1Conn, room1Transport := connectUser(registry, "alice", "tenant-a")
	room2Conn, room2Transport := connectUser(registry, "bob", "tenant-a")
	otherTenantConn, otherTenantTransport := connectUser(registry, "carol", "tenant-b")

	expectSuccess(t, engine.HandleMessage(room1Conn, protocol.ClientMessage{
		Action: protocol.ActionSubscribeChannel, RequestID: 8, Channel: "chat/room-1",
	}), 8)
	expectSuccess(t, engine.HandleMessage(room2Conn, protocol.ClientMessage{
		Action: protocol.ActionSubscribeChannel, RequestID: 9, Channel: "chat/room-2",
	}), 9)
	expectSuccess(t, engine.HandleMessage(otherTenantConn, protocol.ClientMessage{
		Action: protocol.ActionSubscribeChannel, RequestID: 10, Channel: "chat/room-1",
	}), 10)

	if err := engine.Publish("tenant-a", "chat", "room-1", json.RawMessage(`{"text":"hi"}`)); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	if len(room1Transport.sent) != 1 {
		t.Fatalf("expected room-1 member to receive the message, got %d", len(room1Transport.sent))
	}
	push := room1Transport.sent[0]
	if push.Type != protocol.TypeChannelMessage || push.Channel != "chat/room-1" {
		t.Fatalf("unexpected push envelope: %#v", push)
	}
	if string(push.Message) != `{"text":"hi"}` {
		t.Fatalf("unexpected payload: %s", push.Message)
	}
	if len(room2Transport.sent) != 0 {
		t.Fatalf("expected room-2 member to see nothing")
	}
	if len(otherTenantTransport.sent) != 0 {
		t.Fatalf("expected other tenant to see nothing")
	}
}

func TestPublishUnknownChannelReturnsError(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]Settings{"chat": {Subchannels: true}})
	if err := engine.Publish("tenant-a", "nope", "", nil); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestSendEnforcesAccessRights(t *testing.T) {
	guarded := Settings{
		AccessRights: &AccessRights{Roles: map[string][]Action{
			"editor": {ActionSubscribe, ActionPublish},
			"reader": {ActionSubscribe},
		}},
	}
	engine, registry := newTestEngine(t, map[string]Settings{"lobby": guarded})

	reader, _ := connectUser(registry, "bob", "tenant-a", "reader")
	expectSuccess(t, engine.HandleMessage(reader, protocol.ClientMessage{
		Action: protocol.ActionSubscribeChannel, RequestID: 11, Channel: "lobby",
	}), 11)
	response := engine.HandleMessage(reader, protocol.ClientMessage{
		Action:    protocol.ActionSendToChannel,
		RequestID: 12,
		Channel:   "lobby",
		Message:   json.RawMessage(`{}`),
	})
	expectError(t, response, 12, protocol.ErrCodeAccessDenied)

	outsider, _ := connectUser(registry, "eve", "tenant-a")
	response = engine.HandleMessage(outsider, protocol.ClientMessage{
		Action: protocol.ActionSubscribeChannel, RequestID: 13, Channel: "lobby",
	})
	expectError(t, response, 13, protocol.ErrCodeAccessDenied)
}

func TestSendRunsValidatorBeforePublishing(t *testing.T) {
	validated := Settings{
		Validator: func(user connection.UserContext, channel, subchannel string, message json.RawMessage) bool {
			var payload struct {
				Text string `json:"text"`
			}
			return json.Unmarshal(message, &payload) == nil && payload.Text != ""
		},
	}
	engine, registry := newTestEngine(t, map[string]Settings{"lobby": validated})
	sender, _ := connectUser(registry, "alice", "tenant-a")
	listener, listenerTransport := connectUser(registry, "bob", "tenant-a")
	expectSuccess(t, engine.HandleMessage(listener, protocol.ClientMessage{
		Action: protocol.ActionSubscribeChannel, RequestID: 14, Channel: "lobby",
	}), 14)

	response := engine.HandleMessage(sender, protocol.ClientMessage{
		Action:    protocol.ActionSendToChannel,
		RequestID: 15,
		Channel:   "lobby",
		Message:   json.RawMessage(`{"text":""}`),
	})
	expectError(t, response, 15, protocol.ErrCodeInvalidMessage)
	if len(listenerTransport.sent) != 0 {
		t.Fatalf("rejected message must not be published")
	}

	response = engine.HandleMessage(sender, protocol.ClientMessage{
		Action:    protocol.ActionSendToChannel,
		RequestID: 16,
		Channel:   "lobby",
		Message:   json.RawMessage(`{"text":"hello"}`),
	})
	expectSuccess(t, response, 16)
	if len(listenerTransport.sent) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(listenerTransport.sent))
	}
}

func TestServerSidePublishBypassesValidator(t *testing.T) {
	validated := Settings{
		Validator: func(connection.UserContext, string, string, json.RawMessage) bool { return false },
	}
	engine, registry := newTestEngine(t, map[string]Settings{"lobby": validated})
	listener, listenerTransport := connectUser(registry, "bob", "tenant-a")
	expectSuccess(t, engine.HandleMessage(listener, protocol.ClientMessage{
		Action: protocol.ActionSubscribeChannel, RequestID: 17, Channel: "lobby",
	}), 17)

	if err := engine.Publish("tenant-a", "lobby", "", json.RawMessage(`{"system":true}`)); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	if len(listenerTransport.sent) != 1 {
		t.Fatalf("expected server-side publish to be delivered")
	}
}

func TestSenderInChannelReceivesOwnMessage(t *testing.T) {
	engine, registry := newTestEngine(t, map[string]Settings{"lobby": {}})
	sender, senderTransport := connectUser(registry, "alice", "tenant-a")
	expectSuccess(t, engine.HandleMessage(sender, protocol.ClientMessage{
		Action: protocol.ActionSubscribeChannel, RequestID: 18, Channel: "lobby",
	}), 18)

	expectSuccess(t, engine.HandleMessage(sender, protocol.ClientMessage{
		Action:    protocol.ActionSendToChannel,
		RequestID: 19,
		Channel:   "lobby",
		Message:   json.RawMessage(`{"text":"echo"}`),
	}), 19)
	if len(senderTransport.sent) != 1 {
		t.Fatalf("expected the subscribed sender to receive its own message")
	}
}
