package channels

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/amberbase/amberbase/connection"
	"github.com/amberbase/amberbase/protocol"
	"go.uber.org/zap"
)

// Action is one of the channel operations access rights are granted for.
type Action string

const (
	ActionSubscribe Action = "subscribe"
	ActionPublish   Action = "publish"
)

var (
	// ErrChannelNotFound indicates a channel name with no registered settings.
	ErrChannelNotFound = errors.New("channels: channel not found")

	errMissingRegistry = errors.New("connection registry is required")
	noOpLogger         = zap.NewNop()
)

// AccessRights models who may subscribe to or publish on a channel, either as
// a role to allowed-actions map or as a predicate. When Predicate is set it
// takes precedence over Roles.
type AccessRights struct {
	Roles     map[string][]Action
	Predicate func(user connection.UserContext, channel, subchannel string, action Action) bool
}

// Allows evaluates the configured variant.
func (r *AccessRights) Allows(user connection.UserContext, channel, subchannel string, action Action) bool {
	if r.Predicate != nil {
		return r.Predicate(user, channel, subchannel, action)
	}
	for _, role := range user.Roles {
		for _, allowed := range r.Roles[role] {
			if allowed == action {
				return true
			}
		}
	}
	return false
}

// Settings configures one named channel. Registered once at startup,
// immutable thereafter. Channel traffic is fire-and-forget: no persistence, no
// catch-up, no delivery to late subscribers.
type Settings struct {
	// Subchannels marks the channel as a type with addressable instances
	// below it ("chat/room1"). When set, a bare subscription is rejected; when
	// unset, a subchannel suffix is rejected.
	Subchannels bool

	// AccessRights guards subscribe and client-side publish. A nil value is
	// the permissive default and allows both actions.
	AccessRights *AccessRights

	// Validator checks client-sent messages before publishing. Server-side
	// publishes bypass it.
	Validator func(user connection.UserContext, channel, subchannel string, message json.RawMessage) bool
}

func (s Settings) allows(user connection.UserContext, channel, subchannel string, action Action) bool {
	if s.AccessRights == nil {
		return true
	}
	return s.AccessRights.Allows(user, channel, subchannel, action)
}

// EngineConfig wires the dependencies of the channels engine.
type EngineConfig struct {
	Registry *connection.Registry
	Channels map[string]Settings
	Logger   *zap.Logger
}

// Engine is the stateless pub/sub layer sharing the connection registry with
// the collections engine.
type Engine struct {
	registry *connection.Registry
	settings map[string]Settings
	logger   *zap.Logger
}

// NewEngine constructs the engine after validating its dependencies.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("channels.engine.new: %w", errMissingRegistry)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	settings := make(map[string]Settings, len(cfg.Channels))
	for name, channelSettings := range cfg.Channels {
		settings[name] = channelSettings
	}
	return &Engine{
		registry: cfg.Registry,
		settings: settings,
		logger:   logger,
	}, nil
}

// Publish forwards a message to every tenant connection subscribed to the
// exact channel/subchannel identity. Returns ErrChannelNotFound for an
// unregistered channel; there is no per-recipient error path.
func (e *Engine) Publish(tenant, channel, subchannel string, message json.RawMessage) error {
	if _, ok := e.settings[channel]; !ok {
		return ErrChannelNotFound
	}
	e.publish(tenant, protocol.ChannelName{Channel: channel, Subchannel: subchannel}, message)
	return nil
}

// SubscriptionsByTenant counts channel subscriptions per tenant across the
// live connection set.
func (e *Engine) SubscriptionsByTenant() map[string]int {
	return e.registry.CountByTenant(func(keys []string) int {
		count := 0
		for _, key := range keys {
			if strings.HasPrefix(key, connection.ChannelKeyPrefix) {
				count++
			}
		}
		return count
	})
}

// HandleMessage is the channels link of the dispatch chain. Non-channel
// actions return nil so the chain continues.
func (e *Engine) HandleMessage(conn *connection.Conn, message protocol.ClientMessage) *protocol.ServerMessage {
	switch message.Action {
	case protocol.ActionSubscribeChannel:
		return e.handleSubscribe(conn, message)
	case protocol.ActionUnsubscribeChannel:
		return e.handleUnsubscribe(conn, message)
	case protocol.ActionSendToChannel:
		return e.handleSend(conn, message)
	default:
		return nil
	}
}

// resolve parses and validates the channel identity of a client message.
func (e *Engine) resolve(message protocol.ClientMessage) (protocol.ChannelName, Settings, *protocol.ServerMessage) {
	name, ok := protocol.SplitChannelName(message.Channel)
	if !ok {
		return protocol.ChannelName{}, Settings{}, protocol.ErrorResponse(message.RequestID, protocol.ErrCodeInvalidMessage)
	}
	settings, ok := e.settings[name.Channel]
	if !ok {
		return protocol.ChannelName{}, Settings{}, protocol.ErrorResponse(message.RequestID, protocol.ErrCodeNotFound)
	}
	if settings.Subchannels && name.Subchannel == "" {
		return protocol.ChannelName{}, Settings{}, protocol.ErrorResponse(message.RequestID, protocol.ErrCodeInvalidMessage)
	}
	if !settings.Subchannels && name.Subchannel != "" {
		return protocol.ChannelName{}, Settings{}, protocol.ErrorResponse(message.RequestID, protocol.ErrCodeInvalidMessage)
	}
	return name, settings, nil
}

func (e *Engine) handleSubscribe(conn *connection.Conn, message protocol.ClientMessage) *protocol.ServerMessage {
	name, settings, errResponse := e.resolve(message)
	if errResponse != nil {
		return errResponse
	}
	if !settings.allows(conn.User(), name.Channel, name.Subchannel, ActionSubscribe) {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeAccessDenied)
	}
	// Joining twice is idempotent; membership is a set.
	conn.JoinChannel(name.String())
	return protocol.SuccessResponse(message.RequestID)
}

func (e *Engine) handleUnsubscribe(conn *connection.Conn, message protocol.ClientMessage) *protocol.ServerMessage {
	name, _, errResponse := e.resolve(message)
	if errResponse != nil {
		return errResponse
	}
	conn.LeaveChannel(name.String())
	return protocol.SuccessResponse(message.RequestID)
}

// handleSend publishes a client message after running the channel's optional
// validator. A rejected message is never published.
func (e *Engine) handleSend(conn *connection.Conn, message protocol.ClientMessage) *protocol.ServerMessage {
	name, settings, errResponse := e.resolve(message)
	if errResponse != nil {
		return errResponse
	}
	if !settings.allows(conn.User(), name.Channel, name.Subchannel, ActionPublish) {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeAccessDenied)
	}
	if settings.Validator != nil && !settings.Validator(conn.User(), name.Channel, name.Subchannel, message.Message) {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeInvalidMessage)
	}
	e.publish(conn.Tenant, name, message.Message)
	return protocol.SuccessResponse(message.RequestID)
}

func (e *Engine) publish(tenant string, name protocol.ChannelName, message json.RawMessage) {
	identity := name.String()
	push := &protocol.ServerMessage{
		Type:    protocol.TypeChannelMessage,
		Channel: identity,
		Message: message,
	}
	for _, conn := range e.registry.ForTenant(tenant) {
		if !conn.InChannel(identity) {
			continue
		}
		if err := conn.Send(push); err != nil {
			e.logger.Warn("failed to push channel message",
				zap.Int64("connection_id", conn.ID),
				zap.String("tenant", conn.Tenant),
				zap.String("channel", identity),
				zap.Error(err))
		}
	}
}
