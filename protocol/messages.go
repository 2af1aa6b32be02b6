package protocol

import "encoding/json"

// Client actions carried in the "action" field of every inbound message.
const (
	ActionSubscribeCollection   = "subscribe-collection"
	ActionUnsubscribeCollection = "unsubscribe-collection"
	ActionCreateDocument        = "create-doc"
	ActionUpdateDocument        = "update-doc"
	ActionDeleteDocument        = "delete-doc"
	ActionSubscribeChannel      = "subscribe-channel"
	ActionUnsubscribeChannel    = "unsubscribe-channel"
	ActionSendToChannel         = "send-to-channel"
)

// Server message types carried in the "type" field of every outbound message.
const (
	TypeError           = "error"
	TypeSuccess         = "success"
	TypeSuccessDocument = "success-document"
	TypeSyncDocument    = "sync-document"
	TypeChannelMessage  = "channel-message"
)

// Error codes surfaced in error responses. None of them terminate the connection.
const (
	ErrCodeNotFound          = "not-found"
	ErrCodeAccessDenied      = "access-denied"
	ErrCodeValidationFailed  = "validation-failed"
	ErrCodeVersionConflict   = "version-conflict"
	ErrCodeAlreadySubscribed = "already-subscribed"
	ErrCodeNotSubscribed     = "not-subscribed"
	ErrCodeInvalidMessage    = "invalid-message"
	ErrCodeInternal          = "internal-error"
)

// ClientMessage is the single envelope for every inbound protocol message.
// Which fields are meaningful depends on the action; handlers match on Action
// and ignore the rest.
type ClientMessage struct {
	Action    string `json:"action"`
	RequestID int64  `json:"requestId"`

	// Collection messages.
	Collection           string          `json:"collection,omitempty"`
	Start                int64           `json:"start,omitempty"`
	DocumentID           string          `json:"documentId,omitempty"`
	Content              json.RawMessage `json:"content,omitempty"`
	ExpectedChangeNumber *int64          `json:"expectedChangeNumber,omitempty"`

	// Channel messages.
	Channel string          `json:"channel,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// SyncDocument is the document body of a sync-document push. A removed entry
// carries only the id and change number; a live entry carries the full payload.
type SyncDocument struct {
	ID           string          `json:"id"`
	ChangeNumber int64           `json:"change_number"`
	ChangeUser   string          `json:"change_user,omitempty"`
	ChangeTime   string          `json:"change_time,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Removed      bool            `json:"removed,omitempty"`
}

// ServerMessage is the single envelope for every outbound message. Responses
// carry ResponseTo; unsolicited pushes (sync-document, channel-message) do not.
type ServerMessage struct {
	Type       string `json:"type"`
	ResponseTo int64  `json:"responseTo,omitempty"`
	Error      string `json:"error,omitempty"`
	DocumentID string `json:"documentId,omitempty"`

	Collection string        `json:"collection,omitempty"`
	Document   *SyncDocument `json:"document,omitempty"`

	Channel string          `json:"channel,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// ErrorResponse builds an error response correlated to the triggering request.
func ErrorResponse(requestID int64, code string) *ServerMessage {
	return &ServerMessage{
		Type:       TypeError,
		ResponseTo: requestID,
		Error:      code,
	}
}

// SuccessResponse builds a plain success response.
func SuccessResponse(requestID int64) *ServerMessage {
	return &ServerMessage{
		Type:       TypeSuccess,
		ResponseTo: requestID,
	}
}

// DocumentCreatedResponse builds the success response for create-doc carrying
// the freshly assigned document id.
func DocumentCreatedResponse(requestID int64, documentID string) *ServerMessage {
	return &ServerMessage{
		Type:       TypeSuccessDocument,
		ResponseTo: requestID,
		DocumentID: documentID,
	}
}
