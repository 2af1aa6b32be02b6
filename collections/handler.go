package collections

import (
	"context"
	"errors"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/amberbase/amberbase/connection"
	"github.com/amberbase/amberbase/protocol"
	"github.com/amberbase/amberbase/storage"
	"go.uber.org/zap"
)

// HandleMessage is the collections link of the dispatch chain. Non-collection
// actions return nil so the chain continues.
func (e *Engine) HandleMessage(conn *connection.Conn, message protocol.ClientMessage) *protocol.ServerMessage {
	switch message.Action {
	case protocol.ActionSubscribeCollection,
		protocol.ActionUnsubscribeCollection,
		protocol.ActionCreateDocument,
		protocol.ActionUpdateDocument,
		protocol.ActionDeleteDocument:
	default:
		return nil
	}

	if message.Collection == "" {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeInvalidMessage)
	}
	settings, ok := e.settings[message.Collection]
	if !ok {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeNotFound)
	}

	switch message.Action {
	case protocol.ActionSubscribeCollection:
		return e.handleSubscribe(conn, message, settings)
	case protocol.ActionUnsubscribeCollection:
		return e.handleUnsubscribe(conn, message)
	case protocol.ActionCreateDocument:
		return e.handleCreate(conn, message, settings)
	case protocol.ActionUpdateDocument:
		return e.handleUpdate(conn, message, settings)
	default:
		return e.handleDelete(conn, message, settings)
	}
}

// handleSubscribe records the watermark and performs the two-phase catch-up:
// first every currently visible document above the watermark, then, for a
// resuming client, a removal notice for every tombstone whose document was not
// part of the first phase.
func (e *Engine) handleSubscribe(conn *connection.Conn, message protocol.ClientMessage, settings Settings) *protocol.ServerMessage {
	if conn.SubscribedToCollection(message.Collection) {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeAlreadySubscribed)
	}
	if !settings.allows(conn.User(), nil, ActionRead) {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeAccessDenied)
	}

	userTags := settings.userTags(conn.User())
	conn.SubscribeCollection(message.Collection, message.Start)

	ctx := context.Background()
	sent := mapset.NewThreadUnsafeSet[string]()
	err := e.store.StreamDocuments(ctx, conn.Tenant, message.Collection, message.Start, userTags, nil, func(document storage.Document) error {
		sent.Add(document.ID)
		return conn.Send(syncDocumentMessage(message.Collection, &document))
	})
	if err != nil {
		conn.UnsubscribeCollection(message.Collection)
		e.logError(opSubscribe, "document_stream_failed", err, conn.Tenant, message.Collection)
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeInternal)
	}

	if message.Start > 0 {
		err = e.store.StreamSyncActions(ctx, conn.Tenant, message.Collection, message.Start, userTags, func(action storage.SyncAction) error {
			if !action.Deleted && sent.Contains(action.ID) {
				// Delivered as a fresh sync just now, so access still holds.
				return nil
			}
			return conn.Send(removedDocumentMessage(message.Collection, action.ID, action.ChangeNumber))
		})
		if err != nil {
			conn.UnsubscribeCollection(message.Collection)
			e.logError(opSubscribe, "sync_action_stream_failed", err, conn.Tenant, message.Collection)
			return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeInternal)
		}
	}

	return protocol.SuccessResponse(message.RequestID)
}

func (e *Engine) handleUnsubscribe(conn *connection.Conn, message protocol.ClientMessage) *protocol.ServerMessage {
	if !conn.UnsubscribeCollection(message.Collection) {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeNotSubscribed)
	}
	return protocol.SuccessResponse(message.RequestID)
}

func (e *Engine) handleCreate(conn *connection.Conn, message protocol.ClientMessage, settings Settings) *protocol.ServerMessage {
	if !settings.allows(conn.User(), nil, ActionCreate) {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeAccessDenied)
	}
	if !settings.validate(conn.User(), nil, message.Content, ActionCreate) {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeValidationFailed)
	}

	documentID, err := e.Create(context.Background(), conn.Tenant, message.Collection, conn.UserID, message.Content)
	if err != nil {
		e.logger.Error("create request failed",
			zap.String("tenant", conn.Tenant),
			zap.String("collection", message.Collection),
			zap.Error(err))
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeInternal)
	}
	return protocol.DocumentCreatedResponse(message.RequestID, documentID)
}

func (e *Engine) handleUpdate(conn *connection.Conn, message protocol.ClientMessage, settings Settings) *protocol.ServerMessage {
	if message.ExpectedChangeNumber == nil {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeInvalidMessage)
	}

	ctx := context.Background()
	oldDocument, err := e.store.GetDocument(ctx, conn.Tenant, message.Collection, message.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeNotFound)
	}
	if err != nil {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeInternal)
	}
	if *message.ExpectedChangeNumber != oldDocument.ChangeNumber {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeVersionConflict)
	}
	if !settings.allows(conn.User(), oldDocument.Data, ActionUpdate) {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeAccessDenied)
	}
	if !settings.validate(conn.User(), oldDocument.Data, message.Content, ActionUpdate) {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeValidationFailed)
	}

	err = e.updateWithOld(ctx, settings, message.Collection, conn.UserID, message.Content, oldDocument)
	switch {
	case errors.Is(err, ErrVersionConflict):
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeVersionConflict)
	case errors.Is(err, ErrDocumentNotFound):
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeNotFound)
	case err != nil:
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeInternal)
	}
	return protocol.SuccessResponse(message.RequestID)
}

func (e *Engine) handleDelete(conn *connection.Conn, message protocol.ClientMessage, settings Settings) *protocol.ServerMessage {
	ctx := context.Background()
	oldDocument, err := e.store.GetDocument(ctx, conn.Tenant, message.Collection, message.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeNotFound)
	}
	if err != nil {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeInternal)
	}
	if !settings.allows(conn.User(), oldDocument.Data, ActionDelete) {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeAccessDenied)
	}
	if !settings.validate(conn.User(), oldDocument.Data, nil, ActionDelete) {
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeValidationFailed)
	}

	err = e.Delete(ctx, conn.Tenant, message.Collection, message.DocumentID, conn.UserID)
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeNotFound)
	case err != nil:
		return protocol.ErrorResponse(message.RequestID, protocol.ErrCodeInternal)
	}
	return protocol.SuccessResponse(message.RequestID)
}
