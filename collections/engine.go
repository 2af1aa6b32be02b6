package collections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/amberbase/amberbase/connection"
	"github.com/amberbase/amberbase/protocol"
	"github.com/amberbase/amberbase/storage"
	"go.uber.org/zap"
)

var (
	// ErrCollectionNotFound indicates a collection name with no registered
	// settings.
	ErrCollectionNotFound = errors.New("collections: collection not found")
	// ErrDocumentNotFound indicates the addressed document does not exist.
	ErrDocumentNotFound = errors.New("collections: document not found")
	// ErrVersionConflict indicates an optimistic concurrency mismatch; the
	// document is left unchanged.
	ErrVersionConflict = errors.New("collections: version conflict")

	errMissingStore    = errors.New("document store is required")
	errMissingRegistry = errors.New("connection registry is required")
	noOpLogger         = zap.NewNop()
)

const (
	opEngineNew = "collections.engine.new"
	opCreate    = "collections.create"
	opUpdate    = "collections.update"
	opDelete    = "collections.delete"
	opSubscribe = "collections.subscribe"
	opHook      = "collections.change_hook"
)

// EngineConfig wires the dependencies of the collections engine.
type EngineConfig struct {
	Store       storage.Store
	Registry    *connection.Registry
	Collections map[string]Settings
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Engine enforces per-document access, maintains optimistic concurrency and
// synchronizes document state to subscribed connections. The embedding API and
// the protocol-triggered operations share the same underlying calls.
type Engine struct {
	store    storage.Store
	registry *connection.Registry
	settings map[string]Settings
	clock    func() time.Time
	logger   *zap.Logger
}

// NewEngine constructs the engine after validating its dependencies.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opEngineNew, errMissingStore)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%s: %w", opEngineNew, errMissingRegistry)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	settings := make(map[string]Settings, len(cfg.Collections))
	for name, collectionSettings := range cfg.Collections {
		settings[name] = collectionSettings
	}
	return &Engine{
		store:    cfg.Store,
		registry: cfg.Registry,
		settings: settings,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Get returns the current payload of a document.
func (e *Engine) Get(ctx context.Context, tenant, collection, documentID string) (json.RawMessage, error) {
	if _, ok := e.settings[collection]; !ok {
		return nil, ErrCollectionNotFound
	}
	document, err := e.store.GetDocument(ctx, tenant, collection, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return document.Data, nil
}

// Create persists a new document, fans it out to subscribed connections whose
// user tags intersect the document tags, and returns the assigned id. The
// change hook runs asynchronously after the broadcast.
func (e *Engine) Create(ctx context.Context, tenant, collection, userID string, data json.RawMessage) (string, error) {
	settings, ok := e.settings[collection]
	if !ok {
		return "", ErrCollectionNotFound
	}

	document, err := e.store.CreateDocument(ctx, tenant, collection, userID, data, settings.accessTags(data), settings.dataTags(data))
	if err != nil {
		e.logError(opCreate, "persist_failed", err, tenant, collection)
		return "", err
	}

	e.broadcastDocument(collection, settings, document)
	e.runChangeHook(settings, DocumentChange{
		Tenant:     tenant,
		UserID:     userID,
		DocumentID: document.ID,
		NewData:    data,
		Action:     ActionCreate,
		Engine:     e,
	})
	return document.ID, nil
}

// Update replaces a document payload under optimistic concurrency. A non-nil
// expectedChangeNumber must equal the stored change number or the update fails
// with ErrVersionConflict and leaves the document unchanged.
func (e *Engine) Update(ctx context.Context, tenant, collection, documentID, userID string, data json.RawMessage, expectedChangeNumber *int64) error {
	settings, ok := e.settings[collection]
	if !ok {
		return ErrCollectionNotFound
	}
	oldDocument, err := e.store.GetDocument(ctx, tenant, collection, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return err
	}
	if expectedChangeNumber != nil && *expectedChangeNumber != oldDocument.ChangeNumber {
		return ErrVersionConflict
	}
	return e.updateWithOld(ctx, settings, collection, userID, data, oldDocument)
}

// UpdateWithTransform is a read-modify-write convenience. A nil result from
// transform is a no-op, which keeps idempotent cascades cheap.
func (e *Engine) UpdateWithTransform(ctx context.Context, tenant, collection, documentID, userID string, transform func(oldData json.RawMessage) (json.RawMessage, error)) error {
	settings, ok := e.settings[collection]
	if !ok {
		return ErrCollectionNotFound
	}
	oldDocument, err := e.store.GetDocument(ctx, tenant, collection, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return err
	}
	newData, err := transform(oldDocument.Data)
	if err != nil {
		return err
	}
	if newData == nil {
		return nil
	}
	return e.updateWithOld(ctx, settings, collection, userID, newData, oldDocument)
}

func (e *Engine) updateWithOld(ctx context.Context, settings Settings, collection, userID string, data json.RawMessage, oldDocument *storage.Document) error {
	updated, err := e.store.UpdateDocument(ctx,
		oldDocument.Tenant, collection, oldDocument.ID, userID,
		data, settings.accessTags(data), settings.dataTags(data),
		oldDocument.ChangeNumber)
	if errors.Is(err, storage.ErrChangeNumberConflict) {
		return ErrVersionConflict
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrDocumentNotFound
	}
	if err != nil {
		e.logError(opUpdate, "persist_failed", err, oldDocument.Tenant, collection)
		return err
	}

	e.broadcastUpdate(collection, settings, updated, oldDocument.AccessTags)
	e.runChangeHook(settings, DocumentChange{
		Tenant:     oldDocument.Tenant,
		UserID:     userID,
		DocumentID: oldDocument.ID,
		OldData:    oldDocument.Data,
		NewData:    data,
		Action:     ActionUpdate,
		Engine:     e,
	})
	return nil
}

// Delete removes a document and broadcasts a removal notice to every
// subscribed tenant connection. Removal notices go out regardless of
// access-tag match; minor over-notification is accepted over re-deriving old
// tags per subscriber.
func (e *Engine) Delete(ctx context.Context, tenant, collection, documentID, userID string) error {
	settings, ok := e.settings[collection]
	if !ok {
		return ErrCollectionNotFound
	}
	oldDocument, err := e.store.GetDocument(ctx, tenant, collection, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return err
	}

	changeNumber, err := e.store.DeleteDocument(ctx, tenant, collection, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrDocumentNotFound
	}
	if err != nil {
		e.logError(opDelete, "persist_failed", err, tenant, collection)
		return err
	}

	e.broadcastRemoval(tenant, collection, documentID, changeNumber)
	e.runChangeHook(settings, DocumentChange{
		Tenant:     tenant,
		UserID:     userID,
		DocumentID: documentID,
		OldData:    oldDocument.Data,
		Action:     ActionDelete,
		Engine:     e,
	})
	return nil
}

// StreamByTags delivers (id, payload) for every document carrying all of the
// given data tags. Only tag-scoped streams are exposed to embedding code; an
// unbounded "all documents" read is deliberately not offered.
func (e *Engine) StreamByTags(ctx context.Context, tenant, collection string, tags []string, onRow func(documentID string, data json.RawMessage) error) error {
	if _, ok := e.settings[collection]; !ok {
		return ErrCollectionNotFound
	}
	return e.store.StreamDocuments(ctx, tenant, collection, 0, nil, tags, func(document storage.Document) error {
		return onRow(document.ID, document.Data)
	})
}

// SubscriptionsByTenant counts collection subscriptions per tenant across the
// live connection set.
func (e *Engine) SubscriptionsByTenant() map[string]int {
	return e.registry.CountByTenant(func(keys []string) int {
		count := 0
		for _, key := range keys {
			if strings.HasPrefix(key, connection.CollectionKeyPrefix) {
				count++
			}
		}
		return count
	})
}

// DocumentCountsByTenant reports stored document counts per tenant.
func (e *Engine) DocumentCountsByTenant(ctx context.Context) (map[string]int64, error) {
	return e.store.DocumentCountsByTenant(ctx)
}

// broadcastDocument fans a fresh or updated document out to every subscribed
// tenant connection whose user tags intersect the document tags. Collections
// without a per-user tag function are unfiltered.
func (e *Engine) broadcastDocument(collection string, settings Settings, document *storage.Document) {
	message := syncDocumentMessage(collection, document)
	for _, conn := range e.registry.ForTenant(document.Tenant) {
		if !conn.SubscribedToCollection(collection) {
			continue
		}
		if !e.connSeesTags(settings, conn, document.AccessTags) {
			continue
		}
		e.push(conn, message)
	}
}

// broadcastUpdate is the tag-transition aware variant: connections that see
// the new tags get the sync message, connections that only saw the old tags
// get a removal notice, everyone else is skipped.
func (e *Engine) broadcastUpdate(collection string, settings Settings, document *storage.Document, oldAccessTags []string) {
	message := syncDocumentMessage(collection, document)
	removal := removedDocumentMessage(collection, document.ID, document.ChangeNumber)
	for _, conn := range e.registry.ForTenant(document.Tenant) {
		if !conn.SubscribedToCollection(collection) {
			continue
		}
		if settings.AccessTagsFromUser == nil {
			e.push(conn, message)
			continue
		}
		userTags := mapset.NewThreadUnsafeSet(settings.userTags(conn.User())...)
		switch {
		case intersects(userTags, document.AccessTags):
			e.push(conn, message)
		case intersects(userTags, oldAccessTags):
			e.push(conn, removal)
		}
	}
}

// broadcastRemoval sends a removal notice to every subscribed connection.
func (e *Engine) broadcastRemoval(tenant, collection, documentID string, changeNumber int64) {
	removal := removedDocumentMessage(collection, documentID, changeNumber)
	for _, conn := range e.registry.ForTenant(tenant) {
		if !conn.SubscribedToCollection(collection) {
			continue
		}
		e.push(conn, removal)
	}
}

func (e *Engine) connSeesTags(settings Settings, conn *connection.Conn, documentTags []string) bool {
	if settings.AccessTagsFromUser == nil {
		return true
	}
	userTags := mapset.NewThreadUnsafeSet(settings.userTags(conn.User())...)
	return intersects(userTags, documentTags)
}

func (e *Engine) push(conn *connection.Conn, message *protocol.ServerMessage) {
	if err := conn.Send(message); err != nil {
		e.logger.Warn("failed to push sync message",
			zap.Int64("connection_id", conn.ID),
			zap.String("tenant", conn.Tenant),
			zap.Error(err))
	}
}

// runChangeHook invokes the optional hook on its own goroutine. The mutation
// is already committed and broadcast; a failing or panicking hook can only
// fail its own side effect, so it is logged and swallowed.
func (e *Engine) runChangeHook(settings Settings, change DocumentChange) {
	if settings.OnDocumentChange == nil {
		return
	}
	hook := settings.OnDocumentChange
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				e.logger.Error("change hook panicked",
					zap.String("operation", opHook),
					zap.String("tenant", change.Tenant),
					zap.String("document_id", change.DocumentID),
					zap.Any("panic", recovered))
			}
		}()
		if err := hook(change); err != nil {
			e.logger.Error("change hook failed",
				zap.String("operation", opHook),
				zap.String("tenant", change.Tenant),
				zap.String("document_id", change.DocumentID),
				zap.Error(err))
		}
	}()
}

func syncDocumentMessage(collection string, document *storage.Document) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		Type:       protocol.TypeSyncDocument,
		Collection: collection,
		Document: &protocol.SyncDocument{
			ID:           document.ID,
			ChangeNumber: document.ChangeNumber,
			ChangeUser:   document.ChangeUser,
			ChangeTime:   document.ChangeTime.UTC().Format(time.RFC3339),
			Data:         document.Data,
		},
	}
}

func removedDocumentMessage(collection, documentID string, changeNumber int64) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		Type:       protocol.TypeSyncDocument,
		Collection: collection,
		Document: &protocol.SyncDocument{
			ID:           documentID,
			ChangeNumber: changeNumber,
			Removed:      true,
		},
	}
}

func intersects(tags mapset.Set[string], other []string) bool {
	for _, tag := range other {
		if tags.Contains(tag) {
			return true
		}
	}
	return false
}

func (e *Engine) logError(operation, reason string, err error, tenant, collection string) {
	e.logger.Error("collections engine error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("tenant", tenant),
		zap.String("collection", collection),
		zap.Error(err))
}
