package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates that the addressed document does not exist.
	ErrNotFound = errors.New("storage: document not found")
	// ErrChangeNumberConflict indicates that a conditional write lost against a
	// concurrent mutation of the same document.
	ErrChangeNumberConflict = errors.New("storage: change number conflict")
)

// Document is a stored collection document. Data is the opaque JSON payload;
// AccessTags bound visibility, DataTags back indexed server-side lookups.
type Document struct {
	Tenant       string
	Collection   string
	ID           string
	ChangeNumber int64
	ChangeUser   string
	ChangeTime   time.Time
	Data         json.RawMessage
	AccessTags   []string
	DataTags     []string
}

// SyncAction is one append-only tombstone row: either a deletion or an
// access-tag transition. It lets a reconnecting client learn that a document
// it once saw is gone or no longer visible.
type SyncAction struct {
	Tenant        string
	Collection    string
	ID            string
	ChangeNumber  int64
	ChangeTime    time.Time
	OldAccessTags []string
	NewAccessTags []string
	Deleted       bool
}

// Store is the persistence port consumed by the collections engine. Change
// numbers handed out by a Store are strictly increasing per (tenant,
// collection) and never reused, including across documents and tombstones.
type Store interface {
	// GetDocument returns the current document or ErrNotFound.
	GetDocument(ctx context.Context, tenant, collection, documentID string) (*Document, error)

	// CreateDocument persists a new document under a freshly assigned id and
	// change number.
	CreateDocument(ctx context.Context, tenant, collection, userID string, data json.RawMessage, accessTags, dataTags []string) (*Document, error)

	// UpdateDocument replaces the document payload and tags if its stored
	// change number still equals previousChangeNumber, allocating a new change
	// number. When the access-tag set changes, a sync action recording the
	// old and new tags is written in the same transaction. Returns
	// ErrChangeNumberConflict when the compare-and-swap loses and ErrNotFound
	// when the document is gone.
	UpdateDocument(ctx context.Context, tenant, collection, documentID, userID string, data json.RawMessage, accessTags, dataTags []string, previousChangeNumber int64) (*Document, error)

	// DeleteDocument removes the document row and writes a deleted=true sync
	// action, returning the tombstone's change number. ErrNotFound when the
	// document does not exist; no tombstone is written in that case.
	DeleteDocument(ctx context.Context, tenant, collection, documentID string) (int64, error)

	// StreamDocuments delivers documents with change number above
	// sinceChangeNumber to onRow, ordered by change number. A non-nil
	// accessTags filter keeps only documents sharing at least one tag; a
	// non-empty dataTags filter keeps only documents carrying all given tags.
	// A non-nil error from onRow aborts the stream.
	StreamDocuments(ctx context.Context, tenant, collection string, sinceChangeNumber int64, accessTags, dataTags []string, onRow func(Document) error) error

	// StreamSyncActions delivers tombstone rows with change number above
	// sinceChangeNumber, ordered by change number. A non-nil accessTags filter
	// keeps only rows whose old or new tags share at least one tag.
	StreamSyncActions(ctx context.Context, tenant, collection string, sinceChangeNumber int64, accessTags []string, onRow func(SyncAction) error) error

	// DocumentCountsByTenant reports stored document counts per tenant.
	DocumentCountsByTenant(ctx context.Context) (map[string]int64, error)
}
