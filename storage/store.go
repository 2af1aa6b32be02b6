package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew          = "storage.store.new"
	opCreateDocument    = "storage.create_document"
	opUpdateDocument    = "storage.update_document"
	opDeleteDocument    = "storage.delete_document"
	opStreamDocuments   = "storage.stream_documents"
	opStreamSyncActions = "storage.stream_sync_actions"
)

// StoreError wraps a storage failure with a stable operation.reason code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the stable operation.reason identifier.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config wires the dependencies of a SQLStore.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// SQLStore implements the Store port on top of gorm. It is safe for
// concurrent use; change numbers are allocated with a database-level relative
// increment inside the same transaction as the document write.
type SQLStore struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	seedMu sync.Mutex
	seeded map[string]struct{}
}

// NewSQLStore constructs a SQLStore after validating its dependencies.
func NewSQLStore(cfg Config) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SQLStore{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		seeded:     make(map[string]struct{}),
	}, nil
}

// GetDocument returns the current document or ErrNotFound.
func (s *SQLStore) GetDocument(ctx context.Context, tenant, collection, documentID string) (*Document, error) {
	var record documentRecord
	err := s.db.WithContext(ctx).
		Where("tenant = ? AND collection = ? AND doc_id = ?", tenant, collection, documentID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	document := toDocument(record)
	return &document, nil
}

// CreateDocument persists a new document under a fresh id and change number.
func (s *SQLStore) CreateDocument(ctx context.Context, tenant, collection, userID string, data json.RawMessage, accessTags, dataTags []string) (*Document, error) {
	documentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateDocument, "id_generation_failed", err, tenant, collection)
		return nil, newStoreError(opCreateDocument, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	var created *Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changeNumber, err := s.nextChangeNumber(tx, tenant, collection)
		if err != nil {
			return newStoreError(opCreateDocument, "counter_failed", err)
		}
		record := documentRecord{
			Tenant:            tenant,
			Collection:        collection,
			DocID:             documentID,
			ChangeNumber:      changeNumber,
			ChangeUser:        userID,
			ChangeTimeSeconds: now.Unix(),
			Data:              string(data),
			AccessTagsJSON:    encodeTags(accessTags),
			DataTagsJSON:      encodeTags(dataTags),
		}
		if err := tx.Create(&record).Error; err != nil {
			return newStoreError(opCreateDocument, "insert_failed", err)
		}
		if err := replaceDataTags(tx, tenant, collection, documentID, dataTags); err != nil {
			return newStoreError(opCreateDocument, "tag_index_failed", err)
		}
		document := toDocument(record)
		created = &document
		return nil
	})
	if txErr != nil {
		s.logError(opCreateDocument, "transaction_failed", txErr, tenant, collection)
		return nil, txErr
	}
	return created, nil
}

// UpdateDocument performs the compare-and-swap update described on the Store
// port. The conditional UPDATE on the stored change number is the single
// statement expressing the swap; the tags delta decides whether an
// access-change sync action is appended.
func (s *SQLStore) UpdateDocument(ctx context.Context, tenant, collection, documentID, userID string, data json.RawMessage, accessTags, dataTags []string, previousChangeNumber int64) (*Document, error) {
	now := s.clock().UTC()
	var updated *Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record documentRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant = ? AND collection = ? AND doc_id = ?", tenant, collection, documentID).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return newStoreError(opUpdateDocument, "select_failed", err)
		}
		if record.ChangeNumber != previousChangeNumber {
			return ErrChangeNumberConflict
		}

		changeNumber, err := s.nextChangeNumber(tx, tenant, collection)
		if err != nil {
			return newStoreError(opUpdateDocument, "counter_failed", err)
		}

		oldAccessTags := decodeTags(record.AccessTagsJSON)
		result := tx.Model(&documentRecord{}).
			Where("tenant = ? AND collection = ? AND doc_id = ? AND change_number = ?", tenant, collection, documentID, previousChangeNumber).
			Updates(map[string]any{
				"change_number": changeNumber,
				"change_user":   userID,
				"change_time_s": now.Unix(),
				"data":          string(data),
				"access_tags":   encodeTags(accessTags),
				"data_tags":     encodeTags(dataTags),
			})
		if result.Error != nil {
			return newStoreError(opUpdateDocument, "update_failed", result.Error)
		}
		if result.RowsAffected != 1 {
			return ErrChangeNumberConflict
		}

		if !tagsEqual(oldAccessTags, accessTags) {
			action := syncActionRecord{
				Tenant:            tenant,
				Collection:        collection,
				DocID:             documentID,
				ChangeNumber:      changeNumber,
				ChangeTimeSeconds: now.Unix(),
				OldAccessTagsJSON: encodeTags(oldAccessTags),
				NewAccessTagsJSON: encodeTags(accessTags),
			}
			if err := tx.Create(&action).Error; err != nil {
				return newStoreError(opUpdateDocument, "sync_action_insert_failed", err)
			}
		}
		if err := replaceDataTags(tx, tenant, collection, documentID, dataTags); err != nil {
			return newStoreError(opUpdateDocument, "tag_index_failed", err)
		}

		record.ChangeNumber = changeNumber
		record.ChangeUser = userID
		record.ChangeTimeSeconds = now.Unix()
		record.Data = string(data)
		record.AccessTagsJSON = encodeTags(accessTags)
		record.DataTagsJSON = encodeTags(dataTags)
		document := toDocument(record)
		updated = &document
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrNotFound) && !errors.Is(txErr, ErrChangeNumberConflict) {
			s.logError(opUpdateDocument, "transaction_failed", txErr, tenant, collection)
		}
		return nil, txErr
	}
	return updated, nil
}

// DeleteDocument removes the document row and appends a deleted tombstone.
func (s *SQLStore) DeleteDocument(ctx context.Context, tenant, collection, documentID string) (int64, error) {
	now := s.clock().UTC()
	var tombstoneChangeNumber int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record documentRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant = ? AND collection = ? AND doc_id = ?", tenant, collection, documentID).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return newStoreError(opDeleteDocument, "select_failed", err)
		}

		changeNumber, err := s.nextChangeNumber(tx, tenant, collection)
		if err != nil {
			return newStoreError(opDeleteDocument, "counter_failed", err)
		}
		if err := tx.Where("tenant = ? AND collection = ? AND doc_id = ?", tenant, collection, documentID).
			Delete(&documentRecord{}).Error; err != nil {
			return newStoreError(opDeleteDocument, "delete_failed", err)
		}
		if err := replaceDataTags(tx, tenant, collection, documentID, nil); err != nil {
			return newStoreError(opDeleteDocument, "tag_index_failed", err)
		}
		action := syncActionRecord{
			Tenant:            tenant,
			Collection:        collection,
			DocID:             documentID,
			ChangeNumber:      changeNumber,
			ChangeTimeSeconds: now.Unix(),
			OldAccessTagsJSON: record.AccessTagsJSON,
			NewAccessTagsJSON: "[]",
			Deleted:           true,
		}
		if err := tx.Create(&action).Error; err != nil {
			return newStoreError(opDeleteDocument, "sync_action_insert_failed", err)
		}
		tombstoneChangeNumber = changeNumber
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrNotFound) {
			s.logError(opDeleteDocument, "transaction_failed", txErr, tenant, collection)
		}
		return 0, txErr
	}
	return tombstoneChangeNumber, nil
}

// StreamDocuments delivers matching documents to onRow in change number order.
func (s *SQLStore) StreamDocuments(ctx context.Context, tenant, collection string, sinceChangeNumber int64, accessTags, dataTags []string, onRow func(Document) error) error {
	query := s.db.WithContext(ctx).Model(&documentRecord{}).
		Where("tenant = ? AND collection = ? AND change_number > ?", tenant, collection, sinceChangeNumber).
		Order("change_number ASC")
	if len(dataTags) > 0 {
		query = query.Where(
			"doc_id IN (SELECT doc_id FROM document_tags WHERE tenant = ? AND collection = ? AND tag IN ? GROUP BY doc_id HAVING COUNT(DISTINCT tag) = ?)",
			tenant, collection, dataTags, len(dataTags))
	}

	rows, err := query.Rows()
	if err != nil {
		s.logError(opStreamDocuments, "query_failed", err, tenant, collection)
		return newStoreError(opStreamDocuments, "query_failed", err)
	}
	defer rows.Close()

	var filter mapset.Set[string]
	if accessTags != nil {
		filter = mapset.NewSet(accessTags...)
	}
	for rows.Next() {
		var record documentRecord
		if err := s.db.ScanRows(rows, &record); err != nil {
			return newStoreError(opStreamDocuments, "scan_failed", err)
		}
		document := toDocument(record)
		if filter != nil && !intersects(filter, document.AccessTags) {
			continue
		}
		if err := onRow(document); err != nil {
			return err
		}
	}
	return rows.Err()
}

// StreamSyncActions delivers matching tombstone rows to onRow in change number
// order.
func (s *SQLStore) StreamSyncActions(ctx context.Context, tenant, collection string, sinceChangeNumber int64, accessTags []string, onRow func(SyncAction) error) error {
	rows, err := s.db.WithContext(ctx).Model(&syncActionRecord{}).
		Where("tenant = ? AND collection = ? AND change_number > ?", tenant, collection, sinceChangeNumber).
		Order("change_number ASC").
		Rows()
	if err != nil {
		s.logError(opStreamSyncActions, "query_failed", err, tenant, collection)
		return newStoreError(opStreamSyncActions, "query_failed", err)
	}
	defer rows.Close()

	var filter mapset.Set[string]
	if accessTags != nil {
		filter = mapset.NewSet(accessTags...)
	}
	for rows.Next() {
		var record syncActionRecord
		if err := s.db.ScanRows(rows, &record); err != nil {
			return newStoreError(opStreamSyncActions, "scan_failed", err)
		}
		action := toSyncAction(record)
		if filter != nil && !intersects(filter, action.OldAccessTags) && !intersects(filter, action.NewAccessTags) {
			continue
		}
		if err := onRow(action); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DocumentCountsByTenant reports stored document counts per tenant.
func (s *SQLStore) DocumentCountsByTenant(ctx context.Context) (map[string]int64, error) {
	var counts []struct {
		Tenant string
		Total  int64
	}
	if err := s.db.WithContext(ctx).Model(&documentRecord{}).
		Select("tenant, COUNT(*) AS total").
		Group("tenant").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	result := make(map[string]int64, len(counts))
	for _, row := range counts {
		result[row.Tenant] = row.Total
	}
	return result, nil
}

// nextChangeNumber allocates the next change number for (tenant, collection)
// inside the caller's transaction. The relative UPDATE makes racing
// allocators serialize on the database row instead of an in-process cache.
func (s *SQLStore) nextChangeNumber(tx *gorm.DB, tenant, collection string) (int64, error) {
	if err := s.ensureCounter(tx, tenant, collection); err != nil {
		return 0, err
	}
	result := tx.Model(&counterRecord{}).
		Where("tenant = ? AND collection = ?", tenant, collection).
		Update("value", gorm.Expr("value + 1"))
	if result.Error != nil {
		return 0, result.Error
	}
	var record counterRecord
	if err := tx.Where("tenant = ? AND collection = ?", tenant, collection).
		Take(&record).Error; err != nil {
		return 0, err
	}
	return record.Value, nil
}

// ensureCounter seeds the counter row from the highest persisted change
// number. The process-local seeded set only skips re-running the seed query;
// correctness does not depend on it.
func (s *SQLStore) ensureCounter(tx *gorm.DB, tenant, collection string) error {
	key := tenant + "\x00" + collection
	s.seedMu.Lock()
	_, known := s.seeded[key]
	s.seedMu.Unlock()
	if known {
		return nil
	}

	var existing counterRecord
	err := tx.Where("tenant = ? AND collection = ?", tenant, collection).Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var documentMax, actionMax int64
		if err := tx.Model(&documentRecord{}).
			Where("tenant = ? AND collection = ?", tenant, collection).
			Select("COALESCE(MAX(change_number), 0)").
			Scan(&documentMax).Error; err != nil {
			return err
		}
		if err := tx.Model(&syncActionRecord{}).
			Where("tenant = ? AND collection = ?", tenant, collection).
			Select("COALESCE(MAX(change_number), 0)").
			Scan(&actionMax).Error; err != nil {
			return err
		}
		seed := documentMax
		if actionMax > seed {
			seed = actionMax
		}
		record := counterRecord{Tenant: tenant, Collection: collection, Value: seed}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
			return err
		}
	}

	s.seedMu.Lock()
	s.seeded[key] = struct{}{}
	s.seedMu.Unlock()
	return nil
}

func replaceDataTags(tx *gorm.DB, tenant, collection, documentID string, dataTags []string) error {
	if err := tx.Where("tenant = ? AND collection = ? AND doc_id = ?", tenant, collection, documentID).
		Delete(&documentTagRecord{}).Error; err != nil {
		return err
	}
	for _, tag := range dataTags {
		record := documentTagRecord{Tenant: tenant, Collection: collection, Tag: tag, DocID: documentID}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
	}
	return nil
}

func toDocument(record documentRecord) Document {
	return Document{
		Tenant:       record.Tenant,
		Collection:   record.Collection,
		ID:           record.DocID,
		ChangeNumber: record.ChangeNumber,
		ChangeUser:   record.ChangeUser,
		ChangeTime:   time.Unix(record.ChangeTimeSeconds, 0).UTC(),
		Data:         json.RawMessage(record.Data),
		AccessTags:   decodeTags(record.AccessTagsJSON),
		DataTags:     decodeTags(record.DataTagsJSON),
	}
}

func toSyncAction(record syncActionRecord) SyncAction {
	return SyncAction{
		Tenant:        record.Tenant,
		Collection:    record.Collection,
		ID:            record.DocID,
		ChangeNumber:  record.ChangeNumber,
		ChangeTime:    time.Unix(record.ChangeTimeSeconds, 0).UTC(),
		OldAccessTags: decodeTags(record.OldAccessTagsJSON),
		NewAccessTags: decodeTags(record.NewAccessTagsJSON),
		Deleted:       record.Deleted,
	}
}

func tagsEqual(a, b []string) bool {
	return mapset.NewThreadUnsafeSet(a...).Equal(mapset.NewThreadUnsafeSet(b...))
}

func intersects(filter mapset.Set[string], tags []string) bool {
	for _, tag := range tags {
		if filter.Contains(tag) {
			return true
		}
	}
	return false
}

func (s *SQLStore) logError(operation, reason string, err error, tenant, collection string) {
	s.logger.Error("storage error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("tenant", tenant),
		zap.String("collection", collection),
		zap.Error(err))
}
