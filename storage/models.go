package storage

import "encoding/json"

// documentRecord is the gorm binding for stored documents. Tag sets are kept
// as JSON-encoded text columns; the data-tag set is additionally indexed via
// documentTagRecord rows for server-side lookups.
type documentRecord struct {
	Tenant            string `gorm:"column:tenant;primaryKey;size:190;not null;index:idx_documents_change,priority:1"`
	Collection        string `gorm:"column:collection;primaryKey;size:190;not null;index:idx_documents_change,priority:2"`
	DocID             string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	ChangeNumber      int64  `gorm:"column:change_number;not null;index:idx_documents_change,priority:3"`
	ChangeUser        string `gorm:"column:change_user;size:190;not null;default:''"`
	ChangeTimeSeconds int64  `gorm:"column:change_time_s;not null"`
	Data              string `gorm:"column:data;type:text;not null"`
	AccessTagsJSON    string `gorm:"column:access_tags;type:text;not null;default:'[]'"`
	DataTagsJSON      string `gorm:"column:data_tags;type:text;not null;default:'[]'"`
}

// TableName provides the explicit table binding for GORM.
func (documentRecord) TableName() string {
	return "documents"
}

// syncActionRecord is the gorm binding for the append-only tombstone log.
type syncActionRecord struct {
	ActionID          int64  `gorm:"column:action_id;primaryKey;autoIncrement"`
	Tenant            string `gorm:"column:tenant;size:190;not null;index:idx_sync_actions_change,priority:1"`
	Collection        string `gorm:"column:collection;size:190;not null;index:idx_sync_actions_change,priority:2"`
	DocID             string `gorm:"column:doc_id;size:190;not null"`
	ChangeNumber      int64  `gorm:"column:change_number;not null;index:idx_sync_actions_change,priority:3"`
	ChangeTimeSeconds int64  `gorm:"column:change_time_s;not null"`
	OldAccessTagsJSON string `gorm:"column:old_access_tags;type:text;not null;default:'[]'"`
	NewAccessTagsJSON string `gorm:"column:new_access_tags;type:text;not null;default:'[]'"`
	Deleted           bool   `gorm:"column:deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (syncActionRecord) TableName() string {
	return "sync_actions"
}

// documentTagRecord indexes one data tag of one document.
type documentTagRecord struct {
	Tenant     string `gorm:"column:tenant;primaryKey;size:190;not null"`
	Collection string `gorm:"column:collection;primaryKey;size:190;not null"`
	Tag        string `gorm:"column:tag;primaryKey;size:190;not null"`
	DocID      string `gorm:"column:doc_id;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (documentTagRecord) TableName() string {
	return "document_tags"
}

// counterRecord holds the monotonic change number per (tenant, collection).
// Increments happen with a relative UPDATE inside the write transaction, so
// the database serializes racing allocators.
type counterRecord struct {
	Tenant     string `gorm:"column:tenant;primaryKey;size:190;not null"`
	Collection string `gorm:"column:collection;primaryKey;size:190;not null"`
	Value      int64  `gorm:"column:value;not null"`
}

// TableName provides the explicit table binding for GORM.
func (counterRecord) TableName() string {
	return "change_counters"
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

func decodeTags(encoded string) []string {
	if encoded == "" || encoded == "[]" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(encoded), &tags); err != nil {
		return nil
	}
	return tags
}
