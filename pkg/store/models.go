package store

import (
	"time"

	"gorm.io/datatypes"
)

// DocumentModel is one JSON document of a named collection.
type DocumentModel struct {
	Collection string         `gorm:"primaryKey;size:64"`
	Key        string         `gorm:"primaryKey;size:255"`
	Body       datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt  time.Time      `gorm:"not null;index"`
}

// TableName keeps every collection in one table.
func (DocumentModel) TableName() string {
	return "documents"
}
