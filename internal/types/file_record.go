package types

import (
	"time"

	"github.com/google/uuid"
)

// FileStatus is the lifecycle state of an uploaded file. Transitions only
// move forward (pending -> processing -> indexed|failed) except for the
// explicit delete path, which is allowed from any state and is terminal.
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusIndexed    FileStatus = "indexed"
	FileStatusFailed     FileStatus = "failed"
	FileStatusDeleted    FileStatus = "deleted"
)

// ValidTransition reports whether from -> to is one of the allowed
// lifecycle transitions.
func ValidTransition(from, to FileStatus) bool {
	if to == FileStatusDeleted {
		return from != FileStatusDeleted
	}
	switch from {
	case FileStatusPending:
		return to == FileStatusProcessing
	case FileStatusProcessing:
		return to == FileStatusIndexed || to == FileStatusFailed
	default:
		return false
	}
}

type FileRecord struct {
	FileID    uuid.UUID  `gorm:"type:uuid;column:file_id;primaryKey" json:"file_id"`
	UserID    string     `gorm:"column:user_id;not null;index" json:"user_id"`
	FileName  string     `gorm:"column:file_name;not null" json:"file_name"`
	Status    FileStatus `gorm:"column:status;not null;default:'pending'" json:"status"`
	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time  `gorm:"not null" json:"updated_at"`
}

func (FileRecord) TableName() string { return "files" }
