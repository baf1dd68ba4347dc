package types

import "github.com/google/uuid"

// IndexJob is the queue message instructing the indexer to process one
// uploaded file. Delivery is at least once, so consumers must be idempotent
// per FileID.
type IndexJob struct {
	FileID     uuid.UUID `json:"file_id"`
	UserID     string    `json:"user_id"`
	FileName   string    `json:"file_name"`
	StorageKey string    `json:"storage_key"`
}
