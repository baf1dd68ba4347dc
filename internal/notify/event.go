package notify

import "github.com/mnma/mnma-backend/internal/types"

// FileStatusEvent is pushed to a user's status stream whenever one of their
// file records changes lifecycle state.
type FileStatusEvent struct {
	UserID   string           `json:"user_id"`
	FileID   string           `json:"file_id"`
	FileName string           `json:"file_name,omitempty"`
	Status   types.FileStatus `json:"status"`
	Detail   string           `json:"detail,omitempty"`
}

// UserChannel is the pub/sub channel carrying one user's status events.
func UserChannel(userID string) string {
	return "files:status:" + userID
}
