package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mnma/mnma-backend/internal/apperr"
	"github.com/mnma/mnma-backend/internal/blob"
	"github.com/mnma/mnma-backend/internal/logger"
	"github.com/mnma/mnma-backend/internal/notify"
	"github.com/mnma/mnma-backend/internal/queue"
	"github.com/mnma/mnma-backend/internal/repos"
	"github.com/mnma/mnma-backend/internal/types"
	"github.com/mnma/mnma-backend/internal/vecstore"
)

// FileStatusEntry is one row of a user's status listing.
type FileStatusEntry struct {
	FileID   uuid.UUID        `json:"file_id"`
	FileName string           `json:"file_name"`
	Status   types.FileStatus `json:"status"`
}

// DeletedFile reports the state a file was in when it was removed.
type DeletedFile struct {
	FileID      uuid.UUID        `json:"file_id"`
	FileName    string           `json:"file_name"`
	PriorStatus types.FileStatus `json:"prior_status"`
}

type UploadService interface {
	Upload(ctx context.Context, userID, fileName string, data []byte) (*types.FileRecord, error)
	ListFiles(ctx context.Context, userID string) ([]*types.FileRecord, error)
	FileStatuses(ctx context.Context, userID string) ([]FileStatusEntry, error)
	DeleteFiles(ctx context.Context, userID string, fileIDs []uuid.UUID) ([]DeletedFile, error)
}

type uploadService struct {
	log      *logger.Logger
	fileRepo repos.FileRecordRepo
	blobs    blob.Store
	queue    queue.Transport
	vectors  vecstore.Store
	notifier *notify.Notifier
}

func NewUploadService(
	log *logger.Logger,
	fileRepo repos.FileRecordRepo,
	blobs blob.Store,
	transport queue.Transport,
	vectors vecstore.Store,
	notifier *notify.Notifier,
) UploadService {
	return &uploadService{
		log:      log.With("service", "UploadService"),
		fileRepo: fileRepo,
		blobs:    blobs,
		queue:    transport,
		vectors:  vectors,
		notifier: notifier,
	}
}

// StorageKey is where a file's raw bytes live in the blob store.
func StorageKey(userID string, fileID uuid.UUID, fileName string) string {
	return fmt.Sprintf("%s/%s/%s", userID, fileID, fileName)
}

func (s *uploadService) Upload(ctx context.Context, userID, fileName string, data []byte) (*types.FileRecord, error) {
	userID = strings.TrimSpace(userID)
	fileName = strings.TrimSpace(fileName)
	if userID == "" {
		return nil, apperr.Newf(apperr.KindInvalidInput, "user id is required")
	}
	if fileName == "" {
		return nil, apperr.Newf(apperr.KindInvalidInput, "file name is required")
	}
	if len(data) == 0 {
		return nil, apperr.Newf(apperr.KindInvalidInput, "file %q is empty", fileName)
	}

	fileID := uuid.New()
	key := StorageKey(userID, fileID, fileName)

	// Bytes land in the blob store before the record exists, so a visible
	// record always has fetchable content behind it.
	if err := s.blobs.Put(ctx, key, bytes.NewReader(data)); err != nil {
		return nil, apperr.New(apperr.KindStorageUnavailable, fmt.Errorf("store file %q: %w", fileName, err))
	}

	record := &types.FileRecord{
		FileID:   fileID,
		UserID:   userID,
		FileName: fileName,
		Status:   types.FileStatusPending,
	}
	created, err := s.fileRepo.Create(ctx, nil, record)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Collision on the generated id. Regenerate once; the first blob
		// copy is orphaned and cleaned up by retention, not by us.
		fileID = uuid.New()
		key = StorageKey(userID, fileID, fileName)
		if putErr := s.blobs.Put(ctx, key, bytes.NewReader(data)); putErr != nil {
			return nil, apperr.New(apperr.KindStorageUnavailable, fmt.Errorf("store file %q: %w", fileName, putErr))
		}
		record.FileID = fileID
		created, err = s.fileRepo.Create(ctx, nil, record)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindStorageUnavailable, fmt.Errorf("create record for %q: %w", fileName, err))
	}

	job := types.IndexJob{
		FileID:     created.FileID,
		UserID:     userID,
		FileName:   fileName,
		StorageKey: key,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		// The record stays pending; the reconciliation sweep re-enqueues it.
		s.log.Error("Failed to enqueue index job; record left pending",
			"file_id", created.FileID,
			"user_id", userID,
			"error", err,
		)
	}

	s.notifier.FileStatus(ctx, notify.FileStatusEvent{
		UserID:   userID,
		FileID:   created.FileID.String(),
		FileName: fileName,
		Status:   types.FileStatusPending,
	})
	s.log.Info("File uploaded", "file_id", created.FileID, "user_id", userID, "file_name", fileName)
	return created, nil
}

func (s *uploadService) ListFiles(ctx context.Context, userID string) ([]*types.FileRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.Newf(apperr.KindInvalidInput, "user id is required")
	}
	records, err := s.fileRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		return nil, apperr.New(apperr.KindStorageUnavailable, fmt.Errorf("list files: %w", err))
	}
	return records, nil
}

func (s *uploadService) FileStatuses(ctx context.Context, userID string) ([]FileStatusEntry, error) {
	records, err := s.ListFiles(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]FileStatusEntry, 0, len(records))
	for _, r := range records {
		out = append(out, FileStatusEntry{
			FileID:   r.FileID,
			FileName: r.FileName,
			Status:   r.Status,
		})
	}
	return out, nil
}

func (s *uploadService) DeleteFiles(ctx context.Context, userID string, fileIDs []uuid.UUID) ([]DeletedFile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.Newf(apperr.KindInvalidInput, "user id is required")
	}
	if len(fileIDs) == 0 {
		return nil, apperr.Newf(apperr.KindInvalidInput, "at least one file id is required")
	}

	prior, err := s.fileRepo.DeleteReturning(ctx, nil, userID, fileIDs)
	if err != nil {
		return nil, apperr.New(apperr.KindStorageUnavailable, fmt.Errorf("delete records: %w", err))
	}
	if len(prior) == 0 {
		return nil, apperr.Newf(apperr.KindNotFound, "no matching files for user %q", userID)
	}

	deletedIDs := make([]string, 0, len(prior))
	for _, r := range prior {
		deletedIDs = append(deletedIDs, r.FileID.String())
	}

	// Records are already gone, so failures past this point only leave
	// orphans behind. Log and keep going.
	if err := s.vectors.DeleteByFileIDs(ctx, deletedIDs); err != nil {
		s.log.Error("Failed to delete vectors for removed files",
			"user_id", userID,
			"file_ids", deletedIDs,
			"error", err,
		)
	}
	for _, r := range prior {
		key := StorageKey(userID, r.FileID, r.FileName)
		if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
			s.log.Error("Failed to delete blob for removed file",
				"file_id", r.FileID,
				"key", key,
				"error", err,
			)
		}
	}

	out := make([]DeletedFile, 0, len(prior))
	for _, r := range prior {
		out = append(out, DeletedFile{
			FileID:      r.FileID,
			FileName:    r.FileName,
			PriorStatus: r.Status,
		})
		s.notifier.FileStatus(ctx, notify.FileStatusEvent{
			UserID:   userID,
			FileID:   r.FileID.String(),
			FileName: r.FileName,
			Status:   types.FileStatusDeleted,
		})
	}
	s.log.Info("Files deleted", "user_id", userID, "count", len(out))
	return out, nil
}
