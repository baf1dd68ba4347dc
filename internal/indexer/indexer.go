package indexer

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/mnma/mnma-backend/internal/ai"
	"github.com/mnma/mnma-backend/internal/blob"
	"github.com/mnma/mnma-backend/internal/logger"
	"github.com/mnma/mnma-backend/internal/notify"
	"github.com/mnma/mnma-backend/internal/repos"
	"github.com/mnma/mnma-backend/internal/types"
	"github.com/mnma/mnma-backend/internal/utils"
	"github.com/mnma/mnma-backend/internal/vecstore"
)

// Indexer turns one uploaded file into vector store entries. Handle is safe
// to call more than once for the same job; the pending->processing claim
// makes redeliveries no-ops.
type Indexer struct {
	log       *logger.Logger
	fileRepo  repos.FileRecordRepo
	blobs     blob.Store
	vectors   vecstore.Store
	ai        ai.Client
	chunker   *Chunker
	notifier  *notify.Notifier
	batchSize int
}

func NewIndexer(
	log *logger.Logger,
	fileRepo repos.FileRecordRepo,
	blobs blob.Store,
	vectors vecstore.Store,
	aiClient ai.Client,
	chunker *Chunker,
	notifier *notify.Notifier,
) *Indexer {
	return &Indexer{
		log:       log.With("component", "Indexer"),
		fileRepo:  fileRepo,
		blobs:     blobs,
		vectors:   vectors,
		ai:        aiClient,
		chunker:   chunker,
		notifier:  notifier,
		batchSize: utils.GetEnvAsInt("EMBED_BATCH_SIZE", 64, log),
	}
}

// Handle processes one index job. A nil return means the message can be
// acknowledged: either the work is done, the job was a duplicate, or the
// file reached a terminal state. A non-nil return leaves the message on the
// queue for redelivery.
func (ix *Indexer) Handle(ctx context.Context, job types.IndexJob) error {
	log := ix.log.With("file_id", job.FileID, "user_id", job.UserID)

	claimed, err := ix.fileRepo.TransitionStatus(ctx, nil, job.FileID, types.FileStatusPending, types.FileStatusProcessing)
	if err != nil {
		return fmt.Errorf("claim file %s: %w", job.FileID, err)
	}
	if !claimed {
		record, err := ix.fileRepo.GetByFileID(ctx, nil, job.FileID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Info("Index job for deleted file; discarding")
			return nil
		}
		if err != nil {
			return fmt.Errorf("inspect file %s: %w", job.FileID, err)
		}
		log.Info("Index job already claimed; discarding duplicate", "status", record.Status)
		return nil
	}

	ix.notifier.FileStatus(ctx, notify.FileStatusEvent{
		UserID:   job.UserID,
		FileID:   job.FileID.String(),
		FileName: job.FileName,
		Status:   types.FileStatusProcessing,
	})

	data, err := ix.blobs.Get(ctx, job.StorageKey)
	if err != nil {
		log.Error("Failed to fetch file content", "key", job.StorageKey, "error", err)
		return ix.fail(ctx, job, fmt.Sprintf("fetch content: %v", err))
	}

	text, err := ExtractText(job.FileName, data)
	if err != nil {
		log.Error("Failed to extract text", "error", err)
		return ix.fail(ctx, job, fmt.Sprintf("extract text: %v", err))
	}

	chunks, err := ix.chunker.Split(text)
	if err != nil {
		log.Error("Failed to chunk text", "error", err)
		return ix.fail(ctx, job, fmt.Sprintf("chunk text: %v", err))
	}
	if len(chunks) == 0 {
		log.Info("File produced no chunks; marking indexed")
		return ix.finish(ctx, job)
	}

	entries, err := ix.embedChunks(ctx, job, chunks)
	if err != nil {
		log.Error("Failed to embed chunks", "chunks", len(chunks), "error", err)
		return ix.fail(ctx, job, fmt.Sprintf("embed: %v", err))
	}

	if err := ix.vectors.Upsert(ctx, entries); err != nil {
		log.Error("Vector write failed; clearing partial state", "entries", len(entries), "error", err)
		if cleanupErr := ix.vectors.DeleteByFileIDs(ctx, []string{job.FileID.String()}); cleanupErr != nil {
			log.Error("Failed to clear partial vectors", "error", cleanupErr)
		}
		return ix.fail(ctx, job, fmt.Sprintf("vector write: %v", err))
	}

	log.Info("File indexed", "chunks", len(chunks))
	return ix.finish(ctx, job)
}

func (ix *Indexer) embedChunks(ctx context.Context, job types.IndexJob, chunks []Chunk) ([]vecstore.Entry, error) {
	batchSize := ix.batchSize
	if batchSize < 1 {
		batchSize = 1
	}

	entries := make([]vecstore.Entry, 0, len(chunks))
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		inputs := make([]string, len(batch))
		for i, c := range batch {
			inputs[i] = c.Text
		}
		vectors, err := ix.ai.Embed(ctx, inputs)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embedding count mismatch: sent=%d got=%d", len(batch), len(vectors))
		}

		for i, c := range batch {
			entries = append(entries, vecstore.Entry{
				ID:          fmt.Sprintf("%s:%d", job.FileID, start+i),
				Vector:      vectors[i],
				FileID:      job.FileID.String(),
				UserID:      job.UserID,
				ChunkText:   c.Text,
				ChunkOffset: c.Offset,
			})
		}
	}
	return entries, nil
}

// finish moves the file to indexed. Losing the race against a concurrent
// delete means the vectors just written are orphans; remove them.
func (ix *Indexer) finish(ctx context.Context, job types.IndexJob) error {
	ok, err := ix.fileRepo.TransitionStatus(ctx, nil, job.FileID, types.FileStatusProcessing, types.FileStatusIndexed)
	if err != nil {
		return fmt.Errorf("finalize file %s: %w", job.FileID, err)
	}
	if !ok {
		ix.log.Info("File removed during indexing; deleting its vectors", "file_id", job.FileID)
		if cleanupErr := ix.vectors.DeleteByFileIDs(ctx, []string{job.FileID.String()}); cleanupErr != nil {
			ix.log.Error("Failed to delete vectors for removed file", "file_id", job.FileID, "error", cleanupErr)
		}
		return nil
	}

	ix.notifier.FileStatus(ctx, notify.FileStatusEvent{
		UserID:   job.UserID,
		FileID:   job.FileID.String(),
		FileName: job.FileName,
		Status:   types.FileStatusIndexed,
	})
	return nil
}

func (ix *Indexer) fail(ctx context.Context, job types.IndexJob, detail string) error {
	ok, err := ix.fileRepo.TransitionStatus(ctx, nil, job.FileID, types.FileStatusProcessing, types.FileStatusFailed)
	if err != nil {
		return fmt.Errorf("mark file %s failed: %w", job.FileID, err)
	}
	if !ok {
		ix.log.Info("File removed before failure could be recorded", "file_id", job.FileID)
		return nil
	}

	ix.notifier.FileStatus(ctx, notify.FileStatusEvent{
		UserID:   job.UserID,
		FileID:   job.FileID.String(),
		FileName: job.FileName,
		Status:   types.FileStatusFailed,
		Detail:   detail,
	})
	return nil
}
