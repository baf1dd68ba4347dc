package indexer

import (
	"context"
	"time"

	"github.com/mnma/mnma-backend/internal/logger"
	"github.com/mnma/mnma-backend/internal/queue"
	"github.com/mnma/mnma-backend/internal/repos"
	"github.com/mnma/mnma-backend/internal/services"
	"github.com/mnma/mnma-backend/internal/types"
	"github.com/mnma/mnma-backend/internal/utils"
)

// Sweeper re-enqueues files stuck in pending, which happens when the
// initial enqueue failed after the record was created. Re-enqueueing an
// already-queued job is harmless: the indexer's claim step discards
// duplicates.
type Sweeper struct {
	log       *logger.Logger
	fileRepo  repos.FileRecordRepo
	transport queue.Transport
	interval  time.Duration
	olderThan time.Duration
}

func NewSweeper(log *logger.Logger, fileRepo repos.FileRecordRepo, transport queue.Transport) *Sweeper {
	interval := utils.GetEnvAsInt("SWEEP_INTERVAL_SECONDS", 60, log)
	olderThan := utils.GetEnvAsInt("SWEEP_PENDING_AGE_SECONDS", 300, log)

	return &Sweeper{
		log:       log.With("component", "PendingSweeper"),
		fileRepo:  fileRepo,
		transport: transport,
		interval:  time.Duration(interval) * time.Second,
		olderThan: time.Duration(olderThan) * time.Second,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.log.Info("Sweeper stopped")
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Sweeper) sweep(ctx context.Context) {
	stale, err := s.fileRepo.StalePending(ctx, nil, s.olderThan)
	if err != nil {
		s.log.Warn("Stale pending scan failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	s.log.Info("Re-enqueueing stale pending files", "count", len(stale))
	for _, record := range stale {
		job := types.IndexJob{
			FileID:     record.FileID,
			UserID:     record.UserID,
			FileName:   record.FileName,
			StorageKey: services.StorageKey(record.UserID, record.FileID, record.FileName),
		}
		if err := s.transport.Enqueue(ctx, job); err != nil {
			s.log.Warn("Re-enqueue failed", "file_id", record.FileID, "error", err)
		}
	}
}
