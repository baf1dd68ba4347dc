package indexer

import (
	"context"
	"time"

	"github.com/mnma/mnma-backend/internal/logger"
	"github.com/mnma/mnma-backend/internal/queue"
	"github.com/mnma/mnma-backend/internal/utils"
)

// Worker runs a pool of goroutines that long-poll the job queue and feed
// the Indexer. Messages are acknowledged only after Handle says the job is
// settled; everything else becomes visible again after the queue's
// visibility timeout.
type Worker struct {
	log       *logger.Logger
	transport queue.Transport
	indexer   *Indexer
}

func NewWorker(log *logger.Logger, transport queue.Transport, indexer *Indexer) *Worker {
	return &Worker{
		log:       log.With("component", "IndexWorker"),
		transport: transport,
		indexer:   indexer,
	}
}

func (w *Worker) Start(ctx context.Context) {
	concurrency := utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, w.log)
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("Starting index worker pool", "concurrency", concurrency)

	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	const receiveWait = 10 * time.Second

	for {
		if ctx.Err() != nil {
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		}

		messages, err := w.transport.Receive(ctx, 1, receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("Worker loop stopped", "worker_id", workerID)
				return
			}
			w.log.Warn("Receive failed", "worker_id", workerID, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range messages {
			w.handleMessage(ctx, workerID, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, workerID int, msg queue.Message) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Index job panic",
				"worker_id", workerID,
				"file_id", msg.Job.FileID,
				"panic", r,
			)
		}
	}()

	if err := w.indexer.Handle(ctx, msg.Job); err != nil {
		w.log.Warn("Index job left on queue for redelivery",
			"worker_id", workerID,
			"file_id", msg.Job.FileID,
			"error", err,
		)
		return
	}

	if err := w.transport.Acknowledge(ctx, msg.ReceiptHandle); err != nil {
		w.log.Warn("Acknowledge failed; job will be redelivered",
			"worker_id", workerID,
			"file_id", msg.Job.FileID,
			"error", err,
		)
	}
}
