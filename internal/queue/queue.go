package queue

import (
	"context"
	"time"

	"github.com/mnma/mnma-backend/internal/types"
)

// Message wraps a dequeued IndexJob with the transport handle needed to
// acknowledge it. Unacknowledged messages become visible again after the
// queue's visibility timeout, which is the sole retry mechanism for
// indexing.
type Message struct {
	Job           types.IndexJob
	ReceiptHandle string
}

// Transport is the at-least-once job queue between the upload gateway and
// the indexer workers.
type Transport interface {
	Enqueue(ctx context.Context, job types.IndexJob) error
	Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Message, error)
	Acknowledge(ctx context.Context, receiptHandle string) error
}
