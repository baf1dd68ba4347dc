package notify

import "context"

// Bus fans status events out across API replicas. Publishers are the upload
// service and the indexer; the forwarder feeds the local Hub.
type Bus interface {
	Publish(ctx context.Context, event FileStatusEvent) error
	StartForwarder(ctx context.Context, onEvent func(event FileStatusEvent)) error
	Close() error
}
