package notify

import (
	"context"

	"github.com/mnma/mnma-backend/internal/logger"
)

// Notifier is what the upload service and indexer publish through. With a bus
// configured events go through redis and come back via the forwarder; without
// one they go straight to the local hub.
type Notifier struct {
	log *logger.Logger
	hub *Hub
	bus Bus
}

func NewNotifier(log *logger.Logger, hub *Hub, bus Bus) *Notifier {
	return &Notifier{
		log: log.With("component", "StatusNotifier"),
		hub: hub,
		bus: bus,
	}
}

func (n *Notifier) FileStatus(ctx context.Context, event FileStatusEvent) {
	if n == nil {
		return
	}
	if n.bus != nil {
		if err := n.bus.Publish(ctx, event); err != nil {
			n.log.Warn("status publish failed; falling back to local hub",
				"file_id", event.FileID,
				"status", event.Status,
				"error", err,
			)
		} else {
			return
		}
	}
	if n.hub != nil {
		n.hub.Broadcast(event)
	}
}
