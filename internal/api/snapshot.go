package api

import (
	"context"
	"time"
)

// BuildSnapshot assembles the current engine state for a connecting client.
// Events streamed afterwards are deltas on top of this frame.
func (h *Handlers) BuildSnapshot(ctx context.Context) (Snapshot, error) {
	open, err := h.store.ListOpenPositions(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Timestamp:     time.Now(),
		OpenPositions: open,
		QueueDepth:    h.exec.Depth(),
		Sessions:      h.sessions.Size(),
		Subscribers:   h.bus.SubscriberCount(),
	}, nil
}
