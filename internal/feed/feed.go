package feed

import (
	"context"

	"github.com/google/uuid"
)

// Publisher delivers change-feed events to every participant's channel.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// CancelFunc releases a subscription.
type CancelFunc func()

// Subscriber opens a per-viewer stream of change-feed events. The returned
// channel is closed when the transport drops or the subscription is
// cancelled; consumers must treat a close as "events may have been missed"
// and reseed.
type Subscriber interface {
	Subscribe(ctx context.Context, viewerID uuid.UUID) (<-chan Event, CancelFunc, error)
}

// Feed is both halves of the change-feed adapter.
type Feed interface {
	Publisher
	Subscriber
}
