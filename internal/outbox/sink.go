package outbox

import (
	"context"
	"time"

	"haven-chat/internal/domain/outbox"
	"haven-chat/internal/feed"
	"haven-chat/internal/repository"

	"github.com/google/uuid"
)

// Sink records change-feed events as pending outbox rows. Callers write the
// row in the same transaction as the table change it describes; the
// Processor publishes it afterwards.
type Sink struct {
	repo repository.OutboxRepository
}

func NewSink(repo repository.OutboxRepository) *Sink {
	return &Sink{repo: repo}
}

func (s *Sink) Record(ctx context.Context, ev feed.Event) error {
	payload, err := feed.Encode(ev)
	if err != nil {
		return err
	}
	return s.repo.Create(ctx, &outbox.Event{
		ID:          uuid.New(),
		EventType:   ev.Type(),
		AggregateID: ev.ConversationID(),
		Payload:     payload,
		Status:      outbox.StatusPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	})
}
