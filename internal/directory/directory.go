package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"haven-chat/internal/domain/chat"
	"haven-chat/internal/feed"
	"haven-chat/internal/repository"
	haven_errors "haven-chat/pkg/errors"
	"haven-chat/pkg/logger"

	"github.com/google/uuid"
)

// EventSink receives the change-feed event for a newly created
// conversation. Typically an outbox sink; may be nil.
type EventSink interface {
	Record(ctx context.Context, ev feed.Event) error
}

// Directory maps an unordered pair of users to exactly one durable
// conversation. Creation races are resolved at the store layer: the pair
// columns carry a unique index, and a loser of the race adopts the winner's
// row instead of failing.
type Directory struct {
	conversations repository.ConversationRepository
	sink          EventSink
	log           *logger.Logger
}

func New(conversations repository.ConversationRepository, sink EventSink, log *logger.Logger) *Directory {
	return &Directory{conversations: conversations, sink: sink, log: log}
}

// Resolve returns the single conversation for the pair, creating it when
// absent. Both orderings of the pair resolve to the same row.
func (d *Directory) Resolve(ctx context.Context, userA, userB uuid.UUID) (chat.Conversation, error) {
	if userA == uuid.Nil || userB == uuid.Nil || userA == userB {
		return chat.Conversation{}, haven_errors.ErrInvalidParticipants
	}
	low, high := chat.SortPair(userA, userB)

	conv, err := d.conversations.GetByPair(ctx, low, high)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, haven_errors.ErrNotFound) {
		return chat.Conversation{}, storeErr("lookup conversation", err)
	}

	now := time.Now()
	conv = chat.Conversation{
		ID:              uuid.New(),
		ParticipantLow:  low,
		ParticipantHigh: high,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = d.conversations.Create(ctx, &conv)
	if err == nil {
		d.record(ctx, conv)
		return conv, nil
	}
	if !errors.Is(err, haven_errors.ErrAlreadyExists) {
		return chat.Conversation{}, storeErr("create conversation", err)
	}

	// Lost the creation race: another resolver inserted the pair first.
	// One retry lookup adopts the winner's id.
	conv, err = d.conversations.GetByPair(ctx, low, high)
	if err != nil {
		return chat.Conversation{}, storeErr("adopt conversation", err)
	}
	d.log.Debugf("directory: lost creation race for pair (%s, %s), adopted %s", low, high, conv.ID)
	return conv, nil
}

func (d *Directory) record(ctx context.Context, conv chat.Conversation) {
	if d.sink == nil {
		return
	}
	ev := feed.Event{
		Table: feed.TableConversations,
		Op:    feed.OpInsert,
		Conversation: &feed.ConversationRow{
			ID:              conv.ID,
			ParticipantLow:  conv.ParticipantLow,
			ParticipantHigh: conv.ParticipantHigh,
		},
		OccurredAt: time.Now(),
	}
	if err := d.sink.Record(ctx, ev); err != nil {
		// The row exists; subscribers discover it on their next reseed.
		d.log.Warnf("directory: failed to record creation event for %s: %v", conv.ID, err)
	}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %s", op, haven_errors.ErrStoreUnavailable, err)
}
