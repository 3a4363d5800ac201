package repository

import (
	"context"
	"time"

	"haven-chat/internal/domain/chat"
	"haven-chat/internal/domain/outbox"

	"github.com/google/uuid"
)

type ConversationRepository interface {
	// Create inserts a conversation row. Returns ErrAlreadyExists when a
	// row for the same participant pair already exists.
	Create(ctx context.Context, c *chat.Conversation) error
	GetByID(ctx context.Context, id uuid.UUID) (chat.Conversation, error)
	GetByPair(ctx context.Context, low, high uuid.UUID) (chat.Conversation, error)
	// AdvanceLastMessage updates the denormalized last-message cache, but
	// only forward in time.
	AdvanceLastMessage(ctx context.Context, conversationID uuid.UUID, text string, at time.Time) error
	// ViewerSummaries returns every conversation containing the viewer with
	// its unread count, newest activity first.
	ViewerSummaries(ctx context.Context, viewerID uuid.UUID) ([]chat.ConversationSummary, error)
	// ViewerSummary is the targeted single-conversation variant used when a
	// feed event references a conversation not yet in a viewer's map.
	ViewerSummary(ctx context.Context, conversationID, viewerID uuid.UUID) (chat.ConversationSummary, error)
}

type MessageRepository interface {
	Create(ctx context.Context, m *chat.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (chat.Message, error)
	// MarkRead inserts the (message, user) read row. Returns false when the
	// row already existed; inserting twice is a no-op.
	MarkRead(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (bool, error)
	// Readers returns the ids of every user that has read the message.
	Readers(ctx context.Context, messageID uuid.UUID) ([]uuid.UUID, error)
	// UnreadCount counts messages in the conversation not sent by the
	// viewer and not yet read by the viewer.
	UnreadCount(ctx context.Context, conversationID, viewerID uuid.UUID) (int64, error)
	// TotalUnread is UnreadCount summed over every conversation containing
	// the viewer.
	TotalUnread(ctx context.Context, viewerID uuid.UUID) (int64, error)
}

type OutboxRepository interface {
	Create(ctx context.Context, e *outbox.Event) error
	GetPending(ctx context.Context, limit int) ([]outbox.Event, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	// MarkFailed is terminal; the row is never fetched again.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	// IncrementRetry records a transient publish failure; the row stays
	// pending and is retried on the next batch.
	IncrementRetry(ctx context.Context, id uuid.UUID) error
}
