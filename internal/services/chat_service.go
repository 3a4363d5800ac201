package services

import (
	"context"
	"strings"
	"time"

	"haven-chat/internal/domain/chat"
	"haven-chat/internal/feed"
	"haven-chat/internal/outbox"
	"haven-chat/internal/reconciler"
	"haven-chat/internal/repository"
	haven_errors "haven-chat/pkg/errors"
	"haven-chat/pkg/logger"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChatService is the write surface over the message store plus the
// store-backed snapshot queries the reconciler seeds from. Every write
// records its change-feed event in the outbox within the same transaction.
type ChatService struct {
	db            *gorm.DB
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	sink          *outbox.Sink
	feed          feed.Subscriber
	log           *logger.Logger
}

func NewChatService(db *gorm.DB, conversations repository.ConversationRepository, messages repository.MessageRepository, sink *outbox.Sink, fd feed.Subscriber, log *logger.Logger) *ChatService {
	return &ChatService{
		db:            db,
		conversations: conversations,
		messages:      messages,
		sink:          sink,
		feed:          fd,
		log:           log,
	}
}

// SendMessage appends a message and advances the conversation's
// last-message cache. The caller must be a participant.
func (s *ChatService) SendMessage(ctx context.Context, conversationID, senderID uuid.UUID, text string) (chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, haven_errors.ErrInvalidInput
	}

	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return chat.Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return chat.Message{}, haven_errors.ErrForbidden
	}

	msg := chat.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      time.Now(),
	}

	err = s.inTransaction(ctx, func(conversations repository.ConversationRepository, messages repository.MessageRepository, sink *outbox.Sink) error {
		if err := messages.Create(ctx, &msg); err != nil {
			return err
		}
		if err := conversations.AdvanceLastMessage(ctx, conversationID, msg.Text, msg.CreatedAt); err != nil {
			return err
		}
		if err := sink.Record(ctx, messageEvent(feed.OpInsert, conv, msg, nil)); err != nil {
			return err
		}
		return sink.Record(ctx, conversationEvent(conv, msg))
	})
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// MarkRead adds the viewer to the message's read set. A second call for the
// same pair is a no-op and emits no event; the resulting feed UPDATE is the
// authoritative path that decrements reconciler counts.
func (s *ChatService) MarkRead(ctx context.Context, viewerID, messageID uuid.UUID) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	conv, err := s.conversations.GetByID(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(viewerID) {
		return haven_errors.ErrForbidden
	}
	if msg.SenderID == viewerID {
		// The sender implicitly reads its own message.
		return nil
	}

	return s.inTransaction(ctx, func(_ repository.ConversationRepository, messages repository.MessageRepository, sink *outbox.Sink) error {
		inserted, err := messages.MarkRead(ctx, messageID, viewerID, time.Now())
		if err != nil {
			return err
		}
		if !inserted {
			s.log.Debugf("chat: message %s already read by %s", messageID, viewerID)
			return nil
		}
		readers, err := messages.Readers(ctx, messageID)
		if err != nil {
			return err
		}
		return sink.Record(ctx, messageEvent(feed.OpUpdate, conv, msg, readers))
	})
}

// ListConversations is the bulk snapshot consumed at seed time.
func (s *ChatService) ListConversations(ctx context.Context, viewerID uuid.UUID) ([]chat.ConversationSummary, error) {
	return s.conversations.ViewerSummaries(ctx, viewerID)
}

// TotalUnread recomputes the aggregate badge from the store. Live sessions
// read the reconciler instead; this is the authoritative fallback.
func (s *ChatService) TotalUnread(ctx context.Context, viewerID uuid.UUID) (int64, error) {
	return s.messages.TotalUnread(ctx, viewerID)
}

// NewReconciler builds the live state handle for one viewing session.
func (s *ChatService) NewReconciler(viewerID uuid.UUID) *reconciler.Reconciler {
	return reconciler.New(viewerID, s.conversations, s.feed, s.log)
}

// inTransaction rebuilds the repositories over a transaction, matching the
// store contract that a failed write leaves no partial state. With no db
// handle (unit tests over fakes) it runs directly.
func (s *ChatService) inTransaction(ctx context.Context, fn func(repository.ConversationRepository, repository.MessageRepository, *outbox.Sink) error) error {
	if s.db == nil {
		return fn(s.conversations, s.messages, s.sink)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(
			repository.NewConversationRepository(tx),
			repository.NewMessageRepository(tx),
			outbox.NewSink(repository.NewOutboxRepository(tx)),
		)
	})
}

func messageEvent(op feed.Op, conv chat.Conversation, msg chat.Message, readers []uuid.UUID) feed.Event {
	return feed.Event{
		Table: feed.TableMessages,
		Op:    op,
		Message: &feed.MessageRow{
			ID:              msg.ID,
			ConversationID:  msg.ConversationID,
			ParticipantLow:  conv.ParticipantLow,
			ParticipantHigh: conv.ParticipantHigh,
			SenderID:        msg.SenderID,
			Text:            msg.Text,
			CreatedAt:       msg.CreatedAt,
			ReadBy:          readers,
		},
		OccurredAt: time.Now(),
	}
}

func conversationEvent(conv chat.Conversation, msg chat.Message) feed.Event {
	return feed.Event{
		Table: feed.TableConversations,
		Op:    feed.OpUpdate,
		Conversation: &feed.ConversationRow{
			ID:              conv.ID,
			ParticipantLow:  conv.ParticipantLow,
			ParticipantHigh: conv.ParticipantHigh,
			LastMessageText: msg.Text,
			LastMessageTime: msg.CreatedAt,
		},
		OccurredAt: time.Now(),
	}
}
