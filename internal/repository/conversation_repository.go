package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"haven-chat/internal/domain/chat"
	haven_errors "haven-chat/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PostgresConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &PostgresConversationRepository{db: db}
}

func (r *PostgresConversationRepository) Create(ctx context.Context, c *chat.Conversation) error {
	res := r.db.WithContext(ctx).Create(c)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return haven_errors.ErrAlreadyExists
		}
		return res.Error
	}
	return nil
}

func (r *PostgresConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (chat.Conversation, error) {
	var c chat.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Conversation{}, haven_errors.ErrNotFound
		}
		return chat.Conversation{}, err
	}
	return c, nil
}

func (r *PostgresConversationRepository) GetByPair(ctx context.Context, low, high uuid.UUID) (chat.Conversation, error) {
	var c chat.Conversation
	err := r.db.WithContext(ctx).
		Where("participant_low = ? AND participant_high = ?", low, high).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Conversation{}, haven_errors.ErrNotFound
		}
		return chat.Conversation{}, err
	}
	return c, nil
}

func (r *PostgresConversationRepository) AdvanceLastMessage(ctx context.Context, conversationID uuid.UUID, text string, at time.Time) error {
	// Guarded update: the cache may lag but must never move backward.
	res := r.db.WithContext(ctx).
		Model(&chat.Conversation{}).
		Where("id = ? AND (last_message_time IS NULL OR last_message_time <= ?)", conversationID, at).
		Updates(map[string]interface{}{
			"last_message_text": text,
			"last_message_time": at,
			"updated_at":        time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	// RowsAffected == 0 means a newer message already owns the cache.
	return nil
}

type summaryRow struct {
	ConversationID   uuid.UUID
	OtherParticipant uuid.UUID
	LastMessageText  sql.NullString
	LastMessageTime  sql.NullTime
	UnreadCount      int64
}

const summarySelect = `
SELECT c.id AS conversation_id,
       CASE WHEN c.participant_low = @viewer THEN c.participant_high ELSE c.participant_low END AS other_participant,
       c.last_message_text,
       c.last_message_time,
       (SELECT COUNT(*)
          FROM messages m
         WHERE m.conversation_id = c.id
           AND m.sender_id <> @viewer
           AND NOT EXISTS (SELECT 1 FROM message_reads mr
                            WHERE mr.message_id = m.id AND mr.user_id = @viewer)
       ) AS unread_count
  FROM conversations c`

func (r *PostgresConversationRepository) ViewerSummaries(ctx context.Context, viewerID uuid.UUID) ([]chat.ConversationSummary, error) {
	var rows []summaryRow
	err := r.db.WithContext(ctx).
		Raw(summarySelect+`
 WHERE c.participant_low = @viewer OR c.participant_high = @viewer
 ORDER BY c.updated_at DESC`, map[string]interface{}{"viewer": viewerID}).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	summaries := make([]chat.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, row.toSummary())
	}
	return summaries, nil
}

func (r *PostgresConversationRepository) ViewerSummary(ctx context.Context, conversationID, viewerID uuid.UUID) (chat.ConversationSummary, error) {
	var rows []summaryRow
	err := r.db.WithContext(ctx).
		Raw(summarySelect+`
 WHERE c.id = @conversation
   AND (c.participant_low = @viewer OR c.participant_high = @viewer)`,
			map[string]interface{}{"viewer": viewerID, "conversation": conversationID}).
		Scan(&rows).Error
	if err != nil {
		return chat.ConversationSummary{}, err
	}
	if len(rows) == 0 {
		return chat.ConversationSummary{}, haven_errors.ErrNotFound
	}
	return rows[0].toSummary(), nil
}

func (row summaryRow) toSummary() chat.ConversationSummary {
	s := chat.ConversationSummary{
		ConversationID:   row.ConversationID,
		OtherParticipant: row.OtherParticipant,
		UnreadCount:      row.UnreadCount,
	}
	if row.LastMessageText.Valid {
		s.LastMessageText = row.LastMessageText.String
	}
	if row.LastMessageTime.Valid {
		s.LastMessageTime = row.LastMessageTime.Time
	}
	return s
}
