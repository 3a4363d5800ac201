package repository

import (
	"context"
	"errors"
	"time"

	"haven-chat/internal/domain/chat"
	haven_errors "haven-chat/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PostgresMessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &PostgresMessageRepository{db: db}
}

func (r *PostgresMessageRepository) Create(ctx context.Context, m *chat.Message) error {
	res := r.db.WithContext(ctx).Create(m)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return haven_errors.ErrAlreadyExists
		}
		return res.Error
	}
	return nil
}

func (r *PostgresMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (chat.Message, error) {
	var m chat.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Message{}, haven_errors.ErrNotFound
		}
		return chat.Message{}, err
	}
	return m, nil
}

func (r *PostgresMessageRepository) MarkRead(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (bool, error) {
	row := chat.MessageRead{MessageID: messageID, UserID: userID, ReadAt: at}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *PostgresMessageRepository) Readers(ctx context.Context, messageID uuid.UUID) ([]uuid.UUID, error) {
	var readers []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&chat.MessageRead{}).
		Where("message_id = ?", messageID).
		Order("read_at ASC").
		Pluck("user_id", &readers).Error
	if err != nil {
		return nil, err
	}
	return readers, nil
}

func (r *PostgresMessageRepository) UnreadCount(ctx context.Context, conversationID, viewerID uuid.UUID) (int64, error) {
	// Messages without a read row from this viewer, excluding the viewer's
	// own messages: the sender implicitly reads what it sends.
	subQuery := r.db.Model(&chat.MessageRead{}).
		Select("message_id").
		Where("user_id = ?", viewerID)

	var count int64
	err := r.db.WithContext(ctx).
		Model(&chat.Message{}).
		Where("conversation_id = ? AND sender_id != ? AND id NOT IN (?)",
			conversationID, viewerID, subQuery).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PostgresMessageRepository) TotalUnread(ctx context.Context, viewerID uuid.UUID) (int64, error) {
	membership := r.db.Model(&chat.Conversation{}).
		Select("id").
		Where("participant_low = ? OR participant_high = ?", viewerID, viewerID)

	readSub := r.db.Model(&chat.MessageRead{}).
		Select("message_id").
		Where("user_id = ?", viewerID)

	var count int64
	err := r.db.WithContext(ctx).
		Model(&chat.Message{}).
		Where("conversation_id IN (?) AND sender_id != ? AND id NOT IN (?)",
			membership, viewerID, readSub).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
