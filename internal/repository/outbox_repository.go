package repository

import (
	"context"
	"time"

	"haven-chat/internal/domain/outbox"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PostgresOutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &PostgresOutboxRepository{db: db}
}

func (r *PostgresOutboxRepository) Create(ctx context.Context, e *outbox.Event) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *PostgresOutboxRepository) GetPending(ctx context.Context, limit int) ([]outbox.Event, error) {
	var events []outbox.Event
	err := r.db.WithContext(ctx).
		Where("status = ?", outbox.StatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *PostgresOutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&outbox.Event{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       outbox.StatusPublished,
			"published_at": now,
			"updated_at":   now,
		}).Error
}

func (r *PostgresOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.db.WithContext(ctx).
		Model(&outbox.Event{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     outbox.StatusFailed,
			"error":      reason,
			"updated_at": time.Now(),
		}).Error
}

func (r *PostgresOutboxRepository) IncrementRetry(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&outbox.Event{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  time.Now(),
		}).Error
}
