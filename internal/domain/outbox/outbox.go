package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the processing state of an outbox event
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// Event stores change-feed envelopes waiting to be published to Redis.
// Rows are written in the same transaction as the table change they
// describe, which is what makes feed delivery at-least-once.
type Event struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	EventType   string    `gorm:"type:varchar(50);not null"`
	AggregateID uuid.UUID `gorm:"type:uuid;not null"`
	Payload     []byte    `gorm:"type:jsonb;not null"`
	Status      Status    `gorm:"type:varchar(20);not null;default:'PENDING';index"`
	RetryCount  int       `gorm:"default:0"`
	Error       string    `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PublishedAt *time.Time
}

func (Event) TableName() string {
	return "outbox_events"
}
