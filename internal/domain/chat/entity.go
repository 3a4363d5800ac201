package chat

import (
	"bytes"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Conversation represents the conversations table. Each row is the single
// durable conversation for an unordered pair of users: the pair is stored
// sorted by UUID byte order so a unique index over (participant_low,
// participant_high) enforces pair uniqueness at the store layer.
type Conversation struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	ParticipantLow  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_conversation_pair"`
	ParticipantHigh uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_conversation_pair"`

	// Denormalized cache of the most recent message. May lag the messages
	// table by one event but never moves backward in time.
	LastMessageText sql.NullString
	LastMessageTime sql.NullTime

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message represents the messages table. Rows are immutable once created;
// only the associated read rows grow.
type Message struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index"`
	SenderID       uuid.UUID `gorm:"type:uuid;not null"`
	Text           string    `gorm:"type:text;not null"`
	CreatedAt      time.Time
}

// MessageRead represents the message_reads table: one row per user that has
// acknowledged a message. The set only ever grows. The sender never gets a
// row; the sender implicitly reads its own messages.
type MessageRead struct {
	MessageID uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	ReadAt    time.Time
}

// ConversationSummary is the per-viewer projection rendered by the
// conversation list: one entry per conversation the viewer belongs to.
type ConversationSummary struct {
	ConversationID   uuid.UUID `json:"conversation_id"`
	OtherParticipant uuid.UUID `json:"other_participant"`
	LastMessageText  string    `json:"last_message_text"`
	LastMessageTime  time.Time `json:"last_message_time"`
	UnreadCount      int64     `json:"unread_count"`
}

func (Conversation) TableName() string {
	return "conversations"
}

func (Message) TableName() string {
	return "messages"
}

func (MessageRead) TableName() string {
	return "message_reads"
}

// SortPair orders two user ids by UUID byte order.
func SortPair(a, b uuid.UUID) (low, high uuid.UUID) {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return a, b
	}
	return b, a
}

// HasParticipant reports whether the user belongs to the conversation.
func (c Conversation) HasParticipant(userID uuid.UUID) bool {
	return c.ParticipantLow == userID || c.ParticipantHigh == userID
}

// OtherParticipant returns the peer of the given participant.
func (c Conversation) OtherParticipant(userID uuid.UUID) uuid.UUID {
	if c.ParticipantLow == userID {
		return c.ParticipantHigh
	}
	return c.ParticipantLow
}
