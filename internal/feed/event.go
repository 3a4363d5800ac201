package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Table identifies which store table a change-feed event describes.
type Table string

// Op is the change operation. The feed only ever reports inserts and
// updates; nothing in this service deletes rows.
type Op string

const (
	TableConversations Table = "conversations"
	TableMessages      Table = "messages"

	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
)

// ConversationRow is the conversation image carried by a feed event.
type ConversationRow struct {
	ID              uuid.UUID `json:"id"`
	ParticipantLow  uuid.UUID `json:"participant_low"`
	ParticipantHigh uuid.UUID `json:"participant_high"`
	LastMessageText string    `json:"last_message_text"`
	LastMessageTime time.Time `json:"last_message_time"`
}

// MessageRow is the message image carried by a feed event. The participant
// pair is denormalized onto the row so subscribers can check membership and
// publishers can route without a store lookup.
type MessageRow struct {
	ID              uuid.UUID   `json:"id"`
	ConversationID  uuid.UUID   `json:"conversation_id"`
	ParticipantLow  uuid.UUID   `json:"participant_low"`
	ParticipantHigh uuid.UUID   `json:"participant_high"`
	SenderID        uuid.UUID   `json:"sender_id"`
	Text            string      `json:"text"`
	CreatedAt       time.Time   `json:"created_at"`
	ReadBy          []uuid.UUID `json:"read_by,omitempty"`
}

// Event is one change-feed notification. Exactly one of Conversation or
// Message is set, matching Table.
type Event struct {
	Table        Table            `json:"table"`
	Op           Op               `json:"op"`
	Conversation *ConversationRow `json:"conversation,omitempty"`
	Message      *MessageRow      `json:"message,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// Envelope is the wire format published to Redis.
type Envelope struct {
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Type returns the envelope event type, e.g. "messages.insert".
func (e Event) Type() string {
	switch e.Op {
	case OpInsert:
		return string(e.Table) + ".insert"
	default:
		return string(e.Table) + ".update"
	}
}

// Participants returns the pair of users the event concerns.
func (e Event) Participants() (uuid.UUID, uuid.UUID) {
	if e.Conversation != nil {
		return e.Conversation.ParticipantLow, e.Conversation.ParticipantHigh
	}
	if e.Message != nil {
		return e.Message.ParticipantLow, e.Message.ParticipantHigh
	}
	return uuid.Nil, uuid.Nil
}

// ConversationID returns the conversation the event belongs to.
func (e Event) ConversationID() uuid.UUID {
	if e.Conversation != nil {
		return e.Conversation.ID
	}
	if e.Message != nil {
		return e.Message.ConversationID
	}
	return uuid.Nil
}

// ReadByContains reports whether the message row lists the given reader.
func (r *MessageRow) ReadByContains(userID uuid.UUID) bool {
	for _, id := range r.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Encode wraps the event in its wire envelope.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	env := Envelope{
		EventType:   ev.Type(),
		AggregateID: ev.ConversationID().String(),
		OccurredAt:  ev.OccurredAt.UTC(),
		Payload:     payload,
	}
	return json.Marshal(env)
}

// Decode unwraps a wire envelope back into an event.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal event payload: %w", err)
	}
	return ev, nil
}
