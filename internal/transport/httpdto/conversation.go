package httpdto

import (
	"time"

	"haven-chat/internal/domain/chat"
)

type ResolveConversationRequest struct {
	PeerID string `json:"peer_id" binding:"required"`
}

type ConversationResponse struct {
	ID              string `json:"id"`
	ParticipantLow  string `json:"participant_low"`
	ParticipantHigh string `json:"participant_high"`
	LastMessageText string `json:"last_message_text,omitempty"`
	LastMessageTime string `json:"last_message_time,omitempty"`
	CreatedAt       string `json:"created_at"`
}

type ConversationSummaryResponse struct {
	ConversationID   string `json:"conversation_id"`
	OtherParticipant string `json:"other_participant"`
	LastMessageText  string `json:"last_message_text,omitempty"`
	LastMessageTime  string `json:"last_message_time,omitempty"`
	UnreadCount      int64  `json:"unread_count"`
}

type ListConversationsResponse struct {
	Conversations []ConversationSummaryResponse `json:"conversations"`
}

type TotalUnreadResponse struct {
	TotalUnread int64 `json:"total_unread"`
}

func FromConversation(c chat.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:              c.ID.String(),
		ParticipantLow:  c.ParticipantLow.String(),
		ParticipantHigh: c.ParticipantHigh.String(),
		CreatedAt:       c.CreatedAt.Format(time.RFC3339),
	}
	if c.LastMessageText.Valid {
		resp.LastMessageText = c.LastMessageText.String
	}
	if c.LastMessageTime.Valid {
		resp.LastMessageTime = c.LastMessageTime.Time.Format(time.RFC3339)
	}
	return resp
}

func FromSummary(s chat.ConversationSummary) ConversationSummaryResponse {
	resp := ConversationSummaryResponse{
		ConversationID:   s.ConversationID.String(),
		OtherParticipant: s.OtherParticipant.String(),
		LastMessageText:  s.LastMessageText,
		UnreadCount:      s.UnreadCount,
	}
	if !s.LastMessageTime.IsZero() {
		resp.LastMessageTime = s.LastMessageTime.Format(time.RFC3339)
	}
	return resp
}

func FromSummarySlice(items []chat.ConversationSummary) []ConversationSummaryResponse {
	out := make([]ConversationSummaryResponse, 0, len(items))
	for _, item := range items {
		out = append(out, FromSummary(item))
	}
	return out
}
