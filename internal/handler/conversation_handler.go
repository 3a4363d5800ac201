package handler

import (
	"errors"
	"net/http"

	"haven-chat/internal/directory"
	"haven-chat/internal/services"
	"haven-chat/internal/transport/httpdto"
	haven_errors "haven-chat/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ConversationHandler struct {
	directory *directory.Directory
	chat      *services.ChatService
}

func NewConversationHandler(directory *directory.Directory, chat *services.ChatService) *ConversationHandler {
	return &ConversationHandler{directory: directory, chat: chat}
}

// Resolve maps the caller plus a peer to their single conversation,
// creating it on first contact.
func (h *ConversationHandler) Resolve(c *gin.Context) {
	var req httpdto.ResolveConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}

	viewerID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}

	peerID, err := uuid.Parse(req.PeerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid peer id", "INVALID_REQUEST"))
		return
	}

	conv, err := h.directory.Resolve(c.Request.Context(), viewerID, peerID)
	if err != nil {
		status, code := resolveStatus(err)
		c.JSON(status, httpdto.NewErrorResponse(err.Error(), code))
		return
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromConversation(conv)))
}

func (h *ConversationHandler) List(c *gin.Context) {
	viewerID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}

	items, err := h.chat.ListConversations(c.Request.Context(), viewerID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(err.Error(), "STORE_UNAVAILABLE"))
		return
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ListConversationsResponse{
		Conversations: httpdto.FromSummarySlice(items),
	}))
}

func (h *ConversationHandler) TotalUnread(c *gin.Context) {
	viewerID, ok := services.UserIDFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}

	total, err := h.chat.TotalUnread(c.Request.Context(), viewerID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(err.Error(), "STORE_UNAVAILABLE"))
		return
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.TotalUnreadResponse{TotalUnread: total}))
}

func resolveStatus(err error) (int, string) {
	switch {
	case errors.Is(err, haven_errors.ErrInvalidParticipants):
		return http.StatusBadRequest, "INVALID_PARTICIPANTS"
	case errors.Is(err, haven_errors.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	default:
		return http.StatusBadRequest, "REQUEST_FAILED"
	}
}
