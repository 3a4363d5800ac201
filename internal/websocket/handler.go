package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"haven-chat/internal/reconciler"
	"haven-chat/internal/services"
	"haven-chat/internal/transport/httpdto"
	"haven-chat/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Handler streams a viewer's live conversation list. Each connection owns
// one reconciler: the socket opens a viewing session and closing the socket
// ends it.
type Handler struct {
	auth *services.AuthService
	chat *services.ChatService
	log  *logger.Logger
}

func NewHandler(auth *services.AuthService, chat *services.ChatService, log *logger.Logger) *Handler {
	return &Handler{auth: auth, chat: chat, log: log}
}

type listFrame struct {
	Conversations []httpdto.ConversationSummaryResponse `json:"conversations"`
	TotalUnread   int64                                 `json:"total_unread"`
}

func (h *Handler) Connect(c *gin.Context) {
	token := c.Query("token")
	claims, err := h.auth.ParseAccessToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}
	viewerID, err := uuid.Parse(claims.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	rec := h.chat.NewReconciler(viewerID)
	if err := rec.Start(c.Request.Context()); err != nil {
		h.log.Errorf("ws: failed to start viewing session for %s: %v", viewerID, err)
		return
	}
	defer rec.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.writeLoop(ctx, conn, rec)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writeLoop pushes a fresh frame after every fold the reconciler signals,
// plus keepalive pings.
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, rec *reconciler.Reconciler) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rec.Updates():
			frame := listFrame{
				Conversations: httpdto.FromSummarySlice(rec.Snapshot()),
				TotalUnread:   rec.TotalUnread(),
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}
