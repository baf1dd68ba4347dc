package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mnma/mnma-backend/internal/apperr"
	"github.com/mnma/mnma-backend/internal/chat"
	"github.com/mnma/mnma-backend/internal/logger"
)

type ChatHandler struct {
	log      *logger.Logger
	manager  *chat.Manager
	upgrader websocket.Upgrader
}

func NewChatHandler(log *logger.Logger, manager *chat.Manager) *ChatHandler {
	return &ChatHandler{
		log:     log.With("handler", "ChatHandler"),
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from arbitrary origins; auth is out
			// of scope for this surface.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// GET /chat/:user_id/:chat_name/*file_ids
// file_ids is a comma-separated list; an empty tail opens a chat with no
// file scope. Validation failures reject the handshake with the mapped
// HTTP status before the upgrade.
func (h *ChatHandler) Connect(c *gin.Context) {
	userID := c.Param("user_id")
	chatName := c.Param("chat_name")
	rawFileIDs := splitFileIDs(c.Param("file_ids"))

	fileIDs, err := h.manager.ValidateFiles(c.Request.Context(), userID, rawFileIDs)
	if err != nil {
		h.log.Warn("Chat connection rejected",
			"user_id", userID,
			"chat_name", chatName,
			"kind", apperr.KindOf(err),
			"error", err,
		)
		RespondAppError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.Close()

	session := h.manager.NewSession(conn, userID, chatName, fileIDs)
	session.Run(c.Request.Context())
}

func splitFileIDs(raw string) []string {
	raw = strings.Trim(raw, "/ ")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
