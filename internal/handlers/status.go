package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mnma/mnma-backend/internal/apperr"
	"github.com/mnma/mnma-backend/internal/logger"
	"github.com/mnma/mnma-backend/internal/notify"
)

type StatusHandler struct {
	log *logger.Logger
	hub *notify.Hub
}

func NewStatusHandler(log *logger.Logger, hub *notify.Hub) *StatusHandler {
	return &StatusHandler{
		log: log.With("handler", "StatusHandler"),
		hub: hub,
	}
}

// GET /upload/status_stream/:user_id
// SSE stream of file status events for one user, an alternative to polling
// get_files_status.
func (h *StatusHandler) Stream(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		RespondAppError(c, apperr.Newf(apperr.KindInvalidInput, "user_id is required"))
		return
	}

	client := h.hub.NewClient(userID)
	h.hub.AddChannel(client, notify.UserChannel(userID))
	defer h.hub.CloseClient(client)

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
