package handlers

import (
	"net/http"
	"strings"

	"payswap-backend/internal/middleware"
	"payswap-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// WebSocketHandler subscribes clients to live updates for a handle.
type WebSocketHandler struct {
	pushService *services.WebSocketPushService
}

func NewWebSocketHandler(pushService *services.WebSocketPushService) *WebSocketHandler {
	return &WebSocketHandler{pushService: pushService}
}

// HandleStream GET /ws/handles/:handle
// The stream carries payment details, so only the token's owner may subscribe.
func (h *WebSocketHandler) HandleStream(c *gin.Context) {
	handle := strings.ToLower(strings.TrimSpace(c.Param("handle")))
	if handle == "" {
		respondWithError(c, http.StatusBadRequest, "invalid_request", "handle is required")
		return
	}
	owner, ok := middleware.AuthenticatedHandle(c)
	if !ok || owner != handle {
		respondWithError(c, http.StatusForbidden, "forbidden", "token does not own this handle")
		return
	}
	h.pushService.HandleWebSocket(c.Writer, c.Request, handle)
}
