package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/vehicledx/backend/internal/session"
)

type SessionHandler struct {
	manager *session.Manager
}

func NewSessionHandler(manager *session.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// Connect handles GET /api/v1/sessions/connect, upgrading to the
// bidirectional session protocol. Auth happens inside the manager since
// websocket dials carry the token as a query parameter.
func (h *SessionHandler) Connect(c *gin.Context) {
	h.manager.Serve(c.Writer, c.Request)
}
