package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vehicledx/backend/internal/ledger"
	"github.com/vehicledx/backend/internal/middleware"
	pkgerrors "github.com/vehicledx/backend/internal/pkg/errors"
	"github.com/vehicledx/backend/internal/platform/logger"
)

type TokenHandler struct {
	log    *logger.Logger
	ledger *ledger.Ledger
}

func NewTokenHandler(log *logger.Logger, led *ledger.Ledger) *TokenHandler {
	return &TokenHandler{log: log.With("handler", "TokenHandler"), ledger: led}
}

// GetBalance handles GET /api/v1/tokens/balance.
func (h *TokenHandler) GetBalance(c *gin.Context) {
	identity := middleware.IdentityFrom(c)
	if identity == nil {
		respondError(c, pkgerrors.ErrUnauthenticated)
		return
	}
	available, windowStart := h.ledger.Balance(identity.UserID, identity.Tier)
	c.JSON(http.StatusOK, gin.H{
		"tier":         identity.Tier,
		"quota":        ledger.TierQuota(identity.Tier),
		"available":    available,
		"window_start": windowStart,
	})
}
