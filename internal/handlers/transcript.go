package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vehicledx/backend/internal/middleware"
	pkgerrors "github.com/vehicledx/backend/internal/pkg/errors"
	"github.com/vehicledx/backend/internal/platform/apierr"
	"github.com/vehicledx/backend/internal/platform/logger"
	"github.com/vehicledx/backend/internal/repos"
	"github.com/vehicledx/backend/internal/transcript"
)

// TranscriptHandler serves finalized transcripts to the report side and
// a read-only message view for legacy consultation consumers.
type TranscriptHandler struct {
	log           *logger.Logger
	finalizer     *transcript.Finalizer
	conversations repos.ConversationRepo
	messages      repos.MessageRepo
}

func NewTranscriptHandler(log *logger.Logger, finalizer *transcript.Finalizer, conversations repos.ConversationRepo, messages repos.MessageRepo) *TranscriptHandler {
	return &TranscriptHandler{
		log:           log.With("handler", "TranscriptHandler"),
		finalizer:     finalizer,
		conversations: conversations,
		messages:      messages,
	}
}

// GetTranscript handles GET /api/v1/conversations/:id/transcript.
func (h *TranscriptHandler) GetTranscript(c *gin.Context) {
	identity := middleware.IdentityFrom(c)
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierr.New(http.StatusBadRequest, "invalid_conversation_id", err))
		return
	}

	tr, err := h.finalizer.Finalize(c.Request.Context(), conversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	if identity == nil || tr.UserID != identity.UserID {
		respondError(c, pkgerrors.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, tr)
}

// ListMessages handles GET /api/v1/conversations/:id/messages, the
// read-only compatibility view over the raw message rows.
func (h *TranscriptHandler) ListMessages(c *gin.Context) {
	identity := middleware.IdentityFrom(c)
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierr.New(http.StatusBadRequest, "invalid_conversation_id", err))
		return
	}

	conv, err := h.conversations.GetByID(c.Request.Context(), nil, conversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	if identity == nil || conv.UserID != identity.UserID {
		respondError(c, pkgerrors.ErrNotFound)
		return
	}

	msgs, err := h.messages.ListByConversationID(c.Request.Context(), nil, conversationID, 0)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conversationID,
		"state":           conv.State,
		"messages":        msgs,
	})
}

// ListConversations handles GET /api/v1/conversations.
func (h *TranscriptHandler) ListConversations(c *gin.Context) {
	identity := middleware.IdentityFrom(c)
	if identity == nil {
		respondError(c, pkgerrors.ErrUnauthenticated)
		return
	}
	convs, err := h.conversations.ListByUserID(c.Request.Context(), nil, identity.UserID, 0)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}
