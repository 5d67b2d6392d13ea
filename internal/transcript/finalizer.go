package transcript

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vehicledx/backend/internal/domain"
	"github.com/vehicledx/backend/internal/platform/logger"
	"github.com/vehicledx/backend/internal/repos"
)

// Finalizer snapshots a conversation's complete messages for the external
// report renderer. It never blocks on in-flight turns: a message still
// streaming at snapshot time is simply absent and shows up in a later
// finalize once complete.
type Finalizer struct {
	log           *logger.Logger
	conversations repos.ConversationRepo
	messages      repos.MessageRepo
}

func New(log *logger.Logger, conversations repos.ConversationRepo, messages repos.MessageRepo) *Finalizer {
	return &Finalizer{
		log:           log.With("service", "TranscriptFinalizer"),
		conversations: conversations,
		messages:      messages,
	}
}

// Finalize is idempotent: with no new activity between calls it returns
// identical snapshots. GeneratedAt is derived from the newest complete
// message rather than the wall clock so repeat calls stay byte-identical
// when serialized.
func (f *Finalizer) Finalize(ctx context.Context, conversationID uuid.UUID) (*domain.Transcript, error) {
	conv, err := f.conversations.GetByID(ctx, nil, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	msgs, err := f.messages.ListCompleteByConversationID(ctx, nil, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	generatedAt := conv.CreatedAt.UTC()
	out := make([]domain.TranscriptMessage, 0, len(msgs))
	for _, m := range msgs {
		if updated := m.UpdatedAt.UTC(); updated.After(generatedAt) {
			generatedAt = updated
		}
		out = append(out, domain.TranscriptMessage{
			ID:        m.ID,
			Seq:       m.Seq,
			Role:      m.Role,
			Content:   m.Content,
			TokenCost: m.TokenCost,
			CreatedAt: m.CreatedAt.UTC(),
		})
	}

	f.log.Debug("transcript finalized",
		"conversation_id", conversationID,
		"messages", len(out),
	)
	return &domain.Transcript{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		GeneratedAt:    generatedAt,
		Messages:       out,
	}, nil
}
