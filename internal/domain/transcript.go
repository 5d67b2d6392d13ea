package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transcript is an immutable snapshot of a conversation's complete
// messages, produced for the external report renderer. A new finalize
// request produces a new Transcript; existing ones are never mutated.
type Transcript struct {
	ConversationID uuid.UUID           `json:"conversation_id"`
	UserID         uuid.UUID           `json:"user_id"`
	GeneratedAt    time.Time           `json:"generated_at"`
	Messages       []TranscriptMessage `json:"messages"`
}

type TranscriptMessage struct {
	ID        uuid.UUID `json:"id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	TokenCost *int      `json:"token_cost,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
