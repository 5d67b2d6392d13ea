package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Turn lifecycle event types published for cross-instance consumers,
// chiefly the report side watching for closed conversations.
const (
	EventTurnDone           = "turn_done"
	EventTurnFailed         = "turn_failed"
	EventConversationClosed = "conversation_closed"
)

type Event struct {
	Type           string    `json:"type"`
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Seq            int64     `json:"seq,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// StartForwarder subscribes and invokes onEvent for every event until
	// ctx is cancelled.
	StartForwarder(ctx context.Context, onEvent func(ev Event)) error
	Close() error
}
