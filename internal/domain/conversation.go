package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Conversation lifecycle states. A conversation is IDLE between turns,
// walks RETRIEVING -> STREAMING while a turn is in flight, and CLOSED is
// terminal.
const (
	ConversationStateIdle       = "idle"
	ConversationStateRetrieving = "retrieving"
	ConversationStateStreaming  = "streaming"
	ConversationStateFailed     = "failed"
	ConversationStateClosed     = "closed"
)

type Conversation struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	State string `gorm:"column:state;not null;default:'idle';index" json:"state"`

	// Optional vehicle scoping for knowledge retrieval.
	VehicleContext datatypes.JSON `gorm:"type:jsonb;column:vehicle_context;not null;default:'{}'" json:"vehicle_context,omitempty"`

	// Concurrency-safe per-conversation sequencing.
	NextSeq int64 `gorm:"column:next_seq;not null;default:0" json:"next_seq"`

	LastActivityAt time.Time `gorm:"column:last_activity_at;not null;default:now();index" json:"last_activity_at"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Conversation) TableName() string { return "conversation" }
