package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	LedgerEntryStatusHeld      = "held"
	LedgerEntryStatusCommitted = "committed"
	LedgerEntryStatusReleased  = "released"
)

// LedgerEntry records one quota reservation and its settlement.
// Invariant: for a held entry, committed <= reserved; the sum of committed
// amounts within one window never exceeds the user's window quota.
type LedgerEntry struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_ledger_user_window,priority:1" json:"user_id"`

	WindowStart time.Time `gorm:"column:window_start;not null;index:idx_ledger_user_window,priority:2" json:"window_start"`

	Reserved  int    `gorm:"column:reserved;not null" json:"reserved"`
	Committed int    `gorm:"column:committed;not null;default:0" json:"committed"`
	Status    string `gorm:"column:status;not null;default:'held';index" json:"status"`

	ConversationID *uuid.UUID `gorm:"type:uuid;index" json:"conversation_id,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now();index" json:"updated_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entry" }
