package session

import "github.com/vehicledx/backend/internal/domain"

// Client to server frame types.
const (
	frameMessage = "message"
	frameClose   = "close"
	frameAck     = "ack"
)

// Server to client frame types. "ready" announces the bound conversation
// id so the client can resume later.
const (
	frameReady = "ready"
	frameChunk = "chunk"
	frameDone  = "done"
	frameError = "error"
)

type inboundFrame struct {
	Type           string                 `json:"type"`
	Text           string                 `json:"text,omitempty"`
	VehicleContext *domain.VehicleContext `json:"vehicleContext,omitempty"`
	// ID is an optional client idempotency key for message frames.
	ID string `json:"id,omitempty"`
	// Index acknowledges every outbound frame up to and including it.
	Index int64 `json:"index,omitempty"`
}

type outboundFrame struct {
	Type string `json:"type"`
	// Seq is the message sequence number the frame belongs to.
	Seq int64 `json:"seq"`
	// Index is the session-wide delivery index used by the ack cursor.
	Index int64 `json:"index"`

	Text           string `json:"text,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	TokenCost      int    `json:"tokenCost,omitempty"`
	Code           string `json:"code,omitempty"`
	Detail         string `json:"detail,omitempty"`
}
