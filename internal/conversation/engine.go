package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/vehicledx/backend/internal/completion"
	"github.com/vehicledx/backend/internal/domain"
	"github.com/vehicledx/backend/internal/ledger"
	pkgerrors "github.com/vehicledx/backend/internal/pkg/errors"
	"github.com/vehicledx/backend/internal/platform/logger"
	"github.com/vehicledx/backend/internal/platform/openai"
	"github.com/vehicledx/backend/internal/realtime"
	"github.com/vehicledx/backend/internal/repos"
)

const (
	turnQueueDepth    = 16
	responseAllowance = 512
)

// Error codes carried on outbound error frames.
const (
	CodeQuotaExceeded   = "quota_exceeded"
	CodeProviderFailure = "provider_failure"
	CodeCancelled       = "cancelled"
	CodeInternal        = "internal"
)

const systemPromptHeader = "You are an automotive diagnostics assistant. " +
	"Answer using the vehicle context and reference material when available, " +
	"and say clearly when a problem needs a physical inspection."

// Sink receives turn output. The session layer implements it and owns
// delivery, buffering and acknowledgement toward the client.
type Sink interface {
	OnChunk(seq int64, text string)
	OnDone(seq int64, messageID uuid.UUID, tokenCost int)
	OnError(seq int64, code string, detail string)
}

// Retriever is the knowledge lookup boundary. Degradation to an empty
// result is handled inside the implementation.
type Retriever interface {
	Retrieve(ctx context.Context, queryText string, vc domain.VehicleContext, k int) []domain.KnowledgeChunk
}

// Estimator approximates token costs for ledger reservations.
type Estimator interface {
	Count(text string) int
	EstimateTurn(prompt string, contextTexts []string, responseAllowance int) int
}

// Completions starts provider streams.
type Completions interface {
	Start(ctx context.Context, messages []openai.ChatMessage) *completion.Stream
}

// Engine owns the per-conversation state machines. Each open conversation
// runs one worker goroutine consuming a bounded turn queue, so turns are
// processed strictly in arrival order and at most one provider pipeline
// is in flight per conversation.
type Engine struct {
	log           *logger.Logger
	conversations repos.ConversationRepo
	messages      repos.MessageRepo
	ledger        *ledger.Ledger
	retriever     Retriever
	completions   Completions
	estimator     Estimator
	bus           realtime.Bus

	mu     sync.Mutex
	active map[uuid.UUID]*Handle
}

func NewEngine(
	log *logger.Logger,
	conversations repos.ConversationRepo,
	messages repos.MessageRepo,
	led *ledger.Ledger,
	retriever Retriever,
	completions Completions,
	estimator Estimator,
	bus realtime.Bus,
) *Engine {
	return &Engine{
		log:           log.With("service", "ConversationEngine"),
		conversations: conversations,
		messages:      messages,
		ledger:        led,
		retriever:     retriever,
		completions:   completions,
		estimator:     estimator,
		bus:           bus,
	}
}

// Open attaches to an existing conversation or creates a new one, and
// ensures its worker is running. Reopening an already-active conversation
// rebinds the sink, which is how reconnect resumes an in-flight turn.
func (e *Engine) Open(ctx context.Context, userID uuid.UUID, tier string, conversationID *uuid.UUID, vc *domain.VehicleContext, sink Sink) (*Handle, error) {
	if conversationID != nil {
		e.mu.Lock()
		if h, ok := e.active[*conversationID]; ok {
			if h.userID != userID {
				e.mu.Unlock()
				return nil, pkgerrors.ErrNotFound
			}
			h.setSink(sink)
			e.mu.Unlock()
			return h, nil
		}
		e.mu.Unlock()
	}

	var conv *domain.Conversation
	if conversationID != nil {
		loaded, err := e.conversations.GetByID(ctx, nil, *conversationID)
		if err != nil {
			return nil, err
		}
		if loaded.UserID != userID {
			return nil, pkgerrors.ErrNotFound
		}
		if loaded.State == domain.ConversationStateClosed {
			return nil, pkgerrors.ErrConversationClosed
		}
		conv = loaded
	} else {
		raw := datatypes.JSON([]byte("{}"))
		if vc != nil {
			if encoded, err := json.Marshal(vc); err == nil {
				raw = datatypes.JSON(encoded)
			}
		}
		created, err := e.conversations.Create(ctx, nil, &domain.Conversation{
			UserID:         userID,
			State:          domain.ConversationStateIdle,
			VehicleContext: raw,
			LastActivityAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		conv = created
	}

	h := &Handle{
		engine:  e,
		id:      conv.ID,
		userID:  userID,
		tier:    tier,
		state:   conv.State,
		nextSeq: conv.NextSeq,
		sink:    sink,
		queue:   make(chan TurnRequest, turnQueueDepth),
		closed:  make(chan struct{}),
	}
	if vc != nil {
		h.vc = *vc
	} else if len(conv.VehicleContext) > 0 {
		_ = json.Unmarshal(conv.VehicleContext, &h.vc)
	}

	e.mu.Lock()
	if existing, ok := e.active[conv.ID]; ok {
		// lost the open race, reuse the winner
		existing.setSink(sink)
		e.mu.Unlock()
		return existing, nil
	}
	if e.active == nil {
		e.active = make(map[uuid.UUID]*Handle)
	}
	e.active[conv.ID] = h
	e.mu.Unlock()

	go h.run()
	return h, nil
}

func (e *Engine) detach(id uuid.UUID) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

// TurnRequest is one inbound user message.
type TurnRequest struct {
	Text           string
	VehicleContext *domain.VehicleContext
	IdempotencyKey string
}

// Handle is the runtime face of one conversation: a single-consumer
// ordered queue of turns in front of the retrieval/streaming pipeline.
type Handle struct {
	engine *Engine
	id     uuid.UUID
	userID uuid.UUID
	tier   string

	mu      sync.Mutex
	sink    Sink
	state   string
	nextSeq int64
	vc      domain.VehicleContext

	queue     chan TurnRequest
	closed    chan struct{}
	closeOnce sync.Once

	cancelMu     sync.Mutex
	cancelActive context.CancelFunc
}

func (h *Handle) ID() uuid.UUID     { return h.id }
func (h *Handle) UserID() uuid.UUID { return h.userID }

func (h *Handle) State() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setSink(sink Sink) {
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()
}

func (h *Handle) currentSink() Sink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sink
}

// Submit queues a turn. A message arriving while another turn streams is
// queued, never dropped, and runs after the current turn finalizes.
func (h *Handle) Submit(req TurnRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("%w: empty message text", pkgerrors.ErrInvalidArgument)
	}
	select {
	case <-h.closed:
		return pkgerrors.ErrConversationClosed
	default:
	}
	select {
	case h.queue <- req:
		return nil
	case <-h.closed:
		return pkgerrors.ErrConversationClosed
	default:
		return fmt.Errorf("%w: turn queue full", pkgerrors.ErrInvalidArgument)
	}
}

// CancelActive aborts the in-flight provider stream, if any. Queued turns
// are unaffected.
func (h *Handle) CancelActive() {
	h.cancelMu.Lock()
	cancel := h.cancelActive
	h.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close is terminal: the in-flight stream is cancelled, queued turns are
// discarded, and no further input is accepted.
func (h *Handle) Close(ctx context.Context, reason string) {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.CancelActive()
		h.setState(ctx, domain.ConversationStateClosed)
		h.engine.detach(h.id)
		h.publish(realtime.Event{
			Type:           realtime.EventConversationClosed,
			ConversationID: h.id,
			UserID:         h.userID,
			Detail:         reason,
		})
		h.engine.log.Info("conversation closed",
			"conversation_id", h.id,
			"reason", reason,
		)
	})
}

func (h *Handle) run() {
	for {
		select {
		case <-h.closed:
			return
		case req := <-h.queue:
			h.processTurn(req)
		}
	}
}

// setState persists a transition. Closed is terminal: a turn settling
// after Close must not resurrect the conversation.
func (h *Handle) setState(ctx context.Context, state string) {
	h.mu.Lock()
	if h.state == domain.ConversationStateClosed && state != domain.ConversationStateClosed {
		h.mu.Unlock()
		return
	}
	h.state = state
	h.mu.Unlock()
	if err := h.engine.conversations.UpdateState(ctx, nil, h.id, state); err != nil {
		h.engine.log.Warn("persist state failed",
			"conversation_id", h.id,
			"state", state,
			"error", err,
		)
	}
}

// allocSeq hands out the next sequence number. Only the worker goroutine
// allocates, so numbers are strictly increasing with no gaps.
func (h *Handle) allocSeq(ctx context.Context) int64 {
	h.mu.Lock()
	seq := h.nextSeq
	h.nextSeq++
	next := h.nextSeq
	h.mu.Unlock()
	if err := h.engine.conversations.UpdateNextSeq(ctx, nil, h.id, next); err != nil {
		h.engine.log.Warn("persist next_seq failed", "conversation_id", h.id, "error", err)
	}
	return seq
}

func (h *Handle) processTurn(req TurnRequest) {
	ctx := context.Background()
	e := h.engine

	if req.VehicleContext != nil {
		h.mu.Lock()
		h.vc = *req.VehicleContext
		h.mu.Unlock()
	}
	h.mu.Lock()
	vc := h.vc
	h.mu.Unlock()

	if req.IdempotencyKey != "" {
		if existing, err := e.messages.GetByIdempotencyKey(ctx, nil, h.id, req.IdempotencyKey); err == nil && existing != nil {
			e.log.Info("duplicate turn ignored",
				"conversation_id", h.id,
				"idempotency_key", req.IdempotencyKey,
			)
			return
		}
	}

	h.setState(ctx, domain.ConversationStateRetrieving)
	h.touch(ctx)

	userSeq := h.allocSeq(ctx)
	userMsg, err := e.messages.Create(ctx, nil, &domain.Message{
		ConversationID: h.id,
		UserID:         h.userID,
		Seq:            userSeq,
		Role:           domain.RoleUser,
		Status:         domain.MessageStatusPending,
		Content:        req.Text,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		e.log.Error("persist user message failed", "conversation_id", h.id, "error", err)
		h.setState(ctx, domain.ConversationStateIdle)
		h.emitError(userSeq, CodeInternal, "failed to record message")
		return
	}

	chunks := e.retriever.Retrieve(ctx, req.Text, vc, 0)
	contextTexts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.SourceText != "" {
			contextTexts = append(contextTexts, c.SourceText)
		}
	}

	estimate := e.estimator.EstimateTurn(req.Text, contextTexts, responseAllowance)
	reservation, err := e.ledger.Reserve(ctx, h.userID, h.tier, estimate, &h.id)
	if err != nil {
		h.failBeforeStreaming(ctx, userMsg, err)
		return
	}

	messages := h.buildPrompt(ctx, req.Text, vc, contextTexts)

	assistantSeq := h.allocSeq(ctx)
	assistantMsg, err := e.messages.Create(ctx, nil, &domain.Message{
		ConversationID: h.id,
		UserID:         h.userID,
		Seq:            assistantSeq,
		Role:           domain.RoleAssistant,
		Status:         domain.MessageStatusStreaming,
	})
	if err != nil {
		_ = e.ledger.Release(ctx, reservation)
		h.finalizeMessage(ctx, userMsg.ID, req.Text, nil, domain.MessageStatusFailed)
		h.setState(ctx, domain.ConversationStateIdle)
		h.emitError(assistantSeq, CodeInternal, "failed to open assistant message")
		return
	}

	h.setState(ctx, domain.ConversationStateStreaming)
	h.finalizeMessage(ctx, userMsg.ID, req.Text, nil, domain.MessageStatusComplete)

	streamCtx, cancel := context.WithCancel(ctx)
	h.cancelMu.Lock()
	h.cancelActive = cancel
	h.cancelMu.Unlock()
	defer func() {
		h.cancelMu.Lock()
		h.cancelActive = nil
		h.cancelMu.Unlock()
		cancel()
	}()

	stream := e.completions.Start(streamCtx, messages)

	var content strings.Builder
	for {
		text, ok := stream.Next(streamCtx)
		if !ok {
			break
		}
		content.WriteString(text)
		h.emitChunk(assistantSeq, text)
	}
	usage, streamErr := stream.Result()
	h.touch(ctx)

	switch {
	case streamErr == nil:
		actual := usage.TotalTokens
		if actual == 0 {
			actual = e.estimator.Count(content.String())
		}
		_ = e.ledger.Commit(ctx, reservation, actual)
		h.finalizeMessage(ctx, assistantMsg.ID, content.String(), &actual, domain.MessageStatusComplete)
		h.setState(ctx, domain.ConversationStateIdle)
		h.emitDone(assistantSeq, assistantMsg.ID, actual)
		h.publish(realtime.Event{
			Type:           realtime.EventTurnDone,
			ConversationID: h.id,
			UserID:         h.userID,
			Seq:            assistantSeq,
		})

	case errors.Is(streamErr, context.Canceled):
		h.settleInterrupted(ctx, reservation, usage)
		h.finalizeMessage(ctx, assistantMsg.ID, content.String(), nil, domain.MessageStatusFailed)
		h.setState(ctx, domain.ConversationStateFailed)
		h.setState(ctx, domain.ConversationStateIdle)
		h.emitError(assistantSeq, CodeCancelled, "turn cancelled")
		h.publish(realtime.Event{
			Type:           realtime.EventTurnFailed,
			ConversationID: h.id,
			UserID:         h.userID,
			Seq:            assistantSeq,
			Detail:         CodeCancelled,
		})

	default:
		h.settleInterrupted(ctx, reservation, usage)
		h.finalizeMessage(ctx, assistantMsg.ID, content.String(), nil, domain.MessageStatusFailed)
		h.setState(ctx, domain.ConversationStateFailed)
		h.setState(ctx, domain.ConversationStateIdle)
		e.log.Warn("completion stream failed",
			"conversation_id", h.id,
			"seq", assistantSeq,
			"error", streamErr,
		)
		h.emitError(assistantSeq, CodeProviderFailure, truncateDetail(streamErr.Error()))
		h.publish(realtime.Event{
			Type:           realtime.EventTurnFailed,
			ConversationID: h.id,
			UserID:         h.userID,
			Seq:            assistantSeq,
			Detail:         CodeProviderFailure,
		})
	}
}

// failBeforeStreaming records a denied or broken turn that never reached
// the provider. A quota denial consumes nothing and appends a synthetic
// system record; the conversation stays usable.
func (h *Handle) failBeforeStreaming(ctx context.Context, userMsg *domain.Message, cause error) {
	e := h.engine
	h.finalizeMessage(ctx, userMsg.ID, userMsg.Content, nil, domain.MessageStatusFailed)

	code := CodeInternal
	detail := "failed to reserve token quota"
	if errors.Is(cause, pkgerrors.ErrQuotaExceeded) {
		code = CodeQuotaExceeded
		detail = "token quota exceeded for the current window"
	}

	sysSeq := h.allocSeq(ctx)
	if _, err := e.messages.Create(ctx, nil, &domain.Message{
		ConversationID: h.id,
		UserID:         h.userID,
		Seq:            sysSeq,
		Role:           domain.RoleSystem,
		Status:         domain.MessageStatusFailed,
		Content:        detail,
	}); err != nil {
		e.log.Warn("persist system message failed", "conversation_id", h.id, "error", err)
	}

	h.setState(ctx, domain.ConversationStateFailed)
	h.setState(ctx, domain.ConversationStateIdle)
	h.emitError(sysSeq, code, detail)
	h.publish(realtime.Event{
		Type:           realtime.EventTurnFailed,
		ConversationID: h.id,
		UserID:         h.userID,
		Seq:            sysSeq,
		Detail:         code,
	})
}

// settleInterrupted commits the partial cost when the provider reported
// one, otherwise releases the full reservation.
func (h *Handle) settleInterrupted(ctx context.Context, res *ledger.Reservation, usage openai.Usage) {
	if usage.TotalTokens > 0 {
		_ = h.engine.ledger.Commit(ctx, res, usage.TotalTokens)
		return
	}
	_ = h.engine.ledger.Release(ctx, res)
}

func (h *Handle) buildPrompt(ctx context.Context, userText string, vc domain.VehicleContext, contextTexts []string) []openai.ChatMessage {
	var sys strings.Builder
	sys.WriteString(systemPromptHeader)
	if !vc.Empty() {
		sys.WriteString("\n\nVehicle: ")
		parts := make([]string, 0, 4)
		if vc.Year != 0 {
			parts = append(parts, fmt.Sprintf("%d", vc.Year))
		}
		if vc.Make != "" {
			parts = append(parts, vc.Make)
		}
		if vc.Model != "" {
			parts = append(parts, vc.Model)
		}
		sys.WriteString(strings.Join(parts, " "))
		if len(vc.DiagnosticCodes) > 0 {
			sys.WriteString("\nReported diagnostic codes: " + strings.Join(vc.DiagnosticCodes, ", "))
		}
	}
	if len(contextTexts) > 0 {
		sys.WriteString("\n\nReference material:")
		for _, t := range contextTexts {
			sys.WriteString("\n- " + t)
		}
	}

	messages := []openai.ChatMessage{{Role: domain.RoleSystem, Content: sys.String()}}

	history, err := h.engine.messages.ListCompleteByConversationID(ctx, nil, h.id)
	if err != nil {
		h.engine.log.Warn("load history failed", "conversation_id", h.id, "error", err)
	}
	for _, m := range history {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		messages = append(messages, openai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return append(messages, openai.ChatMessage{Role: domain.RoleUser, Content: userText})
}

func (h *Handle) finalizeMessage(ctx context.Context, id uuid.UUID, content string, tokenCost *int, status string) {
	if err := h.engine.messages.Finalize(ctx, nil, id, content, tokenCost, status); err != nil {
		h.engine.log.Warn("finalize message failed", "message_id", id, "status", status, "error", err)
	}
}

func (h *Handle) touch(ctx context.Context) {
	if err := h.engine.conversations.TouchActivity(ctx, nil, h.id, time.Now().UTC()); err != nil {
		h.engine.log.Warn("touch activity failed", "conversation_id", h.id, "error", err)
	}
}

func (h *Handle) emitChunk(seq int64, text string) {
	if sink := h.currentSink(); sink != nil {
		sink.OnChunk(seq, text)
	}
}

func (h *Handle) emitDone(seq int64, messageID uuid.UUID, tokenCost int) {
	if sink := h.currentSink(); sink != nil {
		sink.OnDone(seq, messageID, tokenCost)
	}
}

func (h *Handle) emitError(seq int64, code string, detail string) {
	if sink := h.currentSink(); sink != nil {
		sink.OnError(seq, code, detail)
	}
}

func (h *Handle) publish(ev realtime.Event) {
	if h.engine.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.engine.bus.Publish(ctx, ev); err != nil {
		h.engine.log.Warn("bus publish failed", "type", ev.Type, "error", err)
	}
}

func truncateDetail(s string) string {
	const max = 256
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
