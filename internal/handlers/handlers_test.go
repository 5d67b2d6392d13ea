package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/vehicledx/backend/internal/auth"
	"github.com/vehicledx/backend/internal/domain"
	"github.com/vehicledx/backend/internal/ledger"
	pkgerrors "github.com/vehicledx/backend/internal/pkg/errors"
	"github.com/vehicledx/backend/internal/platform/apierr"
	"github.com/vehicledx/backend/internal/platform/logger"
	"github.com/vehicledx/backend/internal/transcript"
)

type conversationRepoStub struct {
	convs map[uuid.UUID]*domain.Conversation
}

func newConversationRepoStub() *conversationRepoStub {
	return &conversationRepoStub{convs: map[uuid.UUID]*domain.Conversation{}}
}

func (s *conversationRepoStub) Create(ctx context.Context, tx *gorm.DB, conv *domain.Conversation) (*domain.Conversation, error) {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	cp := *conv
	s.convs[conv.ID] = &cp
	return conv, nil
}

func (s *conversationRepoStub) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Conversation, error) {
	conv, ok := s.convs[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (s *conversationRepoStub) ListByUserID(ctx context.Context, tx *gorm.DB, userID uuid.UUID, limit int) ([]*domain.Conversation, error) {
	var out []*domain.Conversation
	for _, conv := range s.convs {
		if conv.UserID == userID {
			cp := *conv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *conversationRepoStub) UpdateState(ctx context.Context, tx *gorm.DB, id uuid.UUID, state string) error {
	if conv, ok := s.convs[id]; ok {
		conv.State = state
	}
	return nil
}

func (s *conversationRepoStub) UpdateNextSeq(ctx context.Context, tx *gorm.DB, id uuid.UUID, nextSeq int64) error {
	if conv, ok := s.convs[id]; ok && conv.NextSeq < nextSeq {
		conv.NextSeq = nextSeq
	}
	return nil
}

func (s *conversationRepoStub) TouchActivity(ctx context.Context, tx *gorm.DB, id uuid.UUID, at time.Time) error {
	if conv, ok := s.convs[id]; ok {
		conv.LastActivityAt = at
	}
	return nil
}

type messageRepoStub struct {
	msgs []*domain.Message
}

func (s *messageRepoStub) Create(ctx context.Context, tx *gorm.DB, msg *domain.Message) (*domain.Message, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	cp := *msg
	s.msgs = append(s.msgs, &cp)
	return msg, nil
}

func (s *messageRepoStub) ListByConversationID(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID, limit int) ([]*domain.Message, error) {
	var out []*domain.Message
	for _, m := range s.msgs {
		if m.ConversationID == conversationID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *messageRepoStub) ListCompleteByConversationID(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) ([]*domain.Message, error) {
	var out []*domain.Message
	for _, m := range s.msgs {
		if m.ConversationID == conversationID && m.Status == domain.MessageStatusComplete {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *messageRepoStub) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID, key string) (*domain.Message, error) {
	if key == "" {
		return nil, nil
	}
	for _, m := range s.msgs {
		if m.ConversationID == conversationID && m.IdempotencyKey == key && m.Role == domain.RoleUser {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *messageRepoStub) Finalize(ctx context.Context, tx *gorm.DB, id uuid.UUID, content string, tokenCost *int, status string) error {
	for _, m := range s.msgs {
		if m.ID == id {
			m.Content = content
			m.Status = status
			if tokenCost != nil {
				m.TokenCost = tokenCost
			}
			m.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

type ledgerEntryRepoStub struct{}

func (ledgerEntryRepoStub) Create(ctx context.Context, tx *gorm.DB, entry *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return entry, nil
}

func (ledgerEntryRepoStub) Settle(ctx context.Context, tx *gorm.DB, id uuid.UUID, committed int, status string) error {
	return nil
}

func (ledgerEntryRepoStub) ListByUserWindow(ctx context.Context, tx *gorm.DB, userID uuid.UUID, windowStart time.Time) ([]*domain.LedgerEntry, error) {
	return nil, nil
}

func (ledgerEntryRepoStub) SumCommitted(ctx context.Context, tx *gorm.DB, userID uuid.UUID, windowStart time.Time) (int64, error) {
	return 0, nil
}

func newHandlerTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(func() {
		log.Sync()
	})
	return log
}

// identityInjector stands in for the auth middleware, using the same
// context key.
func identityInjector(identity *auth.Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		if identity != nil {
			c.Set("identity", identity)
		}
		c.Next()
	}
}

func doRequest(t *testing.T, router *gin.Engine, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestGetBalanceDefaultQuota(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := newHandlerTestLogger(t)

	led := ledger.New(log, ledgerEntryRepoStub{}, time.Hour)
	handler := NewTokenHandler(log, led)
	identity := &auth.Identity{UserID: uuid.New(), Tier: ledger.TierFree}

	router := gin.New()
	router.GET("/tokens/balance", identityInjector(identity), handler.GetBalance)

	w, body := doRequest(t, router, http.MethodGet, "/tokens/balance")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "free", body["tier"])
	assert.Equal(t, float64(10000), body["quota"])
	assert.Equal(t, float64(10000), body["available"])
}

func TestGetBalanceReflectsCommittedUsage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := newHandlerTestLogger(t)

	led := ledger.New(log, ledgerEntryRepoStub{}, time.Hour)
	identity := &auth.Identity{UserID: uuid.New(), Tier: ledger.TierStandard}

	res, err := led.Reserve(context.Background(), identity.UserID, identity.Tier, 100, nil)
	require.NoError(t, err)
	require.NoError(t, led.Commit(context.Background(), res, 60))

	handler := NewTokenHandler(log, led)
	router := gin.New()
	router.GET("/tokens/balance", identityInjector(identity), handler.GetBalance)

	w, body := doRequest(t, router, http.MethodGet, "/tokens/balance")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(50000), body["quota"])
	assert.Equal(t, float64(49940), body["available"])
}

func TestGetBalanceUnauthenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := newHandlerTestLogger(t)

	handler := NewTokenHandler(log, ledger.New(log, ledgerEntryRepoStub{}, time.Hour))
	router := gin.New()
	router.GET("/tokens/balance", handler.GetBalance)

	w, body := doRequest(t, router, http.MethodGet, "/tokens/balance")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthenticated", body["error"])
}

func transcriptFixture(t *testing.T) (*TranscriptHandler, *conversationRepoStub, *messageRepoStub) {
	t.Helper()
	log := newHandlerTestLogger(t)
	convs := newConversationRepoStub()
	msgs := &messageRepoStub{}
	finalizer := transcript.New(log, convs, msgs)
	return NewTranscriptHandler(log, finalizer, convs, msgs), convs, msgs
}

func seedConversation(t *testing.T, convs *conversationRepoStub, msgs *messageRepoStub, userID uuid.UUID) uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	conv, err := convs.Create(context.Background(), nil, &domain.Conversation{
		UserID:         userID,
		State:          domain.ConversationStateIdle,
		VehicleContext: []byte(`{}`),
		LastActivityAt: now,
		CreatedAt:      now,
	})
	require.NoError(t, err)

	cost := 30
	seed := []*domain.Message{
		{ConversationID: conv.ID, UserID: userID, Seq: 0, Role: domain.RoleUser, Status: domain.MessageStatusComplete, Content: "rough idle when cold", UpdatedAt: now},
		{ConversationID: conv.ID, UserID: userID, Seq: 1, Role: domain.RoleAssistant, Status: domain.MessageStatusComplete, Content: "inspect the idle air control valve", TokenCost: &cost, UpdatedAt: now.Add(time.Second)},
		{ConversationID: conv.ID, UserID: userID, Seq: 2, Role: domain.RoleUser, Status: domain.MessageStatusFailed, Content: "dropped turn", UpdatedAt: now.Add(2 * time.Second)},
	}
	for _, m := range seed {
		_, err := msgs.Create(context.Background(), nil, m)
		require.NoError(t, err)
	}
	return conv.ID
}

func TestGetTranscriptReturnsCompleteMessages(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, convs, msgs := transcriptFixture(t)

	userID := uuid.New()
	conversationID := seedConversation(t, convs, msgs, userID)

	router := gin.New()
	router.GET("/conversations/:id/transcript", identityInjector(&auth.Identity{UserID: userID, Tier: ledger.TierFree}), handler.GetTranscript)

	w, body := doRequest(t, router, http.MethodGet, fmt.Sprintf("/conversations/%s/transcript", conversationID))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, conversationID.String(), body["conversation_id"])
	messages, ok := body["messages"].([]any)
	require.True(t, ok, "messages should be an array")
	assert.Len(t, messages, 2, "failed messages stay out of the transcript")

	first, ok := messages[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "rough idle when cold", first["content"])
}

func TestGetTranscriptRejectsMalformedID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, _, _ := transcriptFixture(t)

	router := gin.New()
	router.GET("/conversations/:id/transcript", identityInjector(&auth.Identity{UserID: uuid.New()}), handler.GetTranscript)

	w, body := doRequest(t, router, http.MethodGet, "/conversations/not-a-uuid/transcript")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_conversation_id", body["error"])
}

func TestGetTranscriptHidesForeignConversation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, convs, msgs := transcriptFixture(t)

	ownerID := uuid.New()
	conversationID := seedConversation(t, convs, msgs, ownerID)

	router := gin.New()
	router.GET("/conversations/:id/transcript", identityInjector(&auth.Identity{UserID: uuid.New()}), handler.GetTranscript)

	w, body := doRequest(t, router, http.MethodGet, fmt.Sprintf("/conversations/%s/transcript", conversationID))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestListMessagesIncludesStateAndAllStatuses(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, convs, msgs := transcriptFixture(t)

	userID := uuid.New()
	conversationID := seedConversation(t, convs, msgs, userID)

	router := gin.New()
	router.GET("/conversations/:id/messages", identityInjector(&auth.Identity{UserID: userID}), handler.ListMessages)

	w, body := doRequest(t, router, http.MethodGet, fmt.Sprintf("/conversations/%s/messages", conversationID))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, domain.ConversationStateIdle, body["state"])
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 3, "raw view keeps failed messages")
}

func TestListMessagesUnknownConversation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, _, _ := transcriptFixture(t)

	router := gin.New()
	router.GET("/conversations/:id/messages", identityInjector(&auth.Identity{UserID: uuid.New()}), handler.ListMessages)

	w, body := doRequest(t, router, http.MethodGet, fmt.Sprintf("/conversations/%s/messages", uuid.New()))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestListConversationsScopedToCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, convs, msgs := transcriptFixture(t)

	userID := uuid.New()
	seedConversation(t, convs, msgs, userID)
	seedConversation(t, convs, msgs, uuid.New())

	router := gin.New()
	router.GET("/conversations", identityInjector(&auth.Identity{UserID: userID}), handler.ListConversations)

	w, body := doRequest(t, router, http.MethodGet, "/conversations")
	require.Equal(t, http.StatusOK, w.Code)

	list, ok := body["conversations"].([]any)
	require.True(t, ok)
	assert.Len(t, list, 1)
}

func TestRespondErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", pkgerrors.ErrNotFound, http.StatusNotFound, "not_found"},
		{"unauthenticated", pkgerrors.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
		{"invalid argument", pkgerrors.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
		{"conversation closed", pkgerrors.ErrConversationClosed, http.StatusConflict, "conversation_closed"},
		{"quota exceeded", pkgerrors.ErrQuotaExceeded, http.StatusTooManyRequests, "quota_exceeded"},
		{"wrapped sentinel", fmt.Errorf("reserve: %w", pkgerrors.ErrQuotaExceeded), http.StatusTooManyRequests, "quota_exceeded"},
		{"api error", apierr.New(http.StatusServiceUnavailable, "provider_down", nil), http.StatusServiceUnavailable, "provider_down"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.GET("/boom", func(c *gin.Context) {
				respondError(c, tt.err)
			})

			w, body := doRequest(t, router, http.MethodGet, "/boom")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, body["error"])
		})
	}
}
