package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/vehicledx/backend/internal/auth"
	"github.com/vehicledx/backend/internal/completion"
	"github.com/vehicledx/backend/internal/conversation"
	"github.com/vehicledx/backend/internal/domain"
	"github.com/vehicledx/backend/internal/ledger"
	pkgerrors "github.com/vehicledx/backend/internal/pkg/errors"
	"github.com/vehicledx/backend/internal/platform/logger"
	"github.com/vehicledx/backend/internal/platform/openai"
	"github.com/vehicledx/backend/internal/realtime"
	"github.com/vehicledx/backend/internal/transcript"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

type memConversationRepo struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*domain.Conversation
}

func newMemConversationRepo() *memConversationRepo {
	return &memConversationRepo{convs: make(map[uuid.UUID]*domain.Conversation)}
}

func (r *memConversationRepo) Create(_ context.Context, _ *gorm.DB, c *domain.Conversation) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now().UTC()
	r.convs[c.ID] = c
	return c, nil
}

func (r *memConversationRepo) GetByID(_ context.Context, _ *gorm.DB, id uuid.UUID) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memConversationRepo) ListByUserID(_ context.Context, _ *gorm.DB, _ uuid.UUID, _ int) ([]*domain.Conversation, error) {
	return nil, nil
}

func (r *memConversationRepo) UpdateState(_ context.Context, _ *gorm.DB, id uuid.UUID, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[id]; ok {
		c.State = state
	}
	return nil
}

func (r *memConversationRepo) UpdateNextSeq(_ context.Context, _ *gorm.DB, id uuid.UUID, nextSeq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[id]; ok && c.NextSeq < nextSeq {
		c.NextSeq = nextSeq
	}
	return nil
}

func (r *memConversationRepo) TouchActivity(_ context.Context, _ *gorm.DB, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[id]; ok {
		c.LastActivityAt = at
	}
	return nil
}

func (r *memConversationRepo) stateOf(id uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.convs[id]; ok {
		return c.State
	}
	return ""
}

type memMessageRepo struct {
	mu   sync.Mutex
	msgs []*domain.Message
}

func (r *memMessageRepo) Create(_ context.Context, _ *gorm.DB, m *domain.Message) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = time.Now().UTC()
	m.UpdatedAt = m.CreatedAt
	cp := *m
	r.msgs = append(r.msgs, &cp)
	return m, nil
}

func (r *memMessageRepo) ListByConversationID(_ context.Context, _ *gorm.DB, conversationID uuid.UUID, _ int) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Message
	for _, m := range r.msgs {
		if m.ConversationID == conversationID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memMessageRepo) ListCompleteByConversationID(_ context.Context, _ *gorm.DB, conversationID uuid.UUID) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Message
	for _, m := range r.msgs {
		if m.ConversationID == conversationID && m.Status == domain.MessageStatusComplete {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memMessageRepo) GetByIdempotencyKey(_ context.Context, _ *gorm.DB, _ uuid.UUID, _ string) (*domain.Message, error) {
	return nil, nil
}

func (r *memMessageRepo) Finalize(_ context.Context, _ *gorm.DB, id uuid.UUID, content string, tokenCost *int, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.ID == id {
			m.Content = content
			m.Status = status
			if tokenCost != nil {
				m.TokenCost = tokenCost
			}
			m.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return errors.New("no such message")
}

type nilRetriever struct{}

func (nilRetriever) Retrieve(context.Context, string, domain.VehicleContext, int) []domain.KnowledgeChunk {
	return nil
}

type wordEstimator struct{}

func (wordEstimator) Count(text string) int { return len(strings.Fields(text)) }

func (wordEstimator) EstimateTurn(prompt string, _ []string, _ int) int {
	return len(strings.Fields(prompt)) + 50
}

// gatedProvider pushes pre-gate chunks, waits on the gate, then pushes
// the rest. Lets tests disconnect a client mid-stream deterministically.
type gatedProvider struct {
	pre   []string
	post  []string
	gate  chan struct{}
	usage openai.Usage
}

func (p *gatedProvider) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func (p *gatedProvider) StreamChat(ctx context.Context, _ []openai.ChatMessage, onDelta func(string)) (openai.Usage, error) {
	for _, c := range p.pre {
		onDelta(c)
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return openai.Usage{}, ctx.Err()
		}
	}
	for _, c := range p.post {
		select {
		case <-ctx.Done():
			return openai.Usage{}, ctx.Err()
		default:
		}
		onDelta(c)
	}
	return p.usage, nil
}

type managerFixture struct {
	manager  *Manager
	server   *httptest.Server
	verifier *auth.Verifier
	convs    *memConversationRepo
	msgs     *memMessageRepo
	led      *ledger.Ledger
	userID   uuid.UUID
}

func newManagerFixture(t *testing.T, provider openai.Client) *managerFixture {
	t.Helper()
	t.Setenv("JWT_SECRET", "session-test-secret")
	log := testLogger(t)

	verifier, err := auth.NewVerifier(log)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	convs := newMemConversationRepo()
	msgs := &memMessageRepo{}
	led := ledger.New(log, nil, time.Hour)
	adapter := completion.New(log, provider)
	engine := conversation.NewEngine(log, convs, msgs, led, nilRetriever{}, adapter, wordEstimator{}, realtime.NopBus{})
	finalizer := transcript.New(log, convs, msgs)
	m := NewManager(log, verifier, engine, finalizer)

	srv := httptest.NewServer(http.HandlerFunc(m.Serve))
	t.Cleanup(srv.Close)

	return &managerFixture{
		manager:  m,
		server:   srv,
		verifier: verifier,
		convs:    convs,
		msgs:     msgs,
		led:      led,
		userID:   uuid.New(),
	}
}

func (f *managerFixture) dial(t *testing.T, conversationID string) *websocket.Conn {
	t.Helper()
	token, err := f.verifier.Issue(f.userID, ledger.TierFree, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?token=" + token
	if conversationID != "" {
		url += "&conversation_id=" + conversationID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) outboundFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var fr outboundFrame
	if err := conn.ReadJSON(&fr); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return fr
}

func TestSessionAckPrunesBuffer(t *testing.T) {
	m := &Manager{maxUnacked: 8, log: testLogger(t)}
	s := newSession(m, uuid.New())

	s.OnChunk(1, "a")
	s.OnChunk(1, "b")
	s.OnChunk(1, "c")
	if got := s.unackedCount(); got != 3 {
		t.Fatalf("unacked: want=3 got=%d", got)
	}

	s.ack(1)
	if got := s.unackedCount(); got != 1 {
		t.Fatalf("unacked after ack: want=1 got=%d", got)
	}
	if s.buf[0].Text != "c" {
		t.Fatalf("remaining frame: want=c got=%q", s.buf[0].Text)
	}
}

func TestSessionEmitBlocksAtBufferBound(t *testing.T) {
	m := &Manager{maxUnacked: 2, log: testLogger(t)}
	s := newSession(m, uuid.New())

	s.OnChunk(1, "a")
	s.OnChunk(1, "b")

	released := make(chan struct{})
	go func() {
		s.OnChunk(1, "c") // must block until an ack frees space
		close(released)
	}()

	select {
	case <-released:
		t.Fatalf("emit should block at the buffer bound")
	case <-time.After(100 * time.Millisecond):
	}

	s.ack(0)
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatalf("emit still blocked after ack")
	}
}

func TestSessionHappyPathOverWebsocket(t *testing.T) {
	provider := &gatedProvider{
		pre:   []string{"Inspect ", "the ", "alternator."},
		usage: openai.Usage{TotalTokens: 21},
	}
	f := newManagerFixture(t, provider)

	conn := f.dial(t, "")
	defer conn.Close()

	ready := readFrame(t, conn)
	if ready.Type != frameReady || ready.ConversationID == "" {
		t.Fatalf("ready frame: got=%+v", ready)
	}

	if err := conn.WriteJSON(inboundFrame{Type: frameMessage, Text: "battery light on"}); err != nil {
		t.Fatalf("write message: %v", err)
	}

	var text strings.Builder
	for {
		fr := readFrame(t, conn)
		switch fr.Type {
		case frameChunk:
			text.WriteString(fr.Text)
		case frameDone:
			if want := "Inspect the alternator."; text.String() != want {
				t.Fatalf("streamed text: want=%q got=%q", want, text.String())
			}
			if fr.TokenCost != 21 {
				t.Fatalf("token cost: want=21 got=%d", fr.TokenCost)
			}
			return
		case frameError:
			t.Fatalf("unexpected error frame: %+v", fr)
		}
	}
}

func TestReconnectReplaysOnlyUnackedFrames(t *testing.T) {
	provider := &gatedProvider{
		pre:   []string{"one", "two"},
		post:  []string{"three", "four"},
		gate:  make(chan struct{}),
		usage: openai.Usage{TotalTokens: 12},
	}
	f := newManagerFixture(t, provider)

	first := f.dial(t, "")
	ready := readFrame(t, first)
	conversationID := ready.ConversationID

	if err := first.WriteJSON(inboundFrame{Type: frameMessage, Text: "rattling noise"}); err != nil {
		t.Fatalf("write message: %v", err)
	}

	a := readFrame(t, first)
	b := readFrame(t, first)
	if a.Text != "one" || b.Text != "two" {
		t.Fatalf("first connection chunks: got=%q,%q", a.Text, b.Text)
	}

	// Acknowledge only the first chunk, then drop the transport.
	if err := first.WriteJSON(inboundFrame{Type: frameAck, Index: a.Index}); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	time.Sleep(150 * time.Millisecond) // let the ack land before dropping
	_ = first.Close()
	time.Sleep(150 * time.Millisecond)

	second := f.dial(t, conversationID)
	defer second.Close()
	if fr := readFrame(t, second); fr.Type != frameReady {
		t.Fatalf("want ready frame, got %+v", fr)
	}

	close(provider.gate) // let the provider finish the stream

	var texts []string
	var indexes []int64
	for {
		fr := readFrame(t, second)
		if fr.Type == frameDone {
			break
		}
		if fr.Type != frameChunk {
			t.Fatalf("unexpected frame: %+v", fr)
		}
		texts = append(texts, fr.Text)
		indexes = append(indexes, fr.Index)
	}

	// The acked chunk is not replayed; the unacked one is, exactly once,
	// followed by the rest of the stream.
	if len(texts) == 0 || texts[0] != "two" {
		t.Fatalf("first replayed chunk: want=two got=%v", texts)
	}
	for _, text := range texts {
		if text == "one" {
			t.Fatalf("acked chunk replayed: %v", texts)
		}
	}
	if want := []string{"two", "three", "four"}; strings.Join(texts, ",") != strings.Join(want, ",") {
		t.Fatalf("replayed chunks: want=%v got=%v", want, texts)
	}
	for i := 1; i < len(indexes); i++ {
		if indexes[i] <= indexes[i-1] {
			t.Fatalf("indexes not strictly increasing: %v", indexes)
		}
	}
}

func TestClientCloseFinalizesConversation(t *testing.T) {
	provider := &gatedProvider{usage: openai.Usage{TotalTokens: 1}}
	f := newManagerFixture(t, provider)

	conn := f.dial(t, "")
	ready := readFrame(t, conn)
	conversationID := uuid.MustParse(ready.ConversationID)

	if err := conn.WriteJSON(inboundFrame{Type: frameClose}); err != nil {
		t.Fatalf("write close: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.convs.stateOf(conversationID) == domain.ConversationStateClosed {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got := f.convs.stateOf(conversationID); got != domain.ConversationStateClosed {
		t.Fatalf("conversation state: want=closed got=%s", got)
	}

	// A closed conversation refuses reattachment.
	token, _ := f.verifier.Issue(f.userID, ledger.TierFree, time.Minute)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?token=" + token + "&conversation_id=" + conversationID.String()
	c2, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return // refused at upgrade is acceptable
	}
	defer c2.Close()
	_ = c2.SetReadDeadline(time.Now().Add(3 * time.Second))
	var fr outboundFrame
	if err := c2.ReadJSON(&fr); err == nil {
		t.Fatalf("want close on reattach to closed conversation, got frame %+v", fr)
	}
}

func TestServeRejectsBadToken(t *testing.T) {
	provider := &gatedProvider{}
	f := newManagerFixture(t, provider)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("dial should fail without a valid token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %+v", resp)
	}
}

func TestIdleSweepClosesQuietSessions(t *testing.T) {
	t.Setenv("SESSION_IDLE_TIMEOUT_SECONDS", "1")
	provider := &gatedProvider{usage: openai.Usage{TotalTokens: 1}}
	f := newManagerFixture(t, provider)

	conn := f.dial(t, "")
	defer conn.Close()
	ready := readFrame(t, conn)
	conversationID := uuid.MustParse(ready.ConversationID)

	time.Sleep(1200 * time.Millisecond)
	f.manager.sweepIdle()

	if got := f.convs.stateOf(conversationID); got != domain.ConversationStateClosed {
		t.Fatalf("conversation state after idle sweep: want=closed got=%s", got)
	}
}

func TestIdleSweepReclaimsAbandonedStream(t *testing.T) {
	t.Setenv("SESSION_IDLE_TIMEOUT_SECONDS", "1")
	t.Setenv("SESSION_MAX_UNACKED_FRAMES", "2")
	provider := &gatedProvider{
		pre:   []string{"one", "two", "three", "four", "five", "six"},
		gate:  make(chan struct{}), // never opened, stream only ends on cancel
		usage: openai.Usage{TotalTokens: 40},
	}
	f := newManagerFixture(t, provider)

	conn := f.dial(t, "")
	ready := readFrame(t, conn)
	conversationID := uuid.MustParse(ready.ConversationID)

	if err := conn.WriteJSON(inboundFrame{Type: frameMessage, Text: "coolant smell in cabin"}); err != nil {
		t.Fatalf("write message: %v", err)
	}

	// Read one chunk without acking, then vanish. The worker is now stuck
	// in emit with the unacked buffer full.
	if fr := readFrame(t, conn); fr.Type != frameChunk {
		t.Fatalf("want chunk, got %+v", fr)
	}
	_ = conn.Close()

	time.Sleep(1200 * time.Millisecond)
	f.manager.sweepIdle()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.convs.stateOf(conversationID) == domain.ConversationStateClosed {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got := f.convs.stateOf(conversationID); got != domain.ConversationStateClosed {
		t.Fatalf("conversation state after sweep: want=closed got=%s", got)
	}

	// The cancelled turn produced no usage, so the reservation is released
	// in full.
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if available, _ := f.led.Balance(f.userID, ledger.TierFree); available == ledger.TierQuota(ledger.TierFree) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if available, _ := f.led.Balance(f.userID, ledger.TierFree); available != ledger.TierQuota(ledger.TierFree) {
		t.Fatalf("balance after reclaim: want=%d got=%d", ledger.TierQuota(ledger.TierFree), available)
	}
}
