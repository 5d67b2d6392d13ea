package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vehicledx/backend/internal/auth"
	"github.com/vehicledx/backend/internal/conversation"
	"github.com/vehicledx/backend/internal/domain"
	pkgerrors "github.com/vehicledx/backend/internal/pkg/errors"
	"github.com/vehicledx/backend/internal/platform/envutil"
	"github.com/vehicledx/backend/internal/platform/logger"
	"github.com/vehicledx/backend/internal/transcript"
)

const idleSweepInterval = 30 * time.Second

// Manager owns live sessions keyed by conversation id. A transport
// connection maps to exactly one conversation; reconnecting with the same
// conversation id and a valid token resumes the existing session.
type Manager struct {
	log       *logger.Logger
	verifier  *auth.Verifier
	engine    *conversation.Engine
	finalizer *transcript.Finalizer

	upgrader     websocket.Upgrader
	idleTimeout  time.Duration
	writeTimeout time.Duration
	maxUnacked   int

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func NewManager(log *logger.Logger, verifier *auth.Verifier, engine *conversation.Engine, finalizer *transcript.Finalizer) *Manager {
	return &Manager{
		log:       log.With("service", "SessionManager"),
		verifier:  verifier,
		engine:    engine,
		finalizer: finalizer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS layer in front.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		idleTimeout:  envutil.DurationSeconds("SESSION_IDLE_TIMEOUT_SECONDS", 10*time.Minute),
		writeTimeout: envutil.DurationSeconds("SESSION_WRITE_TIMEOUT_SECONDS", 10*time.Second),
		maxUnacked:   envutil.Int("SESSION_MAX_UNACKED_FRAMES", 64),
		sessions:     make(map[uuid.UUID]*Session),
	}
}

// Run sweeps idle sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

// sweepIdle closes sessions with no inbound activity for the idle
// window. A detached session is reclaimed even mid-stream: the buffered
// resume window ends here, the in-flight turn is cancelled and its
// reservation settled, so an abandoned client cannot pin a worker
// forever. An attached client consuming a long stream is not idle.
func (m *Manager) sweepIdle() {
	m.mu.Lock()
	var expired []*Session
	for _, s := range m.sessions {
		if time.Since(s.idleSince()) < m.idleTimeout {
			continue
		}
		if s.handle.State() != domain.ConversationStateIdle && s.attached() {
			continue
		}
		expired = append(expired, s)
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.log.Info("closing expired session",
			"conversation_id", s.conversationID,
			"state", s.handle.State(),
		)
		m.closeSession(s, pkgerrors.ErrSessionExpired.Error(), websocket.CloseNormalClosure)
	}
}

// Serve authenticates, upgrades the connection and runs the read/write
// pumps until the transport drops or the session ends.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request) {
	identity, err := m.verifier.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var conversationID *uuid.UUID
	if raw := strings.TrimSpace(r.URL.Query().Get("conversation_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid conversation_id", http.StatusBadRequest)
			return
		}
		conversationID = &id
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s, err := m.sessionFor(r.Context(), identity, conversationID)
	if err != nil {
		m.refuse(conn, err)
		return
	}

	gen, err := s.attach(conn)
	if err != nil {
		m.refuse(conn, err)
		return
	}
	s.touchInbound()

	g := new(errgroup.Group)
	g.Go(func() error { return s.readPump(conn) })
	g.Go(func() error { return s.writePump(conn, gen) })
	if err := g.Wait(); err != nil {
		m.log.Debug("transport ended",
			"conversation_id", s.conversationID,
			"error", err,
		)
	}
}

func (m *Manager) sessionFor(ctx context.Context, identity *auth.Identity, conversationID *uuid.UUID) (*Session, error) {
	if conversationID != nil {
		m.mu.Lock()
		if existing, ok := m.sessions[*conversationID]; ok {
			m.mu.Unlock()
			if existing.userID != identity.UserID {
				return nil, pkgerrors.ErrNotFound
			}
			return existing, nil
		}
		m.mu.Unlock()
	}

	s := newSession(m, identity.UserID)
	handle, err := m.engine.Open(ctx, identity.UserID, identity.Tier, conversationID, nil, s)
	if err != nil {
		return nil, err
	}
	s.handle = handle
	s.conversationID = handle.ID()

	m.mu.Lock()
	if existing, ok := m.sessions[s.conversationID]; ok {
		// lost the race to another connection for the same conversation
		m.mu.Unlock()
		if existing.userID != identity.UserID {
			return nil, pkgerrors.ErrNotFound
		}
		return existing, nil
	}
	m.sessions[s.conversationID] = s
	m.mu.Unlock()
	return s, nil
}

// closeSession is terminal: the conversation transitions to CLOSED, the
// transcript is finalized and the transport gets a close frame.
func (m *Manager) closeSession(s *Session, reason string, closeCode int) {
	conn := s.markClosed()

	m.mu.Lock()
	delete(m.sessions, s.conversationID)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.handle.Close(ctx, reason)
	if m.finalizer != nil {
		if _, err := m.finalizer.Finalize(ctx, s.conversationID); err != nil {
			m.log.Warn("finalize on close failed",
				"conversation_id", s.conversationID,
				"error", err,
			)
		}
	}

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, reason), deadline)
		_ = conn.Close()
	}
}

func (m *Manager) refuse(conn *websocket.Conn, cause error) {
	code := websocket.CloseInternalServerErr
	msg := "internal error"
	switch {
	case errors.Is(cause, pkgerrors.ErrNotFound):
		code = websocket.ClosePolicyViolation
		msg = "conversation not found"
	case errors.Is(cause, pkgerrors.ErrConversationClosed):
		code = websocket.CloseNormalClosure
		msg = "conversation closed"
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg), deadline)
	_ = conn.Close()
}

// Shutdown closes every live session, finalizing transcripts.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		m.closeSession(s, "server shutdown", websocket.CloseGoingAway)
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return h
	}
	// browsers cannot set headers on websocket dials
	return r.URL.Query().Get("token")
}
