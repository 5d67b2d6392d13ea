package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vehicledx/backend/internal/conversation"
	pkgerrors "github.com/vehicledx/backend/internal/pkg/errors"
)

// Session binds one conversation to at most one live transport at a time.
// The session outlives the transport: a dropped connection leaves the
// session (and any in-flight turn) intact, and a reconnect with the same
// conversation id reattaches and resumes.
//
// Outbound frames get a session-wide delivery index. Frames stay buffered
// until the client acknowledges their index, so a reattaching client is
// replayed exactly the frames it has not acknowledged. When the unacked
// buffer is full the engine's emit blocks, which suspends the provider
// pull upstream instead of dropping frames.
type Session struct {
	manager        *Manager
	handle         *conversation.Handle
	conversationID uuid.UUID
	userID         uuid.UUID

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []outboundFrame
	next    int64
	conn    *websocket.Conn
	connGen int64
	closed  bool

	lastInbound time.Time
}

func newSession(m *Manager, userID uuid.UUID) *Session {
	s := &Session{
		manager:     m,
		userID:      userID,
		lastInbound: time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// conversation.Sink implementation. The engine worker calls these; emit
// provides the backpressure bound.

func (s *Session) OnChunk(seq int64, text string) {
	s.emit(outboundFrame{Type: frameChunk, Seq: seq, Text: text})
}

func (s *Session) OnDone(seq int64, messageID uuid.UUID, tokenCost int) {
	s.emit(outboundFrame{Type: frameDone, Seq: seq, MessageID: messageID.String(), TokenCost: tokenCost})
}

func (s *Session) OnError(seq int64, code string, detail string) {
	s.emit(outboundFrame{Type: frameError, Seq: seq, Code: code, Detail: detail})
}

func (s *Session) emit(fr outboundFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.closed && len(s.buf) >= s.manager.maxUnacked {
		s.cond.Wait()
	}
	if s.closed {
		return
	}
	fr.Index = s.next
	s.next++
	s.buf = append(s.buf, fr)
	s.cond.Broadcast()
}

// ack drops every buffered frame up to and including index.
func (s *Session) ack(index int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.buf[:0]
	for _, fr := range s.buf {
		if fr.Index > index {
			kept = append(kept, fr)
		}
	}
	s.buf = kept
	s.cond.Broadcast()
}

func (s *Session) unackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// attach binds a transport, displacing any previous one.
func (s *Session) attach(conn *websocket.Conn) (int64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, pkgerrors.ErrConversationClosed
	}
	old := s.conn
	s.conn = conn
	s.connGen++
	gen := s.connGen
	s.cond.Broadcast()
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return gen, nil
}

// detach releases the transport if it is still the current one. The
// session keeps buffering for a later resume.
func (s *Session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.connGen++
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Session) attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) touchInbound() {
	s.mu.Lock()
	s.lastInbound = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInbound
}

// markClosed flips the terminal flag and returns the transport to shut,
// if any. Blocked emitters are woken and drop their frames.
func (s *Session) markClosed() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.connGen++
	s.buf = nil
	s.cond.Broadcast()
	return conn
}

// writePump replays unacked frames to a fresh transport and then relays
// new ones, in emit order, until the transport changes or the session
// closes.
func (s *Session) writePump(conn *websocket.Conn, gen int64) error {
	ready := outboundFrame{
		Type:           frameReady,
		Index:          -1,
		ConversationID: s.conversationID.String(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.manager.writeTimeout))
	if err := conn.WriteJSON(ready); err != nil {
		s.detach(conn)
		return err
	}

	cursor := int64(-1)
	for {
		s.mu.Lock()
		var fr outboundFrame
		found := false
		for {
			if s.closed || s.conn != conn || s.connGen != gen {
				s.mu.Unlock()
				return nil
			}
			for _, b := range s.buf {
				if b.Index > cursor {
					fr = b
					found = true
					break
				}
			}
			if found {
				break
			}
			s.cond.Wait()
		}
		s.mu.Unlock()

		_ = conn.SetWriteDeadline(time.Now().Add(s.manager.writeTimeout))
		if err := conn.WriteJSON(fr); err != nil {
			s.detach(conn)
			return err
		}
		cursor = fr.Index
	}
}

// readPump consumes client frames until the transport drops or the
// session ends.
func (s *Session) readPump(conn *websocket.Conn) error {
	for {
		var fr inboundFrame
		if err := conn.ReadJSON(&fr); err != nil {
			s.detach(conn)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		s.touchInbound()

		switch fr.Type {
		case frameAck:
			s.ack(fr.Index)

		case frameMessage:
			err := s.handle.Submit(conversation.TurnRequest{
				Text:           fr.Text,
				VehicleContext: fr.VehicleContext,
				IdempotencyKey: fr.ID,
			})
			switch {
			case err == nil:
			case errors.Is(err, pkgerrors.ErrConversationClosed):
				s.manager.closeSession(s, "conversation closed", websocket.CloseNormalClosure)
				return nil
			default:
				s.emit(outboundFrame{Type: frameError, Seq: -1, Code: conversation.CodeInternal, Detail: err.Error()})
			}

		case frameClose:
			s.manager.closeSession(s, "client close", websocket.CloseNormalClosure)
			return nil

		default:
			s.manager.log.Debug("ignoring unknown frame type",
				"conversation_id", s.conversationID,
				"type", fr.Type,
			)
		}
	}
}
