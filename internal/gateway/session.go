package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"telegram-bingo/internal/game/bingo"
)

var (
	ErrSlowConsumer  = errors.New("session send buffer full")
	ErrSessionClosed = errors.New("session closed")
)

// session is one websocket connection. Outbound messages are queued on
// send and written by writePump only.
type session struct {
	id     string
	userID int64
	tier   int64
	conn   *websocket.Conn
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, userID, tier int64, buffer int) *session {
	return &session{
		id:     uuid.NewString(),
		userID: userID,
		tier:   tier,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (s *session) ID() string    { return s.id }
func (s *session) UserID() int64 { return s.userID }

// Send queues msg without blocking.
func (s *session) Send(msg any) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSlowConsumer
	}
}

// Close stops the write pump, which closes the connection.
func (s *session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func encode(msg any) ([]byte, error) {
	if ev, ok := msg.(bingo.Event); ok {
		return bingo.Encode(ev)
	}
	return json.Marshal(msg)
}

func (s *session) writePump(writeWait, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
