// Package gateway accepts player websocket connections, binds each to the
// room of the requested stake tier and forwards client commands to it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telegram-bingo/internal/game/bingo"
	"telegram-bingo/internal/model"
)

// Inbound message types.
const (
	TypeSelectNumber = "select_number"
	TypeMarkNumber   = "mark_number"
)

// TokenVerifier resolves a token to a user id.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// Accounts looks up players.
type Accounts interface {
	GetUser(ctx context.Context, userID int64) (*model.User, error)
}

// Rooms finds the room of a tier.
type Rooms interface {
	Get(tier int64) (*bingo.Room, bool)
}

// Options holds connection limits and timings.
type Options struct {
	AllowedOrigins []string
	SendBuffer     int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	CommandTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1024
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 15 * time.Second
	}
}

type inbound struct {
	Type   string `json:"type" validate:"required,oneof=select_number mark_number"`
	Number int    `json:"number" validate:"min=1,max=75"`
}

// Handler serves /ws?token=...&stake=<tier>.
type Handler struct {
	verifier TokenVerifier
	accounts Accounts
	rooms    Rooms
	opts     Options
	upgrader websocket.Upgrader
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandler creates a gateway handler.
func NewHandler(verifier TokenVerifier, accounts Accounts, rooms Rooms, opts Options) *Handler {
	opts.setDefaults()
	h := &Handler{
		verifier: verifier,
		accounts: accounts,
		rooms:    rooms,
		opts:     opts,
		validate: validator.New(),
		log:      log.With().Str("component", "gateway").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 || slices.Contains(h.opts.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, r.Header.Get("Origin"))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	// Identity and tier are checked after the upgrade so the client gets a
	// close code it can act on.
	userID, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		h.reject(conn, "invalid token")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.CommandTimeout)
	_, err = h.accounts.GetUser(ctx, userID)
	cancel()
	if err != nil {
		h.log.Warn().Err(err).Int64("user_id", userID).Msg("Connection from unknown user")
		h.reject(conn, "unknown user")
		return
	}
	tier, err := strconv.ParseInt(r.URL.Query().Get("stake"), 10, 64)
	if err != nil {
		h.reject(conn, "unknown stake")
		return
	}
	room, ok := h.rooms.Get(tier)
	if !ok {
		h.reject(conn, "unknown stake")
		return
	}

	s := newSession(conn, userID, tier, h.opts.SendBuffer)
	go s.writePump(h.opts.WriteWait, h.opts.PongWait*9/10)

	ctx, cancel = context.WithTimeout(context.Background(), h.opts.CommandTimeout)
	err = room.Join(ctx, s)
	cancel()
	if err != nil {
		h.log.Warn().Err(err).Int64("user_id", userID).Int64("tier", tier).Msg("Failed to join room")
		s.Close()
		return
	}
	h.log.Info().Str("session_id", s.id).Int64("user_id", userID).Int64("tier", tier).Msg("Session opened")

	h.readLoop(room, s)

	s.Close()
	ctx, cancel = context.WithTimeout(context.Background(), h.opts.CommandTimeout)
	defer cancel()
	if err := room.Leave(ctx, s); err != nil && !errors.Is(err, bingo.ErrRoomClosed) {
		h.log.Error().Err(err).Str("session_id", s.id).Int64("user_id", userID).Msg("Failed to leave room")
	}
	h.log.Info().Str("session_id", s.id).Int64("user_id", userID).Int64("tier", tier).Msg("Session closed")
}

// readLoop handles one command at a time until the connection drops.
func (h *Handler) readLoop(room *bingo.Room, s *session) {
	s.conn.SetReadLimit(h.opts.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("session_id", s.id).Msg("Websocket read failed")
			}
			return
		}

		msg, reject := h.parse(data)
		if reject != nil {
			_ = s.Send(*reject)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.opts.CommandTimeout)
		switch msg.Type {
		case TypeSelectNumber:
			err = room.Select(ctx, s, msg.Number)
		case TypeMarkNumber:
			err = room.Mark(ctx, s, msg.Number)
		}
		cancel()
		if errors.Is(err, bingo.ErrRoomClosed) {
			_ = s.Send(bingo.ErrorFor(err))
			return
		}
	}
}

// parse decodes and validates a client message. A non-nil event is the
// rejection to send back.
func (h *Handler) parse(data []byte) (inbound, *bingo.ErrorEvent) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, &bingo.ErrorEvent{Message: "malformed message", Code: bingo.CodeInvalidMessage}
	}
	if err := h.validate.Struct(msg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Number" {
			ev := bingo.ErrorFor(bingo.ErrInvalidNumber)
			return msg, &ev
		}
		return msg, &bingo.ErrorEvent{Message: "unknown message type", Code: bingo.CodeInvalidMessage}
	}
	return msg, nil
}

func (h *Handler) reject(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(h.opts.WriteWait))
	_ = conn.Close()
}
