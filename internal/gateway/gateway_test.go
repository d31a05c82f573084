package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-bingo/internal/auth"
	"telegram-bingo/internal/game/bingo"
	"telegram-bingo/internal/hub"
	"telegram-bingo/internal/pkg/lock"
	"telegram-bingo/internal/repository"
	"telegram-bingo/internal/service"
)

const (
	secret = "gateway-secret"
	issuer = "telegram-bingo"
)

type env struct {
	store  *repository.MemoryStore
	server *httptest.Server
	tokens *auth.Issuer
}

func setup(t *testing.T) *env {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	_, err := store.Create(ctx, 1, "alice", 10000)
	require.NoError(t, err)

	ledger := service.NewLedgerService(store, lock.NewUserLock(), service.LedgerOptions{MaxAttempts: 1})
	accounts := service.NewAccountService(store)
	registry := bingo.NewRegistry()
	room := bingo.NewRoom(10, 1000, ledger, store, hub.New(), nil, nil, bingo.Options{
		ReservationWindow: 30 * time.Second,
		TickInterval:      10 * time.Second,
		CallInterval:      time.Second,
		Cooldown:          time.Second,
	})
	require.NoError(t, registry.Register(room))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = registry.Run(runCtx)
	}()

	handler := NewHandler(auth.NewVerifier(secret, issuer), accounts, registry, Options{})
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})

	return &env{store: store, server: srv, tokens: auth.NewIssuer(secret, issuer, time.Hour)}
}

func (e *env) dial(t *testing.T, token, stake string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + token + "&stake=" + stake
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *env) token(t *testing.T, userID int64) string {
	tok, err := e.tokens.Issue(userID, "")
	require.NoError(t, err)
	return tok
}

// readType reads messages until one of the given type arrives.
func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == typ {
			return msg
		}
	}
}

func expectPolicyClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestGateway_RejectsBadConnections(t *testing.T) {
	e := setup(t)

	expectPolicyClose(t, e.dial(t, "", "10"))
	expectPolicyClose(t, e.dial(t, "garbage", "10"))
	expectPolicyClose(t, e.dial(t, e.token(t, 999), "10"))
	expectPolicyClose(t, e.dial(t, e.token(t, 1), "15"))
	expectPolicyClose(t, e.dial(t, e.token(t, 1), "ten"))
}

func TestGateway_ReserveAndDisconnectRefunds(t *testing.T) {
	e := setup(t)
	conn := e.dial(t, e.token(t, 1), "10")

	snap := readType(t, conn, "init")
	assert.Equal(t, "reservation", snap["phase"])
	assert.EqualValues(t, 1, snap["user_id"])
	assert.Nil(t, snap["selected_number"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "select_number", "number": 7}))
	reserved := readType(t, conn, "number_reserved")
	assert.EqualValues(t, 7, reserved["selected_number"])
	assert.Len(t, reserved["playboard"], bingo.Cells)

	u, err := e.store.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), u.Balance)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		u, err := e.store.GetByID(context.Background(), 1)
		return err == nil && u.Balance == 10000
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGateway_InvalidMessagesKeepConnection(t *testing.T) {
	e := setup(t)
	conn := e.dial(t, e.token(t, 1), "10")
	readType(t, conn, "init")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, bingo.CodeInvalidMessage, readType(t, conn, "error")["code"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "dance", "number": 7}))
	assert.Equal(t, bingo.CodeInvalidMessage, readType(t, conn, "error")["code"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "select_number", "number": 76}))
	assert.Equal(t, bingo.CodeInvalidNumber, readType(t, conn, "error")["code"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "mark_number", "number": 5}))
	assert.Equal(t, bingo.CodeNotCalling, readType(t, conn, "error")["code"])

	// Still usable.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "select_number", "number": 8}))
	readType(t, conn, "number_reserved")
}

func TestSession_SendNonBlocking(t *testing.T) {
	s := newSession(nil, 1, 10, 1)
	require.NoError(t, s.Send(bingo.NoPlayersEvent{RoundNumber: 1}))
	assert.ErrorIs(t, s.Send(bingo.NoPlayersEvent{RoundNumber: 2}), ErrSlowConsumer)

	s.Close()
	s.Close()
	assert.ErrorIs(t, s.Send(bingo.NoPlayersEvent{RoundNumber: 3}), ErrSessionClosed)
}

func TestCheckOrigin(t *testing.T) {
	h := NewHandler(nil, nil, nil, Options{AllowedOrigins: []string{"https://play.example"}})
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://play.example")
	assert.True(t, h.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(req))

	open := NewHandler(nil, nil, nil, Options{})
	assert.True(t, open.checkOrigin(req))
}
