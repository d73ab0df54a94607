package channel

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type stubAuth struct{ token string }

func (s stubAuth) Verify(token string) error {
	if token != s.token {
		return errors.New("invalid token")
	}
	return nil
}

func TestEmitRequiresAuthenticatedConnection(t *testing.T) {
	mgr := New(Config{})
	err := mgr.Emit(Command{Type: CreateBlock, CorrelationID: "c1"})
	require.ErrorIs(t, err, ErrNoAuthenticatedConnection)
}

func TestAuthHandshakeThenEmitAndAck(t *testing.T) {
	mgr := New(Config{Auth: stubAuth{token: "secret"}, HeartbeatInterval: time.Hour})

	acked := make(chan Ack, 1)
	mgr.OnAck(func(a Ack) { acked <- a })

	srv := httptest.NewServer(http.HandlerFunc(mgr.ServeHTTP))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "secret"}))

	var reply map[string]string
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, "success", reply["type"])

	require.Eventually(t, func() bool { return mgr.HasAuthenticatedConnection() }, time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.Emit(Command{Type: CreateBlock, CorrelationID: "c1", TempID: "t1", Content: "hello"}))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var cmd Command
	require.NoError(t, json.Unmarshal(data, &cmd))
	require.Equal(t, CreateBlock, cmd.Type)
	require.Equal(t, "c1", cmd.CorrelationID)

	require.NoError(t, conn.WriteJSON(Ack{Type: BlockCreated, CorrelationID: "c1", Success: true, TempID: "t1", BlockUUID: "B42"}))

	select {
	case a := <-acked:
		require.Equal(t, "c1", a.CorrelationID)
		require.Equal(t, "B42", a.BlockUUID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack dispatch")
	}
}

func TestUnauthenticatedConnectionCannotEmitAck(t *testing.T) {
	mgr := New(Config{Auth: stubAuth{token: "secret"}, HeartbeatInterval: time.Hour})
	acked := make(chan Ack, 1)
	mgr.OnAck(func(a Ack) { acked <- a })

	srv := httptest.NewServer(http.HandlerFunc(mgr.ServeHTTP))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Ack{Type: BlockCreated, CorrelationID: "c1", Success: true}))

	select {
	case <-acked:
		t.Fatal("ack from unauthenticated connection should have been dropped")
	case <-time.After(200 * time.Millisecond):
	}
}
