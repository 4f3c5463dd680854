package bridge

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// runPage answers every request on conn the way the page helper would.
func runPage(conn *websocket.Conn, name string) {
	go func() {
		ctx := context.Background()
		for {
			var msg Message
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			payload, _ := json.Marshal(map[string]string{"page": name})
			_ = wsjson.Write(ctx, conn, Message{
				Type:          msg.Type + "-result",
				CorrelationID: msg.CorrelationID,
				Payload:       payload,
			})
		}
	}()
}

func TestHub_SendWithoutPage(t *testing.T) {
	hub := NewHub(nil)
	err := hub.Send(context.Background(), Message{Type: TypeCapture})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, hub.Connected())
}

func TestHub_RoundTrip(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ch := NewChannel(hub, Options{Timeout: 2 * time.Second})
	runPage(dialHub(t, srv), "first")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.WaitConnected(ctx))

	r, err := ch.Call(context.Background(), TypeCapture, nil, 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeResult, r.Outcome)
	assert.JSONEq(t, `{"page":"first"}`, string(r.Payload))
}

func TestHub_LatestPageWins(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ch := NewChannel(hub, Options{Timeout: 2 * time.Second})

	runPage(dialHub(t, srv), "old")
	require.Eventually(t, hub.Connected, 2*time.Second, 5*time.Millisecond)

	runPage(dialHub(t, srv), "new")

	require.Eventually(t, func() bool {
		r, err := ch.Call(context.Background(), TypeCapture, nil, 0)
		return err == nil && r.OK() && string(r.Payload) == `{"page":"new"}`
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHub_MalformedFramesIgnored(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	received := make(chan Message, 4)
	hub.OnMessage(func(m Message) { received <- m })

	conn := dialHub(t, srv)
	ctx := context.Background()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"payload":1}`)))
	require.NoError(t, wsjson.Write(ctx, conn, Message{Type: "ready"}))

	select {
	case m := <-received:
		assert.Equal(t, "ready", m.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message after malformed ones was not delivered")
	}
}

func TestHub_DisconnectClearsPage(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.Eventually(t, hub.Connected, 2*time.Second, 5*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "bye")
	require.Eventually(t, func() bool { return !hub.Connected() }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_CloseRefusesPages(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	runPage(dialHub(t, srv), "page")
	require.Eventually(t, hub.Connected, 2*time.Second, 5*time.Millisecond)

	_ = hub.Close()
	assert.False(t, hub.Connected())

	runPage(dialHub(t, srv), "late")
	time.Sleep(50 * time.Millisecond)
	assert.False(t, hub.Connected())
}
