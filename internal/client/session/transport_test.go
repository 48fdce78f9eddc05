package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/livelink/internal/codec"
	"github.com/ashureev/livelink/internal/protocol"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebsocketDialer_EndToEnd(t *testing.T) {
	gotToken := make(chan string, 1)
	closed := make(chan websocket.StatusCode, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken <- r.URL.Query().Get("token")
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		ready, _ := codec.EncodeEnvelope(protocol.TypeStatus, protocol.StatusData{Status: protocol.StatusReady})
		_ = ws.Write(ctx, websocket.MessageText, ready)
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				closed <- websocket.CloseStatus(err)
				return
			}
			env, err := codec.DecodeEnvelope(data)
			if err == nil && env.Type == protocol.TypeMessage {
				reply, _ := codec.EncodeEnvelope(protocol.TypeText, protocol.TextData{Text: "echo"})
				_ = ws.Write(ctx, websocket.MessageText, reply)
			}
		}
	}))
	t.Cleanup(srv.Close)

	events := &recorder{}
	c := New(WebsocketDialer{}, Devices{}, Config{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/voice",
		OnEvent: events.on,
	})
	t.Cleanup(c.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, protocol.Params{Token: "secret-token"}))
	assert.Equal(t, "secret-token", <-gotToken)

	require.Eventually(t, func() bool { return len(events.kinds(EventStatus)) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.SendText(ctx, "ping"))
	require.Eventually(t, func() bool { return len(events.kinds(EventText)) == 1 }, 2*time.Second, 5*time.Millisecond)

	c.Disconnect()
	select {
	case code := <-closed:
		assert.Equal(t, websocket.StatusNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close")
	}
}

func TestWebsocketDialer_ServerCloseCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.Close(protocol.CloseUnauthorized, protocol.ReasonAuthFailed)
	}))
	t.Cleanup(srv.Close)

	events := &recorder{}
	c := New(WebsocketDialer{}, Devices{}, Config{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		OnEvent: events.on,
	})
	t.Cleanup(c.Disconnect)
	require.NoError(t, c.Connect(context.Background(), protocol.Params{Token: "bad"}))

	require.Eventually(t, func() bool { return len(events.kinds(EventClosed)) == 1 }, 2*time.Second, 5*time.Millisecond)
	var ce websocket.CloseError
	require.True(t, errors.As(events.kinds(EventClosed)[0].Err, &ce))
	assert.Equal(t, protocol.CloseUnauthorized, ce.Code)
	assert.Equal(t, protocol.ReasonAuthFailed, ce.Reason)
	assert.Equal(t, StateIdle, c.State())
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "ws://h/ws/voice", redact("ws://h/ws/voice?token=abc"))
	assert.Equal(t, "ws://h", redact("ws://h"))
}
