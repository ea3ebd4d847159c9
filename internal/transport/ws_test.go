package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// echoServer replies to every text frame with the same payload and records
// the Authorization header of the handshake.
func echoServer(t *testing.T, auth chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth != nil {
			auth <- r.Header.Get("Authorization")
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "hangup" {
				return
			}
			if err := ws.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDial_SendAndReceive(t *testing.T) {
	auth := make(chan string, 1)
	srv := echoServer(t, auth)
	d := NewDialer(Options{URL: wsURL(srv), Token: "secret", Logger: zerolog.Nop()})

	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "Bearer secret", <-auth)

	require.NoError(t, conn.Send([]byte(`{"type":"control","action":"pong"}`)))
	select {
	case msg := <-conn.Messages():
		assert.JSONEq(t, `{"type":"control","action":"pong"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}
}

func TestDial_Unreachable(t *testing.T) {
	srv := echoServer(t, nil)
	url := wsURL(srv)
	srv.Close()

	_, err := NewDialer(Options{URL: url, Logger: zerolog.Nop()}).Dial(context.Background())
	assert.Error(t, err)
}

func TestRemoteCloseSetsErr(t *testing.T) {
	srv := echoServer(t, nil)
	conn, err := NewDialer(Options{URL: wsURL(srv), Logger: zerolog.Nop()}).Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.Send([]byte("hangup")))
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not end")
	}
	assert.True(t, errors.Is(conn.Err(), ErrClosed))
	assert.ErrorIs(t, conn.Send([]byte("x")), ErrClosed)

	_, open := <-conn.Messages()
	assert.False(t, open)
}

func TestLocalCloseIsClean(t *testing.T) {
	srv := echoServer(t, nil)
	conn, err := NewDialer(Options{URL: wsURL(srv), Logger: zerolog.Nop()}).Dial(context.Background())
	require.NoError(t, err)

	_ = conn.Close()
	_ = conn.Close()
	<-conn.Done()
	assert.NoError(t, conn.Err())
	assert.ErrorIs(t, conn.Send([]byte("x")), ErrClosed)
}

func TestSend_QueueFullDrops(t *testing.T) {
	// A connection whose loops are not running never drains its queue.
	c := &wsConn{
		out:    make(chan []byte, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	require.NoError(t, c.Send([]byte("a")))
	assert.ErrorIs(t, c.Send([]byte("b")), ErrQueueFull)
}
