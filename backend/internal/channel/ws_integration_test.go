package channel

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncClient/backend/internal/wire"
)

// flakyServer authenticates every connection and drops the first one right
// after pushing a single event.
func flakyServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := conns.Add(1)

		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Decode(data)
		if err != nil || frame.Kind != wire.KindControl || frame.Control.Op != wire.OpAuth {
			return
		}
		ok, _ := wire.EncodeControl(wire.Control{Op: wire.OpAuthOK})
		_ = c.WriteMessage(websocket.TextMessage, ok)

		if n == 1 {
			ev, _ := wire.EncodeEvent(wire.Event{EntityID: "boat-1", Sequence: 1, Fields: map[string]any{"lat": 12.9}})
			_ = c.WriteMessage(websocket.TextMessage, ev)
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func TestWebsocket_ResyncRequestedOncePerReconnect(t *testing.T) {
	srv, conns := flakyServer(t)
	m := NewManager(Options{
		Backoff:   Backoff{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond},
		Heartbeat: time.Minute,
		Logger:    log.New(io.Discard, "", 0),
	})
	defer m.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	require.NoError(t, m.Connect(Credentials{URL: url, Tokens: StaticToken("tok")}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var signals []uint64
	var eventCycle uint64
	for len(signals) < 2 {
		in, err := m.Next(ctx)
		require.NoError(t, err)
		switch {
		case in.Signal == ResyncRequested:
			signals = append(signals, in.Cycle)
		case in.Frame.Kind == wire.KindEvent:
			require.Len(t, signals, 1, "event must follow the resync signal of its cycle")
			eventCycle = in.Cycle
		}
	}
	assert.Equal(t, []uint64{1, 2}, signals)
	assert.Equal(t, uint64(1), eventCycle)
	require.NoError(t, m.WaitConnected(ctx))

	// 第二条连接保持在线，不会再有新的信号
	quiet, cancelQuiet := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancelQuiet()
	_, err := m.Next(quiet)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, int32(2), conns.Load())
}

func TestWebsocket_UnauthorizedDialInvalidatesToken(t *testing.T) {
	srv, _ := flakyServer(t)
	m := NewManager(Options{
		Backoff: Backoff{Base: time.Hour},
		Logger:  log.New(io.Discard, "", 0),
	})
	defer m.Close()

	tokens := &countingTokens{}
	reconnecting := make(chan State, 1)
	m.OnStateChange(func(s State) {
		if s.Phase == Reconnecting {
			select {
			case reconnecting <- s:
			default:
			}
		}
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	require.NoError(t, m.Connect(Credentials{URL: url, Tokens: tokens}))

	select {
	case st := <-reconnecting:
		assert.Contains(t, st.LastError, "AUTH_FAILED")
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnect after unauthorized dial")
	}
	assert.Equal(t, int32(1), tokens.invalidated.Load())
}
