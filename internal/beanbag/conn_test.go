package beanbag

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/securemtr/go-beanbag/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsServer upgrades incoming requests and hands the socket to the
// script. The client under test dials it via Client.Connect.
func wsServer(t *testing.T, script func(ws *websocket.Conn)) *Client {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer jwt", r.Header.Get("Authorization"))
		assert.Equal(t, "abc", r.Header.Get("Session-id"))
		assert.Equal(t, "1", r.Header.Get("Request-id"))

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		script(ws)
	}))
	t.Cleanup(server.Close)
	return NewClient(server.URL)
}

func dialConn(t *testing.T, client *Client) *Conn {
	t.Helper()
	session := &Session{UserID: 1, SessionID: "abc", Token: "jwt"}
	conn, err := client.Connect(context.Background(), session)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	conn.randomID = func() uint32 { return 1 }
	conn.now = func() time.Time { return time.Unix(1000, 0) }
	return conn
}

// respondWith reads one request and answers it with the given frames,
// then drains until the client hangs up.
func respondWith(requests chan<- map[string]any, frames ...any) func(ws *websocket.Conn) {
	return func(ws *websocket.Conn) {
		var request map[string]any
		if err := ws.ReadJSON(&request); err != nil {
			return
		}
		if requests != nil {
			requests <- request
		}
		for _, frame := range frames {
			if err := ws.WriteJSON(frame); err != nil {
				return
			}
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}
}

// reply builds a correlated result frame for the test session.
func reply(result any) map[string]any {
	return map[string]any{"I": "abc-00000001", "R": result}
}

func TestRequestSendsEnvelopeAndReturnsResult(t *testing.T) {
	requests := make(chan map[string]any, 1)
	client := wsServer(t, respondWith(requests, reply(map[string]any{"BOI": "controller"})))
	conn := dialConn(t, client)

	result, err := conn.Request(context.Background(), "gateway-1", 17, 11, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"BOI": "controller"}, result)

	request := <-requests
	assert.Equal(t, "1.0", request["V"])
	assert.Equal(t, float64(1000), request["DTS"])
	assert.Equal(t, "abc-00000001", request["I"])
	assert.Equal(t, "Request", request["M"])

	params, ok := request["P"].([]any)
	require.True(t, ok)
	require.Len(t, params, 1)
	assert.Equal(t, map[string]any{"GMI": "gateway-1", "HI": float64(17), "SI": float64(11)}, params[0])
}

func TestRequestIncludesArgs(t *testing.T) {
	requests := make(chan map[string]any, 1)
	client := wsServer(t, respondWith(requests, reply(float64(0))))
	conn := dialConn(t, client)

	result, err := conn.Request(context.Background(), "gateway-1", 2, 15, []any{1, map[string]any{"I": 6, "V": 2}})
	require.NoError(t, err)
	assert.Equal(t, float64(0), result)

	request := <-requests
	params := request["P"].([]any)
	require.Len(t, params, 2)
	assert.Equal(t, []any{float64(1), map[string]any{"I": float64(6), "V": float64(2)}}, params[1])
}

func TestRequestSkipsUnrelatedFrames(t *testing.T) {
	client := wsServer(t, respondWith(nil,
		[]any{"not-a-dict"},
		map[string]any{"I": "other", "R": 0},
		map[string]any{"I": "abc-00000001", "M": "Notify"},
		reply(float64(7)),
	))
	conn := dialConn(t, client)

	result, err := conn.Request(context.Background(), "gateway-1", 1, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(7), result)
}

func TestRequestRejectsMatchingFrameWithoutResult(t *testing.T) {
	client := wsServer(t, respondWith(nil,
		[]any{"not-a-dict"},
		map[string]any{"I": "other", "R": 0},
		map[string]any{"I": "abc-00000001", "M": "Notify"},
		map[string]any{"I": "abc-00000001"},
	))
	conn := dialConn(t, client)

	_, err := conn.Request(context.Background(), "gateway-1", 1, 2, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestRequestReturnsNullResult(t *testing.T) {
	client := wsServer(t, respondWith(nil, map[string]any{"I": "abc-00000001", "R": nil}))
	conn := dialConn(t, client)

	result, err := conn.Request(context.Background(), "gateway-1", 2, 103, []any{1000})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestCloseUnblocksPendingRequest(t *testing.T) {
	client := wsServer(t, func(ws *websocket.Conn) {
		// Swallow the request and never answer.
		var request map[string]any
		_ = ws.ReadJSON(&request)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	conn := dialConn(t, client)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Request(context.Background(), "gateway-1", 3, 1, nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrConnection)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request did not unblock on close")
	}
}

func TestRequestHonorsContextDeadline(t *testing.T) {
	client := wsServer(t, func(ws *websocket.Conn) {
		var request map[string]any
		_ = ws.ReadJSON(&request)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	conn := dialConn(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := conn.Request(ctx, "gateway-1", 3, 1, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnection)
}

func TestConnectSendsSubprotocol(t *testing.T) {
	client := wsServer(t, func(ws *websocket.Conn) {
		assert.Equal(t, Subprotocol, ws.Subprotocol())
	})
	conn := dialConn(t, client)
	assert.Equal(t, "abc", conn.Session().SessionID)
}

func TestConnectFailsAgainstClosedServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := NewClient(server.URL)
	server.Close()

	_, err := client.Connect(context.Background(), &Session{SessionID: "abc", Token: "jwt"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnection)
}
