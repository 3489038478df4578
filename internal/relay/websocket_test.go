package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRealtimeServer(t *testing.T, r *Relay) *httptest.Server {
	t.Helper()
	router := chi.NewRouter()
	router.Handle("/ws/sessions/{sessionID}", NewWebSocketHandler(r, "*", true, nil))
	router.Handle("/sessions/{sessionID}/events", NewSSEHandler(r, 50*time.Millisecond, nil))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func readFrame(t *testing.T, ctx context.Context, c *websocket.Conn) Frame {
	t.Helper()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestWebSocketRoundTrip(t *testing.T) {
	t.Parallel()
	sessions := newFakeSessions("s1")
	r := newTestRelay(t, sessions, newFakeHistory(), 10, 64)
	srv := newRealtimeServer(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/sessions/s1"), nil)
	require.NoError(t, err)
	defer client.CloseNow()

	env, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/sessions/s1?role=environment"), nil)
	require.NoError(t, err)
	defer env.CloseNow()

	assert.Equal(t, FrameConnected, readFrame(t, ctx, client).Type)
	assert.Equal(t, FrameConnected, readFrame(t, ctx, env).Type)

	out, err := json.Marshal(inbound{Type: "message", Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, client.Write(ctx, websocket.MessageText, out))

	for _, c := range []*websocket.Conn{client, env} {
		f := readFrame(t, ctx, c)
		require.Equal(t, FrameMessage, f.Type)
		assert.Equal(t, int64(1), f.Message.Seq)
		assert.Equal(t, domain.OriginUser, f.Message.Origin)
		assert.Equal(t, "hello", f.Message.Body)
	}

	reply, err := json.Marshal(inbound{Type: "message", Content: "clicking"})
	require.NoError(t, err)
	require.NoError(t, env.Write(ctx, websocket.MessageText, reply))
	f := readFrame(t, ctx, client)
	assert.Equal(t, domain.OriginAgent, f.Message.Origin)
	assert.Equal(t, int64(2), f.Message.Seq)

	ping, err := json.Marshal(inbound{Type: "ping"})
	require.NoError(t, err)
	require.NoError(t, client.Write(ctx, websocket.MessageText, ping))
	assert.Equal(t, FramePong, readFrame(t, ctx, client).Type)
}

func TestWebSocketClosesWhenSessionEnds(t *testing.T) {
	t.Parallel()
	sessions := newFakeSessions("s1")
	r := newTestRelay(t, sessions, newFakeHistory(), 10, 64)
	srv := newRealtimeServer(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/sessions/s1"), nil)
	require.NoError(t, err)
	defer c.CloseNow()
	readFrame(t, ctx, c)

	r.SessionChanged(sessions.setStatus("s1", domain.StatusEnded))

	f := readFrame(t, ctx, c)
	assert.Equal(t, FrameStatus, f.Type)
	assert.Equal(t, domain.StatusEnded, f.Status)

	_, _, err = c.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestWebSocketRejectsUnknownSession(t *testing.T) {
	t.Parallel()
	r := newTestRelay(t, newFakeSessions(), newFakeHistory(), 10, 64)
	srv := newRealtimeServer(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv, "/ws/sessions/missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSEStreamsMessages(t *testing.T) {
	t.Parallel()
	r := newTestRelay(t, newFakeSessions("s1"), newFakeHistory(), 10, 64)
	srv := newRealtimeServer(t, r)

	_, err := r.Publish(context.Background(), "s1", domain.OriginUser, "before", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sessions/s1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var sawID bool
	var sawBody bool
	for !(sawID && sawBody) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "id: 1") {
			sawID = true
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"before"`) {
			sawBody = true
		}
	}
}
