package gatewaysession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentim/agentim/internal/protocol"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type fakeTokens struct {
	mu           sync.Mutex
	current      string
	refreshed    string
	refreshCalls int
	refreshErr   error
}

func (f *fakeTokens) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeTokens) Refresh(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.current = f.refreshed
	return f.refreshed, nil
}

type fakeAgents struct{ n int }

func (f *fakeAgents) Count() int { return f.n }

func dialURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func sendJSON(t *testing.T, ws *websocket.Conn, frameType protocol.FrameType, payload any) {
	t.Helper()
	frame, err := protocol.Encode(frameType, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func TestManagerAuthenticatesAndDeliversFrames(t *testing.T) {
	authed := make(chan bool, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		env := readEnvelope(t, ws)
		assert.Equal(t, protocol.FrameGatewayAuth, env.Type)
		var tok string
		require.NoError(t, env.Field("token", &tok))
		assert.Equal(t, "tok-1", tok)

		sendJSON(t, ws, protocol.FrameServerGatewayAuthResult, map[string]any{"ok": true})
		sendJSON(t, ws, protocol.FrameServerSendToAgent, map[string]any{"agentId": "a1", "content": "hi"})

		time.Sleep(200 * time.Millisecond)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	var mu sync.Mutex
	var frames []*protocol.Envelope

	m := New(
		Config{HubURL: dialURL(ts), GatewayID: "gw-1"},
		&fakeTokens{current: "tok-1"},
		&fakeAgents{n: 0},
		func(isReconnect bool) { authed <- isReconnect },
		func(env *protocol.Envelope) {
			mu.Lock()
			frames = append(frames, env)
			mu.Unlock()
		},
		zap.NewNop(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go m.Run(ctx)

	select {
	case isReconnect := <-authed:
		assert.False(t, isReconnect)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for onAuthenticated")
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestManagerRefreshesTokenOnceOnAuthRejection(t *testing.T) {
	var attempt int
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		env := readEnvelope(t, ws)
		var tok string
		require.NoError(t, env.Field("token", &tok))

		mu.Lock()
		attempt++
		n := attempt
		mu.Unlock()

		if n == 1 {
			assert.Equal(t, "stale", tok)
			sendJSON(t, ws, protocol.FrameServerGatewayAuthResult, map[string]any{"ok": false, "error": "expired"})
			env2 := readEnvelope(t, ws)
			assert.Equal(t, protocol.FrameGatewayAuth, env2.Type)
			var tok2 string
			require.NoError(t, env2.Field("token", &tok2))
			assert.Equal(t, "fresh", tok2)
			sendJSON(t, ws, protocol.FrameServerGatewayAuthResult, map[string]any{"ok": true})
		}
		time.Sleep(200 * time.Millisecond)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	authed := make(chan bool, 1)
	tokens := &fakeTokens{current: "stale", refreshed: "fresh"}

	m := New(
		Config{HubURL: dialURL(ts), GatewayID: "gw-1"},
		tokens,
		&fakeAgents{n: 0},
		func(isReconnect bool) { authed <- isReconnect },
		func(env *protocol.Envelope) {},
		zap.NewNop(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go m.Run(ctx)

	select {
	case <-authed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for onAuthenticated after refresh")
	}

	tokens.mu.Lock()
	assert.Equal(t, 1, tokens.refreshCalls)
	tokens.mu.Unlock()
}

func TestManagerDisablesReconnectOnProtocolMismatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		_ = readEnvelope(t, ws)
		sendJSON(t, ws, protocol.FrameServerError, protocol.ErrorFrame{Code: protocol.ErrCodeProtocolVersionMismatch, Message: "nope"})
		time.Sleep(100 * time.Millisecond)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	m := New(
		Config{HubURL: dialURL(ts), GatewayID: "gw-1"},
		&fakeTokens{current: "tok"},
		&fakeAgents{n: 0},
		func(isReconnect bool) {},
		func(env *protocol.Envelope) {},
		zap.NewNop(),
	)

	done := make(chan struct{})
	start := time.Now()
	go func() {
		m.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
		elapsed := time.Since(start)
		assert.False(t, m.reconnectAllowed())
		assert.GreaterOrEqual(t, elapsed, protocolMismatchExitDelay, "Run must wait out the exit delay before returning")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after protocol mismatch")
	}
}

func TestSendQueuesBeforeConnectionEstablished(t *testing.T) {
	m := New(
		Config{HubURL: "ws://unused", GatewayID: "gw-1"},
		&fakeTokens{current: "tok"},
		&fakeAgents{n: 0},
		func(isReconnect bool) {},
		func(env *protocol.Envelope) {},
		zap.NewNop(),
	)

	frame, err := protocol.Encode(protocol.FrameGatewayAgentStatus, map[string]any{"agentId": "a1"})
	require.NoError(t, err)
	m.Send(frame)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.queue, 1)
}
