package wsserver

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

type fakeDispatcher struct {
	mu                 sync.Mutex
	dispatched         []*protocol.Envelope
	clientDisconnects  []string
	gatewayDisconnects []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, socketID string, env *protocol.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, env)
}

func (f *fakeDispatcher) HandleClientDisconnect(socketID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clientDisconnects = append(f.clientDisconnects, socketID)
}

func (f *fakeDispatcher) HandleGatewayDisconnect(socketID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gatewayDisconnects = append(f.gatewayDisconnects, socketID)
}

func (f *fakeDispatcher) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestServerDispatchesDecodedFrames(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	srv := New(dispatcher, zap.NewNop())

	ts := httptest.NewServer(http.HandlerFunc(srv.ServeClient))
	defer ts.Close()

	client := dialWS(t, ts, "/")
	defer client.Close()

	frame, err := protocol.Encode(protocol.FrameClientAuth, map[string]any{"token": "t"})
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, frame))

	assert.Eventually(t, func() bool {
		return dispatcher.dispatchCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServerSendDeliversFrameToSocket(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	srv := New(dispatcher, zap.NewNop())

	ts := httptest.NewServer(http.HandlerFunc(srv.ServeClient))
	defer ts.Close()

	client := dialWS(t, ts, "/")
	defer client.Close()

	require.Eventually(t, func() bool {
		return srv.ActiveConnections() == 1
	}, time.Second, 10*time.Millisecond)

	var socketID string
	srv.mu.RLock()
	for id := range srv.conns {
		socketID = id
	}
	srv.mu.RUnlock()
	require.NotEmpty(t, socketID)

	require.NoError(t, srv.Send(socketID, []byte(`{"type":"server:error"}`)))

	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "server:error")
}

func TestServerCascadesClientDisconnect(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	srv := New(dispatcher, zap.NewNop())

	ts := httptest.NewServer(http.HandlerFunc(srv.ServeClient))
	defer ts.Close()

	client := dialWS(t, ts, "/")
	client.Close()

	assert.Eventually(t, func() bool {
		dispatcher.mu.Lock()
		defer dispatcher.mu.Unlock()
		return len(dispatcher.clientDisconnects) == 1
	}, time.Second, 10*time.Millisecond)
}
