// Package wsserver implements the hub's two WebSocket upgrade endpoints
// (/ws/client, /ws/gateway, §6), adapting the teacher's single-writer
// Hub/Client event-loop idiom to a bidirectional protocol: instead of a
// push-only topic pub/sub, every inbound frame is handed to a Dispatcher
// (internal/broker.Broker) and every frame the Dispatcher wants delivered
// arrives back here through the Sender interface it depends on.
package wsserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentim/agentim/internal/idgen"
	"github.com/agentim/agentim/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Dispatcher is the broker half of the connection: turns one decoded frame
// into registry updates and outbound fan-out, and is told when a socket of
// either kind disconnects so it can cascade cleanup (§4.4).
type Dispatcher interface {
	Dispatch(ctx context.Context, socketID string, env *protocol.Envelope)
	HandleClientDisconnect(socketID string)
	HandleGatewayDisconnect(socketID string)
}

// Kind distinguishes a /ws/client socket from a /ws/gateway socket so Server
// knows which disconnect hook to call.
type Kind int

const (
	KindClient Kind = iota
	KindGateway
)

// conn is one live WebSocket connection's send-side state. Exactly one
// goroutine (writePump) ever calls ws.WriteMessage/WriteJSON on a given
// conn, matching gorilla/websocket's concurrency contract.
type conn struct {
	id   string
	kind Kind
	ws   *websocket.Conn
	send chan []byte
}

// Server owns the live connection table and implements broker.Sender by
// looking a socket id up in it.
type Server struct {
	dispatcher Dispatcher
	idgen      *idgen.Generator
	logger     *zap.Logger

	mu    sync.RWMutex
	conns map[string]*conn
}

// New builds a Server. dispatcher is typically *broker.Broker; it may be
// nil at construction time and supplied later via SetDispatcher to break
// the broker/wsserver construction cycle (the Broker depends on the Server
// as its Sender), as long as it is set before ServeClient/ServeGateway
// starts accepting connections.
func New(dispatcher Dispatcher, logger *zap.Logger) *Server {
	return &Server{
		dispatcher: dispatcher,
		idgen:      idgen.New(),
		logger:     logger,
		conns:      make(map[string]*conn),
	}
}

// SetDispatcher assigns the Dispatcher after construction. Not safe to call
// concurrently with ServeClient/ServeGateway; intended for startup wiring
// only.
func (s *Server) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Send implements broker.Sender: pushes an already-encoded frame onto the
// target socket's outbound queue. A full queue means the peer is too slow
// to keep up; the connection is torn down rather than let it block fan-out
// to every other peer (§5's "one slow peer must not degrade the others").
func (s *Server) Send(socketID string, frame []byte) error {
	s.mu.RLock()
	c, ok := s.conns[socketID]
	s.mu.RUnlock()
	if !ok {
		return nil // socket already gone; not an error to the caller
	}

	select {
	case c.send <- frame:
		return nil
	default:
		s.drop(c)
		return nil
	}
}

// ActiveConnections returns the current number of live sockets of either
// kind, for the hub's /healthz and metrics wiring.
func (s *Server) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// ServeClient upgrades r into a /ws/client socket.
func (s *Server) ServeClient(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, KindClient)
}

// ServeGateway upgrades r into a /ws/gateway socket.
func (s *Server) ServeGateway(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, KindGateway)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, kind Kind) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		id:   s.idgen.New("sock"),
		kind: kind,
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *conn) {
	defer s.drop(c)

	c.ws.SetReadLimit(protocol.MaxBufferSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Debug("websocket unexpected close", zap.String("socket_id", c.id), zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			_ = s.Send(c.id, protocol.EncodeError("BAD_REQUEST", err.Error()))
			continue
		}

		s.dispatcher.Dispatch(r2Context(), c.id, env)
	}
}

// r2Context returns a background context for frame dispatch. Per-connection
// requests don't carry a meaningful HTTP request context once inside the
// read loop, and the Broker's downstream calls (persistence, registry) are
// meant to outlive any single read.
func r2Context() context.Context {
	return context.Background()
}

func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("websocket write error", zap.String("socket_id", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop removes c from the connection table (if still present), closes its
// send channel to unblock writePump, and cascades the appropriate
// disconnect notification to the dispatcher. Safe to call more than once.
func (s *Server) drop(c *conn) {
	s.mu.Lock()
	_, present := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()

	if !present {
		return
	}

	close(c.send)
	switch c.kind {
	case KindClient:
		s.dispatcher.HandleClientDisconnect(c.id)
	case KindGateway:
		s.dispatcher.HandleGatewayDisconnect(c.id)
	}
}

// Shutdown closes every live connection, used during graceful shutdown
// (§12) after the HTTP server itself stops accepting new upgrades.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*conn)
	s.mu.Unlock()

	for _, c := range conns {
		close(c.send)
		_ = c.ws.Close()
	}
}
