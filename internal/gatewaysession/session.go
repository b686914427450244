// Package gatewaysession implements the Gateway Session Manager (§4.5): the
// long-running loop that maintains a single outbound WebSocket connection
// from a gateway process to the hub, with reconnect-with-backoff, one-shot
// token refresh on auth failure, and the ephemeral flag reported in
// gateway:auth. The session does not end on its own when the local agent
// count drops to zero.
//
// The reconnect loop is the same connect/backoff/jitter shape the teacher
// uses for its agent-to-server gRPC connection
// (agent/internal/connection/manager.go), generalized from a hand-rolled
// nextBackoff/jitter pair to github.com/cenkalti/backoff/v4, and from a
// single persistent gRPC stream to a WebSocket connection that is
// authenticated fresh on every reconnect.
package gatewaysession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/agentim/agentim/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64

	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second

	// protocolMismatchExitDelay is the brief pause (§4.5 item 4) before Run
	// returns on a protocol mismatch, giving the hub's close frame and any
	// operator-facing log line time to land before the process exits.
	protocolMismatchExitDelay = 2 * time.Second
)

// errProtocolMismatch is returned by connect when the hub refuses the
// connection with PROTOCOL_VERSION_MISMATCH; Run treats it as permanent
// and does not reconnect.
var errProtocolMismatch = errors.New("gatewaysession: protocol version mismatch")

// errAuthFailed is returned by connect when gateway:auth is rejected and
// the one refresh allowed per connection has already been used or has
// itself failed.
var errAuthFailed = errors.New("gatewaysession: authentication failed")

// TokenSource supplies the bearer token presented in gateway:auth and
// performs the one-shot refresh attempted on a rejected auth (§4.5 item 3).
// Implemented by refreshingTokenSource in cmd/gateway against the persisted
// config file.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context) (string, error)
}

// AgentCounter reports how many local agents are currently registered, so
// the session can decide isReconnect. The count is not used to end an
// ephemeral gateway's session.
type AgentCounter interface {
	Count() int
}

// Config holds the fixed parameters of one gateway's session.
type Config struct {
	HubURL     string
	GatewayID  string
	DeviceInfo string
	Ephemeral  bool
}

// FrameHandler processes one inbound frame that is not part of the
// auth/protocol handshake itself — server:send_to_agent, server:stop_agent,
// server:agent_command, and so on. Invoked on the read goroutine; handlers
// that do real work should hand off rather than block it.
type FrameHandler func(env *protocol.Envelope)

// Manager owns the gateway's single outbound connection to the hub.
type Manager struct {
	cfg    Config
	tokens TokenSource
	agents AgentCounter
	dialer *websocket.Dialer
	logger *zap.Logger

	onAuthenticated func(isReconnect bool)
	onFrame         FrameHandler

	connectionID atomic.Int64

	mu          sync.Mutex
	active      *session
	queue       [][]byte
	reconnectOK bool
}

// session is the per-connection state, replaced wholesale on every
// reconnect. A captured id lets any async callback (notably token refresh)
// detect it now belongs to a superseded connection and no-op.
type session struct {
	id   int64
	ws   *websocket.Conn
	send chan []byte
}

// New builds a Manager. onAuthenticated is invoked once gateway:auth
// succeeds (possibly after one refresh); onFrame receives every other
// inbound frame.
func New(cfg Config, tokens TokenSource, agents AgentCounter, onAuthenticated func(isReconnect bool), onFrame FrameHandler, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:             cfg,
		tokens:          tokens,
		agents:          agents,
		dialer:          websocket.DefaultDialer,
		logger:          logger.Named("gatewaysession"),
		onAuthenticated: onAuthenticated,
		onFrame:         onFrame,
		reconnectOK:     true,
	}
}

// Run drives the reconnect loop until ctx is cancelled or a permanent
// failure (protocol mismatch, exhausted auth) ends it. Blocks.
func (m *Manager) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitial
	b.MaxInterval = backoffMax
	b.MaxElapsedTime = 0 // retry forever; only ctx cancellation or a permanent error stops us

	for {
		if ctx.Err() != nil {
			m.logger.Info("gateway session stopped")
			return
		}
		if !m.reconnectAllowed() {
			m.logger.Info("gateway session exiting, reconnect disabled")
			return
		}

		err := m.connect(ctx)
		if err == nil {
			b.Reset()
			continue
		}

		if errors.Is(err, errProtocolMismatch) {
			m.logger.Error("hub rejected protocol version, will not reconnect", zap.Error(err))
			m.disableReconnect()
			select {
			case <-ctx.Done():
			case <-time.After(protocolMismatchExitDelay):
			}
			return
		}
		if errors.Is(err, errAuthFailed) {
			m.logger.Error("authentication exhausted, will not reconnect", zap.Error(err))
			m.disableReconnect()
			return
		}
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		m.logger.Warn("connection failed, retrying", zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (m *Manager) reconnectAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectOK
}

func (m *Manager) disableReconnect() {
	m.mu.Lock()
	m.reconnectOK = false
	m.mu.Unlock()
}

// connect dials one WebSocket session, authenticates, and runs its read
// loop until the connection ends. Returns nil only when ctx is cancelled
// mid-session (graceful shutdown, not a failure to back off from).
func (m *Manager) connect(ctx context.Context) error {
	id := m.connectionID.Inc()

	ws, _, err := m.dialer.DialContext(ctx, m.cfg.HubURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	sess := &session{id: id, ws: ws, send: make(chan []byte, sendBuffer)}
	// Closing the socket on cancellation unblocks ReadMessage below.
	stopOnCancel := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stopOnCancel()

	go m.writePump(sess)
	defer func() {
		close(sess.send)
		m.mu.Lock()
		if m.active == sess {
			m.active = nil
		}
		m.mu.Unlock()
	}()

	hasRefreshed := false
	if err := m.sendAuth(sess, m.tokens.AccessToken()); err != nil {
		return err
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		env, err := protocol.Decode(data)
		if err != nil {
			m.logger.Warn("dropping malformed frame from hub", zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.FrameServerGatewayAuthResult:
			var result struct {
				Ok    bool   `json:"ok"`
				Error string `json:"error,omitempty"`
			}
			if err := env.Field("ok", &result.Ok); err != nil {
				continue
			}
			_ = env.Field("error", &result.Error)

			if result.Ok {
				// The session becomes active only once authenticated, so
				// Send keeps queuing application frames until this point.
				m.mu.Lock()
				m.active = sess
				m.mu.Unlock()
				m.flushQueue(sess)
				isReconnect := m.agents.Count() > 0
				if m.onAuthenticated != nil {
					m.onAuthenticated(isReconnect)
				}
				continue
			}

			if !hasRefreshed {
				if refreshed, refreshErr := m.tryRefresh(ctx, id); refreshErr == nil {
					hasRefreshed = true
					if err := m.sendAuth(sess, refreshed); err != nil {
						return err
					}
					continue
				}
			}
			return fmt.Errorf("%w: %s", errAuthFailed, result.Error)

		case protocol.FrameServerError:
			var ef protocol.ErrorFrame
			if err := env.Field("code", &ef.Code); err == nil && ef.Code == protocol.ErrCodeProtocolVersionMismatch {
				return errProtocolMismatch
			}
			if m.onFrame != nil {
				m.onFrame(env)
			}

		default:
			if m.onFrame != nil {
				m.onFrame(env)
			}
		}
	}
}

// tryRefresh runs a single token refresh and discards the result if the
// connection has already been superseded by a newer one (§4.5: the
// connectionId guard against a stale refresh authenticating the wrong
// connection).
func (m *Manager) tryRefresh(ctx context.Context, connID int64) (string, error) {
	token, err := m.tokens.Refresh(ctx)
	if err != nil {
		return "", err
	}
	if m.connectionID.Load() != connID {
		return "", errors.New("gatewaysession: connection superseded during refresh")
	}
	return token, nil
}

type gatewayAuthFrame struct {
	Token           string `json:"token"`
	GatewayID       string `json:"gatewayId"`
	ProtocolVersion int    `json:"protocolVersion"`
	DeviceInfo      string `json:"deviceInfo"`
	Ephemeral       bool   `json:"ephemeral"`
}

func (m *Manager) sendAuth(sess *session, token string) error {
	frame, err := protocol.Encode(protocol.FrameGatewayAuth, gatewayAuthFrame{
		Token:           token,
		GatewayID:       m.cfg.GatewayID,
		ProtocolVersion: protocol.ProtocolVersion,
		DeviceInfo:      m.cfg.DeviceInfo,
		Ephemeral:       m.cfg.Ephemeral,
	})
	if err != nil {
		return fmt.Errorf("encode gateway:auth: %w", err)
	}
	return m.enqueue(sess, frame, true)
}

// Send queues an application frame for delivery. If no connection is
// active yet, or auth hasn't completed, the frame waits in the pending
// queue and is flushed on the next successful gateway:auth (§4.5 item 2).
func (m *Manager) Send(frame []byte) {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()

	if sess == nil {
		m.mu.Lock()
		m.queue = append(m.queue, frame)
		m.mu.Unlock()
		return
	}
	_ = m.enqueue(sess, frame, false)
}

// enqueue pushes a frame directly onto a specific session's write channel.
// bypassPending is true only for the gateway:auth frame itself, which must
// never wait behind the pending queue.
func (m *Manager) enqueue(sess *session, frame []byte, bypassPending bool) error {
	select {
	case sess.send <- frame:
		return nil
	default:
		if bypassPending {
			return errors.New("gatewaysession: send buffer full during auth")
		}
		m.mu.Lock()
		m.queue = append(m.queue, frame)
		m.mu.Unlock()
		return nil
	}
}

func (m *Manager) flushQueue(sess *session) {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, frame := range pending {
		select {
		case sess.send <- frame:
		default:
			m.logger.Warn("dropped queued frame, send buffer full on flush")
		}
	}
}

func (m *Manager) writePump(sess *session) {
	for frame := range sess.send {
		if err := sess.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := sess.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

// Shutdown closes the active connection, if any. Callers run this under a
// bounded deadline from their own signal handler (§4.5: SIGINT/SIGTERM/
// SIGHUP trigger disposeAll then Shutdown; SIGPIPE is ignored entirely, as
// it signals a half-closed pipe we are already in the process of tearing
// down).
func (m *Manager) Shutdown() {
	m.disableReconnect()
	m.mu.Lock()
	sess := m.active
	m.active = nil
	m.mu.Unlock()
	if sess == nil {
		return
	}
	_ = sess.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = sess.ws.Close()
}
