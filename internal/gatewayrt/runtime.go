// Package gatewayrt wires the Gateway Session Manager (internal/gatewaysession)
// to the local agent registry (internal/agentmanager) and the Agent Adapter
// Runtime (internal/adapter): it decodes server:send_to_agent/stop_agent/
// remove_agent frames, drives the matching Adapter, and streams its Chunks
// back to the hub as gateway:message_chunk/gateway:message_complete frames
// (§4.5, §4.6, §6).
package gatewayrt

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentim/agentim/internal/adapter"
	"github.com/agentim/agentim/internal/agentmanager"
	"github.com/agentim/agentim/internal/gatewaysession"
	"github.com/agentim/agentim/internal/idgen"
	"github.com/agentim/agentim/internal/protocol"
	"github.com/agentim/agentim/internal/types"
)

// Runtime ties one gateway's local agent registry to its hub session.
type Runtime struct {
	agents  *agentmanager.Manager
	session *gatewaysession.Manager
	gen     *idgen.Generator
	logger  *zap.Logger
}

// New builds a Runtime without a bound session — the session's own
// constructor needs the Runtime's OnAuthenticated/OnFrame as callbacks, so
// callers build the Runtime first, then the gatewaysession.Manager with
// those callbacks, then call BindSession. Call session.Run separately (it
// blocks).
func New(agents *agentmanager.Manager, logger *zap.Logger) *Runtime {
	return &Runtime{agents: agents, gen: idgen.New(), logger: logger.Named("gatewayrt")}
}

// BindSession attaches the session this Runtime sends outbound frames
// through. Must be called before any inbound frame is dispatched.
func (rt *Runtime) BindSession(session *gatewaysession.Manager) {
	rt.session = session
}

// OnAuthenticated re-announces every locally registered agent after a fresh
// or renewed gateway:auth, so the hub's Connection Registry is rebuilt after
// a reconnect.
func (rt *Runtime) OnAuthenticated(isReconnect bool) {
	for _, desc := range rt.agents.List() {
		rt.send(protocol.FrameGatewayRegisterAgent, registerAgentFrame{Agent: desc})
	}
	if isReconnect {
		rt.logger.Info("re-announced local agents after reconnect", zap.Int("count", len(rt.agents.List())))
	}
}

// OnFrame handles one inbound server:* frame not already consumed by the
// session's auth/protocol handshake.
func (rt *Runtime) OnFrame(env *protocol.Envelope) {
	switch env.Type {
	case protocol.FrameServerSendToAgent:
		rt.handleSendToAgent(env)
	case protocol.FrameServerStopAgent:
		rt.handleStopAgent(env)
	case protocol.FrameServerRemoveAgent:
		rt.handleRemoveAgent(env)
	default:
		rt.logger.Debug("ignoring unhandled frame", zap.String("type", string(env.Type)))
	}
}

func (rt *Runtime) handleSendToAgent(env *protocol.Envelope) {
	var f sendToAgentFrame
	if err := env.Field("roomId", &f.RoomID); err != nil {
		return
	}
	_ = env.Field("agentId", &f.AgentID)
	_ = env.Field("content", &f.Content)

	reg, ok := rt.agents.Get(f.AgentID)
	if !ok {
		rt.logger.Warn("server:send_to_agent for unknown agent id", zap.String("agentId", f.AgentID))
		return
	}

	messageID := rt.gen.New("msg")
	chunks, err := reg.Adapter.SendMessage(context.Background(), f.Content)
	if err != nil {
		rt.send(protocol.FrameGatewayMessageChunk, messageChunkFrame{
			RoomID: f.RoomID, AgentID: f.AgentID, MessageID: messageID,
			Chunk: types.Chunk{Type: types.ChunkError, Content: err.Error()},
		})
		return
	}

	go rt.streamTurn(f.RoomID, f.AgentID, messageID, chunks)
}

func (rt *Runtime) streamTurn(roomID, agentID, messageID string, chunks <-chan types.Chunk) {
	var full string
	for chunk := range chunks {
		if chunk.Type == types.ChunkText {
			full += chunk.Content
		}
		rt.send(protocol.FrameGatewayMessageChunk, messageChunkFrame{
			RoomID: roomID, AgentID: agentID, MessageID: messageID, Chunk: chunk,
		})
	}
	rt.send(protocol.FrameGatewayMessageComplete, messageCompleteFrame{
		RoomID: roomID, AgentID: agentID, MessageID: messageID, FullContent: full,
	})
}

func (rt *Runtime) handleStopAgent(env *protocol.Envelope) {
	var agentID string
	if err := env.Field("agentId", &agentID); err != nil {
		return
	}
	if reg, ok := rt.agents.Get(agentID); ok {
		reg.Adapter.Stop()
	}
}

func (rt *Runtime) handleRemoveAgent(env *protocol.Envelope) {
	var agentID string
	if err := env.Field("agentId", &agentID); err != nil {
		return
	}
	rt.agents.Unregister(agentID)
	rt.send(protocol.FrameGatewayUnregisterAgent, unregisterAgentFrame{AgentID: agentID})
}

func (rt *Runtime) send(t protocol.FrameType, payload any) {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		rt.logger.Error("failed to encode outbound frame", zap.String("type", string(t)), zap.Error(err))
		return
	}
	rt.session.Send(frame)
}

// RegisterAgent installs a new local adapter and announces it to the hub if
// a session is already authenticated (the common "start" path registers
// before the session is even dialed, so this simply enqueues — the pending
// frame queue in gatewaysession.Manager flushes it on the next auth).
func (rt *Runtime) RegisterAgent(desc types.AgentDescriptor, a adapter.Adapter) {
	rt.agents.Register(desc, a)
	rt.send(protocol.FrameGatewayRegisterAgent, registerAgentFrame{Agent: desc})
}

type registerAgentFrame struct {
	Agent types.AgentDescriptor `json:"agent"`
}

type unregisterAgentFrame struct {
	AgentID string `json:"agentId"`
}

type sendToAgentFrame struct {
	RoomID    string `json:"roomId"`
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type messageChunkFrame struct {
	RoomID    string      `json:"roomId"`
	AgentID   string      `json:"agentId"`
	MessageID string      `json:"messageId"`
	Chunk     types.Chunk `json:"chunk"`
}

type messageCompleteFrame struct {
	RoomID      string `json:"roomId"`
	AgentID     string `json:"agentId"`
	MessageID   string `json:"messageId"`
	FullContent string `json:"fullContent"`
}
