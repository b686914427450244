// Package broker implements the Broker / Router (§4.4): the single dispatch
// function that turns one inbound frame from a client or gateway socket into
// registry updates, persistence calls, and outbound fan-out, with the
// per-frame failure isolation required by §4.4 and §7 ("never disconnects
// other peers").
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentim/agentim/internal/auth"
	"github.com/agentim/agentim/internal/connregistry"
	"github.com/agentim/agentim/internal/idgen"
	"github.com/agentim/agentim/internal/metrics"
	"github.com/agentim/agentim/internal/permission"
	"github.com/agentim/agentim/internal/protocol"
	"github.com/agentim/agentim/internal/types"
)

// Store is the persistence surface the Broker delegates room/message/
// presence operations to (§1 external collaborator, §4.4).
type Store interface {
	Room(ctx context.Context, roomID string) (types.Room, error)
	IsMember(ctx context.Context, roomID, memberID string) (bool, error)
	AppendMessage(ctx context.Context, roomID, senderID string, senderType types.MemberType, content string) (messageID string, err error)
	SetPresence(ctx context.Context, userID string, online bool) error
}

// Sender delivers an already-encoded frame to one socket. Implemented by
// internal/wsserver; kept as a narrow interface here to avoid an import
// cycle between broker and wsserver.
type Sender interface {
	Send(socketID string, frame []byte) error
}

// Broker is the single entry point every inbound frame is dispatched
// through.
type Broker struct {
	verifier   *auth.Verifier
	registry   *connregistry.Registry
	permission *permission.Store
	store      Store
	sender     Sender
	idgen      *idgen.Generator
	logger     *zap.Logger

	mu     sync.Mutex
	turns  map[types.StreamingTurnKey]*turn
}

// turn tracks one in-flight (room, agent) streaming reply (§4.4 state
// machine).
type turn struct {
	state       types.StreamingTurnState
	messageID   string
	startedAt   time.Time
	lastChunkAt time.Time
}

// StaleTurnBound is how long a streaming turn may go without a chunk before
// the periodic sweep fails it — covers a gateway that vanished without a
// clean disconnect (network partition, killed -9) rather than closing its
// socket.
const StaleTurnBound = 5 * time.Minute

// New builds a Broker.
func New(verifier *auth.Verifier, registry *connregistry.Registry, perm *permission.Store, store Store, sender Sender, logger *zap.Logger) *Broker {
	return &Broker{
		verifier:   verifier,
		registry:   registry,
		permission: perm,
		store:      store,
		sender:     sender,
		idgen:      idgen.New(),
		logger:     logger,
		turns:      make(map[types.StreamingTurnKey]*turn),
	}
}

// Dispatch handles one inbound frame from socketID. Per §4.4/§7, a handler
// failure produces server:error to the sender only and never disconnects
// other peers; the caller is responsible for closing the socket on a
// decode-level error, which Dispatch never returns (those are filtered by
// the caller's protocol.Decode step).
func (b *Broker) Dispatch(ctx context.Context, socketID string, env *protocol.Envelope) {
	var err error
	switch env.Type {
	case protocol.FrameClientAuth:
		err = b.handleClientAuth(ctx, socketID, env)
	case protocol.FrameClientJoinRoom:
		err = b.handleJoinRoom(ctx, socketID, env)
	case protocol.FrameClientLeaveRoom:
		err = b.handleLeaveRoom(ctx, socketID, env)
	case protocol.FrameClientSendMessage:
		err = b.handleSendMessage(ctx, socketID, env)
	case protocol.FrameClientStopGeneration:
		err = b.handleStopGeneration(socketID, env)
	case protocol.FrameClientPermissionResponse:
		err = b.handlePermissionResponse(socketID, env)

	case protocol.FrameGatewayAuth:
		err = b.handleGatewayAuth(ctx, socketID, env)
	case protocol.FrameGatewayRegisterAgent:
		err = b.handleRegisterAgent(socketID, env)
	case protocol.FrameGatewayUnregisterAgent:
		err = b.handleUnregisterAgent(socketID, env)
	case protocol.FrameGatewayAgentStatus:
		err = nil // delegated external record update; no registry state to touch here
	case protocol.FrameGatewayMessageChunk:
		err = b.handleMessageChunk(socketID, env)
	case protocol.FrameGatewayMessageComplete:
		err = b.handleMessageComplete(ctx, socketID, env)
	case protocol.FrameGatewayPermissionReqest:
		err = b.handlePermissionRequest(socketID, env)

	default:
		err = fmt.Errorf("broker: unhandled frame type %q", env.Type)
	}

	if err != nil {
		metrics.FrameHandlerErrors.WithLabelValues(string(env.Type)).Inc()
		b.logger.Warn("frame handler failed",
			zap.String("socket_id", socketID),
			zap.String("frame_type", string(env.Type)),
			zap.Error(err),
		)
		b.sendError(socketID, errorCode(err), err.Error())
	}
}

func errorCode(err error) string {
	if errors.Is(err, errMessageTooLarge) {
		return protocol.ErrCodeMessageTooLarge
	}
	return "BAD_REQUEST"
}

var errMessageTooLarge = errors.New("broker: message exceeds MAX_BUFFER_SIZE")

func (b *Broker) sendError(socketID, code, message string) {
	_ = b.sender.Send(socketID, protocol.EncodeError(code, message))
}

func (b *Broker) sendFrame(socketID string, t protocol.FrameType, payload any) {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		b.logger.Error("failed to encode outbound frame", zap.String("type", string(t)), zap.Error(err))
		return
	}
	metrics.FanOutTotal.WithLabelValues(string(t)).Inc()
	if err := b.sender.Send(socketID, frame); err != nil {
		b.logger.Debug("send failed", zap.String("socket_id", socketID), zap.Error(err))
	}
}

// --- client:auth ---

type clientAuthFrame struct {
	Token string `json:"token"`
}

type authResultFrame struct {
	Ok     bool   `json:"ok"`
	UserID string `json:"userId,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (b *Broker) handleClientAuth(_ context.Context, socketID string, env *protocol.Envelope) error {
	var f clientAuthFrame
	if err := env.Field("token", &f.Token); err != nil {
		return err
	}

	claims, err := b.verifier.Verify(f.Token, true)
	if err != nil {
		b.sendFrame(socketID, protocol.FrameServerAuthResult, authResultFrame{Ok: false, Error: auth.WireMessage(err)})
		return nil
	}

	if err := b.registry.AddClient(socketID, claims.Sub, claims.Username); err != nil {
		b.sendFrame(socketID, protocol.FrameServerAuthResult, authResultFrame{Ok: false, Error: err.Error()})
		return nil
	}

	b.sendFrame(socketID, protocol.FrameServerAuthResult, authResultFrame{Ok: true, UserID: claims.Sub})
	return nil
}

// --- client:join_room / client:leave_room ---

type roomFrame struct {
	RoomID string `json:"roomId"`
}

func (b *Broker) handleJoinRoom(ctx context.Context, socketID string, env *protocol.Envelope) error {
	var f roomFrame
	if err := env.Field("roomId", &f.RoomID); err != nil {
		return err
	}

	client, ok := b.registry.Client(socketID)
	if !ok {
		return fmt.Errorf("broker: socket %s is not authenticated", socketID)
	}

	isMember, err := b.store.IsMember(ctx, f.RoomID, client.UserID)
	if err != nil {
		return err
	}
	if !isMember {
		return fmt.Errorf("broker: %s is not a member of room %s", client.UserID, f.RoomID)
	}

	b.registry.JoinRoom(socketID, f.RoomID)
	return nil
}

func (b *Broker) handleLeaveRoom(_ context.Context, socketID string, env *protocol.Envelope) error {
	var f roomFrame
	if err := env.Field("roomId", &f.RoomID); err != nil {
		return err
	}
	b.registry.LeaveRoom(socketID, f.RoomID)
	return nil
}

// --- client:send_message ---

type sendMessageFrame struct {
	RoomID   string   `json:"roomId"`
	Content  string   `json:"content"`
	Mentions []string `json:"mentions"`
}

type newMessageFrame struct {
	RoomID     string           `json:"roomId"`
	MessageID  string           `json:"messageId"`
	SenderID   string           `json:"senderId"`
	SenderType types.MemberType `json:"senderType"`
	Content    string           `json:"content"`
	SentAtMs   int64            `json:"sentAtMs"`
}

type sendToAgentFrame struct {
	RoomID    string `json:"roomId"`
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

func (b *Broker) handleSendMessage(ctx context.Context, socketID string, env *protocol.Envelope) error {
	if len(env.Payload) > protocol.MaxBufferSize {
		return errMessageTooLarge
	}

	var f sendMessageFrame
	if err := env.Field("roomId", &f.RoomID); err != nil {
		return err
	}
	if err := env.Field("content", &f.Content); err != nil {
		return err
	}
	if len(f.Content) > protocol.MaxBufferSize {
		return errMessageTooLarge
	}
	_ = env.Field("mentions", &f.Mentions)

	client, ok := b.registry.Client(socketID)
	if !ok {
		return fmt.Errorf("broker: socket %s is not authenticated", socketID)
	}

	room, err := b.store.Room(ctx, f.RoomID)
	if err != nil {
		return err
	}

	messageID, err := b.store.AppendMessage(ctx, f.RoomID, client.UserID, types.MemberUser, f.Content)
	if err != nil {
		return err
	}

	out := newMessageFrame{
		RoomID:     f.RoomID,
		MessageID:  messageID,
		SenderID:   client.UserID,
		SenderType: types.MemberUser,
		Content:    f.Content,
		SentAtMs:   time.Now().UnixMilli(),
	}

	for _, target := range b.registry.RoomSockets(f.RoomID) {
		if !room.BroadcastMode && target == socketID {
			continue
		}
		b.sendFrame(target, protocol.FrameServerNewMessage, out)
	}

	for _, agent := range addressedAgents(room, f.Mentions) {
		gatewaySocket, ok := b.registry.GatewayForAgent(agent.MemberID)
		if !ok {
			continue
		}
		b.sendFrame(gatewaySocket, protocol.FrameServerSendToAgent, sendToAgentFrame{
			RoomID:    f.RoomID,
			AgentID:   agent.MemberID,
			MessageID: messageID,
			Content:   f.Content,
		})
	}

	return nil
}

// addressedAgents is the room's routing policy (§4.4): a message goes to an
// agent member only when that agent is named in mentions (by member id or
// display name, case-insensitively) or, when no mention is given at all, the
// room has exactly one agent member to route to unambiguously. A room with
// two or more agents and no mention addresses none of them rather than
// guessing.
func addressedAgents(room types.Room, mentions []string) []types.RoomMember {
	agents := room.AgentMembers()
	if len(mentions) == 0 {
		if len(agents) == 1 {
			return agents
		}
		return nil
	}

	wanted := make(map[string]struct{}, len(mentions))
	for _, m := range mentions {
		wanted[strings.ToLower(m)] = struct{}{}
	}

	var out []types.RoomMember
	for _, agent := range agents {
		if _, ok := wanted[strings.ToLower(agent.MemberID)]; ok {
			out = append(out, agent)
			continue
		}
		if _, ok := wanted[strings.ToLower(agent.DisplayName)]; ok {
			out = append(out, agent)
		}
	}
	return out
}

// --- client:stop_generation ---

type stopGenerationFrame struct {
	RoomID  string `json:"roomId"`
	AgentID string `json:"agentId"`
}

func (b *Broker) handleStopGeneration(socketID string, env *protocol.Envelope) error {
	var f stopGenerationFrame
	if err := env.Field("roomId", &f.RoomID); err != nil {
		return err
	}
	if err := env.Field("agentId", &f.AgentID); err != nil {
		return err
	}

	gatewaySocket, ok := b.registry.GatewayForAgent(f.AgentID)
	if !ok {
		return fmt.Errorf("broker: agent %s has no connected gateway", f.AgentID)
	}
	b.sendFrame(gatewaySocket, protocol.FrameServerStopAgent, f)
	return nil
}

// --- client:permission_response ---

type permissionResponseFrame struct {
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
}

func (b *Broker) handlePermissionResponse(socketID string, env *protocol.Envelope) error {
	var f permissionResponseFrame
	if err := env.Field("requestId", &f.RequestID); err != nil {
		return err
	}
	if err := env.Field("decision", &f.Decision); err != nil {
		return err
	}

	pending, ok := b.permission.Resolve(f.RequestID)
	if !ok {
		// Already resolved, expired, or unknown — not an error to the
		// sender; the UI may have raced an expiry.
		return nil
	}

	gatewaySocket, ok := b.registry.GatewayForAgent(pending.AgentID)
	if !ok {
		return nil
	}
	b.sendFrame(gatewaySocket, protocol.FrameServerPermissionResponse, f)
	return nil
}

// HandlePermissionExpired is the permission.Store's ExpiryFunc: it notifies
// the requesting gateway that a PendingPermission timed out without a
// client decision (§7 "Permission expired" row). Safe to call from the
// store's own timer goroutine — it only touches the registry and sender,
// neither of which is guarded by the permission store's lock.
func (b *Broker) HandlePermissionExpired(id string, p *types.PendingPermission) {
	gatewaySocket, ok := b.registry.GatewayForAgent(p.AgentID)
	if !ok {
		return
	}
	b.sendFrame(gatewaySocket, protocol.FrameServerPermissionResponse, permissionResponseFrame{
		RequestID: id,
		Decision:  "timed_out",
	})
}

// --- gateway:auth ---

type gatewayAuthFrame struct {
	Token           string `json:"token"`
	GatewayID       string `json:"gatewayId"`
	ProtocolVersion int    `json:"protocolVersion"`
	DeviceInfo      string `json:"deviceInfo"`
	Ephemeral       bool   `json:"ephemeral"`
}

type gatewayAuthResultFrame struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (b *Broker) handleGatewayAuth(_ context.Context, socketID string, env *protocol.Envelope) error {
	var f gatewayAuthFrame
	if err := env.Field("token", &f.Token); err != nil {
		return err
	}
	if err := env.Field("gatewayId", &f.GatewayID); err != nil {
		return err
	}
	_ = env.Field("protocolVersion", &f.ProtocolVersion)
	_ = env.Field("deviceInfo", &f.DeviceInfo)
	_ = env.Field("ephemeral", &f.Ephemeral)

	if f.ProtocolVersion != protocol.ProtocolVersion {
		b.sendError(socketID, protocol.ErrCodeProtocolVersionMismatch, "protocol version mismatch; do not reconnect")
		return nil
	}

	claims, err := b.verifier.Verify(f.Token, true)
	if err != nil {
		b.sendFrame(socketID, protocol.FrameServerGatewayAuthResult, gatewayAuthResultFrame{Ok: false, Error: auth.WireMessage(err)})
		return nil
	}

	if err := b.registry.AddGateway(socketID, claims.Sub, f.GatewayID, f.Ephemeral); err != nil {
		b.sendFrame(socketID, protocol.FrameServerGatewayAuthResult, gatewayAuthResultFrame{Ok: false, Error: err.Error()})
		return nil
	}

	b.sendFrame(socketID, protocol.FrameServerGatewayAuthResult, gatewayAuthResultFrame{Ok: true})
	return nil
}

// --- gateway:register_agent / unregister_agent ---

type registerAgentFrame struct {
	Agent types.AgentDescriptor `json:"agent"`
}

func (b *Broker) handleRegisterAgent(socketID string, env *protocol.Envelope) error {
	var f registerAgentFrame
	if err := env.Field("agent", &f.Agent); err != nil {
		return err
	}
	if !b.registry.RegisterAgent(socketID, f.Agent.AgentID) {
		return fmt.Errorf("broker: socket %s is not an authenticated gateway", socketID)
	}
	return nil
}

type unregisterAgentFrame struct {
	AgentID string `json:"agentId"`
}

func (b *Broker) handleUnregisterAgent(socketID string, env *protocol.Envelope) error {
	var f unregisterAgentFrame
	if err := env.Field("agentId", &f.AgentID); err != nil {
		return err
	}
	b.registry.UnregisterAgent(socketID, f.AgentID)
	return nil
}

// --- gateway:message_chunk / message_complete ---

type messageChunkFrame struct {
	RoomID    string      `json:"roomId"`
	AgentID   string      `json:"agentId"`
	MessageID string      `json:"messageId"`
	Chunk     types.Chunk `json:"chunk"`
}

func (b *Broker) handleMessageChunk(socketID string, env *protocol.Envelope) error {
	var f messageChunkFrame
	if err := env.Field("roomId", &f.RoomID); err != nil {
		return err
	}
	if err := env.Field("agentId", &f.AgentID); err != nil {
		return err
	}
	if err := env.Field("messageId", &f.MessageID); err != nil {
		return err
	}
	if err := env.Field("chunk", &f.Chunk); err != nil {
		return err
	}

	key := types.StreamingTurnKey{RoomID: f.RoomID, AgentID: f.AgentID}
	if !b.advanceTurn(key, types.TurnStreaming, f.MessageID) {
		return nil // terminal turn; drop further chunks per §4.4 state machine
	}

	for _, target := range b.registry.RoomSockets(f.RoomID) {
		b.sendFrame(target, protocol.FrameServerNewMessage, newMessageFrame{
			RoomID:     f.RoomID,
			MessageID:  f.MessageID,
			SenderID:   f.AgentID,
			SenderType: types.MemberAgent,
			Content:    f.Chunk.Content,
			SentAtMs:   time.Now().UnixMilli(),
		})
	}
	return nil
}

type messageCompleteFrame struct {
	RoomID      string `json:"roomId"`
	AgentID     string `json:"agentId"`
	MessageID   string `json:"messageId"`
	FullContent string `json:"fullContent"`
}

func (b *Broker) handleMessageComplete(ctx context.Context, socketID string, env *protocol.Envelope) error {
	var f messageCompleteFrame
	if err := env.Field("roomId", &f.RoomID); err != nil {
		return err
	}
	if err := env.Field("agentId", &f.AgentID); err != nil {
		return err
	}
	if err := env.Field("messageId", &f.MessageID); err != nil {
		return err
	}
	if err := env.Field("fullContent", &f.FullContent); err != nil {
		return err
	}

	key := types.StreamingTurnKey{RoomID: f.RoomID, AgentID: f.AgentID}
	if !b.advanceTurn(key, types.TurnDone, f.MessageID) {
		return nil
	}

	if _, err := b.store.AppendMessage(ctx, f.RoomID, f.AgentID, types.MemberAgent, f.FullContent); err != nil {
		b.logger.Warn("failed to persist completed agent message", zap.String("room_id", f.RoomID), zap.Error(err))
	}

	for _, target := range b.registry.RoomSockets(f.RoomID) {
		b.sendFrame(target, protocol.FrameServerMessageComplete, f)
	}
	return nil
}

// advanceTurn applies the streaming state machine from §4.4, returning
// false if the turn is already terminal (the caller should drop the frame).
func (b *Broker) advanceTurn(key types.StreamingTurnKey, next types.StreamingTurnState, messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.turns[key]
	if !ok {
		t = &turn{state: types.TurnNone, startedAt: time.Now()}
		b.turns[key] = t
	}
	if t.state.Terminal() {
		return false
	}
	t.state = next
	t.messageID = messageID
	t.lastChunkAt = time.Now()
	if next.Terminal() {
		metrics.StreamingTurnDuration.Observe(time.Since(t.startedAt).Seconds())
	}
	return true
}

// SweepStaleTurns fails any non-terminal turn whose last chunk is older than
// StaleTurnBound, returning how many it swept. Intended to run on a
// scheduler tick alongside the permission store's own leaked-timer sweep.
func (b *Broker) SweepStaleTurns() int {
	cutoff := time.Now().Add(-StaleTurnBound)

	b.mu.Lock()
	var stale []types.StreamingTurnKey
	for key, t := range b.turns {
		if !t.state.Terminal() && t.lastChunkAt.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	b.mu.Unlock()

	for _, key := range stale {
		b.failTurn(key)
	}
	return len(stale)
}

// failTurn marks a (room, agent) turn failed — called when its gateway
// disconnects mid-stream (§4.4).
func (b *Broker) failTurn(key types.StreamingTurnKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.turns[key]; ok && !t.state.Terminal() {
		t.state = types.TurnFailed
		metrics.StreamingTurnDuration.Observe(time.Since(t.startedAt).Seconds())
		metrics.StreamingTurnsFailed.Inc()
	}
}

// --- gateway:permission_request ---

type permissionRequestFrame struct {
	RequestID   string `json:"requestId"`
	AgentID     string `json:"agentId"`
	RoomID      string `json:"roomId"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

func (b *Broker) handlePermissionRequest(socketID string, env *protocol.Envelope) error {
	var f permissionRequestFrame
	if err := env.Field("requestId", &f.RequestID); err != nil {
		return err
	}
	if err := env.Field("agentId", &f.AgentID); err != nil {
		return err
	}
	if err := env.Field("roomId", &f.RoomID); err != nil {
		return err
	}
	if err := env.Field("expiresAtMs", &f.ExpiresAtMs); err != nil {
		return err
	}

	pending := &types.PendingPermission{
		RequestID: f.RequestID,
		AgentID:   f.AgentID,
		RoomID:    f.RoomID,
		CreatedAt: time.Now(),
		ExpiresAt: time.UnixMilli(f.ExpiresAtMs),
	}
	if err := b.permission.Add(pending); err != nil {
		return err
	}

	for _, target := range b.registry.RoomSockets(f.RoomID) {
		b.sendFrame(target, protocol.FrameServerRoomContext, f)
	}
	return nil
}

// HandleGatewayDisconnect cleans up every agent a disconnected gateway owned
// and fails their in-flight streaming turns (§4.4).
func (b *Broker) HandleGatewayDisconnect(socketID string) {
	removed := b.registry.RemoveGateway(socketID)
	for _, agentID := range removed {
		b.mu.Lock()
		var affected []types.StreamingTurnKey
		for key := range b.turns {
			if key.AgentID == agentID {
				affected = append(affected, key)
			}
		}
		b.mu.Unlock()

		for _, key := range affected {
			b.failTurn(key)
		}
	}
}

// HandleClientDisconnect removes a client socket from the registry.
func (b *Broker) HandleClientDisconnect(socketID string) {
	b.registry.RemoveClient(socketID)
}
