package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentim/agentim/internal/auth"
	"github.com/agentim/agentim/internal/connregistry"
	"github.com/agentim/agentim/internal/permission"
	"github.com/agentim/agentim/internal/protocol"
	"github.com/agentim/agentim/internal/types"
)

var testSecret = []byte("broker-test-secret")

type wireClaims struct {
	jwt.RegisteredClaims
	Username string          `json:"username"`
	Type     types.TokenType `json:"type"`
}

func mint(t *testing.T, userID string, typ types.TokenType) string {
	t.Helper()
	now := time.Now()
	c := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "agentim",
			Audience:  jwt.ClaimStrings{"agentim"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
		Username: userID,
		Type:     typ,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	s, err := tok.SignedString(testSecret)
	require.NoError(t, err)
	return s
}

type fakeStore struct {
	mu       sync.Mutex
	rooms    map[string]types.Room
	messages []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rooms: make(map[string]types.Room)}
}

func (s *fakeStore) PutRoom(room types.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
}

func (s *fakeStore) Room(_ context.Context, roomID string) (types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return types.Room{}, assertErr("room not found")
	}
	return r, nil
}

func (s *fakeStore) IsMember(_ context.Context, roomID, memberID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return false, nil
	}
	_, member := r.Member(memberID)
	return member, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, roomID, senderID string, _ types.MemberType, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, content)
	return "msg-1", nil
}

func (s *fakeStore) SetPresence(context.Context, string, bool) error { return nil }

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][][]byte)}
}

func (f *fakeSender) Send(socketID string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[socketID] = append(f.sent[socketID], frame)
	return nil
}

func (f *fakeSender) last(socketID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.sent[socketID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func (f *fakeSender) count(socketID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[socketID])
}

func newTestBroker() (*Broker, *fakeStore, *fakeSender) {
	verifier := auth.NewVerifier(testSecret, nil, nil)
	registry := connregistry.New(connregistry.DefaultLimits)
	perm := permission.New(nil)
	store := newFakeStore()
	sender := newFakeSender()
	b := New(verifier, registry, perm, store, sender, zap.NewNop())
	return b, store, sender
}

func envelope(t *testing.T, frameType protocol.FrameType, fields map[string]any) *protocol.Envelope {
	t.Helper()
	frame, err := protocol.Encode(frameType, fields)
	require.NoError(t, err)
	env, err := protocol.Decode(frame)
	require.NoError(t, err)
	return env
}

func TestHandleClientAuthSuccess(t *testing.T) {
	b, _, sender := newTestBroker()
	tok := mint(t, "user-1", types.TokenAccess)

	env := envelope(t, protocol.FrameClientAuth, map[string]any{"token": tok})
	b.Dispatch(context.Background(), "sock-1", env)

	var result authResultFrame
	require.NoError(t, decodeLast(t, sender, "sock-1", &result))
	assert.True(t, result.Ok)
	assert.Equal(t, "user-1", result.UserID)
}

func TestHandleClientAuthRejectsBadToken(t *testing.T) {
	b, _, sender := newTestBroker()

	env := envelope(t, protocol.FrameClientAuth, map[string]any{"token": "not-a-jwt"})
	b.Dispatch(context.Background(), "sock-1", env)

	var result authResultFrame
	require.NoError(t, decodeLast(t, sender, "sock-1", &result))
	assert.False(t, result.Ok)
}

func TestHandleSendMessageFansOutToRoomAndAgent(t *testing.T) {
	b, store, sender := newTestBroker()

	store.PutRoom(types.Room{
		ID: "room-1",
		Members: []types.RoomMember{
			{MemberID: "user-1", MemberType: types.MemberUser},
			{MemberID: "agent-1", MemberType: types.MemberAgent},
		},
	})

	authAs(t, b, "sock-client", "user-1")
	b.Dispatch(context.Background(), "sock-client", envelope(t, protocol.FrameClientJoinRoom, map[string]any{"roomId": "room-1"}))

	authGateway(t, b, "sock-gw", "user-1", "gw-1")
	b.Dispatch(context.Background(), "sock-gw", envelope(t, protocol.FrameGatewayRegisterAgent, map[string]any{
		"agent": types.AgentDescriptor{AgentID: "agent-1", Type: types.AdapterGeneric, Permission: types.PermissionBypass},
	}))

	b.Dispatch(context.Background(), "sock-client", envelope(t, protocol.FrameClientSendMessage, map[string]any{
		"roomId":  "room-1",
		"content": "hello room",
	}))

	assert.Equal(t, 1, len(store.messages))
	assert.GreaterOrEqual(t, sender.count("sock-client"), 1)
	assert.GreaterOrEqual(t, sender.count("sock-gw"), 1)
}

func TestHandleSendMessageOnlyReachesMentionedAgent(t *testing.T) {
	b, store, sender := newTestBroker()

	store.PutRoom(types.Room{
		ID: "room-1",
		Members: []types.RoomMember{
			{MemberID: "user-1", MemberType: types.MemberUser},
			{MemberID: "agent-1", MemberType: types.MemberAgent, DisplayName: "TestBot"},
			{MemberID: "agent-2", MemberType: types.MemberAgent, DisplayName: "OtherBot"},
		},
	})

	authAs(t, b, "sock-client", "user-1")
	b.Dispatch(context.Background(), "sock-client", envelope(t, protocol.FrameClientJoinRoom, map[string]any{"roomId": "room-1"}))

	authGateway(t, b, "sock-gw-1", "user-1", "gw-1")
	b.Dispatch(context.Background(), "sock-gw-1", envelope(t, protocol.FrameGatewayRegisterAgent, map[string]any{
		"agent": types.AgentDescriptor{AgentID: "agent-1", Type: types.AdapterGeneric, Permission: types.PermissionBypass},
	}))

	authGateway(t, b, "sock-gw-2", "user-1", "gw-2")
	b.Dispatch(context.Background(), "sock-gw-2", envelope(t, protocol.FrameGatewayRegisterAgent, map[string]any{
		"agent": types.AgentDescriptor{AgentID: "agent-2", Type: types.AdapterGeneric, Permission: types.PermissionBypass},
	}))

	before1 := sender.count("sock-gw-1")
	before2 := sender.count("sock-gw-2")

	b.Dispatch(context.Background(), "sock-client", envelope(t, protocol.FrameClientSendMessage, map[string]any{
		"roomId":   "room-1",
		"content":  "@TestBot please",
		"mentions": []string{"TestBot"},
	}))

	assert.Equal(t, before1+1, sender.count("sock-gw-1"), "the mentioned agent's gateway should receive the send_to_agent frame")
	assert.Equal(t, before2, sender.count("sock-gw-2"), "the non-mentioned agent's gateway must receive nothing")
}

func TestHandleSendMessageWithNoMentionAndMultipleAgentsAddressesNone(t *testing.T) {
	b, store, sender := newTestBroker()

	store.PutRoom(types.Room{
		ID: "room-1",
		Members: []types.RoomMember{
			{MemberID: "user-1", MemberType: types.MemberUser},
			{MemberID: "agent-1", MemberType: types.MemberAgent, DisplayName: "TestBot"},
			{MemberID: "agent-2", MemberType: types.MemberAgent, DisplayName: "OtherBot"},
		},
	})

	authAs(t, b, "sock-client", "user-1")
	b.Dispatch(context.Background(), "sock-client", envelope(t, protocol.FrameClientJoinRoom, map[string]any{"roomId": "room-1"}))

	authGateway(t, b, "sock-gw-1", "user-1", "gw-1")
	b.Dispatch(context.Background(), "sock-gw-1", envelope(t, protocol.FrameGatewayRegisterAgent, map[string]any{
		"agent": types.AgentDescriptor{AgentID: "agent-1", Type: types.AdapterGeneric, Permission: types.PermissionBypass},
	}))

	authGateway(t, b, "sock-gw-2", "user-1", "gw-2")
	b.Dispatch(context.Background(), "sock-gw-2", envelope(t, protocol.FrameGatewayRegisterAgent, map[string]any{
		"agent": types.AgentDescriptor{AgentID: "agent-2", Type: types.AdapterGeneric, Permission: types.PermissionBypass},
	}))

	before1 := sender.count("sock-gw-1")
	before2 := sender.count("sock-gw-2")

	b.Dispatch(context.Background(), "sock-client", envelope(t, protocol.FrameClientSendMessage, map[string]any{
		"roomId":  "room-1",
		"content": "hello everyone",
	}))

	assert.Equal(t, before1, sender.count("sock-gw-1"))
	assert.Equal(t, before2, sender.count("sock-gw-2"))
}

func TestStreamingTurnDropsChunksAfterTerminal(t *testing.T) {
	b, store, _ := newTestBroker()
	store.PutRoom(types.Room{ID: "room-1"})

	key := types.StreamingTurnKey{RoomID: "room-1", AgentID: "agent-1"}
	assert.True(t, b.advanceTurn(key, types.TurnStreaming, "msg-1"))
	assert.True(t, b.advanceTurn(key, types.TurnDone, "msg-1"))
	assert.False(t, b.advanceTurn(key, types.TurnStreaming, "msg-1"), "a terminal turn must reject further transitions")
}

func TestHandleStopGenerationForwardsToGateway(t *testing.T) {
	b, _, sender := newTestBroker()
	authGateway(t, b, "sock-gw", "user-1", "gw-1")
	b.Dispatch(context.Background(), "sock-gw", envelope(t, protocol.FrameGatewayRegisterAgent, map[string]any{
		"agent": types.AgentDescriptor{AgentID: "agent-1"},
	}))

	before := sender.count("sock-gw")
	b.Dispatch(context.Background(), "sock-client", envelope(t, protocol.FrameClientStopGeneration, map[string]any{
		"roomId":  "room-1",
		"agentId": "agent-1",
	}))

	assert.Equal(t, before+1, sender.count("sock-gw"))
}

func TestHandlePermissionExpiredNotifiesOwningGateway(t *testing.T) {
	b, _, sender := newTestBroker()
	authGateway(t, b, "sock-gw", "user-1", "gw-1")
	b.Dispatch(context.Background(), "sock-gw", envelope(t, protocol.FrameGatewayRegisterAgent, map[string]any{
		"agent": types.AgentDescriptor{AgentID: "agent-1"},
	}))

	before := sender.count("sock-gw")
	b.HandlePermissionExpired("req-1", &types.PendingPermission{RequestID: "req-1", AgentID: "agent-1"})

	assert.Equal(t, before+1, sender.count("sock-gw"))
	var got permissionResponseFrame
	require.NoError(t, decodeLast(t, sender, "sock-gw", &got))
}

func authAs(t *testing.T, b *Broker, socketID, userID string) {
	t.Helper()
	tok := mint(t, userID, types.TokenAccess)
	b.Dispatch(context.Background(), socketID, envelope(t, protocol.FrameClientAuth, map[string]any{"token": tok}))
}

func authGateway(t *testing.T, b *Broker, socketID, userID, gatewayID string) {
	t.Helper()
	tok := mint(t, userID, types.TokenAccess)
	b.Dispatch(context.Background(), socketID, envelope(t, protocol.FrameGatewayAuth, map[string]any{
		"token":           tok,
		"gatewayId":       gatewayID,
		"protocolVersion": protocol.ProtocolVersion,
	}))
}

func decodeLast(t *testing.T, sender *fakeSender, socketID string, dst any) error {
	t.Helper()
	frame := sender.last(socketID)
	require.NotNil(t, frame)
	env, err := protocol.Decode(frame)
	require.NoError(t, err)
	return decodeEnvelopeInto(env, dst)
}

func decodeEnvelopeInto(env *protocol.Envelope, dst any) error {
	switch v := dst.(type) {
	case *authResultFrame:
		if err := env.Field("ok", &v.Ok); err != nil {
			return err
		}
		_ = env.Field("userId", &v.UserID)
		_ = env.Field("error", &v.Error)
		return nil
	case *permissionResponseFrame:
		if err := env.Field("requestId", &v.RequestID); err != nil {
			return err
		}
		return env.Field("decision", &v.Decision)
	default:
		return nil
	}
}
