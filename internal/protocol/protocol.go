// Package protocol defines the wire frames exchanged over /ws/client and
// /ws/gateway, and the size/depth-bounded codec used to decode them.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the handshake version this build speaks. A gateway
// that reports a different version is refused with ErrProtocolMismatch.
const ProtocolVersion = 1

// MaxBufferSize bounds a single inbound frame (§4.8, §6). Exceeding it
// produces ErrCodeMessageTooLarge.
const MaxBufferSize = 64 * 1024

// MaxNestedDepth and MaxCollectionSize bound opaque nested JSON decoded
// from persisted columns (§4.8, B2).
const (
	MaxNestedDepth    = 32
	MaxCollectionSize = 1000
)

// FrameType is the closed, colon-namespaced set of envelope types.
type FrameType string

// Client→server frames.
const (
	FrameClientAuth               FrameType = "client:auth"
	FrameClientJoinRoom           FrameType = "client:join_room"
	FrameClientLeaveRoom          FrameType = "client:leave_room"
	FrameClientSendMessage        FrameType = "client:send_message"
	FrameClientStopGeneration     FrameType = "client:stop_generation"
	FrameClientPermissionResponse FrameType = "client:permission_response"
)

// Gateway→server frames.
const (
	FrameGatewayAuth             FrameType = "gateway:auth"
	FrameGatewayRegisterAgent    FrameType = "gateway:register_agent"
	FrameGatewayUnregisterAgent  FrameType = "gateway:unregister_agent"
	FrameGatewayAgentStatus      FrameType = "gateway:agent_status"
	FrameGatewayMessageChunk     FrameType = "gateway:message_chunk"
	FrameGatewayMessageComplete  FrameType = "gateway:message_complete"
	FrameGatewayPermissionReqest FrameType = "gateway:permission_request"
)

// Server→client frames.
const (
	FrameServerAuthResult      FrameType = "server:auth_result"
	FrameServerNewMessage      FrameType = "server:new_message"
	FrameServerMessageComplete FrameType = "server:message_complete"
	FrameServerRoomRemoved     FrameType = "server:room_removed"
	FrameServerError           FrameType = "server:error"
)

// Server→gateway frames.
const (
	FrameServerGatewayAuthResult  FrameType = "server:gateway_auth_result"
	FrameServerSendToAgent        FrameType = "server:send_to_agent"
	FrameServerStopAgent          FrameType = "server:stop_agent"
	FrameServerRemoveAgent        FrameType = "server:remove_agent"
	FrameServerRoomContext        FrameType = "server:room_context"
	FrameServerPermissionResponse FrameType = "server:permission_response"
	FrameServerAgentCommand       FrameType = "server:agent_command"
	FrameServerQueryAgentInfo     FrameType = "server:query_agent_info"
	FrameServerSpawnAgent         FrameType = "server:spawn_agent"
)

// Error codes carried on server:error frames.
const (
	ErrCodeMessageTooLarge        = "MESSAGE_TOO_LARGE"
	ErrCodeProtocolVersionMismatch = "PROTOCOL_VERSION_MISMATCH"
	ErrCodeUnauthenticated        = "UNAUTHENTICATED"
)

var (
	ErrMessageTooLarge  = errors.New("protocol: frame exceeds MAX_BUFFER_SIZE")
	ErrMissingType      = errors.New("protocol: frame missing \"type\" field")
	ErrProtocolMismatch = errors.New("protocol: protocolVersion mismatch")
	ErrTooDeep          = errors.New("protocol: nested JSON exceeds max depth")
	ErrCollectionTooBig = errors.New("protocol: collection exceeds max size")
)

// Envelope is the minimal shape every frame must have: a type discriminator
// plus an opaque payload decoded on demand by the handler that recognizes
// Type.
type Envelope struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"-"`
	raw     map[string]json.RawMessage
}

// Decode parses raw bytes into an Envelope, enforcing MaxBufferSize.
// The caller is responsible for unmarshaling individual fields from the
// envelope's underlying frame via Field.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxBufferSize {
		return nil, ErrMessageTooLarge
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("protocol: invalid frame: %w", err)
	}
	typeRaw, ok := raw["type"]
	if !ok {
		return nil, ErrMissingType
	}
	var t FrameType
	if err := json.Unmarshal(typeRaw, &t); err != nil {
		return nil, ErrMissingType
	}
	if err := CheckDepth(data, MaxNestedDepth, MaxCollectionSize); err != nil {
		return nil, err
	}
	return &Envelope{Type: t, raw: raw}, nil
}

// Field decodes one named field of the envelope into dst.
func (e *Envelope) Field(name string, dst any) error {
	raw, ok := e.raw[name]
	if !ok {
		return fmt.Errorf("protocol: missing field %q", name)
	}
	return json.Unmarshal(raw, dst)
}

// Has reports whether the envelope carries the named field at all.
func (e *Envelope) Has(name string) bool {
	_, ok := e.raw[name]
	return ok
}

// Encode serializes a typed frame struct, stamping its Type, and checks
// the result against MaxBufferSize before returning it.
func Encode(t FrameType, payload any) ([]byte, error) {
	merged := map[string]any{"type": t}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if len(b) > 0 && string(b) != "null" {
		if err := json.Unmarshal(b, &fields); err != nil {
			return nil, err
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	if len(out) > MaxBufferSize {
		return nil, ErrMessageTooLarge
	}
	return out, nil
}

// ErrorFrame is the payload of server:error.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeError builds a ready-to-send server:error frame.
func EncodeError(code, message string) []byte {
	b, _ := Encode(FrameServerError, ErrorFrame{Code: code, Message: message})
	return b
}
