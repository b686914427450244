package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequiresType(t *testing.T) {
	_, err := Decode([]byte(`{"foo":"bar"}`))
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestDecodeRejectsOversizeFrame(t *testing.T) {
	big := strings.Repeat("a", MaxBufferSize+1)
	data, err := json.Marshal(map[string]string{"type": "client:send_message", "content": big})
	require.NoError(t, err)

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestDecodeAcceptsFrameAtExactLimit(t *testing.T) {
	// Pad content so the whole frame lands exactly at MaxBufferSize.
	skeleton, _ := json.Marshal(map[string]string{"type": "client:send_message", "content": ""})
	pad := MaxBufferSize - len(skeleton)
	require.Greater(t, pad, 0)

	data, err := json.Marshal(map[string]string{"type": "client:send_message", "content": strings.Repeat("a", pad)})
	require.NoError(t, err)
	require.LessOrEqual(t, len(data), MaxBufferSize)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, FrameClientSendMessage, env.Type)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type authPayload struct {
		Token   string `json:"token"`
		UserID  string `json:"userId,omitempty"`
	}

	out, err := Encode(FrameClientAuth, authPayload{Token: "abc"})
	require.NoError(t, err)

	env, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, FrameClientAuth, env.Type)

	var got authPayload
	require.NoError(t, env.Field("token", &got.Token))
	assert.Equal(t, "abc", got.Token)
}

func TestCheckDepthRejectsExcessiveNesting(t *testing.T) {
	doc := []byte(`{"type":"client:auth"}`)
	nested := "0"
	for i := 0; i < MaxNestedDepth+5; i++ {
		nested = "[" + nested + "]"
	}
	deep := []byte(`{"type":"client:auth","payload":` + nested + `}`)

	assert.NoError(t, CheckDepth(doc, MaxNestedDepth, MaxCollectionSize))
	assert.ErrorIs(t, CheckDepth(deep, MaxNestedDepth, MaxCollectionSize), ErrTooDeep)
}

func TestCheckDepthRejectsOversizeCollection(t *testing.T) {
	items := make([]int, MaxCollectionSize+1)
	b, _ := json.Marshal(items)
	doc := []byte(`{"type":"client:auth","payload":` + string(b) + `}`)

	err := CheckDepth(doc, MaxNestedDepth, MaxCollectionSize)
	assert.ErrorIs(t, err, ErrCollectionTooBig)
}
