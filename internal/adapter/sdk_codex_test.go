package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentim/agentim/internal/types"
)

type fakeCodexClient struct {
	events    chan CodexEvent
	startErr  error
	gotThread string
	gotPolicy ApprovalPolicy
}

func (f *fakeCodexClient) StartTurn(_ context.Context, threadID, _ string, approval ApprovalPolicy) (<-chan CodexEvent, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.gotThread = threadID
	f.gotPolicy = approval
	return f.events, nil
}

func drainCodex(t *testing.T, ch <-chan types.Chunk) []types.Chunk {
	t.Helper()
	var chunks []types.Chunk
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out draining codex adapter")
		}
	}
}

func TestCodexAdapterMapsEventsAndTracksThread(t *testing.T) {
	events := make(chan CodexEvent, 4)
	events <- CodexEvent{Type: CodexEventSessionStarted, ThreadID: "thread-1"}
	events <- CodexEvent{Type: CodexEventAgentMessage, ThreadID: "thread-1", Text: "hi there"}
	events <- CodexEvent{Type: CodexEventShellCommand, Command: "ls", Output: "a.go"}
	close(events)

	client := &fakeCodexClient{events: events}
	a := NewCodexAdapter(client, types.PermissionBypass, nil)

	out, err := a.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	chunks := drainCodex(t, out)
	require.Len(t, chunks, 2)
	assert.Equal(t, types.ChunkText, chunks[0].Type)
	assert.Equal(t, "hi there", chunks[0].Content)
	assert.Equal(t, types.ChunkToolUse, chunks[1].Type)

	assert.Equal(t, ApprovalNever, client.gotPolicy)

	a.mu.Lock()
	thread := a.threadID
	a.mu.Unlock()
	assert.Equal(t, "thread-1", thread)
}

func TestCodexAdapterRejectsConcurrentTurn(t *testing.T) {
	events := make(chan CodexEvent)
	client := &fakeCodexClient{events: events}
	a := NewCodexAdapter(client, types.PermissionBypass, nil)

	_, err := a.SendMessage(context.Background(), "first")
	require.NoError(t, err)

	_, err = a.SendMessage(context.Background(), "second")
	assert.ErrorIs(t, err, ErrAlreadyProcessing)

	close(events)
}

func TestCodexAdapterStopDiscardsFurtherEvents(t *testing.T) {
	events := make(chan CodexEvent, 2)
	client := &fakeCodexClient{events: events}
	a := NewCodexAdapter(client, types.PermissionBypass, nil)

	out, err := a.SendMessage(context.Background(), "hello")
	require.NoError(t, err)

	a.Stop()
	events <- CodexEvent{Type: CodexEventAgentMessage, Text: "should be dropped"}
	close(events)

	chunks := drainCodex(t, out)
	assert.Empty(t, chunks)
}

func TestResolveApprovalPolicyFallsBackToOnRequest(t *testing.T) {
	policy := ResolveApprovalPolicy(types.PermissionOnRequest, nil)
	assert.Equal(t, ApprovalOnRequest, policy)
}
