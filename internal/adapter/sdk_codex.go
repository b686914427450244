package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/agentim/agentim/internal/types"
)

// CodexEventType is the subset of the Codex SDK's event stream this
// adapter maps onto Chunk (§4.6).
type CodexEventType string

const (
	CodexEventSessionStarted CodexEventType = "session_started"
	CodexEventAgentMessage   CodexEventType = "agent_message"
	CodexEventReasoning      CodexEventType = "reasoning"
	CodexEventShellCommand   CodexEventType = "shell_command"
	CodexEventFileChange     CodexEventType = "file_change"
	CodexEventMCPToolCall    CodexEventType = "mcp_tool_call"
	CodexEventWebSearch      CodexEventType = "web_search"
	CodexEventTodoList       CodexEventType = "todo_list"
	CodexEventError          CodexEventType = "error"
)

// CodexEvent is one event the SDK emits for the current thread.
type CodexEvent struct {
	Type     CodexEventType
	ThreadID string
	Text     string
	Command  string
	Output   string
	Files    []string
	ToolName string
	ToolArgs json.RawMessage
	Query    string
	Todos    []CodexTodo
	Err      error
}

// CodexTodo is one line of a Codex todo-list event.
type CodexTodo struct {
	Text string
	Done bool
}

// CodexClient is the narrow slice of the Codex SDK this adapter drives.
// A real implementation wraps the vendor SDK; this interface is what lets
// the adapter be tested without it.
type CodexClient interface {
	// StartTurn resumes threadID (empty for a new thread) with prompt, and
	// streams events until the turn completes or ctx is canceled.
	StartTurn(ctx context.Context, threadID, prompt string, approval ApprovalPolicy) (<-chan CodexEvent, error)
}

// ApprovalPolicy mirrors the Codex SDK's approval modes (§4.6).
type ApprovalPolicy string

const (
	ApprovalNever     ApprovalPolicy = "never"
	ApprovalOnRequest ApprovalPolicy = "on-request"
)

// ResolveApprovalPolicy implements the documented mitigation for Codex's
// missing permission callback (§4.6, §9 Open Questions): force "never" when
// the configured permission level is "bypass", otherwise log a warning and
// fall back to "on-request", which can stall on a non-TTY runtime.
func ResolveApprovalPolicy(level types.PermissionLevel, logger *zap.Logger) ApprovalPolicy {
	if level == types.PermissionBypass {
		return ApprovalNever
	}
	if logger != nil {
		logger.Warn("codex adapter has no permission callback; on-request approval may stall on a non-interactive runtime")
	}
	return ApprovalOnRequest
}

// CodexAdapter adapts the Codex SDK's thread/event model to the Adapter
// contract (§4.6).
type CodexAdapter struct {
	client   CodexClient
	approval ApprovalPolicy
	logger   *zap.Logger

	mu       sync.Mutex
	threadID string

	running atomic.Bool
	stopped atomic.Bool
}

// NewCodexAdapter builds a CodexAdapter. permission selects the approval
// policy per ResolveApprovalPolicy.
func NewCodexAdapter(client CodexClient, permission types.PermissionLevel, logger *zap.Logger) *CodexAdapter {
	return &CodexAdapter{
		client:   client,
		approval: ResolveApprovalPolicy(permission, logger),
		logger:   logger,
	}
}

// SendMessage resumes the adapter's thread (or starts one) and streams
// mapped chunks.
func (a *CodexAdapter) SendMessage(ctx context.Context, content string) (<-chan types.Chunk, error) {
	if !a.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyProcessing
	}
	a.stopped.Store(false)

	a.mu.Lock()
	threadID := a.threadID
	a.mu.Unlock()

	events, err := a.client.StartTurn(ctx, threadID, content, a.approval)
	if err != nil {
		a.running.Store(false)
		return nil, err
	}

	out := make(chan types.Chunk, 16)
	go a.relay(events, out)
	return out, nil
}

func (a *CodexAdapter) relay(events <-chan CodexEvent, out chan<- types.Chunk) {
	defer close(out)
	defer a.running.Store(false)

	for ev := range events {
		if a.stopped.Load() {
			// stop() discards further events but preserves the thread id
			// for later resume (§4.6).
			continue
		}

		if ev.ThreadID != "" {
			a.mu.Lock()
			a.threadID = ev.ThreadID
			a.mu.Unlock()
		}

		if c, ok := mapCodexEvent(ev); ok {
			out <- c
		}
	}
}

func mapCodexEvent(ev CodexEvent) (types.Chunk, bool) {
	switch ev.Type {
	case CodexEventSessionStarted:
		return types.Chunk{}, false
	case CodexEventAgentMessage:
		return types.Chunk{Type: types.ChunkText, Content: ev.Text}, true
	case CodexEventReasoning:
		return types.Chunk{Type: types.ChunkThinking, Content: ev.Text}, true
	case CodexEventShellCommand:
		return types.Chunk{
			Type:    types.ChunkToolUse,
			Content: fmt.Sprintf("$ %s\n%s", ev.Command, ev.Output),
		}, true
	case CodexEventFileChange:
		return types.Chunk{
			Type:     types.ChunkToolResult,
			Content:  summarizeFileChanges(ev.Files),
			Metadata: map[string]any{"files": ev.Files},
		}, true
	case CodexEventMCPToolCall:
		return types.Chunk{
			Type:     types.ChunkToolUse,
			Content:  ev.ToolName,
			Metadata: map[string]any{"args": json.RawMessage(ev.ToolArgs)},
		}, true
	case CodexEventWebSearch:
		return types.Chunk{Type: types.ChunkToolUse, Content: "web search: " + ev.Query}, true
	case CodexEventTodoList:
		return types.Chunk{Type: types.ChunkText, Content: renderTodos(ev.Todos)}, true
	case CodexEventError:
		msg := "agent error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return types.Chunk{Type: types.ChunkError, Content: msg}, true
	default:
		return types.Chunk{}, false
	}
}

func summarizeFileChanges(files []string) string {
	if len(files) == 0 {
		return "no files changed"
	}
	msg := "changed files:"
	for _, f := range files {
		msg += "\n  " + f
	}
	return msg
}

func renderTodos(todos []CodexTodo) string {
	out := ""
	for _, t := range todos {
		box := "[ ]"
		if t.Done {
			box = "[x]"
		}
		out += box + " " + t.Text + "\n"
	}
	return out
}

// Stop discards further events for the current turn while preserving the
// thread id so a later SendMessage can resume it — the SDK offers no native
// cancellation (§4.6).
func (a *CodexAdapter) Stop() {
	a.stopped.Store(true)
}

// Dispose is equivalent to Stop; idempotent.
func (a *CodexAdapter) Dispose() {
	a.Stop()
}
