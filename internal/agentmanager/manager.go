// Package agentmanager is the gateway-side registry of locally-running
// agent adapters (§4.5, §4.6). A gateway process holds exactly one Manager;
// every configured agent that has been started is registered here under
// its agentId, alongside the Adapter instance driving its actual process or
// SDK session.
//
// The gatewaysession.Manager consults Count to report isReconnect on a
// successful gateway:auth. Nothing uses Count to exit an ephemeral gateway
// when its last agent has gone away.
package agentmanager

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentim/agentim/internal/adapter"
	"github.com/agentim/agentim/internal/types"
)

// RegisteredAgent pairs a locally-running adapter with the descriptor the
// gateway advertised to the hub in gateway:register_agent.
type RegisteredAgent struct {
	Descriptor  types.AgentDescriptor
	Adapter     adapter.Adapter
	RegisteredAt time.Time
}

// Manager is the in-memory registry of locally-running agents. Safe for
// concurrent use: the session's read loop, the CLI surface, and any
// Adapter's own goroutines may all touch it.
//
// The zero value is not usable — create instances with New.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*RegisteredAgent
	logger *zap.Logger
}

// New creates an empty Manager.
func New(logger *zap.Logger) *Manager {
	return &Manager{
		agents: make(map[string]*RegisteredAgent),
		logger: logger.Named("agentmanager"),
	}
}

// Register adds an agent and its running Adapter to the registry. If an
// agent with the same id is already present its prior Adapter is disposed
// first — this happens when a gateway restarts an agent in place rather
// than unregistering it explicitly.
func (m *Manager) Register(desc types.AgentDescriptor, a adapter.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.agents[desc.AgentID]; ok {
		m.logger.Warn("replacing existing local agent", zap.String("agent_id", desc.AgentID))
		existing.Adapter.Dispose()
	}

	m.agents[desc.AgentID] = &RegisteredAgent{
		Descriptor:   desc,
		Adapter:      a,
		RegisteredAt: time.Now().UTC(),
	}

	m.logger.Info("agent registered",
		zap.String("agent_id", desc.AgentID),
		zap.String("type", string(desc.Type)),
		zap.Int("total_local_agents", len(m.agents)),
	)
}

// Unregister disposes the agent's Adapter and removes it from the
// registry. Safe to call on an id that is not present.
func (m *Manager) Unregister(agentID string) {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	delete(m.agents, agentID)
	remaining := len(m.agents)
	m.mu.Unlock()

	if !ok {
		return
	}
	agent.Adapter.Dispose()

	m.logger.Info("agent unregistered",
		zap.String("agent_id", agentID),
		zap.Duration("lifetime", time.Since(agent.RegisteredAt)),
		zap.Int("total_local_agents", remaining),
	)
}

// Get returns the registered agent for id, if any.
func (m *Manager) Get(agentID string) (*RegisteredAgent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	return a, ok
}

// Count implements gatewaysession.AgentCounter.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// List returns a snapshot of every registered agent's descriptor, for the
// gateway status CLI and for re-sending gateway:register_agent frames on
// reconnect.
func (m *Manager) List() []types.AgentDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.AgentDescriptor, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.Descriptor)
	}
	return out
}

// DisposeAll implements gatewaysession's shutdown disposer: stops and
// disposes every registered agent's Adapter. Used during the bounded
// shutdown sequence on SIGINT/SIGTERM/SIGHUP (§4.5).
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	agents := make([]*RegisteredAgent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.agents = make(map[string]*RegisteredAgent)
	m.mu.Unlock()

	for _, a := range agents {
		a.Adapter.Stop()
		a.Adapter.Dispose()
	}
}
