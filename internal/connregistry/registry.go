// Package connregistry implements the Connection Registry (§4.3): the
// in-memory index of client sockets, gateway sockets, agent→gateway
// mapping, and room membership, with check-then-mutate cap enforcement.
package connregistry

import (
	"errors"
	"sync"
)

// ErrTooManyConnections is returned by AddClient/AddGateway when a cap
// would be exceeded. Per §4.3/I2, the registry's pre-existing counters are
// left untouched when this is returned.
var ErrTooManyConnections = errors.New("connregistry: too many connections")

// Limits configures the global and per-user caps enforced on bind.
type Limits struct {
	MaxGlobalClients   int
	MaxPerUserClients  int
	MaxGlobalGateways  int
	MaxPerUserGateways int
}

// DefaultLimits mirrors typical single-hub sizing; callers override it by
// passing their own Limits to New for production deployments.
var DefaultLimits = Limits{
	MaxGlobalClients:   10000,
	MaxPerUserClients:  10,
	MaxGlobalGateways:  2000,
	MaxPerUserGateways: 5,
}

// ClientConn is one bound client socket.
type ClientConn struct {
	SocketID    string
	UserID      string
	DisplayName string
	JoinedRooms map[string]struct{}
}

// GatewayConn is one bound gateway socket.
type GatewayConn struct {
	SocketID  string
	UserID    string
	GatewayID string
	Agents    map[string]struct{}
	Ephemeral bool
}

// Registry holds the four maps and two counters from §4.3. The zero value
// is not usable; use New.
type Registry struct {
	mu sync.Mutex

	limits Limits

	clients  map[string]*ClientConn  // socketID -> conn
	gateways map[string]*GatewayConn // socketID -> conn

	agentToGateway map[string]string   // agentID -> gateway socketID
	roomClients    map[string]map[string]struct{} // roomID -> set of client socketIDs

	onlineUsers      map[string]int // userID -> client count
	userGatewayCount map[string]int // userID -> gateway count
}

// New builds an empty Registry.
func New(limits Limits) *Registry {
	return &Registry{
		limits:           limits,
		clients:          make(map[string]*ClientConn),
		gateways:         make(map[string]*GatewayConn),
		agentToGateway:   make(map[string]string),
		roomClients:      make(map[string]map[string]struct{}),
		onlineUsers:      make(map[string]int),
		userGatewayCount: make(map[string]int),
	}
}

// AddClient binds a new client socket to userID, following the
// check-then-mutate discipline: caps are validated against the requested
// identity before any counter is touched (§4.3).
func (r *Registry) AddClient(socketID, userID, displayName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.clients) >= r.limits.MaxGlobalClients {
		return ErrTooManyConnections
	}
	if r.onlineUsers[userID] >= r.limits.MaxPerUserClients {
		return ErrTooManyConnections
	}

	// Validation passed — a rebind of an existing socket decrements the
	// previous owner's counter only now, never before validation.
	if prev, ok := r.clients[socketID]; ok {
		r.decrementUser(prev.UserID)
	}

	r.clients[socketID] = &ClientConn{
		SocketID:    socketID,
		UserID:      userID,
		DisplayName: displayName,
		JoinedRooms: make(map[string]struct{}),
	}
	r.onlineUsers[userID]++
	return nil
}

// AddGateway binds a new gateway socket to userID, with the same
// check-then-mutate discipline as AddClient.
func (r *Registry) AddGateway(socketID, userID, gatewayID string, ephemeral bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.gateways) >= r.limits.MaxGlobalGateways {
		return ErrTooManyConnections
	}
	if r.userGatewayCount[userID] >= r.limits.MaxPerUserGateways {
		return ErrTooManyConnections
	}

	if prev, ok := r.gateways[socketID]; ok {
		r.userGatewayCount[prev.UserID]--
		if r.userGatewayCount[prev.UserID] <= 0 {
			delete(r.userGatewayCount, prev.UserID)
		}
	}

	r.gateways[socketID] = &GatewayConn{
		SocketID:  socketID,
		UserID:    userID,
		GatewayID: gatewayID,
		Agents:    make(map[string]struct{}),
		Ephemeral: ephemeral,
	}
	r.userGatewayCount[userID]++
	return nil
}

func (r *Registry) decrementUser(userID string) {
	r.onlineUsers[userID]--
	if r.onlineUsers[userID] <= 0 {
		delete(r.onlineUsers, userID)
	}
}

// RemoveClient unbinds a client socket, decrementing its user's counter and
// removing it from every room's reverse index (§4.3 invariant 3).
func (r *Registry) RemoveClient(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[socketID]
	if !ok {
		return
	}
	for roomID := range c.JoinedRooms {
		r.removeFromRoomLocked(roomID, socketID)
	}
	r.decrementUser(c.UserID)
	delete(r.clients, socketID)
}

// RemoveGateway unbinds a gateway socket. Every agent it had registered is
// removed from agentToGateway (cascading offline per §3's lifecycle note);
// callers are responsible for marking those agents offline externally.
func (r *Registry) RemoveGateway(socketID string) (removedAgents []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.gateways[socketID]
	if !ok {
		return nil
	}
	for agentID := range g.Agents {
		if r.agentToGateway[agentID] == socketID {
			delete(r.agentToGateway, agentID)
			removedAgents = append(removedAgents, agentID)
		}
	}
	r.userGatewayCount[g.UserID]--
	if r.userGatewayCount[g.UserID] <= 0 {
		delete(r.userGatewayCount, g.UserID)
	}
	delete(r.gateways, socketID)
	return removedAgents
}

// JoinRoom adds socketID to roomID's membership and the client's joined set
// in lockstep.
func (r *Registry) JoinRoom(socketID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[socketID]
	if !ok {
		return false
	}
	c.JoinedRooms[roomID] = struct{}{}
	if r.roomClients[roomID] == nil {
		r.roomClients[roomID] = make(map[string]struct{})
	}
	r.roomClients[roomID][socketID] = struct{}{}
	return true
}

// LeaveRoom removes socketID from roomID's membership and the client's
// joined set in lockstep.
func (r *Registry) LeaveRoom(socketID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[socketID]
	if !ok {
		return false
	}
	delete(c.JoinedRooms, roomID)
	r.removeFromRoomLocked(roomID, socketID)
	return true
}

func (r *Registry) removeFromRoomLocked(roomID, socketID string) {
	set, ok := r.roomClients[roomID]
	if !ok {
		return
	}
	delete(set, socketID)
	if len(set) == 0 {
		delete(r.roomClients, roomID)
	}
}

// RoomSockets returns a snapshot of client socket ids currently in roomID.
// Callers must snapshot before sending (§5) — this never returns the live
// map.
func (r *Registry) RoomSockets(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.roomClients[roomID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// RegisterAgent installs the agent→gatewaySocket mapping (§4.4
// gateway:register_agent).
func (r *Registry) RegisterAgent(gatewaySocketID, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.gateways[gatewaySocketID]
	if !ok {
		return false
	}
	g.Agents[agentID] = struct{}{}
	r.agentToGateway[agentID] = gatewaySocketID
	return true
}

// UnregisterAgent reverses RegisterAgent.
func (r *Registry) UnregisterAgent(gatewaySocketID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.gateways[gatewaySocketID]; ok {
		delete(g.Agents, agentID)
	}
	if r.agentToGateway[agentID] == gatewaySocketID {
		delete(r.agentToGateway, agentID)
	}
}

// GatewayForAgent resolves the gateway socket currently serving agentID.
func (r *Registry) GatewayForAgent(agentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.agentToGateway[agentID]
	return id, ok
}

// Client returns a copy of the client conn, with its joined-rooms set copied
// too (defensive copy, matching arkeep's agentmanager accessor style).
func (r *Registry) Client(socketID string) (ClientConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[socketID]
	if !ok {
		return ClientConn{}, false
	}
	cp := *c
	cp.JoinedRooms = make(map[string]struct{}, len(c.JoinedRooms))
	for k := range c.JoinedRooms {
		cp.JoinedRooms[k] = struct{}{}
	}
	return cp, true
}

// Gateway returns a copy of the gateway conn.
func (r *Registry) Gateway(socketID string) (GatewayConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gateways[socketID]
	if !ok {
		return GatewayConn{}, false
	}
	cp := *g
	cp.Agents = make(map[string]struct{}, len(g.Agents))
	for k := range g.Agents {
		cp.Agents[k] = struct{}{}
	}
	return cp, true
}

// OnlineUsers returns the current per-user client count (§8 I1).
func (r *Registry) OnlineUsers(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineUsers[userID]
}

// EvictUserFromRoom removes roomID from every socket belonging to userID,
// updating both the joined set and the reverse index, and returns the
// affected socket ids so the caller can notify them with
// server:room_removed (§4.3).
func (r *Registry) EvictUserFromRoom(userID, roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var affected []string
	for socketID, c := range r.clients {
		if c.UserID != userID {
			continue
		}
		if _, joined := c.JoinedRooms[roomID]; !joined {
			continue
		}
		delete(c.JoinedRooms, roomID)
		r.removeFromRoomLocked(roomID, socketID)
		affected = append(affected, socketID)
	}
	return affected
}
