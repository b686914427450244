// Package store provides a minimal in-memory stand-in for the external
// persistence collaborator §1 assigns message/room/presence storage to, so
// the hub binary is runnable end-to-end without a real database. It is
// deliberately swappable: the Broker depends only on the Store interface it
// defines.
package store

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentim/agentim/internal/idgen"
	"github.com/agentim/agentim/internal/types"
)

// ErrRoomNotFound is returned when a room id has no known membership.
var ErrRoomNotFound = fmt.Errorf("store: room not found")

// ErrNotAMember is returned when an actor attempts an operation on a room
// they do not belong to.
var ErrNotAMember = fmt.Errorf("store: not a room member")

// maxHistoryPerRoom bounds the retained message history, mirroring the
// bounded chat-history list kept alongside each live room.
const maxHistoryPerRoom = 500

// Message is one persisted chat message.
type Message struct {
	ID         string
	RoomID     string
	SenderID   string
	SenderType types.MemberType
	Content    string
	SentAt     time.Time
}

// Store is the persistence surface the Broker delegates to (§4.4): room
// membership lookups, message append, and presence tracking.
type Store struct {
	mu      sync.RWMutex
	rooms   map[string]*types.Room
	history map[string]*list.List // roomID -> *list.List of Message
	gen     *idgen.Generator
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		rooms:   make(map[string]*types.Room),
		history: make(map[string]*list.List),
		gen:     idgen.New(),
	}
}

// PutRoom installs or replaces a room's membership snapshot. Exposed for
// tests and for a future real persistence layer's cache-fill path.
func (s *Store) PutRoom(room types.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := room
	s.rooms[room.ID] = &r
}

// Room returns the cached membership snapshot for roomID.
func (s *Store) Room(_ context.Context, roomID string) (types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return types.Room{}, ErrRoomNotFound
	}
	return *r, nil
}

// IsMember reports whether memberID belongs to roomID.
func (s *Store) IsMember(ctx context.Context, roomID, memberID string) (bool, error) {
	room, err := s.Room(ctx, roomID)
	if err != nil {
		return false, err
	}
	_, ok := room.Member(memberID)
	return ok, nil
}

// AppendMessage persists a chat message and returns its generated id.
func (s *Store) AppendMessage(_ context.Context, roomID, senderID string, senderType types.MemberType, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return "", ErrRoomNotFound
	}

	msg := Message{
		ID:         s.gen.New("msg"),
		RoomID:     roomID,
		SenderID:   senderID,
		SenderType: senderType,
		Content:    content,
		SentAt:     time.Now(),
	}

	l, ok := s.history[roomID]
	if !ok {
		l = list.New()
		s.history[roomID] = l
	}
	l.PushBack(msg)
	for l.Len() > maxHistoryPerRoom {
		l.Remove(l.Front())
	}

	return msg.ID, nil
}

// RecentMessages returns up to n most recent messages for roomID, oldest
// first.
func (s *Store) RecentMessages(_ context.Context, roomID string, n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.history[roomID]
	if !ok {
		return nil
	}
	all := make([]Message, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		all = append(all, e.Value.(Message))
	}
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}

// SetPresence is a no-op hook point for a real implementation to persist
// online/offline transitions; the in-memory registry is already the source
// of truth for "is this user online right now".
func (s *Store) SetPresence(_ context.Context, _ string, _ bool) error {
	return nil
}
