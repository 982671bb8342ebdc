// Package registry holds the authoritative in-memory state of the room
// server: rooms, room membership, and user→connection mappings. It performs
// no I/O and is not safe for concurrent use; the server's actor goroutine is
// its single owner and all mutation funnels through it.
package registry

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"

	"github.com/tonearm/roomsync/internal/domain"
)

var (
	ErrDuplicateUser = errors.New("user id already registered")
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomFull      = errors.New("room is full")
	ErrNotRegistered = errors.New("user not registered")
	ErrAlreadyInRoom = errors.New("user already in a room")
)

// Sender is the transport handle the registry associates with a user.
// Implementations must not block.
type Sender interface {
	Send(data []byte) error
}

// LeaveResult reports the outcome of removing a user from their room.
type LeaveResult struct {
	RoomId string
	// Closed is set when the user was the last member and the room was
	// removed.
	Closed bool
	// Remaining holds the member ids still in the room, empty when Closed.
	Remaining []string
}

type Registry struct {
	rooms        map[string]*domain.Room
	userRooms    map[string]string
	senders      map[string]Sender
	membersLimit int
	logger       *slog.Logger
}

func New(membersLimit int, logger *slog.Logger) *Registry {
	return &Registry{
		rooms:        make(map[string]*domain.Room),
		userRooms:    make(map[string]string),
		senders:      make(map[string]Sender),
		membersLimit: membersLimit,
		logger:       logger,
	}
}

// Register binds userId to its transport handle. A user id may be bound to
// at most one live connection.
func (r *Registry) Register(userId string, sender Sender) error {
	if _, ok := r.senders[userId]; ok {
		return ErrDuplicateUser
	}

	r.senders[userId] = sender
	r.logger.Debug("user registered", "user_id", userId)
	return nil
}

// Unregister removes the connection mapping and, if the user occupied a
// room, leaves it. Called on disconnect.
func (r *Registry) Unregister(userId string) (LeaveResult, bool) {
	delete(r.senders, userId)
	return r.LeaveRoom(userId)
}

func (r *Registry) CreateRoom(ownerId, name string) (*domain.Room, error) {
	if _, ok := r.senders[ownerId]; !ok {
		return nil, ErrNotRegistered
	}
	if _, ok := r.userRooms[ownerId]; ok {
		return nil, ErrAlreadyInRoom
	}

	room := domain.NewRoom(uuid.NewString(), name, ownerId, time.Now())
	r.rooms[room.Id] = room
	r.userRooms[ownerId] = room.Id

	r.logger.Info("room created", "room_id", room.Id, "name", name, "owner_id", ownerId)
	return room, nil
}

// JoinRoom adds userId to the room's member set. Joining a room the user is
// already a member of is a no-op.
func (r *Registry) JoinRoom(userId, roomId string) (*domain.Room, error) {
	if _, ok := r.senders[userId]; !ok {
		return nil, ErrNotRegistered
	}

	room, ok := r.rooms[roomId]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if room.HasMember(userId) {
		return room, nil
	}
	if current, ok := r.userRooms[userId]; ok && current != roomId {
		return nil, ErrAlreadyInRoom
	}
	if r.membersLimit > 0 && len(room.Members) >= r.membersLimit {
		return nil, ErrRoomFull
	}

	room.AddMember(userId)
	r.userRooms[userId] = roomId

	r.logger.Info("user joined room", "room_id", roomId, "user_id", userId, "members", len(room.Members))
	return room, nil
}

// LeaveRoom removes the user's membership. The second return is false when
// the user occupied no room. An emptied room is removed from the registry.
func (r *Registry) LeaveRoom(userId string) (LeaveResult, bool) {
	roomId, ok := r.userRooms[userId]
	if !ok {
		return LeaveResult{}, false
	}
	delete(r.userRooms, userId)

	room, ok := r.rooms[roomId]
	if !ok {
		return LeaveResult{}, false
	}

	room.RemoveMember(userId)
	if len(room.Members) == 0 {
		delete(r.rooms, roomId)
		r.logger.Info("room closed", "room_id", roomId)
		return LeaveResult{RoomId: roomId, Closed: true}, true
	}

	r.logger.Info("user left room", "room_id", roomId, "user_id", userId, "members", len(room.Members))
	return LeaveResult{RoomId: roomId, Remaining: room.MemberIds()}, true
}

// ListRooms returns a snapshot ordered by creation time.
func (r *Registry) ListRooms() []*domain.Room {
	rooms := maps.Values(r.rooms)
	slices.SortFunc(rooms, func(a, b *domain.Room) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Id, b.Id)
	})
	return rooms
}

func (r *Registry) Room(roomId string) (*domain.Room, bool) {
	room, ok := r.rooms[roomId]
	return room, ok
}

func (r *Registry) UserRoom(userId string) (string, bool) {
	roomId, ok := r.userRooms[userId]
	return roomId, ok
}

func (r *Registry) Sender(userId string) (Sender, bool) {
	s, ok := r.senders[userId]
	return s, ok
}

// RegisteredUserIds returns a snapshot of every connected user id.
func (r *Registry) RegisteredUserIds() []string {
	return maps.Keys(r.senders)
}

func (r *Registry) Stats() (rooms, connections int) {
	return len(r.rooms), len(r.senders)
}
