package domain

import (
	"time"

	"golang.org/x/exp/maps"
)

// Room is a named group of users sharing playback state and chat. A room
// held by the registry always has at least one member; the registry removes
// it the moment the member set empties.
type Room struct {
	Id        string
	Name      string
	OwnerId   string
	Members   map[string]struct{}
	CreatedAt time.Time
}

func NewRoom(id, name, ownerId string, createdAt time.Time) *Room {
	return &Room{
		Id:        id,
		Name:      name,
		OwnerId:   ownerId,
		Members:   map[string]struct{}{ownerId: {}},
		CreatedAt: createdAt,
	}
}

func (r *Room) HasMember(userId string) bool {
	_, ok := r.Members[userId]
	return ok
}

func (r *Room) AddMember(userId string) {
	r.Members[userId] = struct{}{}
}

func (r *Room) RemoveMember(userId string) {
	delete(r.Members, userId)
}

// MemberIds returns a snapshot of the member set, safe to hold across
// further mutation.
func (r *Room) MemberIds() []string {
	return maps.Keys(r.Members)
}
