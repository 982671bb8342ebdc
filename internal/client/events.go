package client

import "github.com/tonearm/roomsync/internal/protocol"

type EventType int

const (
	// EventRoomList carries a replaced room cache.
	EventRoomList EventType = iota
	// EventRoomUpdate carries a membership change already applied to the
	// local cache.
	EventRoomUpdate
	// EventChat carries a chat message appended to the log.
	EventChat
	// EventError carries a failure for the UI status area.
	EventError
	// EventDisconnected signals the connection is gone; room state has
	// been cleared.
	EventDisconnected
)

// Event is the unit handed to the UI thread. The manager never calls into
// UI-owned state directly; the UI drains Events() from its own loop.
type Event struct {
	Type    EventType
	Rooms   []protocol.RoomInfo
	Update  *protocol.RoomUpdateEnvelope
	Chat    *protocol.ChatEnvelope
	Message string
}
