// Package protocol defines the wire envelopes exchanged between player
// instances and the room server. Envelopes are flat JSON objects tagged by
// the required "type" field; the union is closed, unknown types are rejected
// at dispatch instead of being passed through.
package protocol

// Envelope type tags.
const (
	TypeAuth            = "auth"
	TypeCreateRoom      = "create_room"
	TypeJoinRoom        = "join_room"
	TypeLeaveRoom       = "leave_room"
	TypeChat            = "chat"
	TypePlayback        = "playback"
	TypeRequestRoomList = "request_room_list"
	TypeRoomList        = "room_list"
	TypeRoomUpdate      = "room_update"
	TypeError           = "error"
)

// room_update sub-actions.
const (
	ActionCreated    = "created"
	ActionClosed     = "closed"
	ActionUserJoined = "user_joined"
	ActionUserLeft   = "user_left"
)

type AuthEnvelope struct {
	Type   string `json:"type"`
	UserId string `json:"user_id" validate:"required,max=64"`
}

type CreateRoomEnvelope struct {
	Type   string `json:"type"`
	Name   string `json:"name" validate:"required,max=120"`
	UserId string `json:"user_id" validate:"required,max=64"`
}

type JoinRoomEnvelope struct {
	Type   string `json:"type"`
	RoomId string `json:"room_id" validate:"required"`
	UserId string `json:"user_id" validate:"required,max=64"`
}

type LeaveRoomEnvelope struct {
	Type   string `json:"type"`
	RoomId string `json:"room_id"`
	UserId string `json:"user_id"`
}

type ChatEnvelope struct {
	Type    string `json:"type"`
	RoomId  string `json:"room_id"`
	UserId  string `json:"user_id"`
	Message string `json:"message" validate:"required,max=2000"`
	// Unix seconds. The server stamps it if the client sent none.
	Timestamp int64 `json:"timestamp"`
}

type PlaybackEnvelope struct {
	Type    string `json:"type"`
	RoomId  string `json:"room_id"`
	UserId  string `json:"user_id"`
	Command string `json:"command" validate:"required,oneof=play pause stop next prev seek volume load_song"`
	// Position in milliseconds, for seek.
	Position *int64 `json:"position,omitempty" validate:"omitempty,min=0"`
	Volume   *int   `json:"volume,omitempty" validate:"omitempty,min=0,max=100"`
	SongPath string `json:"song_path,omitempty"`
}

type RequestRoomListEnvelope struct {
	Type string `json:"type"`
}

type RoomInfo struct {
	Id    string   `json:"id"`
	Name  string   `json:"name"`
	Owner string   `json:"owner"`
	Users []string `json:"users"`
}

type RoomListEnvelope struct {
	Type  string     `json:"type"`
	Rooms []RoomInfo `json:"rooms"`
}

type RoomUpdateEnvelope struct {
	Type   string   `json:"type"`
	RoomId string   `json:"room_id"`
	Action string   `json:"action"`
	UserId string   `json:"user_id"`
	Users  []string `json:"users"`
}

type ErrorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewRoomList(rooms []RoomInfo) *RoomListEnvelope {
	return &RoomListEnvelope{Type: TypeRoomList, Rooms: rooms}
}

func NewRoomUpdate(roomId, action, userId string, users []string) *RoomUpdateEnvelope {
	return &RoomUpdateEnvelope{
		Type:   TypeRoomUpdate,
		RoomId: roomId,
		Action: action,
		UserId: userId,
		Users:  users,
	}
}

func NewError(message string) *ErrorEnvelope {
	return &ErrorEnvelope{Type: TypeError, Message: message}
}
