// Package client implements the player-side room manager: it owns the one
// outbound connection to the room server, exposes room operations to the
// UI, and turns inbound envelopes into UI events and local playback calls.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tonearm/roomsync/internal/domain"
	"github.com/tonearm/roomsync/internal/protocol"
)

const (
	dialTimeout    = 10 * time.Second
	eventQueueSize = 64
)

// PlaybackCommand is an outbound playback directive. Position and Volume
// are only meaningful for seek and volume commands respectively.
type PlaybackCommand struct {
	Command  string
	Position *int64
	Volume   *int
	SongPath string
}

// Manager bridges the room protocol to the local playback engine. All
// operations are fire-and-forget with eventual confirmation through the
// broadcast channel; they return false when a precondition is unmet instead
// of erroring. The receive loop runs on its own goroutine and never touches
// UI state: inbound happenings are queued on Events() for the UI thread to
// drain.
type Manager struct {
	adapter PlayerAdapter
	logger  *slog.Logger

	// writeMu serializes writes to the socket: the UI thread and the
	// receive path may both send, and gorilla conns allow one writer.
	writeMu sync.Mutex

	mu            sync.Mutex
	ws            *websocket.Conn
	connected     bool
	cancel        context.CancelFunc
	userId        string
	currentRoomId string
	members       []string
	rooms         []protocol.RoomInfo
	chatLog       []protocol.ChatEnvelope

	events chan Event
}

func NewManager(adapter PlayerAdapter, logger *slog.Logger) *Manager {
	return &Manager{
		adapter: adapter,
		logger:  logger,
		events:  make(chan Event, eventQueueSize),
	}
}

// Events is the queue the UI thread drains. When the UI falls behind, the
// oldest notifications are dropped rather than stalling the receive loop.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Connect opens the transport and starts the receive loop. On failure an
// error event is emitted and false returned.
func (m *Manager) Connect(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return false
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		m.logger.Warn("failed to connect", "url", url, "error", err)
		m.emit(Event{Type: EventError, Message: "failed to connect: " + err.Error()})
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.ws = ws
	m.connected = true
	m.cancel = cancel

	go m.receiveLoop(ctx, ws)

	return true
}

// Disconnect tears the connection down. Safe to call when not connected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	ws := m.ws
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close()
	}
}

func (m *Manager) Authenticate(userId string) bool {
	m.mu.Lock()
	m.userId = userId
	m.mu.Unlock()

	return m.send(protocol.AuthEnvelope{Type: protocol.TypeAuth, UserId: userId})
}

func (m *Manager) CreateRoom(name string) bool {
	if name == "" {
		return false
	}

	m.mu.Lock()
	userId := m.userId
	m.mu.Unlock()

	return m.send(protocol.CreateRoomEnvelope{Type: protocol.TypeCreateRoom, Name: name, UserId: userId})
}

// JoinRoom fails when roomId is not in the locally cached room list; the
// current room is updated once the server's room_update comes back.
func (m *Manager) JoinRoom(roomId string) bool {
	m.mu.Lock()
	known := slices.ContainsFunc(m.rooms, func(r protocol.RoomInfo) bool { return r.Id == roomId })
	userId := m.userId
	m.mu.Unlock()

	if !known {
		return false
	}

	return m.send(protocol.JoinRoomEnvelope{Type: protocol.TypeJoinRoom, RoomId: roomId, UserId: userId})
}

func (m *Manager) LeaveRoom() bool {
	m.mu.Lock()
	roomId := m.currentRoomId
	userId := m.userId
	m.mu.Unlock()

	if roomId == "" {
		return false
	}

	if !m.send(protocol.LeaveRoomEnvelope{Type: protocol.TypeLeaveRoom, RoomId: roomId, UserId: userId}) {
		return false
	}

	// The server only notifies remaining members, so the leaver clears
	// its own room state here.
	m.mu.Lock()
	m.currentRoomId = ""
	m.members = nil
	m.mu.Unlock()

	return true
}

func (m *Manager) SendChat(text string) bool {
	if text == "" {
		return false
	}

	m.mu.Lock()
	roomId := m.currentRoomId
	userId := m.userId
	m.mu.Unlock()

	if roomId == "" {
		return false
	}

	return m.send(protocol.ChatEnvelope{
		Type:      protocol.TypeChat,
		RoomId:    roomId,
		UserId:    userId,
		Message:   text,
		Timestamp: time.Now().Unix(),
	})
}

func (m *Manager) SendPlaybackCommand(cmd PlaybackCommand) bool {
	m.mu.Lock()
	roomId := m.currentRoomId
	userId := m.userId
	m.mu.Unlock()

	if roomId == "" {
		return false
	}

	return m.send(protocol.PlaybackEnvelope{
		Type:     protocol.TypePlayback,
		RoomId:   roomId,
		UserId:   userId,
		Command:  cmd.Command,
		Position: cmd.Position,
		Volume:   cmd.Volume,
		SongPath: cmd.SongPath,
	})
}

// Snapshot accessors for the UI thread.

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Manager) CurrentRoomId() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentRoomId
}

func (m *Manager) Rooms() []protocol.RoomInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rooms)
}

func (m *Manager) Members() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.members)
}

func (m *Manager) ChatLog() []protocol.ChatEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.chatLog)
}

func (m *Manager) send(v any) bool {
	m.mu.Lock()
	ws := m.ws
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := ws.WriteJSON(v); err != nil {
		m.logger.Warn("failed to send", "error", err)
		m.emit(Event{Type: EventError, Message: "send failed: " + err.Error()})
		return false
	}

	return true
}

func (m *Manager) receiveLoop(ctx context.Context, ws *websocket.Conn) {
	defer func() {
		m.mu.Lock()
		m.connected = false
		m.ws = nil
		m.currentRoomId = ""
		m.members = nil
		m.mu.Unlock()

		m.emit(Event{Type: EventDisconnected})
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Info("connection lost", "error", err)
			}
			return
		}

		m.handleFrame(data)
	}
}

func (m *Manager) handleFrame(data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		m.logger.Warn("malformed frame dropped", "error", err)
		return
	}

	switch probe.Type {
	case protocol.TypeRoomList:
		var env protocol.RoomListEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("bad room_list frame", "error", err)
			return
		}
		m.applyRoomList(&env)

	case protocol.TypeRoomUpdate:
		var env protocol.RoomUpdateEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("bad room_update frame", "error", err)
			return
		}
		m.applyRoomUpdate(&env)

	case protocol.TypeChat:
		var env protocol.ChatEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("bad chat frame", "error", err)
			return
		}
		m.mu.Lock()
		m.chatLog = append(m.chatLog, env)
		m.mu.Unlock()
		m.emit(Event{Type: EventChat, Chat: &env})

	case protocol.TypePlayback:
		var env protocol.PlaybackEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("bad playback frame", "error", err)
			return
		}
		m.applyPlayback(&env)

	case protocol.TypeError:
		var env protocol.ErrorEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		m.logger.Warn("server error", "message", env.Message)
		m.emit(Event{Type: EventError, Message: env.Message})

	default:
		m.logger.Warn("unknown frame type dropped", "frame_type", probe.Type)
	}
}

func (m *Manager) applyRoomList(env *protocol.RoomListEnvelope) {
	m.mu.Lock()
	m.rooms = env.Rooms
	// Refresh the member list of the occupied room from the snapshot.
	if m.currentRoomId != "" {
		for _, room := range env.Rooms {
			if room.Id == m.currentRoomId {
				m.members = room.Users
				break
			}
		}
	}
	rooms := slices.Clone(m.rooms)
	m.mu.Unlock()

	m.emit(Event{Type: EventRoomList, Rooms: rooms})
}

func (m *Manager) applyRoomUpdate(env *protocol.RoomUpdateEnvelope) {
	m.mu.Lock()
	switch env.Action {
	case protocol.ActionCreated, protocol.ActionUserJoined:
		// Receiving a membership update that includes this user is the
		// join/create confirmation.
		if env.UserId == m.userId && slices.Contains(env.Users, m.userId) {
			m.currentRoomId = env.RoomId
		}
		if env.RoomId == m.currentRoomId {
			m.members = env.Users
		}
		m.setRoomUsers(env.RoomId, env.Users)

	case protocol.ActionUserLeft:
		if env.RoomId == m.currentRoomId {
			m.members = env.Users
		}
		m.setRoomUsers(env.RoomId, env.Users)

	case protocol.ActionClosed:
		m.rooms = slices.DeleteFunc(m.rooms, func(r protocol.RoomInfo) bool { return r.Id == env.RoomId })
		if env.RoomId == m.currentRoomId {
			m.currentRoomId = ""
			m.members = nil
		}

	default:
		m.mu.Unlock()
		m.logger.Warn("unknown room_update action dropped", "action", env.Action)
		return
	}
	m.mu.Unlock()

	m.emit(Event{Type: EventRoomUpdate, Update: env})
}

// setRoomUsers patches the cached room list entry, if present. Caller holds
// mu.
func (m *Manager) setRoomUsers(roomId string, users []string) {
	for i := range m.rooms {
		if m.rooms[i].Id == roomId {
			m.rooms[i].Users = users
			return
		}
	}
}

func (m *Manager) applyPlayback(env *protocol.PlaybackEnvelope) {
	m.mu.Lock()
	self := env.UserId == m.userId
	m.mu.Unlock()

	// The server already excludes the sender from playback fan-out; this
	// guard is the client half of the same guarantee.
	if self {
		m.logger.Debug("own playback echo dropped", "command", env.Command)
		return
	}

	switch env.Command {
	case domain.CommandPlay:
		m.adapter.Play()
	case domain.CommandPause:
		m.adapter.Pause()
	case domain.CommandStop:
		m.adapter.Stop()
	case domain.CommandNext:
		m.adapter.Next()
	case domain.CommandPrev:
		m.adapter.Previous()
	case domain.CommandSeek:
		if env.Position != nil {
			m.adapter.Seek(*env.Position)
		}
	case domain.CommandVolume:
		if env.Volume != nil {
			m.adapter.SetVolume(*env.Volume)
		}
	case domain.CommandLoadSong:
		if env.SongPath != "" {
			m.adapter.Load(env.SongPath)
		}
	default:
		m.logger.Warn("unknown playback command dropped", "command", env.Command)
	}
}

func (m *Manager) emit(e Event) {
	for {
		select {
		case m.events <- e:
			return
		default:
			// Drop the oldest so fresh state wins when the UI lags.
			select {
			case <-m.events:
			default:
			}
		}
	}
}
