package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonearm/roomsync/internal/protocol"
	"github.com/tonearm/roomsync/internal/server"
)

type fakeAdapter struct {
	mu       sync.Mutex
	calls    []string
	position int64
	volume   int
	songPath string
}

func (f *fakeAdapter) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAdapter) Play()     { f.record("play") }
func (f *fakeAdapter) Pause()    { f.record("pause") }
func (f *fakeAdapter) Stop()     { f.record("stop") }
func (f *fakeAdapter) Next()     { f.record("next") }
func (f *fakeAdapter) Previous() { f.record("previous") }

func (f *fakeAdapter) Seek(positionMs int64) {
	f.mu.Lock()
	f.position = positionMs
	f.mu.Unlock()
	f.record("seek")
}

func (f *fakeAdapter) SetVolume(volume int) {
	f.mu.Lock()
	f.volume = volume
	f.mu.Unlock()
	f.record("volume")
}

func (f *fakeAdapter) Load(songPath string) {
	f.mu.Lock()
	f.songPath = songPath
	f.mu.Unlock()
	f.record("load")
}

func (f *fakeAdapter) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func startServer(t *testing.T) string {
	t.Helper()

	s := server.New(server.Config{Host: "127.0.0.1", Port: 0}, slog.Default(), nil)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	return fmt.Sprintf("ws://%s/ws", s.Addr().String())
}

func connectedManager(t *testing.T, url, userId string, adapter PlayerAdapter) *Manager {
	t.Helper()

	if adapter == nil {
		adapter = &fakeAdapter{}
	}
	m := NewManager(adapter, slog.Default())
	require.True(t, m.Connect(url))
	t.Cleanup(m.Disconnect)
	require.True(t, m.Authenticate(userId))

	// Drain events so the queue never drops state the test waits on.
	go func() {
		for range m.Events() {
		}
	}()

	return m
}

func waitRoomKnown(t *testing.T, m *Manager, roomId string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, r := range m.Rooms() {
			if r.Id == roomId {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func createRoomAndWait(t *testing.T, m *Manager, name string) string {
	t.Helper()
	require.True(t, m.CreateRoom(name))
	require.Eventually(t, func() bool {
		return m.CurrentRoomId() != ""
	}, 3*time.Second, 10*time.Millisecond)
	return m.CurrentRoomId()
}

func joinRoomAndWait(t *testing.T, m *Manager, roomId string) {
	t.Helper()
	waitRoomKnown(t, m, roomId)
	require.True(t, m.JoinRoom(roomId))
	require.Eventually(t, func() bool {
		return m.CurrentRoomId() == roomId
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConnect_Failure(t *testing.T) {
	m := NewManager(&fakeAdapter{}, slog.Default())

	ok := m.Connect("ws://127.0.0.1:1/ws")
	assert.False(t, ok)

	select {
	case e := <-m.Events():
		assert.Equal(t, EventError, e.Type)
		assert.Contains(t, e.Message, "failed to connect")
	case <-time.After(time.Second):
		t.Fatal("no error event emitted")
	}
}

func TestCreateAndJoinRoom(t *testing.T) {
	url := startServer(t)

	a := connectedManager(t, url, "alice", nil)
	b := connectedManager(t, url, "bob", nil)

	roomId := createRoomAndWait(t, a, "Listen")
	joinRoomAndWait(t, b, roomId)

	require.Eventually(t, func() bool {
		return len(a.Members()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"alice", "bob"}, a.Members())
	assert.ElementsMatch(t, []string{"alice", "bob"}, b.Members())
}

func TestJoinRoom_UnknownIdFails(t *testing.T) {
	url := startServer(t)
	a := connectedManager(t, url, "alice", nil)

	assert.False(t, a.JoinRoom("not-in-cache"))
}

func TestPlayback_DrivesPeerAdapterOnly(t *testing.T) {
	url := startServer(t)

	aAdapter := &fakeAdapter{}
	bAdapter := &fakeAdapter{}
	a := connectedManager(t, url, "alice", aAdapter)
	b := connectedManager(t, url, "bob", bAdapter)

	roomId := createRoomAndWait(t, a, "Listen")
	joinRoomAndWait(t, b, roomId)

	require.True(t, a.SendPlaybackCommand(PlaybackCommand{Command: "play"}))
	position := int64(42000)
	require.True(t, a.SendPlaybackCommand(PlaybackCommand{Command: "seek", Position: &position}))

	require.Eventually(t, func() bool {
		return len(bAdapter.recorded()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"play", "seek"}, bAdapter.recorded())
	bAdapter.mu.Lock()
	assert.Equal(t, int64(42000), bAdapter.position)
	bAdapter.mu.Unlock()

	// The issuing side's player must never see its own command.
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, aAdapter.recorded())
}

func TestChat_AppendsBothLogs(t *testing.T) {
	url := startServer(t)

	a := connectedManager(t, url, "alice", nil)
	b := connectedManager(t, url, "bob", nil)

	roomId := createRoomAndWait(t, a, "Listen")
	joinRoomAndWait(t, b, roomId)

	require.True(t, a.SendChat("turn it up"))

	for _, m := range []*Manager{a, b} {
		require.Eventually(t, func() bool {
			return len(m.ChatLog()) == 1
		}, 3*time.Second, 10*time.Millisecond)
		entry := m.ChatLog()[0]
		assert.Equal(t, "alice", entry.UserId)
		assert.Equal(t, "turn it up", entry.Message)
		assert.NotZero(t, entry.Timestamp)
	}
}

func TestLeaveRoom(t *testing.T) {
	url := startServer(t)

	a := connectedManager(t, url, "alice", nil)
	b := connectedManager(t, url, "bob", nil)

	roomId := createRoomAndWait(t, a, "Listen")
	joinRoomAndWait(t, b, roomId)

	require.True(t, b.LeaveRoom())
	assert.Empty(t, b.CurrentRoomId())
	assert.False(t, b.LeaveRoom())

	require.Eventually(t, func() bool {
		return len(a.Members()) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRoomClosed_ClearsCurrentRoom(t *testing.T) {
	url := startServer(t)

	a := connectedManager(t, url, "alice", nil)
	b := connectedManager(t, url, "bob", nil)

	roomId := createRoomAndWait(t, a, "Listen")
	joinRoomAndWait(t, b, roomId)

	// The owner drops abruptly, then bob leaves; bob's departure empties
	// the room server-side once alice is gone.
	a.Disconnect()
	require.Eventually(t, func() bool {
		return len(b.Members()) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.True(t, b.LeaveRoom())
	require.Eventually(t, func() bool {
		return len(b.Rooms()) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPreconditions(t *testing.T) {
	m := NewManager(&fakeAdapter{}, slog.Default())

	// Nothing works before Connect.
	assert.False(t, m.CreateRoom("Listen"))
	assert.False(t, m.SendChat("hello"))
	assert.False(t, m.SendPlaybackCommand(PlaybackCommand{Command: "play"}))
	assert.False(t, m.LeaveRoom())
	assert.False(t, m.SendChat(""))
}

func TestHandleFrame_SelfEchoDropped(t *testing.T) {
	adapter := &fakeAdapter{}
	m := NewManager(adapter, slog.Default())
	m.userId = "alice"

	frame, err := json.Marshal(protocol.PlaybackEnvelope{
		Type:    protocol.TypePlayback,
		UserId:  "alice",
		Command: "play",
	})
	require.NoError(t, err)
	m.handleFrame(frame)

	assert.Empty(t, adapter.recorded())
}

func TestHandleFrame_CommandMapping(t *testing.T) {
	volume := 40
	position := int64(1000)

	tests := []struct {
		name string
		env  protocol.PlaybackEnvelope
		want string
	}{
		{"play", protocol.PlaybackEnvelope{Command: "play"}, "play"},
		{"pause", protocol.PlaybackEnvelope{Command: "pause"}, "pause"},
		{"stop", protocol.PlaybackEnvelope{Command: "stop"}, "stop"},
		{"next", protocol.PlaybackEnvelope{Command: "next"}, "next"},
		{"prev", protocol.PlaybackEnvelope{Command: "prev"}, "previous"},
		{"seek", protocol.PlaybackEnvelope{Command: "seek", Position: &position}, "seek"},
		{"volume", protocol.PlaybackEnvelope{Command: "volume", Volume: &volume}, "volume"},
		{"load_song", protocol.PlaybackEnvelope{Command: "load_song", SongPath: "/music/a.flac"}, "load"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := &fakeAdapter{}
			m := NewManager(adapter, slog.Default())
			m.userId = "alice"

			tt.env.Type = protocol.TypePlayback
			tt.env.UserId = "bob"
			frame, err := json.Marshal(tt.env)
			require.NoError(t, err)
			m.handleFrame(frame)

			assert.Equal(t, []string{tt.want}, adapter.recorded())
		})
	}
}

func TestHandleFrame_MalformedDropped(t *testing.T) {
	adapter := &fakeAdapter{}
	m := NewManager(adapter, slog.Default())

	m.handleFrame([]byte(`{not json`))
	m.handleFrame([]byte(`{"type":"warp_speed"}`))

	assert.Empty(t, adapter.recorded())
	assert.Empty(t, m.Rooms())
}
