package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tonearm/roomsync/internal/protocol"
	"github.com/tonearm/roomsync/internal/registry"
	"github.com/tonearm/roomsync/pkg/wsrouter"
)

type contextKey int

const connCtxKey contextKey = iota

func withConn(ctx context.Context, c *conn) context.Context {
	return context.WithValue(ctx, connCtxKey, c)
}

func connFromCtx(ctx context.Context) *conn {
	c, _ := ctx.Value(connCtxKey).(*conn)
	return c
}

func (s *Server) routes() *wsrouter.Router {
	mux := wsrouter.New()

	mux.Handle(protocol.TypeAuth, handle(s, s.handleAuth))
	mux.Handle(protocol.TypeCreateRoom, handle(s, s.handleCreateRoom))
	mux.Handle(protocol.TypeJoinRoom, handle(s, s.handleJoinRoom))
	mux.Handle(protocol.TypeLeaveRoom, handle(s, s.handleLeaveRoom))
	mux.Handle(protocol.TypeChat, handle(s, s.handleChat))
	mux.Handle(protocol.TypePlayback, handle(s, s.handlePlayback))
	mux.Handle(protocol.TypeRequestRoomList, handle(s, s.handleRequestRoomList))
	mux.HandleUnknown(s.handleUnknownType)

	return mux
}

// handle adapts a typed handler: the frame is decoded into T, validated,
// and rejected with an error envelope before the handler ever runs.
func handle[T any](s *Server, fn func(ctx context.Context, c *conn, input T) error) wsrouter.HandlerFunc {
	return func(ctx context.Context, frame json.RawMessage) error {
		c := connFromCtx(ctx)

		var input T
		if err := json.Unmarshal(frame, &input); err != nil {
			return fmt.Errorf("%w: %w", wsrouter.ErrMalformedFrame, err)
		}

		if errs, ok := s.validate.Validate(&input); !ok {
			s.logger.DebugContext(ctx, "envelope validation failed", "errors", errs)
			s.writeError(c, errs[0].Message)
			return nil
		}

		return fn(ctx, c, input)
	}
}

func (s *Server) handleUnknownType(ctx context.Context, frame json.RawMessage) error {
	s.logger.WarnContext(ctx, "unknown envelope type dropped", "frame", string(frame))
	s.writeError(connFromCtx(ctx), "unknown envelope type")
	return nil
}

func (s *Server) handleAuth(ctx context.Context, c *conn, input protocol.AuthEnvelope) error {
	s.do(func() {
		if c.userId != "" {
			s.writeError(c, "already authenticated")
			return
		}

		if err := s.reg.Register(input.UserId, c); err != nil {
			s.logger.WarnContext(ctx, "auth rejected", "user_id", input.UserId, "error", err)
			s.writeError(c, "user id already connected")
			return
		}

		c.userId = input.UserId
		s.logger.InfoContext(ctx, "user authenticated", "user_id", input.UserId)
		s.hub.sendTo(input.UserId, s.roomListEnvelope())
	})

	return nil
}

func (s *Server) handleCreateRoom(ctx context.Context, c *conn, input protocol.CreateRoomEnvelope) error {
	s.do(func() {
		if c.userId == "" {
			s.writeError(c, "not authenticated")
			return
		}

		room, err := s.reg.CreateRoom(c.userId, input.Name)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to create room", "error", err)
			s.writeError(c, registryErrorMessage(err))
			return
		}

		s.hub.broadcastAll(s.roomListEnvelope())
		s.hub.broadcastRoom(room.Id, protocol.NewRoomUpdate(room.Id, protocol.ActionCreated, c.userId, room.MemberIds()), "")
		s.publishDirectory()
	})

	return nil
}

func (s *Server) handleJoinRoom(ctx context.Context, c *conn, input protocol.JoinRoomEnvelope) error {
	s.do(func() {
		if c.userId == "" {
			s.writeError(c, "not authenticated")
			return
		}

		// Duplicate join: the member set must not change and nobody gets
		// re-notified.
		if current, ok := s.reg.UserRoom(c.userId); ok && current == input.RoomId {
			return
		}

		room, err := s.reg.JoinRoom(c.userId, input.RoomId)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to join room", "room_id", input.RoomId, "error", err)
			s.writeError(c, registryErrorMessage(err))
			return
		}

		s.hub.broadcastAll(s.roomListEnvelope())
		s.hub.broadcastRoom(room.Id, protocol.NewRoomUpdate(room.Id, protocol.ActionUserJoined, c.userId, room.MemberIds()), "")
		s.publishDirectory()
	})

	return nil
}

func (s *Server) handleLeaveRoom(ctx context.Context, c *conn, _ protocol.LeaveRoomEnvelope) error {
	s.do(func() {
		if c.userId == "" {
			s.writeError(c, "not authenticated")
			return
		}

		res, ok := s.reg.LeaveRoom(c.userId)
		if !ok {
			s.writeError(c, "not in a room")
			return
		}

		s.notifyLeft(c.userId, res)
	})

	return nil
}

func (s *Server) handleChat(ctx context.Context, c *conn, input protocol.ChatEnvelope) error {
	s.do(func() {
		roomId, ok := s.reg.UserRoom(c.userId)
		if !ok {
			s.writeError(c, "not in a room")
			return
		}

		if input.Timestamp == 0 {
			input.Timestamp = time.Now().Unix()
		}
		// Identity fields come from the authenticated connection, not the
		// payload.
		input.RoomId = roomId
		input.UserId = c.userId

		// Chat reaches the sender too: clients recognize their own
		// messages by user_id equality.
		s.hub.broadcastRoom(roomId, &input, "")
	})

	return nil
}

func (s *Server) handlePlayback(ctx context.Context, c *conn, input protocol.PlaybackEnvelope) error {
	s.do(func() {
		roomId, ok := s.reg.UserRoom(c.userId)
		if !ok {
			s.writeError(c, "not in a room")
			return
		}

		input.RoomId = roomId
		input.UserId = c.userId

		// Sender exclusion is the self-echo-suppression contract: the
		// peer that issued play must not have play echoed back at it.
		s.hub.broadcastRoom(roomId, &input, c.userId)
	})

	return nil
}

func (s *Server) handleRequestRoomList(_ context.Context, c *conn, _ protocol.RequestRoomListEnvelope) error {
	s.do(func() {
		if c.userId == "" {
			s.writeError(c, "not authenticated")
			return
		}

		s.hub.sendTo(c.userId, s.roomListEnvelope())
	})

	return nil
}

// disconnect runs when a read pump exits for any reason. It is the only
// path besides an explicit leave_room that mutates room membership.
func (s *Server) disconnect(c *conn) {
	s.do(func() {
		delete(s.conns, c)
		c.close()

		if c.userId == "" {
			return
		}

		s.logger.Info("user disconnected", "user_id", c.userId)
		res, ok := s.reg.Unregister(c.userId)
		if !ok {
			return
		}

		s.notifyLeft(c.userId, res)
	})
}

// notifyLeft fans out the consequences of a departure: a fresh room list to
// everyone, and either a closed notice to the departed room's members at
// removal time or a user_left notice to those remaining.
func (s *Server) notifyLeft(userId string, res registry.LeaveResult) {
	s.hub.broadcastAll(s.roomListEnvelope())

	if res.Closed {
		// Best effort: when the last member leaves there is nobody left
		// to receive this.
		s.hub.broadcastTo(res.Remaining, protocol.NewRoomUpdate(res.RoomId, protocol.ActionClosed, userId, nil), "")
	} else {
		s.hub.broadcastTo(res.Remaining, protocol.NewRoomUpdate(res.RoomId, protocol.ActionUserLeft, userId, res.Remaining), "")
	}

	s.publishDirectory()
}

func registryErrorMessage(err error) string {
	switch {
	case errors.Is(err, registry.ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, registry.ErrRoomFull):
		return "room is full"
	case errors.Is(err, registry.ErrAlreadyInRoom):
		return "already in a room"
	case errors.Is(err, registry.ErrNotRegistered):
		return "not authenticated"
	default:
		return "internal error"
	}
}
