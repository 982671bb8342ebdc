package server

import (
	"encoding/json"
	"log/slog"

	"github.com/tonearm/roomsync/internal/registry"
)

// hub fans envelopes out to room members or to every registered connection.
// Delivery is best effort: a recipient whose send fails is logged and
// skipped, never aborting the remaining recipients. Like the registry it
// backs onto, it must only be driven from the actor goroutine.
type hub struct {
	reg    *registry.Registry
	logger *slog.Logger
}

func newHub(reg *registry.Registry, logger *slog.Logger) *hub {
	return &hub{reg: reg, logger: logger}
}

func (h *hub) sendTo(userId string, envelope any) {
	sender, ok := h.reg.Sender(userId)
	if !ok {
		return
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Warn("failed to marshal envelope", "error", err)
		return
	}

	if err := sender.Send(data); err != nil {
		h.logger.Warn("failed to send", "user_id", userId, "error", err)
	}
}

// broadcastRoom delivers envelope to every member of roomId except
// excludeUserId. Pass an empty excludeUserId to reach the whole room.
func (h *hub) broadcastRoom(roomId string, envelope any, excludeUserId string) {
	room, ok := h.reg.Room(roomId)
	if !ok {
		return
	}

	h.broadcastTo(room.MemberIds(), envelope, excludeUserId)
}

// broadcastTo delivers envelope to an explicit recipient list. Used for
// closed-room notifications, where the member set has already been removed
// from the registry.
func (h *hub) broadcastTo(userIds []string, envelope any, excludeUserId string) {
	data, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Warn("failed to marshal envelope", "error", err)
		return
	}

	for _, userId := range userIds {
		if userId == excludeUserId {
			continue
		}

		sender, ok := h.reg.Sender(userId)
		if !ok {
			continue
		}

		if err := sender.Send(data); err != nil {
			h.logger.Warn("failed to send", "user_id", userId, "error", err)
		}
	}
}

func (h *hub) broadcastAll(envelope any) {
	h.broadcastTo(h.reg.RegisteredUserIds(), envelope, "")
}
