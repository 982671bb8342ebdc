package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tonearm/roomsync/internal/protocol"
)

// DirectoryKey is the redis key the live room list is mirrored under.
const DirectoryKey = "roomsync:directory"

// directory mirrors room-list snapshots into redis with a TTL so operators
// and sibling instances can inspect live rooms without a websocket
// connection. The in-memory registry stays authoritative; the mirror is
// best-effort and written off the actor goroutine.
type directory struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	// Latest-wins buffer of depth one: a burst of membership changes
	// collapses to the newest snapshot.
	updates chan []protocol.RoomInfo
}

func newDirectory(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *directory {
	return &directory{
		rdb:     rdb,
		ttl:     ttl,
		logger:  logger,
		updates: make(chan []protocol.RoomInfo, 1),
	}
}

// publish queues a snapshot without blocking the caller.
func (d *directory) publish(rooms []protocol.RoomInfo) {
	for {
		select {
		case d.updates <- rooms:
			return
		default:
			select {
			case <-d.updates:
			default:
			}
		}
	}
}

func (d *directory) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rooms := <-d.updates:
			data, err := json.Marshal(rooms)
			if err != nil {
				d.logger.Warn("failed to marshal directory snapshot", "error", err)
				continue
			}

			if err := d.rdb.Set(ctx, DirectoryKey, data, d.ttl).Err(); err != nil {
				d.logger.Warn("failed to write directory snapshot", "error", err)
			}
		}
	}
}
