// Package server implements the shared-listening-room service: a single
// websocket endpoint over which player instances create and join rooms,
// exchange chat, and relay playback commands. All room state is owned by one
// actor goroutine fed through a serialized command queue; connection pumps
// never touch the registry directly.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/tonearm/roomsync/internal/protocol"
	"github.com/tonearm/roomsync/internal/registry"
	"github.com/tonearm/roomsync/pkg/ctxlogger"
	"github.com/tonearm/roomsync/pkg/validator"
	"github.com/tonearm/roomsync/pkg/wsrouter"
)

const commandQueueSize = 256

type Config struct {
	Host string
	Port int
	// MembersLimit caps room membership; zero means unlimited.
	MembersLimit int
	// DirectoryTTL bounds the redis room-directory mirror entry lifetime.
	DirectoryTTL time.Duration
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	validate *validator.Validator
	router   *wsrouter.Router

	// Actor-owned state: reg, hub and conns are only touched by run().
	reg   *registry.Registry
	hub   *hub
	conns map[*conn]struct{}

	commands chan func()
	// stopped is closed when the actor exits; do() gives up on it instead
	// of blocking forever.
	stopped chan struct{}
	dir     *directory

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	ln      net.Listener
	httpSrv *http.Server
	// Tracks the actor and every live connection handler for the bounded
	// join on Stop.
	wg sync.WaitGroup

	upgrader websocket.Upgrader
}

// New builds a server. rdb is optional; when nil the room-directory mirror
// is disabled.
func New(cfg Config, logger *slog.Logger, rdb *redis.Client) *Server {
	if cfg.DirectoryTTL <= 0 {
		cfg.DirectoryTTL = time.Minute
	}

	reg := registry.New(cfg.MembersLimit, logger)
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		validate: validator.New(),
		reg:      reg,
		hub:      newHub(reg, logger),
		conns:    make(map[*conn]struct{}),
		commands: make(chan func(), commandQueueSize),
		stopped:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	if rdb != nil {
		s.dir = newDirectory(rdb, cfg.DirectoryTTL, logger)
	}

	s.router = s.routes()

	return s
}

// Start binds the listener and launches the actor and accept loops. It
// returns once the server is serving; starting an already running server is
// a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ln = ln
	s.httpSrv = &http.Server{Handler: s.Mux()}
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()

	if s.dir != nil {
		go s.dir.run(ctx)
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve error", "error", err)
		}
	}()

	s.logger.Info("room server started", "address", ln.Addr().String())
	return nil
}

// Stop closes every connection, drains the actor, and shuts the listener
// down. It honors ctx's deadline: connection handlers that do not exit in
// time are abandoned after their transports are force-closed. Stopping a
// server that is not running is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	httpSrv := s.httpSrv
	s.mu.Unlock()

	// Close transports first so pending sends fail fast instead of raising
	// after the loop is gone.
	s.do(func() {
		for c := range s.conns {
			c.close()
		}
	})

	if err := httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("room server stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timed out, abandoning remaining handlers")
		return ctx.Err()
	}
}

// Addr reports the bound address, useful when the configured port is 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Mux() http.Handler {
	r := chi.NewRouter()

	r.HandleFunc("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)

	return r
}

// run is the actor loop: the sole owner of registry, hub and conns.
func (s *Server) run(ctx context.Context) {
	defer close(s.stopped)

	for {
		select {
		case fn := <-s.commands:
			fn()
		case <-ctx.Done():
			// Drain whatever was queued before the stop request.
			for {
				select {
				case fn := <-s.commands:
					fn()
				default:
					return
				}
			}
		}
	}
}

// do hands fn to the actor goroutine. Commands from one connection are
// applied in submission order; commands submitted after the actor has
// exited are dropped.
func (s *Server) do(fn func()) {
	select {
	case s.commands <- fn:
	case <-s.stopped:
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "failed to upgrade to websocket", "error", err)
		return
	}

	c := newConn(uuid.NewString(), ws)
	ctx := ctxlogger.AppendCtx(context.Background(), slog.String("conn_id", c.id))
	s.logger.InfoContext(ctx, "connection accepted", "remote_addr", r.RemoteAddr)

	s.do(func() {
		s.conns[c] = struct{}{}
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump(ctx, c)
	}()

	s.wg.Add(1)
	defer s.wg.Done()
	s.readPump(ctx, c)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	type stats struct {
		Rooms       int `json:"rooms"`
		Connections int `json:"connections"`
	}

	resp := make(chan stats, 1)
	s.do(func() {
		rooms, connections := s.reg.Stats()
		resp <- stats{Rooms: rooms, Connections: connections}
	})

	var out stats
	select {
	case out = <-resp:
	case <-s.stopped:
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) dispatch(ctx context.Context, c *conn, frame []byte) {
	ctx = withConn(ctx, c)

	if err := s.router.Dispatch(ctx, frame); err != nil {
		if errors.Is(err, wsrouter.ErrMalformedFrame) {
			s.logger.WarnContext(ctx, "malformed frame dropped", "error", err)
			s.writeError(c, "malformed envelope")
			return
		}
		s.logger.WarnContext(ctx, "failed to handle frame", "error", err)
	}
}

// writeError pushes an error envelope straight to one connection. Safe off
// the actor goroutine since it bypasses the registry entirely.
func (s *Server) writeError(c *conn, message string) {
	data, err := json.Marshal(protocol.NewError(message))
	if err != nil {
		return
	}
	if err := c.Send(data); err != nil {
		s.logger.Debug("failed to send error envelope", "error", err)
	}
}

func (s *Server) roomListEnvelope() *protocol.RoomListEnvelope {
	rooms := s.reg.ListRooms()
	infos := make([]protocol.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		users := room.MemberIds()
		slices.Sort(users)
		infos = append(infos, protocol.RoomInfo{
			Id:    room.Id,
			Name:  room.Name,
			Owner: room.OwnerId,
			Users: users,
		})
	}

	return protocol.NewRoomList(infos)
}

// publishDirectory mirrors the current room list into redis, when the
// mirror is configured. Called from the actor after membership changes.
func (s *Server) publishDirectory() {
	if s.dir == nil {
		return
	}
	s.dir.publish(s.roomListEnvelope().Rooms)
}
