package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/lifeos-nexus/council/internal/registry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DisconnectReason is delivered to every pending waiter when the
// extension socket goes away.
const DisconnectReason = "Extension disconnected"

// Options configures the extension socket.
type Options struct {
	// OriginPatterns are host patterns accepted in the Origin header.
	// "*" accepts any origin, which is what browser extensions need.
	OriginPatterns []string
	// ReadLimit caps a single inbound frame in bytes.
	ReadLimit int64
	// HeartbeatInterval is the ping period; zero disables the heartbeat.
	HeartbeatInterval time.Duration
}

// Handler upgrades /ws requests and runs the extension connection.
type Handler struct {
	reg        *registry.Registry
	dispatcher *Dispatcher
	opts       Options
	baseCtx    context.Context
}

// NewHandler creates the socket handler. Connections end when baseCtx
// is cancelled, which is how server shutdown reaches hijacked sockets.
func NewHandler(baseCtx context.Context, reg *registry.Registry, opts Options) *Handler {
	return &Handler{
		reg:        reg,
		dispatcher: NewDispatcher(reg),
		opts:       opts,
		baseCtx:    baseCtx,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The socket outlives any server-wide read/write deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Extension upgrade failed")
		return
	}
	if h.opts.ReadLimit > 0 {
		ws.SetReadLimit(h.opts.ReadLimit)
	}

	conn := registry.NewConnection()
	prev, err := h.reg.SetConnection(conn)
	if err != nil {
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	if prev != nil {
		log.Warn().Str("previous", prev.ID).Str("connection", conn.ID).
			Msg("Extension connection superseded; previous socket can no longer send")
	}
	log.Info().Str("connection", conn.ID).Str("remote", r.RemoteAddr).Msg("🔌 Extension connected")

	err = h.run(ws, conn)

	unsent := conn.Outbound().Len()
	conn.Outbound().Close()
	if h.reg.ClearConnection(conn) {
		h.reg.RejectAll(DisconnectReason)
	}

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Info().Str("connection", conn.ID).Msg("Extension sent close frame")
		_ = ws.Close(websocket.StatusNormalClosure, "")
	case h.baseCtx.Err() != nil || errors.Is(err, registry.ErrClosed):
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		log.Warn().Err(err).Str("connection", conn.ID).Msg("Extension socket error")
		_ = ws.CloseNow()
	}
	log.Info().Str("connection", conn.ID).Int("unsent_frames", unsent).Msg("Extension disconnected")
}

// run duplexes the connection until any loop stops.
func (h *Handler) run(ws *websocket.Conn, conn *registry.Connection) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := context.AfterFunc(h.baseCtx, cancel)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.writeLoop(gctx, ws, conn) })
	g.Go(func() error { return h.readLoop(gctx, ws, conn) })
	if h.opts.HeartbeatInterval > 0 {
		g.Go(func() error { return NewHeartbeat(ws, h.opts.HeartbeatInterval).Run(gctx) })
	}
	return g.Wait()
}

func (h *Handler) writeLoop(ctx context.Context, ws *websocket.Conn, conn *registry.Connection) error {
	for {
		msg, err := conn.Outbound().Next(ctx)
		if err != nil {
			return err
		}
		if err := ws.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *registry.Connection) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			log.Debug().Int("bytes", len(data)).Msg("Ignoring binary frame from extension")
			continue
		}
		h.dispatcher.Handle(conn, data)
	}
}
