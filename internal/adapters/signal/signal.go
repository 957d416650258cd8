// Package signal is the websocket adapter of the voice signaling protocol.
package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicehub/internal/app/orch"
	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Limiter  *RoomRateLimiter
	opts     Options
	validate *validator.Validate
}

func NewSignalWSController(o *orch.Orchestrator, limiter *RoomRateLimiter, opts Options) *SignalWSController {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	return &SignalWSController{
		Orch:     o,
		Limiter:  limiter,
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// WsSignalConn is a websocket with a bounded outgoing queue. Media steps
// of the connection run one at a time off the steps queue.
type WsSignalConn struct {
	id    core.ConnID
	user  domain.UserID
	conn  *websocket.Conn
	send  chan core.Frame
	steps chan func()

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	user := domain.UserID(c.GetString("client_token"))
	if user == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	id := core.ConnID(uuid.NewString())
	logger := log.With().Str("module", "signal").Str("conn", string(id)).Str("user", string(user)).Logger()
	logger.Info().Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.opts.ReadLimit)
	}

	conn := &WsSignalConn{
		id:   id,
		user: user,
		conn: ws,
		send:  make(chan core.Frame, ctl.opts.SendBuffer),
		steps: make(chan func(), ctl.opts.SendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(id, user, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.stepPump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}
