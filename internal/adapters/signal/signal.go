// Package signal is the websocket transport in front of the orchestrator.
package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Delve/internal/adapters/rtc"
	"github.com/dkeye/Delve/internal/app/orch"
	"github.com/dkeye/Delve/internal/core"
)

type Settings struct {
	ReadLimit        int64
	WriteTimeout     time.Duration
	PingPeriod       time.Duration
	HandshakeTimeout time.Duration
	// MessageRate and MessageBurst bound inbound frames per connection.
	MessageRate  float64
	MessageBurst int
	// MaxOffenses is how many protocol or rate violations a connection may
	// commit before it is dropped.
	MaxOffenses int
	Outbox      core.OutboxConfig
	RTCEnabled  bool
	RTC         rtc.Config
}

func DefaultSettings() Settings {
	return Settings{
		ReadLimit:        64 << 10,
		WriteTimeout:     5 * time.Second,
		PingPeriod:       27 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MessageRate:      60,
		MessageBurst:     120,
		MaxOffenses:      10,
		Outbox:           core.DefaultOutboxConfig(),
		RTC:              rtc.DefaultConfig(nil),
	}
}

// pongWait is how long a registered connection may stay silent.
func (s Settings) pongWait() time.Duration { return s.PingPeriod * 10 / 9 }

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Settings Settings
}

func NewSignalWSController(o *orch.Orchestrator, s Settings) *SignalWSController {
	def := DefaultSettings()
	if s.ReadLimit <= 0 {
		s.ReadLimit = def.ReadLimit
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = def.WriteTimeout
	}
	if s.PingPeriod <= 0 {
		s.PingPeriod = def.PingPeriod
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = def.HandshakeTimeout
	}
	return &SignalWSController{Orch: o, Settings: s}
}

// WsSignalConn is one websocket client. Frames are queued in an outbox and
// written by the connection's write pump.
type WsSignalConn struct {
	conn *websocket.Conn
	out  *core.Outbox

	done chan struct{}
	once sync.Once
}

func newWsSignalConn(ws *websocket.Conn, cfg core.OutboxConfig) *WsSignalConn {
	return &WsSignalConn{conn: ws, out: core.NewOutbox(cfg), done: make(chan struct{})}
}

func (c *WsSignalConn) TrySend(ob core.Outbound) error {
	select {
	case <-c.done:
		return core.ErrClosed
	default:
	}
	return c.out.Push(ob)
}

func (c *WsSignalConn) Ack(eventID string) { c.out.Ack(eventID) }
func (c *WsSignalConn) Unacked() int       { return c.out.Unacked() }

// Close asks the write pump to flush what is queued and hang up.
func (c *WsSignalConn) Close() {
	c.once.Do(func() { close(c.done) })
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves it until either pump exits.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	log.Info().Str("module", "signal").Str("client_token", c.GetString("client_token")).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	conn := newWsSignalConn(ws, ctl.Settings.Outbox)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	wg.Go(func() { ctl.writePump(ctx, conn) })
	wg.Go(func() {
		defer cancel()
		ctl.readPump(ctx, conn)
	})
	if r := wg.WaitAndRecover(); r != nil {
		log.Error().Err(r.AsError()).Str("module", "signal").Msg("pump panicked")
		ctl.Orch.Disconnect(conn)
		conn.Close()
		_ = ws.Close()
	}
}
