package signal

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dkeye/Delve/internal/app/orch"
	"github.com/dkeye/Delve/internal/proto"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Settings.PingPeriod)
	// Half the resend age bounds how late an unacked event goes out again.
	resend := time.NewTicker(max(c.out.ResendAfter()/2, time.Millisecond))
	defer func() {
		ticker.Stop()
		resend.Stop()
		c.Close()
		c.out.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			ctl.hangUp(c, websocket.CloseGoingAway)
			return
		case <-c.done:
			_ = ctl.flush(c)
			ctl.hangUp(c, websocket.CloseNormalClosure)
			return
		case <-c.out.Ready():
			if err := ctl.flush(c); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-resend.C:
			if n := c.out.Resend(); n > 0 {
				log.Debug().Str("module", "signal").Int("frames", n).Msg("resending unacked events")
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Settings.WriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

// flush writes everything queued in the outbox.
func (ctl *SignalWSController) flush(c *WsSignalConn) error {
	for {
		frame, ok := c.out.Next()
		if !ok {
			return nil
		}
		if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Settings.WriteTimeout)); err != nil {
			return err
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
}

func (ctl *SignalWSController) hangUp(c *WsSignalConn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ctl.Settings.WriteTimeout))
}

func (ctl *SignalWSController) readPump(ctx context.Context, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Msg("readPump closing")
		ctl.Orch.Disconnect(c)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.Settings.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Settings.HandshakeTimeout))
	c.conn.SetPongHandler(func(string) error {
		if _, ok := ctl.Orch.Registry.IdentityOf(c); !ok {
			return nil
		}
		return c.conn.SetReadDeadline(time.Now().Add(ctl.Settings.pongWait()))
	})
	guard := newOffenseLimiter(rate.Limit(ctl.Settings.MessageRate), ctl.Settings.MessageBurst, ctl.Settings.MaxOffenses)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		if !guard.Allow() {
			ctl.sendError(c, proto.ReasonRateLimited)
			if guard.Offend() {
				ctl.kick(c, proto.ReasonRateLimited)
				return
			}
			continue
		}
		if err := ctl.handleSignal(ctx, c, data); errors.Is(err, orch.ErrProtocol) {
			log.Warn().Err(err).Str("module", "signal").Int("offenses", guard.Offenses()+1).Msg("protocol violation")
			if guard.Offend() {
				ctl.kick(c, proto.ReasonBadPayload)
				return
			}
		}
		if _, ok := ctl.Orch.Registry.IdentityOf(c); ok {
			_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Settings.pongWait()))
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, c *WsSignalConn, data []byte) error {
	env, err := proto.Decode(data)
	if err != nil {
		return ctl.Orch.HandleFrame(c, data)
	}

	switch env.Type {
	case proto.TypeRTCOffer:
		return ctl.handleOffer(ctx, c, env)
	case proto.TypeRTCCandidate:
		return ctl.handleCandidate(c, env)
	default:
		return ctl.Orch.HandleEnvelope(c, env)
	}
}
