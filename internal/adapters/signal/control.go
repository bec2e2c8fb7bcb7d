package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/app/orch"
	"github.com/dkeye/Delve/internal/core"
	"github.com/dkeye/Delve/internal/domain"
	"github.com/dkeye/Delve/internal/proto"
)

func (ctl *SignalWSController) sendError(c *WsSignalConn, reason string) {
	ctl.Orch.Execute([]orch.Effect{orch.ErrorReply(c, reason)})
}

func (ctl *SignalWSController) sendControl(c *WsSignalConn, t proto.Type, room domain.RoomID, payload any) {
	b, err := proto.Marshal(t, room, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendControl marshal")
		return
	}
	_ = c.TrySend(core.ControlFrame(b))
}

func (ctl *SignalWSController) kick(c *WsSignalConn, reason string) {
	ctl.Orch.Execute([]orch.Effect{orch.Kick{Conn: c, Reason: reason}})
}
