package signal

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/adapters/rtc"
	"github.com/dkeye/Delve/internal/app/orch"
	"github.com/dkeye/Delve/internal/proto"
)

func (ctl *SignalWSController) sendCandidate(c *WsSignalConn, ci webrtc.ICECandidateInit) {
	resp := proto.RTCCandidate{Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		resp.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		resp.SDPMLineIndex = *ci.SDPMLineIndex
	}
	ctl.sendControl(c, proto.TypeRTCCandidate, "", resp)
}

// handleOffer negotiates the optional delta channel for a registered
// connection. Frames arriving on it are handled as if sent on c.
func (ctl *SignalWSController) handleOffer(ctx context.Context, c *WsSignalConn, env proto.Envelope) error {
	if !ctl.Settings.RTCEnabled {
		ctl.sendError(c, proto.ReasonUnknownType)
		return nil
	}
	id, ok := ctl.Orch.Registry.IdentityOf(c)
	if !ok {
		ctl.sendError(c, proto.ReasonNotRegistered)
		return fmt.Errorf("%w: rtc offer before hello", orch.ErrProtocol)
	}
	sess, ok := ctl.Orch.Registry.Session(id)
	if !ok {
		ctl.sendError(c, proto.ReasonNotRegistered)
		return nil
	}
	p, err := proto.PayloadAs[proto.RTCSession](env)
	if err != nil || p.SDP == "" {
		ctl.sendError(c, proto.ReasonBadPayload)
		return fmt.Errorf("%w: bad offer", orch.ErrProtocol)
	}

	dc, err := rtc.NewDataConnection(ctl.Settings.RTC, string(id))
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc new pc")
		ctl.sendError(c, proto.ReasonInternal)
		return nil
	}
	dc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		ctl.sendCandidate(c, ci)
	})
	dc.OnMessage(func(data []byte) {
		if err := ctl.Orch.HandleFrame(c, data); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("identity", string(id)).Msg("data channel frame")
		}
	})

	if err := dc.Start(ctx); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc start")
		dc.Close()
		return nil
	}
	answer, err := dc.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc apply offer")
		dc.Close()
		ctl.sendError(c, proto.ReasonBadPayload)
		return nil
	}

	sess.UpdateData(dc)
	ctl.sendControl(c, proto.TypeRTCAnswer, "", proto.RTCSession{SDP: answer.SDP})
	return nil
}

func (ctl *SignalWSController) handleCandidate(c *WsSignalConn, env proto.Envelope) error {
	p, err := proto.PayloadAs[proto.RTCCandidate](env)
	if err != nil {
		return fmt.Errorf("%w: %v", orch.ErrProtocol, err)
	}
	id, ok := ctl.Orch.Registry.IdentityOf(c)
	if !ok {
		ctl.sendError(c, proto.ReasonNotRegistered)
		return fmt.Errorf("%w: rtc candidate before hello", orch.ErrProtocol)
	}
	sess, ok := ctl.Orch.Registry.Session(id)
	if !ok {
		return nil
	}
	dc, ok := sess.Data().(*rtc.DataConnection)
	if !ok || dc == nil {
		log.Warn().Str("module", "signal").Str("identity", string(id)).Msg("candidate: no data connection")
		return nil
	}

	cand := webrtc.ICECandidateInit{Candidate: p.Candidate}
	if p.SDPMid != "" {
		cand.SDPMid = &p.SDPMid
	}
	cand.SDPMLineIndex = &p.SDPMLineIndex
	if err := dc.AddICECandidate(cand); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("add ice candidate")
	}
	return nil
}
