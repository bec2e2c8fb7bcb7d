// Package rtc carries entity deltas over an unordered WebRTC data channel
// negotiated through the signal connection.
package rtc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/core"
)

const DefaultLabel = "deltas"

type Config struct {
	ICE   webrtc.Configuration
	Label string
	// MaxBuffered is the send buffer size above which frames are refused.
	MaxBuffered uint64
}

func DefaultConfig(stunURLs []string) Config {
	cfg := Config{Label: DefaultLabel, MaxBuffered: 1 << 20}
	if len(stunURLs) > 0 {
		cfg.ICE.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return cfg
}

// DataConnection is a core.SignalConnection over a client-opened data
// channel. It has no reliability of its own: Ack is a no-op and nothing is
// ever unacked, so only coalescable frames should be routed here.
type DataConnection struct {
	pc    *webrtc.PeerConnection
	owner string
	cfg   Config

	mu        sync.RWMutex
	dc        *webrtc.DataChannel
	onICE     func(webrtc.ICECandidateInit)
	onMessage func([]byte)
	onClosed  func()

	stop   func() bool
	closed atomic.Bool
}

func NewDataConnection(cfg Config, owner string) (*DataConnection, error) {
	if cfg.Label == "" {
		cfg.Label = DefaultLabel
	}
	pc, err := webrtc.NewPeerConnection(cfg.ICE)
	if err != nil {
		return nil, err
	}
	return &DataConnection{pc: pc, owner: owner, cfg: cfg}, nil
}

// Start wires peer connection callbacks. The connection is closed when ctx
// is done.
func (c *DataConnection) Start(ctx context.Context) error {
	c.stop = context.AfterFunc(ctx, c.Close)

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("identity", c.owner).Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.Close()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != c.cfg.Label {
			log.Warn().Str("module", "rtc").Str("identity", c.owner).Str("label", dc.Label()).Msg("ignoring data channel")
			return
		}
		dc.OnOpen(func() {
			c.mu.Lock()
			c.dc = dc
			c.mu.Unlock()
			log.Info().Str("module", "rtc").Str("identity", c.owner).Msg("data channel open")
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			c.mu.RLock()
			fn := c.onMessage
			c.mu.RUnlock()
			if fn != nil {
				fn(msg.Data)
			}
		})
		dc.OnClose(func() {
			c.mu.Lock()
			if c.dc == dc {
				c.dc = nil
			}
			c.mu.Unlock()
			log.Info().Str("module", "rtc").Str("identity", c.owner).Msg("data channel closed")
		})
	})
	return nil
}

func (c *DataConnection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	<-gatherComplete

	return c.pc.LocalDescription(), nil
}

func (c *DataConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *DataConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

// OnMessage sets the handler for inbound frames.
func (c *DataConnection) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *DataConnection) OnClosed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

func (c *DataConnection) TrySend(ob core.Outbound) error {
	c.mu.RLock()
	dc := c.dc
	c.mu.RUnlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return core.ErrClosed
	}
	if c.cfg.MaxBuffered > 0 && dc.BufferedAmount() > c.cfg.MaxBuffered {
		return core.ErrBackpressure
	}
	return dc.SendText(string(ob.Frame))
}

func (c *DataConnection) Ack(string)   {}
func (c *DataConnection) Unacked() int { return 0 }

func (c *DataConnection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.stop != nil {
		c.stop()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("identity", c.owner).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("identity", c.owner).Msg("closed")
	}
	c.mu.Lock()
	c.dc = nil
	fn := c.onClosed
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
