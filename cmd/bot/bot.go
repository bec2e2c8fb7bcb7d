package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/client/reconcile"
	"github.com/dkeye/Delve/internal/client/session"
	"github.com/dkeye/Delve/internal/config"
	"github.com/dkeye/Delve/internal/domain"
	"github.com/dkeye/Delve/internal/world"
	"github.com/dkeye/Delve/internal/world/intent"
)

type stats struct {
	sent       atomic.Int64
	events     atomic.Int64
	received   atomic.Int64
	reconnects atomic.Int64
	anomalies  atomic.Int64
	failed     atomic.Int64
	rtt        atomic.Int64
}

func (s *stats) observeRTT(d time.Duration) {
	for {
		cur := s.rtt.Load()
		if int64(d) <= cur || s.rtt.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

func (s *stats) maxRTT() time.Duration { return time.Duration(s.rtt.Load()) }

var steps = []struct {
	step   domain.Vec
	facing domain.Facing
}{
	{domain.Vec{Y: -1}, domain.FacingUp},
	{domain.Vec{Y: 1}, domain.FacingDown},
	{domain.Vec{X: -1}, domain.FacingLeft},
	{domain.Vec{X: 1}, domain.FacingRight},
}

type bot struct {
	n     int
	cfg   *config.ClientConfig
	mgr   *session.Manager
	room  domain.RoomID
	tick  time.Duration
	stats *stats

	rng *rand.Rand
}

func (b *bot) run(ctx context.Context) error {
	s, err := b.mgr.Connect(ctx, b.cfg.ServerURL, fmt.Sprintf("%s-%d", b.cfg.DisplayName, b.n))
	if err != nil {
		return err
	}
	defer s.Disconnect()

	h, err := s.CreateOrJoinRoom(ctx, b.room, nil)
	if err != nil {
		return err
	}

	rc := reconcile.New(reconcile.Config{InterpDelay: b.cfg.InterpDelay, SeenEvents: b.cfg.SeenEvents})
	rc.OnAnomaly(func(a reconcile.Anomaly) {
		b.stats.anomalies.Add(1)
		s.ReportDesync(a.Detail)
	})
	rc.ResetRoom(h.Accepted)
	tr := intent.NewTranslator(h.Self, rc.Layout())
	b.rng = rand.New(rand.NewPCG(uint64(b.n), uint64(h.Seed)))

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()
	pinger := time.NewTicker(time.Second)
	defer pinger.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.States():
			if !ok {
				return session.ErrClosed
			}
			switch ev.Kind {
			case session.Reconnecting:
				b.stats.reconnects.Add(1)
			case session.RoomGone:
				return fmt.Errorf("room %s gone: %s", ev.RoomID, ev.Reason)
			case session.RoomDesync:
				log.Debug().Str("module", "bot").Int("bot", b.n).Str("reason", ev.Reason).Msg("desync")
			}
		case <-pinger.C:
			_ = s.Ping()
			b.stats.observeRTT(s.RTT())
		case now := <-ticker.C:
			envs := s.Drain()
			b.stats.received.Add(int64(len(envs)))
			rc.Receive(envs...)
			view := rc.Frame(now)
			if s.Room() == "" {
				continue
			}
			b.act(s, rc, tr, view)
		}
	}
}

func (b *bot) act(s *session.Session, rc *reconcile.Reconciler, tr *intent.Translator, view world.Snapshot) {
	me, ok := view.Get(rc.Owned())
	if !ok || me.HP <= 0 {
		return
	}

	var intents []intent.Intent
	for _, item := range view.OfKind(domain.KindItem) {
		if near(me.Position, item.Position) {
			intents = append(intents, intent.Intent{Kind: intent.Pickup, Actor: me.ID, Target: item.ID})
		}
	}
	for _, npc := range view.OfKind(domain.KindNPC) {
		if near(me.Position, npc.Position) {
			intents = append(intents, intent.Intent{Kind: intent.Attack, Actor: me.ID, Target: npc.ID, Damage: 1 + b.rng.IntN(4)})
		}
	}
	_, events := tr.Translate(view, intents)
	for _, ev := range events {
		if err := s.PublishEvent(ev.Kind, ev.Payload); err != nil {
			log.Debug().Err(err).Str("module", "bot").Msg("publish event")
			return
		}
		b.stats.events.Add(1)
	}

	mv := steps[b.rng.IntN(len(steps))]
	dest := me.Position.Add(mv.step)
	in := reconcile.Input{Facing: mv.facing}
	if l := rc.Layout(); l == nil || l.Walkable(int(dest.X), int(dest.Y)) {
		in.Step = mv.step
	}
	d, err := rc.Predict(in)
	if err != nil {
		return
	}
	if err := s.PublishDelta(d); err != nil {
		log.Debug().Err(err).Str("module", "bot").Msg("publish delta")
		return
	}
	b.stats.sent.Add(1)
}

func near(a, b domain.Vec) bool {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx+dy*dy <= 2.25
}
