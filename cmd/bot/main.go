// Command bot drives a room with headless clients for soak and load runs.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
	"github.com/remeh/sizedwaitgroup"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Delve/internal/client/session"
	"github.com/dkeye/Delve/internal/config"
	"github.com/dkeye/Delve/internal/domain"
)

func main() {
	fs := pflag.NewFlagSet("bot", pflag.ExitOnError)
	clients := fs.IntP("clients", "n", 3, "number of bots joining the room")
	parallel := fs.Int("parallel", 8, "bots connecting at once")
	duration := fs.DurationP("duration", "d", 30*time.Second, "how long each bot plays")
	tick := fs.Duration("tick", 100*time.Millisecond, "input interval")
	room := fs.String("room", "", "room code to join; empty creates one")
	seed := fs.Int64("seed", 0, "dungeon seed for a created room")
	fs.String("server", "", "server websocket url")
	fs.String("name", "", "display name prefix")
	debug := fs.Bool("debug", false, "verbose logging")
	_ = fs.Parse(os.Args[1:])

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	v := config.NewViper()
	_ = v.BindPFlag("server_url", fs.Lookup("server"))
	_ = v.BindPFlag("display_name", fs.Lookup("name"))
	cfg, err := config.LoadClient(v)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := session.Options{
		JoinTimeout:       cfg.JoinTimeout,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectMax:      cfg.ReconnectMax,
	}
	mgr := session.NewManager(opts)

	code := domain.RoomID(*room)
	if code == "" {
		host, err := mgr.Connect(ctx, cfg.ServerURL, cfg.DisplayName+"-host")
		if err != nil {
			log.Fatal().Err(err).Str("server", cfg.ServerURL).Msg("host connect failed")
		}
		defer host.Disconnect()
		var seedp *int64
		if fs.Changed("seed") {
			seedp = seed
		}
		h, err := host.CreateOrJoinRoom(ctx, "", seedp)
		if err != nil {
			log.Fatal().Err(err).Msg("create room failed")
		}
		code = h.RoomID
		log.Info().Str("room", string(code)).Int64("seed", h.Seed).Msg("room created")
	}

	started := time.Now()
	st := &stats{}
	swg := sizedwaitgroup.New(*parallel)
	for i := range *clients {
		swg.Add()
		go func(n int) {
			defer swg.Done()
			b := &bot{
				n:     n,
				cfg:   cfg,
				mgr:   mgr,
				room:  code,
				tick:  *tick,
				stats: st,
			}
			runCtx, stop := context.WithTimeout(ctx, *duration)
			defer stop()
			if err := b.run(runCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				st.failed.Add(1)
				log.Error().Err(err).Int("bot", n).Msg("bot stopped")
			}
		}(i)
	}
	swg.Wait()

	elapsed := time.Since(started)
	log.Info().
		Str("room", string(code)).
		Str("elapsed", durafmt.Parse(elapsed).LimitFirstN(2).String()).
		Str("deltas_sent", humanize.Comma(st.sent.Load())).
		Str("events_sent", humanize.Comma(st.events.Load())).
		Str("frames_received", humanize.Comma(st.received.Load())).
		Int64("reconnects", st.reconnects.Load()).
		Int64("anomalies", st.anomalies.Load()).
		Int64("failed", st.failed.Load()).
		Str("max_rtt", st.maxRTT().String()).
		Msg("run finished")
}
