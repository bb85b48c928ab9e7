package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcsig/internal/adapters/rtc"
	"github.com/dkeye/rtcsig/internal/allocate"
	"github.com/dkeye/rtcsig/internal/config"
	"github.com/dkeye/rtcsig/internal/core"
	"github.com/dkeye/rtcsig/internal/domain"
	"github.com/dkeye/rtcsig/internal/session"
	"github.com/dkeye/rtcsig/internal/xmpp"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	conn := xmpp.New(xmpp.Config{
		URL:           cfg.SignalingURL,
		Domain:        cfg.Domain,
		RoutingID:     cfg.RoutingID,
		PingInterval:  cfg.PingInterval,
		MaxPingMisses: cfg.MaxPingMisses,
	})
	if err := conn.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("connect signaling")
	}

	alloc := allocate.NewClient(cfg.AllocateURL)
	newEngine := func(room domain.RoomID) (core.MediaEngine, error) {
		return rtc.NewEngine(rtc.DefaultWebRTCConfig(), room)
	}

	sess := session.New(conn, alloc, newEngine, session.Callbacks{
		OnStateChanged: func(st domain.State) {
			log.Info().Str("state", st.String()).Msg("session state")
		},
		OnParticipantJoined: func(p domain.Participant) {
			log.Info().Str("jid", string(p.JID)).Str("name", p.Name).Msg("participant joined")
		},
		OnParticipantLeft: func(jid domain.JID) {
			log.Info().Str("jid", string(jid)).Msg("participant left")
		},
		OnRoomEmpty: func(room domain.RoomID) {
			log.Info().Str("room", string(room)).Msg("room now empty")
		},
		OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Info().Str("kind", track.Kind().String()).Str("stream", track.StreamID()).Msg("remote track")
		},
		OnError: func(e *domain.SessionError) {
			log.Error().Str("room", string(e.RoomID)).Str("kind", string(e.Kind)).Msg(e.Message)
		},
	})

	err = sess.Create(ctx, session.Config{
		Type:                  domain.KindVideo,
		RoomName:              os.Getenv("ROOM_NAME"),
		RoutingID:             cfg.RoutingID,
		IrisToken:             cfg.IrisToken,
		SessionType:           domain.SessionCreate,
		PresenceAliveInterval: cfg.PresenceAlive,
		MonitorInterval:       cfg.MonitorTick,
		StalenessThreshold:    cfg.StaleThreshold,
		StatsInterval:         cfg.StatsInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create session")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	sess.End()
	conn.Disconnect()
	log.Info().Msg("exited gracefully")
}
