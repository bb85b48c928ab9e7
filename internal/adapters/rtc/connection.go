// Package rtc is the pion-backed default implementation of the media
// engine interface.
package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcsig/internal/domain"
)

type Engine struct {
	pc   *webrtc.PeerConnection
	room domain.RoomID

	onICE      func(webrtc.ICECandidateInit)
	onICEState func(webrtc.ICEConnectionState)
	onTrack    func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onData     func(*webrtc.DataChannel)
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func NewEngine(cfg webrtc.Configuration, room domain.RoomID) (*Engine, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{pc: pc, room: room}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("room", string(e.room)).Str("ice_state", s.String()).Msg("ICE state")
		if e.onICEState != nil {
			e.onICEState(s)
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && e.onICE != nil {
			e.onICE(cand.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("room", string(e.room)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		if e.onTrack != nil {
			e.onTrack(track, receiver)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if e.onData != nil {
			e.onData(dc)
		}
	})
	return e, nil
}

func (e *Engine) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return e.pc.CreateOffer(nil)
}

func (e *Engine) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return e.pc.CreateAnswer(nil)
}

func (e *Engine) SetLocalDescription(ctx context.Context, d webrtc.SessionDescription) error {
	return e.pc.SetLocalDescription(d)
}

func (e *Engine) SetRemoteDescription(ctx context.Context, d webrtc.SessionDescription) error {
	return e.pc.SetRemoteDescription(d)
}

func (e *Engine) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return e.pc.AddICECandidate(ci)
}

func (e *Engine) LocalDescription() *webrtc.SessionDescription {
	return e.pc.LocalDescription()
}

func (e *Engine) OnICECandidate(fn func(webrtc.ICECandidateInit)) { e.onICE = fn }

func (e *Engine) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) { e.onICEState = fn }

// OnTrack sets the application-level callback for remote tracks.
func (e *Engine) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	e.onTrack = fn
}

func (e *Engine) OnDataChannel(fn func(*webrtc.DataChannel)) { e.onData = fn }

func (e *Engine) Close() {
	if e.pc != nil {
		if err := e.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("room", string(e.room)).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("room", string(e.room)).Msg("closed")
		}
	}
}
