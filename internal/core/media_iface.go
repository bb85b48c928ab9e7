package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaEngine abstracts the peer connection. The session engine only ever
// supplies and consumes session descriptions and ICE candidates through it;
// all negotiation internals stay on the other side of this interface.
type MediaEngine interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, d webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, d webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// LocalDescription returns the current local SDP, nil before the first
	// SetLocalDescription.
	LocalDescription() *webrtc.SessionDescription

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnICEConnectionStateChange reports connectivity progress.
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnDataChannel(func(*webrtc.DataChannel))

	// Close should stop all underlying media resources.
	Close()
}
