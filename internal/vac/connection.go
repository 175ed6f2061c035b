// Package vac is the per-tab side of the virtual audio cable: a controller
// that owns the tab's audio graph and one peer session per remote tab.
package vac

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/vac/internal/audio"
	"github.com/dkeye/vac/internal/signal"
)

// DataChannelLabel is the channel every peer opens so a fresh connection has
// something to negotiate before any audio is attached.
const DataChannelLabel = "virtual-audio"

// Events are the connection callbacks a Peer listens to.
// OnICECandidate receives nil once gathering is complete.
type Events struct {
	OnDataChannel       func(label string)
	OnStream            func(audio.Stream)
	OnICECandidate      func(*webrtc.ICECandidateInit)
	OnNegotiationNeeded func()
}

// Connection is the peer connection a Peer drives.
// Implementations must buffer remote candidates that arrive before the
// remote description.
type Connection interface {
	Bind(Events) (unbind func())
	CreateDataChannel(label string) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	// AddStream starts sending s to the remote tab.
	AddStream(s audio.Stream) error
	Close() error
}

// ConnectionFactory opens a fresh connection for a new peer.
type ConnectionFactory func() (Connection, error)

// Messenger sends signalling messages to the relay.
type Messenger interface {
	Send(signal.Message) error
}
