package vac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/vac/internal/audio"
	"github.com/dkeye/vac/internal/signal"
)

// fakeConn follows the signalling state machine without any transport.
// It fires negotiation-needed when a channel or stream is added and one local
// candidate every time a local description is set.
type fakeConn struct {
	mu       sync.Mutex
	events   Events
	bound    bool
	state    webrtc.SignalingState
	channels []string
	streams  []audio.Stream
	remote   []webrtc.SessionDescription
	cands    []webrtc.ICECandidateInit
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: webrtc.SignalingStateStable}
}

func (f *fakeConn) Bind(e Events) func() {
	f.mu.Lock()
	f.events = e
	f.bound = true
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.bound = false
		f.events = Events{}
		f.mu.Unlock()
	}
}

func (f *fakeConn) fire(fn func(Events)) {
	f.mu.Lock()
	e := f.events
	f.mu.Unlock()
	fn(e)
}

func (f *fakeConn) CreateDataChannel(label string) error {
	f.mu.Lock()
	f.channels = append(f.channels, label)
	f.mu.Unlock()
	f.fire(func(e Events) {
		if e.OnNegotiationNeeded != nil {
			e.OnNegotiationNeeded()
		}
	})
	return nil
}

func (f *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		f.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		f.state = webrtc.SignalingStateStable
	}
	f.mu.Unlock()
	f.fire(func(e Events) {
		if e.OnICECandidate != nil {
			e.OnICECandidate(&webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"})
			e.OnICECandidate(nil)
		}
	})
	return nil
}

func (f *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if f.state == webrtc.SignalingStateHaveLocalOffer {
			return errors.New("invalid proposed signaling state transition")
		}
		f.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if f.state != webrtc.SignalingStateHaveLocalOffer {
			return errors.New("answer without local offer")
		}
		f.state = webrtc.SignalingStateStable
	}
	f.remote = append(f.remote, d)
	return nil
}

func (f *fakeConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.cands = append(f.cands, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) AddStream(s audio.Stream) error {
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	f.fire(func(e Events) {
		if e.OnNegotiationNeeded != nil {
			e.OnNegotiationNeeded()
		}
	})
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// remoteStream simulates a track arriving from the other tab.
func (f *fakeConn) remoteStream(s audio.Stream) {
	f.fire(func(e Events) {
		if e.OnStream != nil {
			e.OnStream(s)
		}
	})
}

func (f *fakeConn) snapshot() fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeConn{
		bound:    f.bound,
		state:    f.state,
		channels: append([]string(nil), f.channels...),
		streams:  append([]audio.Stream(nil), f.streams...),
		remote:   append([]webrtc.SessionDescription(nil), f.remote...),
		cands:    append([]webrtc.ICECandidateInit(nil), f.cands...),
		closed:   f.closed,
	}
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []signal.Message
}

func (m *fakeMessenger) Send(msg signal.Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

func (m *fakeMessenger) messages() []signal.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]signal.Message(nil), m.sent...)
}

// waitFor blocks until a sent message matches.
func (m *fakeMessenger) waitFor(t *testing.T, match func(signal.Message) bool) signal.Message {
	t.Helper()
	var found signal.Message
	require.Eventually(t, func() bool {
		for _, msg := range m.messages() {
			if match(msg) {
				found = msg
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return found
}

// connFactory hands out fake connections and remembers them in order.
type connFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *connFactory) open() (Connection, error) {
	c := newFakeConn()
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *connFactory) get(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func (f *connFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

type constStream struct {
	id string
	v  float32
}

func (c constStream) ID() string { return c.id }
func (c constStream) Read(frame []float32) {
	for i := range frame {
		frame[i] = c.v
	}
}

// stoppedContext lets Init build the graph without the render loop running,
// so tests drive Render by hand.
func stoppedContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
