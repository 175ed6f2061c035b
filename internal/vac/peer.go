package vac

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/vac/internal/audio"
	"github.com/dkeye/vac/internal/domain"
	"github.com/dkeye/vac/internal/signal"
)

var (
	ErrPeerClosed = errors.New("peer closed")
	// ErrOfferCollision is returned to a polite peer that receives an offer
	// while its own is pending. The owner replaces the peer with an
	// answering one.
	ErrOfferCollision = errors.New("offer collision")
)

type PeerState int

const (
	PeerNew PeerState = iota
	PeerNegotiating
	PeerConnected
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerNegotiating:
		return "negotiating"
	case PeerConnected:
		return "connected"
	case PeerClosed:
		return "closed"
	default:
		return fmt.Sprintf("PeerState(%d)", int(s))
	}
}

const peerQueueSize = 64

// PeerConfig sets a peer's role in negotiation.
type PeerConfig struct {
	// Polite peers yield when both tabs offer at once; the other side
	// ignores the colliding offer.
	Polite bool
	// Answering peers skip the opening data channel because the remote tab
	// already started negotiating.
	Answering bool
}

// Peer is the session with one remote tab.
// Every signalling operation runs on the peer's own queue in arrival order.
type Peer struct {
	remote   domain.TabID
	conn     Connection
	out      Messenger
	onStream func(audio.Stream)
	polite   bool

	ops  chan func()
	done chan struct{}

	closeOnce sync.Once
	sendOnce  sync.Once
	unbind    func()

	mu      sync.Mutex
	state   PeerState
	streams []audio.Stream
	sending bool
}

// NewPeer binds to conn and, unless cfg.Answering, opens the data channel
// that starts negotiation. onStream is called for every remote stream the
// connection produces.
func NewPeer(remote domain.TabID, conn Connection, out Messenger, onStream func(audio.Stream), cfg PeerConfig) (*Peer, error) {
	p := &Peer{
		remote:   remote,
		conn:     conn,
		out:      out,
		onStream: onStream,
		polite:   cfg.Polite,
		ops:      make(chan func(), peerQueueSize),
		done:     make(chan struct{}),
	}
	p.unbind = conn.Bind(Events{
		OnDataChannel:       p.handleDataChannel,
		OnStream:            p.handleStream,
		OnICECandidate:      p.handleLocalCandidate,
		OnNegotiationNeeded: p.handleNegotiationNeeded,
	})
	go p.loop()

	if !cfg.Answering {
		if err := conn.CreateDataChannel(DataChannelLabel); err != nil {
			p.Disconnect()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
	}
	log.Debug().Str("module", "vac.peer").Int("remote", int(remote)).Bool("polite", cfg.Polite).Bool("answering", cfg.Answering).Msg("peer created")
	return p, nil
}

func (p *Peer) Remote() domain.TabID { return p.remote }

func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Streams returns the remote streams received so far.
func (p *Peer) Streams() []audio.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audio.Stream(nil), p.streams...)
}

func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PeerClosed {
		return
	}
	p.state = s
}

func (p *Peer) loop() {
	for {
		select {
		case <-p.done:
			return
		case op := <-p.ops:
			op()
		}
	}
}

// enqueue schedules op after everything already queued for this peer.
func (p *Peer) enqueue(op func()) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case <-p.done:
		return false
	case p.ops <- op:
		return true
	}
}

// do runs op on the queue and waits for its result.
func (p *Peer) do(op func() error) error {
	res := make(chan error, 1)
	if !p.enqueue(func() { res <- op() }) {
		return ErrPeerClosed
	}
	select {
	case err := <-res:
		return err
	case <-p.done:
		return ErrPeerClosed
	}
}

func (p *Peer) send(msg signal.Message) error {
	return p.out.Send(msg.Addressed(p.remote))
}

// SetDescription applies a remote description and answers it when it is an offer.
// An offer that collides with a pending local one is dropped by an impolite
// peer and reported as ErrOfferCollision by a polite one.
func (p *Peer) SetDescription(sdp webrtc.SessionDescription) error {
	return p.do(func() error {
		if sdp.Type == webrtc.SDPTypeOffer && p.conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			if p.polite {
				return ErrOfferCollision
			}
			log.Info().Str("module", "vac.peer").Int("remote", int(p.remote)).Msg("ignoring colliding offer")
			return nil
		}
		if err := p.conn.SetRemoteDescription(sdp); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
		if p.conn.SignalingState() != webrtc.SignalingStateStable {
			answer, err := p.conn.CreateAnswer()
			if err != nil {
				return fmt.Errorf("create answer: %w", err)
			}
			if err := p.conn.SetLocalDescription(answer); err != nil {
				return fmt.Errorf("set local description: %w", err)
			}
			if err := p.send(signal.Description(answer)); err != nil {
				return fmt.Errorf("send answer: %w", err)
			}
		}
		if p.conn.SignalingState() == webrtc.SignalingStateStable {
			p.setState(PeerConnected)
		}
		return nil
	})
}

// AddCandidate hands a remote ICE candidate to the connection.
func (p *Peer) AddCandidate(c webrtc.ICECandidateInit) error {
	return p.do(func() error {
		if err := p.conn.AddICECandidate(c); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}
		return nil
	})
}

// SendStream attaches the outgoing stream. Only the first call has effect;
// streams passed to later calls are closed.
func (p *Peer) SendStream(s audio.Stream) error {
	var err error
	attached := false
	p.sendOnce.Do(func() {
		attached = true
		p.mu.Lock()
		p.sending = true
		p.mu.Unlock()
		err = p.do(func() error { return p.conn.AddStream(s) })
	})
	if !attached {
		closeStream(s)
		return nil
	}
	if err != nil {
		closeStream(s)
		return fmt.Errorf("send stream: %w", err)
	}
	return nil
}

// Sending reports whether an outgoing stream was attached.
func (p *Peer) Sending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sending
}

// Disconnect tears the session down. Safe to call more than once.
func (p *Peer) Disconnect() {
	p.closeOnce.Do(func() {
		p.unbind()
		close(p.done)

		p.mu.Lock()
		p.state = PeerClosed
		streams := p.streams
		p.streams = nil
		p.mu.Unlock()

		for _, s := range streams {
			closeStream(s)
		}
		if err := p.conn.Close(); err != nil {
			log.Warn().Err(err).Str("module", "vac.peer").Int("remote", int(p.remote)).Msg("close connection")
		}
		log.Info().Str("module", "vac.peer").Int("remote", int(p.remote)).Msg("peer disconnected")
	})
}

func (p *Peer) handleNegotiationNeeded() {
	p.enqueue(func() {
		if err := p.negotiate(); err != nil {
			log.Error().Err(err).Str("module", "vac.peer").Int("remote", int(p.remote)).Msg("negotiation failed")
		}
	})
}

func (p *Peer) negotiate() error {
	if p.conn.SignalingState() == webrtc.SignalingStateHaveRemoteOffer {
		return nil
	}
	offer, err := p.conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	p.setState(PeerNegotiating)
	return p.send(signal.Description(offer))
}

func (p *Peer) handleLocalCandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		log.Debug().Str("module", "vac.peer").Int("remote", int(p.remote)).Msg("candidate gathering complete")
		return
	}
	cand := *c
	p.enqueue(func() {
		if err := p.send(signal.Candidate(cand)); err != nil {
			log.Warn().Err(err).Str("module", "vac.peer").Int("remote", int(p.remote)).Msg("send candidate")
		}
	})
}

func (p *Peer) handleStream(s audio.Stream) {
	p.mu.Lock()
	if p.state == PeerClosed {
		p.mu.Unlock()
		closeStream(s)
		return
	}
	p.streams = append(p.streams, s)
	p.mu.Unlock()

	log.Info().Str("module", "vac.peer").Int("remote", int(p.remote)).Str("stream", s.ID()).Msg("remote stream")
	if p.onStream != nil {
		p.onStream(s)
	}
}

func (p *Peer) handleDataChannel(label string) {
	log.Debug().Str("module", "vac.peer").Int("remote", int(p.remote)).Str("label", label).Msg("remote data channel")
}

func closeStream(s audio.Stream) {
	if c, ok := s.(interface{ Close() }); ok {
		c.Close()
	}
}
