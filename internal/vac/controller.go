package vac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/vac/internal/audio"
	"github.com/dkeye/vac/internal/domain"
	"github.com/dkeye/vac/internal/signal"
)

var ErrNotInitialized = errors.New("controller not initialized")

type Options struct {
	// Self is the id the relay assigned to this tab. Messages from it are
	// ignored, and it decides which side yields when two tabs offer at once.
	Self       domain.TabID
	SampleRate int
	Quantum    time.Duration
	// TestTone is the frequency of the tone mixed into the outgoing stream
	// on Start. Zero disables it.
	TestTone float64
	// Processor, when set, rewrites the microphone before it is mixed.
	Processor *audio.ProcessorMode
}

// Controller owns a tab's audio graph and its peer sessions.
//
// The graph has two mixing nodes: source carries what this tab transmits,
// destination collects every stream received from other tabs.
type Controller struct {
	opts    Options
	newConn ConnectionFactory
	out     Messenger

	initOnce  sync.Once
	closeOnce sync.Once
	ready     chan struct{}

	graph       *audio.Context
	source      *audio.Destination
	destination *audio.Destination
	stopGraph   context.CancelFunc

	mu           sync.Mutex
	peers        map[domain.TabID]*Peer
	transmitting bool
	tone         *audio.Oscillator
}

func NewController(newConn ConnectionFactory, out Messenger, opts Options) *Controller {
	return &Controller{
		opts:    opts,
		newConn: newConn,
		out:     out,
		ready:   make(chan struct{}),
		peers:   make(map[domain.TabID]*Peer),
	}
}

// Init builds the audio graph and starts rendering it until ctx is done or
// the controller is closed.
func (c *Controller) Init(ctx context.Context) {
	c.initOnce.Do(func() {
		c.graph = audio.NewContext(c.opts.SampleRate, c.opts.Quantum)
		c.source = c.graph.NewDestination()
		c.destination = c.graph.NewDestination()

		runCtx, cancel := context.WithCancel(ctx)
		c.stopGraph = cancel
		go c.graph.Run(runCtx)

		close(c.ready)
		log.Info().Str("module", "vac").Int("sample_rate", c.graph.SampleRate()).Msg("controller initialized")
	})
}

// Ready is closed once Init has run.
func (c *Controller) Ready() <-chan struct{} { return c.ready }

func (c *Controller) initialized() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

func (c *Controller) waitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Graph returns the audio context, or nil before Init.
func (c *Controller) Graph() *audio.Context {
	if !c.initialized() {
		return nil
	}
	return c.graph
}

// AddStream mixes a received stream into the incoming destination.
func (c *Controller) AddStream(ctx context.Context, s audio.Stream) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}
	c.destination.Connect(s)
	log.Debug().Str("module", "vac").Str("stream", s.ID()).Int("inputs", c.destination.Inputs()).Msg("stream added")
	return nil
}

// ConnectMicrophone returns a stream that carries mic plus everything
// received from other tabs. Closing the returned stream releases its mix.
func (c *Controller) ConnectMicrophone(mic audio.Stream) (audio.Stream, error) {
	if !c.initialized() {
		return nil, ErrNotInitialized
	}
	if c.opts.Processor != nil {
		mic = audio.NewStaticProcessor(mic, c.graph.SampleRate(), *c.opts.Processor)
	}
	d := c.graph.NewOutputDestination()
	d.Connect(mic)
	d.Adopt(c.destination.Stream())
	log.Info().Str("module", "vac").Str("mic", mic.ID()).Msg("microphone connected")
	return d.Stream(), nil
}

// NewPeer opens a session with tab, replacing any existing one.
func (c *Controller) NewPeer(tab domain.TabID) (*Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newPeerLocked(tab, false)
}

// newPeerLocked replaces the session with tab. An answering peer waits for
// the remote offer, so the outgoing stream is attached by attach once the
// offer is answered.
func (c *Controller) newPeerLocked(tab domain.TabID, answering bool) (*Peer, error) {
	if old, ok := c.peers[tab]; ok {
		log.Info().Str("module", "vac").Int("tab", int(tab)).Msg("closing previous peer")
		old.Disconnect()
		delete(c.peers, tab)
	}

	conn, err := c.newConn()
	if err != nil {
		return nil, fmt.Errorf("open connection to tab %d: %w", tab, err)
	}
	p, err := NewPeer(tab, conn, c.out, c.onRemoteStream, PeerConfig{
		Polite:    c.opts.Self > tab,
		Answering: answering,
	})
	if err != nil {
		return nil, err
	}
	c.peers[tab] = p

	if c.transmitting && !answering {
		if err := p.SendStream(c.source.Stream()); err != nil {
			log.Error().Err(err).Str("module", "vac").Int("tab", int(tab)).Msg("attach outgoing stream")
		}
	}
	log.Info().Str("module", "vac").Int("tab", int(tab)).Bool("transmitting", c.transmitting).Bool("answering", answering).Msg("new peer")
	return p, nil
}

// attach sends the outgoing stream to p if this tab is transmitting and p is
// still the session with its tab.
func (c *Controller) attach(p *Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.transmitting || p.Sending() || c.peers[p.Remote()] != p {
		return
	}
	if err := p.SendStream(c.source.Stream()); err != nil {
		log.Error().Err(err).Str("module", "vac").Int("tab", int(p.Remote())).Msg("attach outgoing stream")
	}
}

func (c *Controller) onRemoteStream(s audio.Stream) {
	// remote tracks can arrive before Init on a tab that has not loaded yet
	go func() {
		if err := c.AddStream(context.Background(), s); err != nil {
			log.Error().Err(err).Str("module", "vac").Str("stream", s.ID()).Msg("add remote stream")
		}
	}()
}

// Peer returns the live session with tab, if any.
func (c *Controller) Peer(tab domain.TabID) (*Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[tab]
	return p, ok
}

// Peers lists the tabs this controller has a session with, ordered by id.
func (c *Controller) Peers() []domain.TabID {
	c.mu.Lock()
	out := make([]domain.TabID, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Controller) Transmitting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transmitting
}

// OnMessage applies one message delivered by the relay.
func (c *Controller) OnMessage(ctx context.Context, msg signal.Message) error {
	from := msg.From
	if !from.Valid() {
		log.Warn().Str("module", "vac").Str("kind", msg.Kind().String()).Msg("message without sender")
		return nil
	}
	if from == c.opts.Self {
		log.Debug().Str("module", "vac").Str("kind", msg.Kind().String()).Msg("own message")
		return nil
	}
	log.Debug().Str("module", "vac").Int("from", int(from)).Str("kind", msg.Kind().String()).Msg("on message")

	if state, ok := msg.IsTransmitting(); ok && !state {
		c.mu.Lock()
		p, known := c.peers[from]
		delete(c.peers, from)
		c.mu.Unlock()
		if known {
			p.Disconnect()
		}
		return nil
	}

	offer := msg.SDP != nil && msg.SDP.Type == webrtc.SDPTypeOffer

	c.mu.Lock()
	p, ok := c.peers[from]
	if !ok {
		var err error
		if p, err = c.newPeerLocked(from, offer); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	if msg.SDP != nil {
		err := p.SetDescription(*msg.SDP)
		if errors.Is(err, ErrOfferCollision) {
			log.Info().Str("module", "vac").Int("tab", int(from)).Msg("offer collision, answering on a new connection")
			if p, err = c.replaceAnswering(from, p); err == nil {
				err = p.SetDescription(*msg.SDP)
			}
		}
		if err != nil {
			return fmt.Errorf("tab %d description: %w", from, err)
		}
		if offer {
			c.attach(p)
		}
	}
	if msg.Candidate != nil {
		if err := p.AddCandidate(*msg.Candidate); err != nil {
			return fmt.Errorf("tab %d candidate: %w", from, err)
		}
	}
	return nil
}

// replaceAnswering swaps old for an answering peer unless old was already
// replaced.
func (c *Controller) replaceAnswering(tab domain.TabID, old *Peer) (*Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.peers[tab]; ok && cur != old {
		return cur, nil
	}
	return c.newPeerLocked(tab, true)
}

// Sync asks the relay which tabs are transmitting.
func (c *Controller) Sync() error {
	return c.out.Send(signal.SyncRequest())
}

// Start transmits the outgoing stream to every peer and announces it.
// Calling Start while already transmitting does nothing.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.waitReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.transmitting {
		c.mu.Unlock()
		return nil
	}
	if c.opts.TestTone > 0 && c.tone == nil {
		c.tone = c.graph.NewOscillator(c.opts.TestTone)
		c.source.Connect(c.tone)
	}
	for id, p := range c.peers {
		if err := p.SendStream(c.source.Stream()); err != nil {
			log.Error().Err(err).Str("module", "vac").Int("tab", int(id)).Msg("attach outgoing stream")
		}
	}
	c.transmitting = true
	c.mu.Unlock()

	log.Info().Str("module", "vac").Msg("start transmitting")
	return c.out.Send(signal.Transmitting(true))
}

// Stop closes every peer session and announces that this tab stopped.
func (c *Controller) Stop() error {
	c.mu.Lock()
	c.transmitting = false
	peers := c.peers
	c.peers = make(map[domain.TabID]*Peer)
	if c.tone != nil {
		c.source.Disconnect(c.tone)
		c.tone = nil
	}
	c.mu.Unlock()

	for _, p := range peers {
		p.Disconnect()
	}
	log.Info().Str("module", "vac").Int("peers", len(peers)).Msg("stop transmitting")
	return c.out.Send(signal.Transmitting(false))
}

// Close stops and releases the audio graph.
func (c *Controller) Close() error {
	err := c.Stop()
	c.closeOnce.Do(func() {
		if !c.initialized() {
			return
		}
		c.stopGraph()
		c.graph.Close()
	})
	return err
}
