package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/vac/internal/audio"
	"github.com/dkeye/vac/internal/vac"
)

// Config describes the connections a tab opens.
type Config struct {
	ICEServers []string
	// SampleRate is the rate of the graph streams are read from and decoded into.
	SampleRate int
	// Frame is the duration of one outgoing sample.
	Frame time.Duration
}

func (c Config) peerConfig() webrtc.Configuration {
	if len(c.ICEServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: c.ICEServers}},
	}
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.Frame <= 0 {
		c.Frame = audio.DefaultQuantum
	}
	return c
}

// NewAPI builds the pion API every tab connection is created from.
// pion's own loggers only report errors.
func NewAPI() (*webrtc.API, error) {
	settingEngine := webrtc.SettingEngine{}

	factory := logging.NewDefaultLoggerFactory()
	factory.DefaultLogLevel = logging.LogLevelError
	settingEngine.LoggerFactory = factory
	// tabs usually share a host with each other
	settingEngine.SetIncludeLoopbackCandidate(true)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// Factory returns a vac.ConnectionFactory backed by api.
func Factory(api *webrtc.API, cfg Config) vac.ConnectionFactory {
	return func() (vac.Connection, error) {
		return NewConnection(api, cfg)
	}
}

// Connection is a pion PeerConnection carrying one tab-to-tab audio session.
type Connection struct {
	pc     *webrtc.PeerConnection
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	events   vac.Events
	pending  []webrtc.ICECandidateInit
	outgoing []audio.Stream
}

func NewConnection(api *webrtc.API, cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()
	pc, err := api.NewPeerConnection(cfg.peerConfig())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{pc: pc, cfg: cfg, ctx: ctx, cancel: cancel}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			cancel()
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		fn := c.handlers().OnICECandidate
		if fn == nil {
			return
		}
		if cand == nil {
			fn(nil)
			return
		}
		ci := cand.ToJSON()
		fn(&ci)
	})

	pc.OnNegotiationNeeded(func() {
		if fn := c.handlers().OnNegotiationNeeded; fn != nil {
			fn()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if fn := c.handlers().OnDataChannel; fn != nil {
			fn(dc.Label())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.receive(track)
	})

	return c, nil
}

func (c *Connection) handlers() vac.Events {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// Bind installs the event callbacks. pion keeps its own handlers for the life
// of the connection; unbinding just silences them.
func (c *Connection) Bind(e vac.Events) func() {
	c.mu.Lock()
	c.events = e
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.events = vac.Events{}
		c.mu.Unlock()
	}
}

func (c *Connection) CreateDataChannel(label string) error {
	_, err := c.pc.CreateDataChannel(label, nil)
	return err
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

// SetRemoteDescription applies d and then any candidates that arrived early.
func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(d); err != nil {
		return err
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("add buffered candidate")
		}
	}
	return nil
}

// AddICECandidate adds c, holding it back until a remote description exists.
func (c *Connection) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.pc.RemoteDescription() == nil {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(cand)
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

// AddStream sends s to the remote tab as PCMU.
func (c *Connection) AddStream(s audio.Stream) error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: audio.PCMURate, Channels: 1},
		"audio",
		"vac-"+s.ID(),
	)
	if err != nil {
		return err
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.outgoing = append(c.outgoing, s)
	c.mu.Unlock()

	go drainRTCP(sender)
	go c.transmit(s, track)
	log.Info().Str("module", "rtc").Str("stream", s.ID()).Msg("sending stream")
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// transmit encodes one frame of s every c.cfg.Frame until the connection or
// the stream closes.
func (c *Connection) transmit(s audio.Stream, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(c.cfg.Frame)
	defer ticker.Stop()
	frame := make([]float32, int(int64(c.cfg.SampleRate)*int64(c.cfg.Frame)/int64(time.Second)))
	closed, canClose := s.(interface{ Closed() bool })

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if canClose && closed.Closed() {
				return
			}
			s.Read(frame)
			payload := audio.EncodeMulaw(audio.Resample(frame, c.cfg.SampleRate, audio.PCMURate))
			if err := track.WriteSample(media.Sample{Data: payload, Duration: c.cfg.Frame}); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				log.Warn().Err(err).Str("module", "rtc").Msg("write sample")
			}
		}
	}
}

// receive decodes a remote audio track into a pipe handed to OnStream.
func (c *Connection) receive(track *webrtc.TrackRemote) {
	dec, err := audio.NewDecoder(track.Codec().MimeType)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("track_id", track.ID()).Msg("cannot decode remote track")
		return
	}
	pipe := audio.NewPipe(c.cfg.SampleRate / 2)
	if fn := c.handlers().OnStream; fn != nil {
		fn(pipe)
	}

	go func() {
		defer pipe.Close()
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warn().Err(err).Str("module", "rtc").Str("track_id", track.ID()).Msg("read rtp")
				}
				return
			}
			if err := c.decodePacket(dec, pkt, pipe); err != nil {
				log.Debug().Err(err).Str("module", "rtc").Uint16("seq", pkt.SequenceNumber).Msg("decode packet")
			}
		}
	}()
}

func (c *Connection) decodePacket(dec audio.Decoder, pkt *rtp.Packet, out *audio.Pipe) error {
	if len(pkt.Payload) == 0 {
		return nil
	}
	samples, rate, err := dec.Decode(pkt.Payload)
	if err != nil {
		return err
	}
	out.Write(audio.Resample(samples, rate, c.cfg.SampleRate))
	return nil
}

// Close ends the connection and closes the streams it was sending.
func (c *Connection) Close() error {
	c.cancel()

	c.mu.Lock()
	outgoing := c.outgoing
	c.outgoing = nil
	c.mu.Unlock()
	for _, s := range outgoing {
		if closer, ok := s.(interface{ Close() }); ok {
			closer.Close()
		}
	}

	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
		return err
	}
	log.Info().Str("module", "rtc").Msg("closed")
	return nil
}
