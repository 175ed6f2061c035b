package audio

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSampleRate = 48000
	DefaultQuantum    = 20 * time.Millisecond
)

// Context owns the destinations of one tab and renders them on a fixed clock.
type Context struct {
	sampleRate int
	quantum    time.Duration

	mu     sync.Mutex
	dests  []*Destination
	closed bool
}

func NewContext(sampleRate int, quantum time.Duration) *Context {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if quantum <= 0 {
		quantum = DefaultQuantum
	}
	return &Context{sampleRate: sampleRate, quantum: quantum}
}

func (c *Context) SampleRate() int         { return c.sampleRate }
func (c *Context) Quantum() time.Duration { return c.quantum }

// FrameSize is the number of samples rendered per quantum.
func (c *Context) FrameSize() int {
	return int(int64(c.sampleRate) * int64(c.quantum) / int64(time.Second))
}

// NewDestination creates a mixing node rendered by this context.
func (c *Context) NewDestination() *Destination {
	return c.newDestination(false)
}

// NewOutputDestination creates a mixing node that closes itself, and leaves
// the context, once every tap it handed out is closed.
func (c *Context) NewOutputDestination() *Destination {
	return c.newDestination(true)
}

func (c *Context) newDestination(release bool) *Destination {
	d := &Destination{
		release:   release,
		id:        uuid.NewString(),
		frameSize: c.FrameSize(),
		tapCap:    c.sampleRate / 2,
		scratch:   make([]float32, c.FrameSize()),
		mix:       make([]float32, c.FrameSize()),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		d.closed = true
		return d
	}
	c.dests = append(c.dests, d)
	return d
}

func (c *Context) NewOscillator(frequency float64) *Oscillator {
	return NewOscillator(c.sampleRate, frequency)
}

// Render advances every destination by one quantum and forgets closed ones.
func (c *Context) Render() {
	c.mu.Lock()
	c.dests = slices.DeleteFunc(c.dests, (*Destination).Closed)
	dests := slices.Clone(c.dests)
	c.mu.Unlock()
	for _, d := range dests {
		d.Render()
	}
}

// Run renders on a ticker until ctx is done or the context is closed.
func (c *Context) Run(ctx context.Context) {
	ticker := time.NewTicker(c.quantum)
	defer ticker.Stop()
	log.Info().Str("module", "audio").Int("sample_rate", c.sampleRate).Dur("quantum", c.quantum).Msg("graph running")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.Closed() {
				return
			}
			c.Render()
		}
	}
}

// Close stops rendering and closes every destination.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	dests := c.dests
	c.dests = nil
	c.mu.Unlock()
	for _, d := range dests {
		d.Close()
	}
}

// Destinations returns the number of destinations still rendered.
func (c *Context) Destinations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(slices.DeleteFunc(slices.Clone(c.dests), (*Destination).Closed))
}

func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Destination sums every connected input into each of its output taps.
type Destination struct {
	id        string
	frameSize int
	tapCap    int
	release   bool

	mu      sync.Mutex
	inputs  []Stream
	owned   []Stream
	outputs []*Pipe
	tapped  bool
	closed  bool

	scratch []float32
	mix     []float32
}

func (d *Destination) ID() string { return d.id }

// Connect adds s to the mix. Connecting the same stream twice is a no-op.
func (d *Destination) Connect(s Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || slices.Contains(d.inputs, s) {
		return
	}
	d.inputs = append(d.inputs, s)
}

// Adopt connects s and closes it together with d.
func (d *Destination) Adopt(s Stream) {
	d.mu.Lock()
	closed := d.closed
	if !closed {
		d.owned = append(d.owned, s)
	}
	d.mu.Unlock()
	if closed {
		closeStream(s)
		return
	}
	d.Connect(s)
}

func (d *Destination) Disconnect(s Stream) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.Index(d.inputs, s)
	if i < 0 {
		return false
	}
	d.inputs = slices.Delete(d.inputs, i, i+1)
	return true
}

// Inputs returns the number of connected inputs.
func (d *Destination) Inputs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inputs)
}

// Stream returns a new output tap. Every tap receives the full mix.
func (d *Destination) Stream() *Pipe {
	p := NewPipe(d.tapCap)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		p.Close()
		return p
	}
	d.outputs = append(d.outputs, p)
	d.tapped = true
	return p
}

// Render mixes one quantum. Closed inputs and taps are dropped.
func (d *Destination) Render() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.outputs = slices.DeleteFunc(d.outputs, (*Pipe).Closed)
	if d.release && d.tapped && len(d.outputs) == 0 {
		owned := d.closeLocked()
		d.mu.Unlock()
		closeAll(owned)
		return
	}
	defer d.mu.Unlock()

	clear(d.mix)
	d.inputs = slices.DeleteFunc(d.inputs, func(s Stream) bool { return isClosed(s) })
	for _, in := range d.inputs {
		in.Read(d.scratch)
		for i, v := range d.scratch {
			d.mix[i] += v
		}
	}
	for i, v := range d.mix {
		d.mix[i] = clamp(v)
	}

	for _, out := range d.outputs {
		out.Write(d.mix)
	}
}

func (d *Destination) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	owned := d.closeLocked()
	d.mu.Unlock()
	closeAll(owned)
}

func (d *Destination) closeLocked() []Stream {
	d.closed = true
	for _, out := range d.outputs {
		out.Close()
	}
	owned := d.owned
	d.outputs = nil
	d.inputs = nil
	d.owned = nil
	return owned
}

func (d *Destination) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func closeAll(streams []Stream) {
	for _, s := range streams {
		closeStream(s)
	}
}

func clamp(v float32) float32 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}
