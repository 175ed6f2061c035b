// Package audio is a small PCM graph: streams, mixing destinations and the
// sources the controller feeds into them. Samples are mono float32 in [-1, 1].
package audio

import (
	"sync"

	"github.com/google/uuid"
)

// Stream is a mono PCM source.
// Read fills frame completely, zero-padding whatever the source could not provide.
type Stream interface {
	ID() string
	Read(frame []float32)
}

// closer is implemented by streams that can end.
type closer interface {
	Closed() bool
}

func isClosed(s any) bool {
	c, ok := s.(closer)
	return ok && c.Closed()
}

// DefaultPipeCapacity holds one second at the default rate.
const DefaultPipeCapacity = DefaultSampleRate

// Pipe is a bounded FIFO stream. Producers Write, one consumer Reads.
// When full, the oldest samples are discarded so latency stays bounded.
type Pipe struct {
	id string

	mu      sync.Mutex
	buf     []float32
	cap     int
	closed  bool
	dropped int
}

func NewPipe(capacity int) *Pipe {
	if capacity <= 0 {
		capacity = DefaultPipeCapacity
	}
	return &Pipe{
		id:  uuid.NewString(),
		buf: make([]float32, 0, capacity),
		cap: capacity,
	}
}

func (p *Pipe) ID() string { return p.id }

// Write appends samples; it is a no-op once the pipe is closed.
func (p *Pipe) Write(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if len(samples) >= p.cap {
		p.dropped += len(p.buf) + len(samples) - p.cap
		p.buf = append(p.buf[:0], samples[len(samples)-p.cap:]...)
		return
	}
	if over := len(p.buf) + len(samples) - p.cap; over > 0 {
		p.dropped += over
		p.buf = append(p.buf[:0], p.buf[over:]...)
	}
	p.buf = append(p.buf, samples...)
}

func (p *Pipe) Read(frame []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(frame, p.buf)
	clear(frame[n:])
	p.buf = append(p.buf[:0], p.buf[n:]...)
}

// Buffered returns the number of samples waiting to be read.
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Dropped returns how many samples were discarded on overflow.
func (p *Pipe) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Pipe) Close() {
	p.mu.Lock()
	p.closed = true
	p.buf = p.buf[:0]
	p.mu.Unlock()
}

func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func closeStream(s Stream) {
	if c, ok := s.(interface{ Close() }); ok {
		c.Close()
	}
}
