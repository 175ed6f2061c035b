package audio

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
)

// Oscillator is a sine source.
type Oscillator struct {
	id         string
	sampleRate int

	mu        sync.Mutex
	frequency float64
	gain      float32
	phase     float64
}

func NewOscillator(sampleRate int, frequency float64) *Oscillator {
	return &Oscillator{
		id:         uuid.NewString(),
		sampleRate: sampleRate,
		frequency:  frequency,
		gain:       0.5,
	}
}

func (o *Oscillator) ID() string { return o.id }

func (o *Oscillator) SetFrequency(hz float64) {
	o.mu.Lock()
	o.frequency = hz
	o.mu.Unlock()
}

func (o *Oscillator) Read(frame []float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	step := 2 * math.Pi * o.frequency / float64(o.sampleRate)
	for i := range frame {
		frame[i] = o.gain * float32(math.Sin(o.phase))
		o.phase += step
		if o.phase >= 2*math.Pi {
			o.phase -= 2 * math.Pi
		}
	}
}

// Static processor parameter bounds.
const (
	DefaultFrequency = 440
	MinFrequency     = 0
	MaxFrequency     = 30000

	vibratoRate  = 7 // Hz
	vibratoDepth = 2 // radians
)

type ProcessorMode int

const (
	// ModeInvert passes the input through with its phase inverted.
	ModeInvert ProcessorMode = iota
	// ModeTone replaces the input with a vibrato tone at the frequency parameter.
	ModeTone
)

// StaticProcessor rewrites a microphone stream sample by sample.
type StaticProcessor struct {
	id         string
	input      Stream
	sampleRate int

	mu        sync.Mutex
	mode      ProcessorMode
	frequency float64
	clock     int64
}

func NewStaticProcessor(input Stream, sampleRate int, mode ProcessorMode) *StaticProcessor {
	return &StaticProcessor{
		id:         uuid.NewString(),
		input:      input,
		sampleRate: sampleRate,
		mode:       mode,
		frequency:  DefaultFrequency,
	}
}

func (p *StaticProcessor) ID() string { return p.id }

// SetFrequency updates the frequency parameter.
func (p *StaticProcessor) SetFrequency(hz float64) error {
	if hz < MinFrequency || hz > MaxFrequency || math.IsNaN(hz) {
		return fmt.Errorf("frequency %v out of range [%d, %d]", hz, MinFrequency, MaxFrequency)
	}
	p.mu.Lock()
	p.frequency = hz
	p.mu.Unlock()
	return nil
}

func (p *StaticProcessor) Frequency() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frequency
}

func (p *StaticProcessor) Read(frame []float32) {
	p.input.Read(frame)

	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.mode {
	case ModeTone:
		for i := range frame {
			t := float64(p.clock+int64(i)) / float64(p.sampleRate)
			vibrato := math.Sin(t*2*math.Pi*vibratoRate) * vibratoDepth
			frame[i] = float32(math.Sin(2*math.Pi*t*p.frequency + vibrato))
		}
	default:
		for i, v := range frame {
			frame[i] = -v
		}
	}
	p.clock += int64(len(frame))
}

// Closed follows the wrapped stream.
func (p *StaticProcessor) Closed() bool {
	return isClosed(p.input)
}
