package audio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type constStream struct {
	v float32
}

func (constStream) ID() string { return "const" }
func (c constStream) Read(frame []float32) {
	for i := range frame {
		frame[i] = c.v
	}
}

func TestPipeReadZeroFillsOnUnderrun(t *testing.T) {
	p := NewPipe(8)
	p.Write([]float32{0.1, 0.2})

	frame := []float32{9, 9, 9, 9}
	p.Read(frame)
	assert.Equal(t, []float32{0.1, 0.2, 0, 0}, frame)
	assert.Zero(t, p.Buffered())
}

func TestPipeDropsOldestWhenFull(t *testing.T) {
	p := NewPipe(4)
	p.Write([]float32{1, 2, 3})
	p.Write([]float32{4, 5})
	assert.Equal(t, 4, p.Buffered())
	assert.Equal(t, 1, p.Dropped())

	frame := make([]float32, 4)
	p.Read(frame)
	assert.Equal(t, []float32{2, 3, 4, 5}, frame)

	p.Write([]float32{1, 2, 3, 4, 5, 6})
	p.Read(frame)
	assert.Equal(t, []float32{3, 4, 5, 6}, frame)
}

func TestClosedPipeIgnoresWrites(t *testing.T) {
	p := NewPipe(4)
	p.Close()
	p.Write([]float32{1})
	assert.True(t, p.Closed())
	assert.Zero(t, p.Buffered())
}

func TestDestinationSumsAndClamps(t *testing.T) {
	ctx := NewContext(1000, 10*time.Millisecond) // 10 samples per quantum
	d := ctx.NewDestination()
	d.Connect(constStream{0.25})
	d.Connect(constStream{0.5})
	out := d.Stream()

	ctx.Render()
	frame := make([]float32, 10)
	out.Read(frame)
	for _, v := range frame {
		assert.InDelta(t, 0.75, v, 1e-6)
	}

	d.Connect(constStream{0.6})
	ctx.Render()
	out.Read(frame)
	for _, v := range frame {
		assert.Equal(t, float32(1), v)
	}
}

func TestDestinationFansOutToEveryTap(t *testing.T) {
	ctx := NewContext(1000, 10*time.Millisecond)
	d := ctx.NewDestination()
	d.Connect(constStream{0.3})
	a, b := d.Stream(), d.Stream()

	ctx.Render()
	assert.Equal(t, 10, a.Buffered())
	assert.Equal(t, 10, b.Buffered())

	b.Close()
	ctx.Render()
	assert.Equal(t, 20, a.Buffered())
}

func TestDestinationDropsClosedInputs(t *testing.T) {
	ctx := NewContext(1000, 10*time.Millisecond)
	d := ctx.NewDestination()
	in := NewPipe(100)
	d.Connect(in)
	d.Connect(in)
	assert.Equal(t, 1, d.Inputs())

	in.Close()
	ctx.Render()
	assert.Zero(t, d.Inputs())
}

func TestChainedDestinations(t *testing.T) {
	ctx := NewContext(1000, 10*time.Millisecond)
	remote := ctx.NewDestination()
	remote.Connect(constStream{0.2})

	mic := ctx.NewDestination()
	mic.Connect(constStream{0.1})
	mic.Connect(remote.Stream())
	out := mic.Stream()

	ctx.Render() // remote renders first, mic then reads its tap
	frame := make([]float32, 10)
	out.Read(frame)
	assert.InDelta(t, 0.3, frame[0], 1e-6)
}

func TestOutputDestinationReleasedWithLastTap(t *testing.T) {
	ctx := NewContext(1000, 10*time.Millisecond)
	remote := ctx.NewDestination()
	mic := ctx.NewOutputDestination()
	feed := remote.Stream()
	mic.Adopt(feed)
	a, b := mic.Stream(), mic.Stream()
	require.Equal(t, 2, ctx.Destinations())

	a.Close()
	ctx.Render()
	assert.False(t, mic.Closed())

	b.Close()
	ctx.Render()
	assert.True(t, mic.Closed())
	assert.True(t, feed.Closed())
	assert.Equal(t, 1, ctx.Destinations())

	// plain destinations stay without taps
	ctx.Render()
	assert.False(t, remote.Closed())
}

func TestContextCloseClosesTaps(t *testing.T) {
	ctx := NewContext(0, 0)
	assert.Equal(t, 960, ctx.FrameSize())
	d := ctx.NewDestination()
	out := d.Stream()
	ctx.Close()
	ctx.Close()
	assert.True(t, out.Closed())
	assert.True(t, ctx.NewDestination().Stream().Closed())
}

func TestStaticProcessorInverts(t *testing.T) {
	p := NewStaticProcessor(constStream{0.4}, 48000, ModeInvert)
	frame := make([]float32, 16)
	p.Read(frame)
	for _, v := range frame {
		assert.Equal(t, float32(-0.4), v)
	}
}

func TestStaticProcessorFrequencyBounds(t *testing.T) {
	p := NewStaticProcessor(constStream{}, 48000, ModeTone)
	assert.Equal(t, float64(DefaultFrequency), p.Frequency())

	require.NoError(t, p.SetFrequency(MaxFrequency))
	assert.Error(t, p.SetFrequency(MaxFrequency+1))
	assert.Error(t, p.SetFrequency(-1))
	assert.Error(t, p.SetFrequency(math.NaN()))
	assert.Equal(t, float64(MaxFrequency), p.Frequency())
}

func TestStaticProcessorToneReplacesInput(t *testing.T) {
	p := NewStaticProcessor(constStream{0.9}, 48000, ModeTone)
	frame := make([]float32, 480)
	p.Read(frame)
	assert.Zero(t, frame[0]) // sin(0)
	for _, v := range frame {
		assert.LessOrEqual(t, math.Abs(float64(v)), 1.0)
	}
	assert.NotEqual(t, float32(0.9), frame[100])
}

func TestOscillatorPeriod(t *testing.T) {
	o := NewOscillator(8000, 1000) // 8 samples per cycle
	frame := make([]float32, 9)
	o.Read(frame)
	assert.InDelta(t, 0, frame[0], 1e-6)
	assert.InDelta(t, 0.5, frame[2], 1e-6)
	assert.InDelta(t, frame[0], frame[8], 1e-5)
}

func TestMulawRoundTrip(t *testing.T) {
	in := []float32{0, 0.01, -0.01, 0.25, -0.5, 0.99, -1}
	out := DecodeMulaw(EncodeMulaw(in))
	require.Len(t, out, len(in))
	for i := range in {
		// µ-law keeps roughly 4 significant bits of mantissa
		tol := math.Max(0.002, math.Abs(float64(in[i]))*0.07)
		assert.InDelta(t, in[i], out[i], tol, "sample %d", i)
	}
	assert.Equal(t, byte(0xFF), EncodeMulaw([]float32{0})[0])
}

func TestNewDecoder(t *testing.T) {
	d, err := NewDecoder("audio/pcmu")
	require.NoError(t, err)
	samples, rate, err := d.Decode([]byte{0xFF, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, PCMURate, rate)
	assert.Equal(t, []float32{0, 0}, samples)

	_, err = NewDecoder("audio/opus")
	require.NoError(t, err)

	_, err = NewDecoder("video/VP8")
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestOpusSamplesFromTOC(t *testing.T) {
	// config 1: SILK NB 20 ms, one frame
	assert.Equal(t, 160, opusSamples([]byte{1 << 3}, 8000))
	// config 3: SILK NB 60 ms, two frames
	assert.Equal(t, 960, opusSamples([]byte{3<<3 | 1}, 8000))
	// config 31: CELT FB 20 ms, code 3 with 3 frames
	assert.Equal(t, 2880, opusSamples([]byte{31<<3 | 3, 3}, 48000))
}

func TestResample(t *testing.T) {
	in := make([]float32, 480)
	for i := range in {
		in[i] = float32(i)
	}
	down := Resample(in, 48000, 8000)
	require.Len(t, down, 80)
	assert.InDelta(t, 6, down[1], 1e-4)

	up := Resample([]float32{0, 1}, 1, 2)
	assert.Equal(t, []float32{0, 0.5, 1, 1}, up)

	assert.Equal(t, in, Resample(in, 48000, 48000))
}
