package main

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/vac/internal/audio"
	"github.com/dkeye/vac/internal/vac"
)

// nullDevices captures a silent microphone, so whatever the consumer hears
// comes from the cable.
type nullDevices struct{}

func (nullDevices) GetUserMedia(context.Context, *vac.Constraints) (audio.Stream, error) {
	return audio.NewPipe(0), nil
}

// meter drains s one quantum at a time and logs its RMS level every second.
func meter(ctx context.Context, s audio.Stream, sampleRate int, quantum time.Duration) {
	if quantum <= 0 {
		quantum = audio.DefaultQuantum
	}
	frame := make([]float32, int(int64(sampleRate)*int64(quantum)/int64(time.Second)))
	tick := time.NewTicker(quantum)
	defer tick.Stop()
	report := time.NewTicker(time.Second)
	defer report.Stop()

	var sum float64
	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.Read(frame)
			for _, v := range frame {
				sum += float64(v) * float64(v)
			}
			n += len(frame)
		case <-report.C:
			if n == 0 {
				continue
			}
			log.Info().Str("module", "meter").Float64("rms", rms(sum, n)).Msg("microphone level")
			sum, n = 0, 0
		}
	}
}

func rms(sumSquares float64, n int) float64 {
	return math.Sqrt(sumSquares / float64(n))
}
