package vac

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/vac/internal/audio"
)

// Constraints selects what a capture request wants.
type Constraints struct {
	Audio bool
	Video bool
}

func (c *Constraints) wantsAudio() bool {
	return c == nil || c.Audio
}

// MediaDevices captures local media.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints *Constraints) (audio.Stream, error)
}

// Interceptor is a MediaDevices that routes captured microphones through
// the controller, so consumers hear the virtual audio mixed in.
type Interceptor struct {
	devices    MediaDevices
	controller *Controller
}

func NewInterceptor(devices MediaDevices, controller *Controller) *Interceptor {
	return &Interceptor{devices: devices, controller: controller}
}

func (i *Interceptor) GetUserMedia(ctx context.Context, constraints *Constraints) (audio.Stream, error) {
	raw, err := i.devices.GetUserMedia(ctx, constraints)
	if err != nil {
		return nil, err
	}
	if !constraints.wantsAudio() {
		return raw, nil
	}

	select {
	case <-i.controller.Ready():
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Str("module", "vac.intercept").Msg("controller not ready, passing raw stream")
		return raw, nil
	}

	mixed, err := i.controller.ConnectMicrophone(raw)
	if err != nil {
		log.Error().Err(err).Str("module", "vac.intercept").Msg("failed to connect mic, passing raw stream")
		return raw, nil
	}
	return mixed, nil
}
