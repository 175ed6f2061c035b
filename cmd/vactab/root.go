package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/vac/internal/adapters/relayclient"
	"github.com/dkeye/vac/internal/adapters/rtc"
	"github.com/dkeye/vac/internal/audio"
	"github.com/dkeye/vac/internal/config"
	"github.com/dkeye/vac/internal/domain"
	"github.com/dkeye/vac/internal/signal"
	"github.com/dkeye/vac/internal/vac"
	"github.com/dkeye/vac/pkg/telemetry"
)

type flags struct {
	relay     string
	token     string
	ext       string
	transmit  bool
	tone      float64
	processor string
	listen    bool
}

var opts flags

var rootCmd = &cobra.Command{
	Use:   "vactab",
	Short: "Headless VAC tab",
	Long: `vactab joins a VAC relay as a tab.

It can transmit a test tone to every other tab and can capture a
microphone routed through the virtual audio cable, logging its level.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.relay, "relay", "", "relay signalling URL (overrides tab.relay_url)")
	f.StringVar(&opts.token, "token", "", "tab token; a new one is generated when empty")
	f.StringVar(&opts.ext, "ext", "", "extension id presented to the relay (overrides extension_id)")
	f.BoolVar(&opts.transmit, "transmit", false, "start transmitting after connecting")
	f.Float64Var(&opts.tone, "tone", 0, "test tone frequency in Hz (overrides tab.test_tone)")
	f.StringVar(&opts.processor, "processor", "", "microphone processor: invert or tone (overrides tab.processor)")
	f.BoolVar(&opts.listen, "listen", false, "capture a microphone through the cable and log its level")
}

func processorMode(name string) (*audio.ProcessorMode, error) {
	var mode audio.ProcessorMode
	switch name {
	case "":
		return nil, nil
	case "invert":
		mode = audio.ModeInvert
	case "tone":
		mode = audio.ModeTone
	default:
		return nil, fmt.Errorf("unknown processor %q", name)
	}
	return &mode, nil
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	tabCfg := cfg.Tab
	if cmd.Flags().Changed("relay") {
		tabCfg.RelayURL = opts.relay
	}
	if cmd.Flags().Changed("token") {
		tabCfg.Token = opts.token
	}
	if cmd.Flags().Changed("ext") {
		cfg.ExtensionID = opts.ext
	}
	if cmd.Flags().Changed("tone") {
		tabCfg.TestTone = opts.tone
	}
	if cmd.Flags().Changed("processor") {
		tabCfg.Processor = opts.processor
	}

	mode, err := processorMode(tabCfg.Processor)
	if err != nil {
		return err
	}
	token := domain.TabToken(tabCfg.Token)
	if token == "" {
		token = domain.NewTabToken()
	}

	tp, err := telemetry.InitTracer(ctx, "vac-tab", cfg.TelemetryEndpoint)
	if err != nil {
		log.Error().Err(err).Msg("telemetry init failed")
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	api, err := rtc.NewAPI()
	if err != nil {
		return err
	}

	client, err := relayclient.Dial(ctx, relayclient.Options{
		URL:         tabCfg.RelayURL,
		Token:       token,
		ExtensionID: cfg.ExtensionID,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	ctl := vac.NewController(
		rtc.Factory(api, rtc.Config{
			ICEServers: tabCfg.ICEServers,
			SampleRate: tabCfg.SampleRate,
			Frame:      tabCfg.Quantum,
		}),
		client,
		vac.Options{
			Self:       client.Self(),
			SampleRate: tabCfg.SampleRate,
			Quantum:    tabCfg.Quantum,
			TestTone:   tabCfg.TestTone,
			Processor:  mode,
		},
	)
	ctl.Init(ctx)

	relayDone := make(chan error, 1)
	go func() {
		relayDone <- client.Run(ctx, func(ctx context.Context, msg signal.Message) {
			if err := ctl.OnMessage(ctx, msg); err != nil {
				log.Warn().Err(err).Int("from", int(msg.From)).Msg("message not applied")
			}
		})
	}()

	if err := ctl.Sync(); err != nil {
		log.Warn().Err(err).Msg("sync")
	}
	if opts.transmit {
		if err := ctl.Start(ctx); err != nil {
			return err
		}
	}
	if opts.listen {
		mics := vac.NewInterceptor(nullDevices{}, ctl)
		mic, err := mics.GetUserMedia(ctx, &vac.Constraints{Audio: true})
		if err != nil {
			return err
		}
		go meter(ctx, mic, ctl.Graph().SampleRate(), tabCfg.Quantum)
	}

	log.Info().Str("relay", tabCfg.RelayURL).Bool("transmit", opts.transmit).Bool("listen", opts.listen).Msg("tab running")

	select {
	case <-ctx.Done():
	case err := <-relayDone:
		log.Error().Err(err).Msg("relay connection lost")
	}

	// the client outlives Run so the stop announcement still reaches the relay
	if err := ctl.Close(); err != nil {
		log.Warn().Err(err).Msg("announce stop")
	}
	client.Flush(time.Second)
	return nil
}
