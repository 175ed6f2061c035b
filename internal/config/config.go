package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`

	// ExtensionID gates the signalling endpoint. Empty accepts any client.
	ExtensionID string        `mapstructure:"extension_id"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	SendBuffer  int           `mapstructure:"send_buffer"`
	RateLimit   int           `mapstructure:"rate_limit"`
	RateWindow  time.Duration `mapstructure:"rate_window"`
	Policy      string        `mapstructure:"policy"`

	TelemetryEndpoint string `mapstructure:"telemetry_endpoint"`

	Tab TabConfig `mapstructure:"tab"`
}

// TabConfig configures the headless tab client.
type TabConfig struct {
	RelayURL   string        `mapstructure:"relay_url"`
	Token      string        `mapstructure:"token"`
	ICEServers []string      `mapstructure:"ice_servers"`
	SampleRate int           `mapstructure:"sample_rate"`
	Quantum    time.Duration `mapstructure:"quantum"`
	TestTone   float64       `mapstructure:"test_tone"`
	// Processor is "", "invert" or "tone".
	Processor string `mapstructure:"processor"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, then VAC_* environment overrides.
// A .env file in the working directory is loaded into the environment first.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Str("module", "config").Msg("no .env file")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("VAC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("policy", cfg.Policy).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "vac-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("extension_id", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("rate_limit", 200)
	v.SetDefault("rate_window", "1s")
	v.SetDefault("policy", "drop")
	v.SetDefault("telemetry_endpoint", "")

	v.SetDefault("tab.relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("tab.token", "")
	v.SetDefault("tab.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("tab.sample_rate", 48000)
	v.SetDefault("tab.quantum", "20ms")
	v.SetDefault("tab.test_tone", 440)
	v.SetDefault("tab.processor", "")
}
