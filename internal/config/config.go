package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	LogLevel   string `mapstructure:"log_level"`

	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MessageRate      float64       `mapstructure:"message_rate"`
	MessageBurst     int           `mapstructure:"message_burst"`
	MaxOffenses      int           `mapstructure:"max_offenses"`

	MaxRooms      int           `mapstructure:"max_rooms"`
	MaxMembers    int           `mapstructure:"max_members"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	TombstoneTTL  time.Duration `mapstructure:"tombstone_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	OutboxLimit        int           `mapstructure:"outbox_limit"`
	OutboxControlLimit int           `mapstructure:"outbox_control_limit"`
	EventResendAfter   time.Duration `mapstructure:"event_resend_after"`
	MaxUnackedEvents   int           `mapstructure:"max_unacked_events"`

	WebRTCEnabled bool     `mapstructure:"webrtc_enabled"`
	STUNURLs      []string `mapstructure:"stun_urls"`
}

// ClientConfig drives the headless client and the load bot.
type ClientConfig struct {
	ServerURL         string        `mapstructure:"server_url"`
	DisplayName       string        `mapstructure:"display_name"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	InterpDelay       time.Duration `mapstructure:"interp_delay"`
	SeenEvents        int           `mapstructure:"seen_events"`
}

// NewViper returns an instance reading DELVE_* environment overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DELVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readFile(v *viper.Viper) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
}

func SetServerDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")

	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "27s")
	v.SetDefault("handshake_timeout", "10s")
	v.SetDefault("message_rate", 60)
	v.SetDefault("message_burst", 120)
	v.SetDefault("max_offenses", 10)

	v.SetDefault("max_rooms", 256)
	v.SetDefault("max_members", 4)
	v.SetDefault("grace_period", "30s")
	v.SetDefault("tombstone_ttl", "5m")
	v.SetDefault("sweep_interval", "1s")

	v.SetDefault("outbox_limit", 256)
	v.SetDefault("outbox_control_limit", 64)
	v.SetDefault("event_resend_after", "2s")
	v.SetDefault("max_unacked_events", 128)

	v.SetDefault("webrtc_enabled", false)
	v.SetDefault("stun_urls", []string{"stun:stun.l.google.com:19302"})
}

func SetClientDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "ws://localhost:8080/api/ws")
	v.SetDefault("display_name", "guest")
	v.SetDefault("join_timeout", "5s")
	v.SetDefault("reconnect_attempts", 5)
	v.SetDefault("reconnect_base", "250ms")
	v.SetDefault("reconnect_max", "8s")
	v.SetDefault("interp_delay", "100ms")
	v.SetDefault("seen_events", 1024)
}

func Load() (*Config, error) {
	v := NewViper()
	SetServerDefaults(v)
	readFile(v)
	return Unmarshal(v)
}

// Unmarshal decodes a prepared viper instance into a Config.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

// LoadClient reads client settings. v may carry flags already bound by the
// caller; nil starts from a fresh instance.
func LoadClient(v *viper.Viper) (*ClientConfig, error) {
	if v == nil {
		v = NewViper()
	}
	SetClientDefaults(v)
	readFile(v)
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	return &cfg, nil
}
