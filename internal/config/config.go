package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	SendBuffer int           `mapstructure:"send_buffer"`
	LogLevel   string        `mapstructure:"log_level"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Voice     VoiceConfig     `mapstructure:"voice"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Directory DirectoryConfig `mapstructure:"directory"`
}

// RateLimitConfig bounds join-channel requests per user.
type RateLimitConfig struct {
	Joins    int           `mapstructure:"joins"`
	Interval time.Duration `mapstructure:"interval"`
}

type VoiceConfig struct {
	NegotiationTimeout  time.Duration `mapstructure:"negotiation_timeout"`
	RecoveryDelay       time.Duration `mapstructure:"recovery_delay"`
	MaxRecoveryAttempts int           `mapstructure:"max_recovery_attempts"`
}

type RelayConfig struct {
	ICEServers    []string      `mapstructure:"ice_servers"`
	NAT1To1IPs    []string      `mapstructure:"nat_1to1_ips"`
	UDPPortMin    uint16        `mapstructure:"udp_port_min"`
	UDPPortMax    uint16        `mapstructure:"udp_port_max"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DirectoryConfig is the static stand-in for the external channel and role store.
type DirectoryConfig struct {
	AllowAdhoc bool           `mapstructure:"allow_adhoc"`
	Servers    []ServerConfig `mapstructure:"servers"`
}

type ServerConfig struct {
	ID       string              `mapstructure:"id"`
	Owner    string              `mapstructure:"owner"`
	Channels []ChannelConfig     `mapstructure:"channels"`
	Roles    map[string][]string `mapstructure:"roles"`
}

type ChannelConfig struct {
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Private bool   `mapstructure:"private"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("log_level", "info")

	v.SetDefault("rate_limit.joins", 5)
	v.SetDefault("rate_limit.interval", "10s")

	v.SetDefault("voice.negotiation_timeout", "10s")
	v.SetDefault("voice.recovery_delay", "2s")
	v.SetDefault("voice.max_recovery_attempts", 5)

	v.SetDefault("relay.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("relay.gather_timeout", "3s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("directory.allow_adhoc", true)
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName over the defaults. A missing file is not an error.
// Every key can be overridden by a VOICEHUB_ prefixed environment variable.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("voicehub")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Static: %s\n", cfg.Mode, cfg.Port, cfg.StaticPath)
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive")
	}
	if c.Voice.NegotiationTimeout <= 0 {
		return fmt.Errorf("voice.negotiation_timeout must be positive")
	}
	if c.Voice.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("voice.max_recovery_attempts must not be negative")
	}
	return nil
}
