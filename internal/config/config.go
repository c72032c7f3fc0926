package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Daemon   DaemonConfig    `mapstructure:"daemon" json:"daemon"`
	DebugAPI DebugAPIConfig  `mapstructure:"debug_api" json:"debug_api"`
	Adapters []AdapterConfig `mapstructure:"adapters" json:"adapters"`
	Simulate bool            `mapstructure:"simulate" json:"simulate"`
	Scenario string          `mapstructure:"scenario" json:"scenario"`
}

type DaemonConfig struct {
	CommandSocket    string        `mapstructure:"command_socket" json:"command_socket"`
	StatusSocket     string        `mapstructure:"status_socket" json:"status_socket"`
	RetentionCount   int           `mapstructure:"retention_count" json:"retention_count"`
	RetentionTTL     time.Duration `mapstructure:"retention_ttl" json:"retention_ttl"`
	ResendInterval   time.Duration `mapstructure:"resend_interval" json:"resend_interval"`
	ResendLimit      int           `mapstructure:"resend_limit" json:"resend_limit"`
	ClientGrace      time.Duration `mapstructure:"client_grace" json:"client_grace"`
	ReopenBackoffMin time.Duration `mapstructure:"reopen_backoff_min" json:"reopen_backoff_min"`
	ReopenBackoffMax time.Duration `mapstructure:"reopen_backoff_max" json:"reopen_backoff_max"`
}

// DebugAPIConfig enables the optional read-only HTTP surface. Empty listen
// address keeps it off.
type DebugAPIConfig struct {
	Listen string `mapstructure:"listen" json:"listen"`
}

// AdapterMode selects which half of the wire protocol an adapter speaks.
type AdapterMode string

const (
	ModeSeter AdapterMode = "seter"
	ModeGeter AdapterMode = "geter"
	ModeSpi   AdapterMode = "spi"
)

// AdapterConfig describes one physical USB-to-GPIO module. Immutable after
// load; changing any field requires a restart.
type AdapterConfig struct {
	Alias       string             `mapstructure:"alias" json:"alias"`
	TtyPath     string             `mapstructure:"tty_path" json:"tty_path"`
	BaudRate    int                `mapstructure:"baud_rate" json:"baud_rate"`
	Mode        AdapterMode        `mapstructure:"mode" json:"mode"`
	DefaultBit  uint8              `mapstructure:"default_bit" json:"default_bit"`
	LagTimeMs   int                `mapstructure:"lag_time" json:"lag_time"`
	SpiChannels []SpiChannelConfig `mapstructure:"spi_channels" json:"spi_channels,omitempty"`
}

type SpiChannelConfig struct {
	Num  int   `mapstructure:"num" json:"num"`
	Clk  uint8 `mapstructure:"clk" json:"clk"`
	Data uint8 `mapstructure:"data" json:"data"`
	Cs   uint8 `mapstructure:"cs" json:"cs"`
}

func (a *AdapterConfig) LagTime() time.Duration {
	return time.Duration(a.LagTimeMs) * time.Millisecond
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	viper.SetDefault("daemon.command_socket", "/tmp/gpio.sock")
	viper.SetDefault("daemon.status_socket", "/tmp/gpio_get.sock")
	viper.SetDefault("daemon.retention_count", 256)
	viper.SetDefault("daemon.retention_ttl", "5m")
	viper.SetDefault("daemon.resend_interval", "2s")
	viper.SetDefault("daemon.resend_limit", 5)
	viper.SetDefault("daemon.client_grace", "30s")
	viper.SetDefault("daemon.reopen_backoff_min", "500ms")
	viper.SetDefault("daemon.reopen_backoff_max", "30s")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("GPIOBRIDGE")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the adapter definitions. An unresolvable definition is the
// one fatal condition of the daemon.
func Validate(cfg *Config) error {
	if len(cfg.Adapters) == 0 {
		return fmt.Errorf("no adapters configured")
	}

	validator, err := NewValidator()
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i := range cfg.Adapters {
		a := &cfg.Adapters[i]
		if a.BaudRate == 0 {
			a.BaudRate = 115200
		}
		if err := validator.ValidateAdapter(a); err != nil {
			return fmt.Errorf("adapter %q: %w", a.Alias, err)
		}
		if seen[a.Alias] {
			return fmt.Errorf("duplicate adapter alias %q", a.Alias)
		}
		seen[a.Alias] = true

		if a.Mode == ModeSpi {
			nums := make(map[int]bool)
			for _, ch := range a.SpiChannels {
				if nums[ch.Num] {
					return fmt.Errorf("adapter %q: duplicate SPI channel %d", a.Alias, ch.Num)
				}
				nums[ch.Num] = true
			}
			if len(a.SpiChannels) == 0 {
				return fmt.Errorf("adapter %q: spi mode without spi_channels", a.Alias)
			}
		}
	}
	return nil
}
