package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAdapter() AdapterConfig {
	return AdapterConfig{
		Alias:      "locker_set",
		TtyPath:    "/dev/ttyUSB0",
		BaudRate:   115200,
		Mode:       ModeSeter,
		DefaultBit: 0,
	}
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	cfg := &Config{Adapters: []AdapterConfig{validAdapter()}}
	require.NoError(t, Validate(cfg))
}

func TestValidateDefaultsBaudRate(t *testing.T) {
	a := validAdapter()
	a.BaudRate = 0
	cfg := &Config{Adapters: []AdapterConfig{a}}
	require.NoError(t, Validate(cfg))
	assert.Equal(t, 115200, cfg.Adapters[0].BaudRate)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AdapterConfig)
	}{
		{"empty alias", func(a *AdapterConfig) { a.Alias = "" }},
		{"alias with spaces", func(a *AdapterConfig) { a.Alias = "locker set" }},
		{"missing tty", func(a *AdapterConfig) { a.TtyPath = "" }},
		{"odd baud rate", func(a *AdapterConfig) { a.BaudRate = 12345 }},
		{"unknown mode", func(a *AdapterConfig) { a.Mode = "pusher" }},
		{"default bit out of range", func(a *AdapterConfig) { a.DefaultBit = 2 }},
		{"lag time too large", func(a *AdapterConfig) { a.LagTimeMs = 5000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAdapter()
			tt.mutate(&a)
			cfg := &Config{Adapters: []AdapterConfig{a}}
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestValidateNoAdapters(t *testing.T) {
	assert.Error(t, Validate(&Config{}))
}

func TestValidateDuplicateAlias(t *testing.T) {
	cfg := &Config{Adapters: []AdapterConfig{validAdapter(), validAdapter()}}
	assert.Error(t, Validate(cfg))
}

func TestValidateSpiChannels(t *testing.T) {
	spi := AdapterConfig{
		Alias:     "display",
		TtyPath:   "/dev/ttyUSB2",
		BaudRate:  115200,
		Mode:      ModeSpi,
		LagTimeMs: 2,
		SpiChannels: []SpiChannelConfig{
			{Num: 1, Clk: 1, Data: 2, Cs: 3},
		},
	}
	require.NoError(t, Validate(&Config{Adapters: []AdapterConfig{spi}}))

	noChannels := spi
	noChannels.SpiChannels = nil
	assert.Error(t, Validate(&Config{Adapters: []AdapterConfig{noChannels}}),
		"spi mode needs at least one channel")

	dup := spi
	dup.SpiChannels = []SpiChannelConfig{
		{Num: 1, Clk: 1, Data: 2, Cs: 3},
		{Num: 1, Clk: 4, Data: 5, Cs: 6},
	}
	assert.Error(t, Validate(&Config{Adapters: []AdapterConfig{dup}}),
		"duplicate channel numbers collide")

	badPin := spi
	badPin.SpiChannels = []SpiChannelConfig{{Num: 1, Clk: 99, Data: 2, Cs: 3}}
	assert.Error(t, Validate(&Config{Adapters: []AdapterConfig{badPin}}))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
daemon:
  command_socket: /tmp/test_gpio.sock
  resend_interval: 1s

adapters:
  - alias: locker_set
    tty_path: /dev/ttyUSB0
    mode: seter
    default_bit: 0

  - alias: locker_get
    tty_path: /dev/ttyUSB1
    mode: geter
    default_bit: 1
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test_gpio.sock", cfg.Daemon.CommandSocket)
	assert.Equal(t, "/tmp/gpio_get.sock", cfg.Daemon.StatusSocket, "unset keys keep their defaults")
	assert.Equal(t, time.Second, cfg.Daemon.ResendInterval)
	assert.Equal(t, 256, cfg.Daemon.RetentionCount)

	require.Len(t, cfg.Adapters, 2)
	assert.Equal(t, 115200, cfg.Adapters[0].BaudRate)
	assert.Equal(t, ModeGeter, cfg.Adapters[1].Mode)
	assert.Equal(t, uint8(1), cfg.Adapters[1].DefaultBit)
}

func TestLoadRejectsInvalidAdapter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
adapters:
  - alias: broken
    tty_path: /dev/ttyUSB0
    mode: pusher
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
