package main

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		config, err := LoadConfig(WithDefaults())
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0:8080", config.BindAddress)
		assert.Equal(t, 19200, config.BaudRate)
		assert.Equal(t, BackendBugst, config.SerialBackend)
		assert.True(t, config.AutoRead)
		assert.Equal(t, 3, config.MaxRetries)
		assert.Equal(t, "sbd", config.MQTTTopicPrefix)
		assert.Zero(t, config.CheckRingInterval)
	})

	t.Run("Environment overrides defaults", func(t *testing.T) {
		t.Setenv("SERIAL_PORT", "/dev/ttyS3")
		t.Setenv("BAUD_RATE", "9600")
		t.Setenv("SERIAL_BACKEND", "tarm")
		t.Setenv("EMULATE", "true")
		t.Setenv("AUTO_READ", "false")
		t.Setenv("CHECK_RING_INTERVAL", "30s")
		t.Setenv("MQTT_BROKER", "tcp://broker:1883")
		t.Setenv("REPLAY_FILE", "/var/log/modem.log")

		config, err := LoadConfig(WithDefaults(), WithEnv())
		require.NoError(t, err)

		assert.Equal(t, "/dev/ttyS3", config.SerialPort)
		assert.Equal(t, 9600, config.BaudRate)
		assert.Equal(t, BackendTarm, config.SerialBackend)
		assert.True(t, config.Emulate)
		assert.False(t, config.AutoRead)
		assert.Equal(t, 30*time.Second, config.CheckRingInterval)
		assert.Equal(t, "tcp://broker:1883", config.MQTTBroker)
		assert.Equal(t, "/var/log/modem.log", config.ReplayFile)
	})

	t.Run("Flags override environment", func(t *testing.T) {
		t.Setenv("BIND_ADDRESS", "127.0.0.1:9000")

		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		fs.String("bind-address", "", "")
		fs.Bool("emulate", false, "")
		fs.Duration("check-ring-interval", 0, "")
		fs.String("replay", "", "")
		require.NoError(t, fs.Parse([]string{"-bind-address", ":7000", "-emulate", "-check-ring-interval", "1m", "-replay", "capture.log"}))

		config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(fs))
		require.NoError(t, err)

		assert.Equal(t, ":7000", config.BindAddress)
		assert.True(t, config.Emulate)
		assert.Equal(t, time.Minute, config.CheckRingInterval)
		assert.Equal(t, "capture.log", config.ReplayFile)
	})

	t.Run("Unknown backend", func(t *testing.T) {
		t.Setenv("SERIAL_BACKEND", "usb")

		_, err := LoadConfig(WithDefaults(), WithEnv())
		assert.ErrorContains(t, err, "unknown serial backend")
	})

	t.Run("Bad interval", func(t *testing.T) {
		t.Setenv("CHECK_RING_INTERVAL", "often")

		_, err := LoadConfig(WithDefaults(), WithEnv())
		assert.Error(t, err)
	})
}
