package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Serial backends selectable with SERIAL_BACKEND / -serial-backend.
const (
	BackendBugst = "bugst"
	BackendTarm  = "tarm"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string
	// BaudRate is the baud rate for serial communication with the modem (e.g. 19200)
	BaudRate int
	// SerialBackend selects the serial library ("bugst" or "tarm")
	SerialBackend string
	// Emulate replaces the serial port with the software modem
	Emulate bool
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string
	// ReplayFile plays a recorded serial log through the driver and exits
	ReplayFile string

	// AutoRead makes the driver fetch messages announced by ring alerts
	AutoRead bool
	// CheckRingInterval polls the ring indicators when non-zero
	CheckRingInterval time.Duration
	// MaxRetries bounds the delivery attempts of an outbox message
	MaxRetries int

	// MQTTBroker enables the MQTT bridge (e.g. "tcp://localhost:1883")
	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string
	MQTTUsername    string
	MQTTPassword    string
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	switch c.SerialBackend {
	case BackendBugst, BackendTarm:
	default:
		return fmt.Errorf("unknown serial backend %q", c.SerialBackend)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.CheckRingInterval < 0 {
		return fmt.Errorf("check ring interval must not be negative, got %v", c.CheckRingInterval)
	}
	return nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 19200
		c.SerialBackend = BackendBugst
		c.LogLevel = "info"
		c.AutoRead = true
		c.MaxRetries = 3
		c.MQTTClientID = "sbd-gw-1"
		c.MQTTTopicPrefix = "sbd"
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if backend := os.Getenv("SERIAL_BACKEND"); backend != "" {
			c.SerialBackend = backend
		}

		if emulate := os.Getenv("EMULATE"); emulate != "" {
			if b, err := strconv.ParseBool(emulate); err == nil {
				c.Emulate = b
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if replay := os.Getenv("REPLAY_FILE"); replay != "" {
			c.ReplayFile = replay
		}

		if autoRead := os.Getenv("AUTO_READ"); autoRead != "" {
			if b, err := strconv.ParseBool(autoRead); err == nil {
				c.AutoRead = b
			}
		}

		if interval := os.Getenv("CHECK_RING_INTERVAL"); interval != "" {
			d, err := time.ParseDuration(interval)
			if err != nil {
				return fmt.Errorf("CHECK_RING_INTERVAL: %w", err)
			}
			c.CheckRingInterval = d
		}

		if retries := os.Getenv("MAX_RETRIES"); retries != "" {
			if n, err := strconv.Atoi(retries); err == nil {
				c.MaxRetries = n
			}
		}

		if broker := os.Getenv("MQTT_BROKER"); broker != "" {
			c.MQTTBroker = broker
		}
		if id := os.Getenv("MQTT_CLIENT_ID"); id != "" {
			c.MQTTClientID = id
		}
		if prefix := os.Getenv("MQTT_TOPIC_PREFIX"); prefix != "" {
			c.MQTTTopicPrefix = prefix
		}
		if user := os.Getenv("MQTT_USERNAME"); user != "" {
			c.MQTTUsername = user
		}
		if pass := os.Getenv("MQTT_PASSWORD"); pass != "" {
			c.MQTTPassword = pass
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *flag.Flag) {
			value := f.Value.String()
			switch f.Name {
			case "bind-address":
				c.BindAddress = value
			case "serial-port":
				c.SerialPort = value
			case "baud-rate":
				if b, perr := strconv.Atoi(value); perr == nil {
					c.BaudRate = b
				}
			case "serial-backend":
				c.SerialBackend = value
			case "emulate":
				c.Emulate = value == "true"
			case "log-level":
				c.LogLevel = value
			case "replay":
				c.ReplayFile = value
			case "auto-read":
				c.AutoRead = value == "true"
			case "check-ring-interval":
				d, perr := time.ParseDuration(value)
				if perr != nil {
					err = fmt.Errorf("-check-ring-interval: %w", perr)
					return
				}
				c.CheckRingInterval = d
			case "max-retries":
				if n, perr := strconv.Atoi(value); perr == nil {
					c.MaxRetries = n
				}
			case "mqtt-broker":
				c.MQTTBroker = value
			case "mqtt-topic-prefix":
				c.MQTTTopicPrefix = value
			}
		})
		return err
	}
}
