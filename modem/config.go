package modem

import (
	"log/slog"
	"time"

	"i4.energy/across/sbdgw/at"
)

// Defaults applied by the ConfigBuilder and Config.setDefaults.
const (
	DefaultConnectTimeout  = 2 * time.Second
	DefaultPreviousTimeout = 120 * time.Second
	DefaultStaleGrace      = 30 * time.Second
	DefaultQueueSize       = 100
)

// Config holds the driver settings. Build it with NewConfigBuilder so that
// the boolean options start from their documented defaults.
type Config struct {
	Dialer Dialer
	Logger *slog.Logger
	Signal Signal

	// ConnectTimeout bounds each command of the connect sequence.
	ConnectTimeout time.Duration
	// PreviousTimeout bounds how long a blocking call waits for the previous
	// command when its context carries no deadline.
	PreviousTimeout time.Duration
	// StaleGrace is added to a command's nominal timeout before an
	// unanswered command is abandoned.
	StaleGrace time.Duration
	// QueueSize caps the number of queued commands.
	QueueSize int

	Echo        bool // ATE1
	FlowControl bool // AT&K3
	RingAlerts  bool // AT+SBDMTA=1

	// AutoRead starts a session whenever the modem reports a waiting
	// message, and reads the message the session fetched.
	AutoRead bool
	// Telephone suppresses automatic sessions on ring indications when the
	// modem also handles voice calls.
	Telephone bool

	// Epoch is the Iridium system time epoch used to convert AT-MSSTM.
	Epoch time.Time

	// Replay treats the transport as a recorded serial log: a command line
	// read while nothing is pending becomes the pending command, and no
	// follow-up commands are queued. Use with ConnectSilent.
	Replay bool
}

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Signal == nil {
		c.Signal = NopSignal{}
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PreviousTimeout == 0 {
		c.PreviousTimeout = DefaultPreviousTimeout
	}
	if c.StaleGrace == 0 {
		c.StaleGrace = DefaultStaleGrace
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Epoch.IsZero() {
		c.Epoch = at.EpochEraTwo
	}
}

// ConfigBuilder assembles a Config.
type ConfigBuilder struct {
	config Config
}

// NewConfigBuilder returns a builder with echo, ring alerts and automatic
// message reading enabled and flow control disabled.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		config: Config{
			Echo:       true,
			RingAlerts: true,
			AutoRead:   true,
		},
	}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

func (b *ConfigBuilder) WithSignal(s Signal) *ConfigBuilder {
	b.config.Signal = s
	return b
}

func (b *ConfigBuilder) WithConnectTimeout(d time.Duration) *ConfigBuilder {
	b.config.ConnectTimeout = d
	return b
}

func (b *ConfigBuilder) WithPreviousTimeout(d time.Duration) *ConfigBuilder {
	b.config.PreviousTimeout = d
	return b
}

func (b *ConfigBuilder) WithStaleGrace(d time.Duration) *ConfigBuilder {
	b.config.StaleGrace = d
	return b
}

func (b *ConfigBuilder) WithQueueSize(n int) *ConfigBuilder {
	b.config.QueueSize = n
	return b
}

func (b *ConfigBuilder) WithEcho(on bool) *ConfigBuilder {
	b.config.Echo = on
	return b
}

func (b *ConfigBuilder) WithFlowControl(on bool) *ConfigBuilder {
	b.config.FlowControl = on
	return b
}

func (b *ConfigBuilder) WithRingAlerts(on bool) *ConfigBuilder {
	b.config.RingAlerts = on
	return b
}

func (b *ConfigBuilder) WithAutoRead(on bool) *ConfigBuilder {
	b.config.AutoRead = on
	return b
}

func (b *ConfigBuilder) WithTelephone(on bool) *ConfigBuilder {
	b.config.Telephone = on
	return b
}

func (b *ConfigBuilder) WithEpoch(epoch time.Time) *ConfigBuilder {
	b.config.Epoch = epoch
	return b
}

func (b *ConfigBuilder) WithReplay(on bool) *ConfigBuilder {
	b.config.Replay = on
	return b
}

// Build validates the configuration and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.setDefaults()
	return c, nil
}
