package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"i4.energy/across/sbdgw/emulator"
	"i4.energy/across/sbdgw/modem"
)

func main() {
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flag.Int("baud-rate", 19200, "Baud rate for serial communication")
	flag.String("serial-backend", BackendBugst, "Serial library to use (bugst, tarm)")
	flag.Bool("emulate", false, "Use the software modem instead of a serial port")
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Bool("auto-read", true, "Fetch messages announced by ring alerts")
	flag.Duration("check-ring-interval", 0, "Poll the ring indicators at this interval (0 disables)")
	flag.Int("max-retries", 3, "Retries of a failed outgoing message")
	flag.String("mqtt-broker", "", "MQTT broker URL (empty disables MQTT)")
	flag.String("mqtt-topic-prefix", "sbd", "Prefix of the MQTT topics")
	flag.String("replay", "", "Play a recorded serial log through the driver and exit")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if config.ReplayFile != "" {
		logger.Info("Replaying serial log", "file", config.ReplayFile)
		if err := replay(ctx, logger, config.ReplayFile); err != nil {
			logger.Error("Replay failed", "error", err)
			os.Exit(1)
		}
		return
	}

	hub := NewHub(logger.With("component", "hub"))

	modemConfig, err := modem.NewConfigBuilder().
		WithDialer(newDialer(config)).
		WithLogger(logger).
		WithSignal(hub).
		WithAutoRead(config.AutoRead).
		Build()
	if err != nil {
		logger.Error("Failed to create modem config", "error", err)
		os.Exit(1)
	}

	m, err := modem.New(modemConfig)
	if err != nil {
		logger.Error("Failed to create modem", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting SBD Gateway", "port", config.SerialPort, "backend", config.SerialBackend, "emulate", config.Emulate)
	if err := m.Connect(ctx); err != nil {
		logger.Error("Failed to connect to modem", "error", err)
		os.Exit(1)
	}

	go reconnect(ctx, logger, hub, m, time.Second, time.Minute)

	outbox := NewOutbox(logger.With("component", "outbox"), m, config.MaxRetries, 0)
	go outbox.Run(ctx)

	if config.MQTTBroker != "" {
		bridge := NewBridge(config, logger.With("component", "mqtt"), outbox)
		if err := bridge.Start(ctx); err != nil {
			logger.Error("Failed to start MQTT bridge", "error", err)
		} else {
			hub.AddSink(bridge.Sink)
		}
	}

	if config.CheckRingInterval > 0 {
		go pollRing(ctx, logger, m, config.CheckRingInterval)
	}

	httpServer := &http.Server{
		Addr:    config.BindAddress,
		Handler: NewServer(logger.With("component", "server"), m, hub, outbox),
	}

	// Start HTTP server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	logger.Info("Closing modem connection")
	if err := m.Close(); err != nil {
		logger.Error("Failed to close modem", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
		os.Exit(1)
	}
}

func newDialer(config *Config) modem.Dialer {
	switch {
	case config.Emulate:
		return modem.DialerFunc(func(ctx context.Context) (modem.Transport, error) {
			return emulator.New(), nil
		})
	case config.SerialBackend == BackendTarm:
		return modem.TarmDialer{PortName: config.SerialPort, BaudRate: config.BaudRate}
	default:
		return modem.SerialDialer{PortName: config.SerialPort, BaudRate: config.BaudRate}
	}
}

// ringPoller is satisfied by *modem.Modem.
type ringPoller interface {
	CheckRing() error
}

// pollRing queues a ring indicator query every interval. Messages found
// this way are delivered through the hub.
func pollRing(ctx context.Context, logger *slog.Logger, m ringPoller, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.CheckRing(); err != nil {
				logger.Warn("Check ring failed", "error", err)
			}
		}
	}
}

// connector is satisfied by *modem.Modem.
type connector interface {
	Connect(ctx context.Context) error
}

// reconnect redials the modem each time the hub reports the connection lost,
// doubling the delay between failed attempts up to maxDelay.
func reconnect(ctx context.Context, logger *slog.Logger, hub *Hub, m connector, minDelay, maxDelay time.Duration) {
	events, unsubscribe := hub.Subscribe(16)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != EventDisconnected {
				continue
			}
		}

		delay := minDelay
		for attempt := 1; ; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			err := m.Connect(ctx)
			if err == nil {
				logger.Info("Modem reconnected", "attempt", attempt)
				break
			}
			logger.Warn("Reconnect failed", "attempt", attempt, "error", err)
			delay = min(delay*2, maxDelay)
		}
	}
}

// replay plays the serial log at path through a driver in replay mode and
// logs every event it produces. It returns once the log is exhausted.
func replay(ctx context.Context, logger *slog.Logger, path string) error {
	hub := NewHub(logger.With("component", "hub"))

	done := make(chan struct{})
	var once sync.Once
	hub.AddSink(func(ev Event) {
		logger.Info("Replayed event", "event", ev)
		if ev.Type == EventDisconnected {
			once.Do(func() { close(done) })
		}
	})

	config, err := modem.NewConfigBuilder().
		WithDialer(modem.ReplayDialer{Path: path}).
		WithLogger(logger).
		WithSignal(hub).
		WithReplay(true).
		Build()
	if err != nil {
		return err
	}
	m, err := modem.New(config)
	if err != nil {
		return err
	}

	if err := m.ConnectSilent(ctx); err != nil {
		return err
	}
	defer m.Close()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
