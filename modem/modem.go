package modem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"i4.energy/across/sbdgw/at"
)

// State is the connection state of a Modem.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// readerMode records who drives Listen.
type readerMode int

const (
	readerNone     readerMode = iota
	readerOwned               // started by Connect, stopped by Close
	readerExternal            // declared with SetListening
)

// readChunkSize is the size of a single transport read.
const readChunkSize = 512

// errDetached ends a read loop whose transport was replaced or torn down
// without Close being requested.
var errDetached = errors.New("transport detached")

// Modem drives an Iridium 9602/9603 SBD modem over a Transport.
//
// Exactly one command is outstanding at a time. A single reader loop (Listen)
// consumes the transport, matches responses to the pending command and
// reports everything else to the configured Signal. All other methods are
// safe for concurrent use.
type Modem struct {
	config Config
	logger *slog.Logger
	signal Signal

	mu        sync.Mutex
	state     State
	transport Transport
	serial    string

	// Reader loop coordination.
	reader      readerMode
	loopRunning bool
	stopLoop    context.CancelFunc
	loopDone    chan struct{}
	// wake is closed and replaced whenever a transport is attached.
	wake chan struct{}
	// halt is closed by Close to end Listen.
	halt chan struct{}

	// Pending slot and FIFO of queued commands.
	seq     uint64
	pending *pendingCommand
	queue   []*pendingCommand

	writeMu sync.Mutex
}

// New creates a Modem with the given configuration. It does not open the
// transport; call Connect.
func New(config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	return &Modem{
		config: config,
		logger: config.Logger.With("component", "modem"),
		signal: config.Signal,
		wake:   make(chan struct{}),
		halt:   make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (m *Modem) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SerialNumber returns the IMEI read by the last serial number command.
func (m *Modem) SerialNumber() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serial
}

// Pending returns the outstanding command, if any.
func (m *Modem) Pending() (at.Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return 0, false
	}
	return m.pending.cmd, true
}

// Epoch returns the Iridium epoch used to convert system time.
func (m *Modem) Epoch() time.Time {
	return m.config.Epoch
}

// SetListening declares that the caller drives Listen on its own goroutine,
// so Connect does not start a reader. It has no effect on a reader that
// Connect already started.
func (m *Modem) SetListening(external bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case external && m.reader == readerNone:
		m.reader = readerExternal
	case !external && m.reader == readerExternal:
		m.reader = readerNone
	}
}

// Connect opens the transport, applies the echo, flow control and ring alert
// options and checks that the modem answers AT.
//
// Connect returns an error wrapping ErrPort when the Dialer fails and
// ErrConnection when the modem does not answer; the state is then
// Disconnected and the attempt can be retried. Calling Connect on a
// connected Modem is a no-op.
//
// After a transport failure Connect waits for the old reader loop to stop,
// so it must not be called from a Signal callback.
func (m *Modem) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Connected:
		m.mu.Unlock()
		return nil
	case Connecting:
		m.mu.Unlock()
		return fmt.Errorf("%w: connect already in progress", ErrConnection)
	}
	m.state = Connecting
	m.mu.Unlock()

	t, err := m.config.Dialer.Dial(ctx)
	if err == nil && t == nil {
		err = errors.New("dialer returned no transport")
	}
	if err != nil {
		m.setState(Disconnected)
		return fmt.Errorf("%w: %w", ErrPort, err)
	}
	m.emit(Signal.Connecting)

	m.awaitReader()
	m.attach(t)

	if err := m.configure(ctx); err != nil {
		m.logger.Warn("modem did not answer", "error", err)
		_ = m.teardown(ErrNotConnected, false)
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	m.mu.Lock()
	if m.transport != t {
		m.mu.Unlock()
		return fmt.Errorf("%w: transport lost while connecting", ErrConnection)
	}
	m.state = Connected
	m.mu.Unlock()

	m.logger.Info("modem connected")
	m.emit(Signal.Connected)
	return nil
}

// ConnectSilent opens the transport and reports Connecting and Connected
// without configuring or pinging the modem. It is meant for replaying a
// recorded serial log, where nothing answers the commands written. The
// reader starts after Connected has been signalled.
func (m *Modem) ConnectSilent(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case Connected:
		m.mu.Unlock()
		return nil
	case Connecting:
		m.mu.Unlock()
		return fmt.Errorf("%w: connect already in progress", ErrConnection)
	}
	m.state = Connecting
	m.mu.Unlock()

	m.emit(Signal.Connecting)
	t, err := m.config.Dialer.Dial(ctx)
	if err == nil && t == nil {
		err = errors.New("dialer returned no transport")
	}
	if err != nil {
		m.setState(Disconnected)
		return fmt.Errorf("%w: %w", ErrPort, err)
	}

	m.setState(Connected)
	m.logger.Info("modem connected without configuration")
	m.emit(Signal.Connected)

	m.awaitReader()
	m.attach(t)
	return nil
}

// awaitReader waits for an owned reader loop that lost its transport to
// return, so that attach starts a fresh one.
func (m *Modem) awaitReader() {
	m.mu.Lock()
	done := m.loopDone
	if m.reader != readerOwned || m.transport != nil {
		done = nil
	}
	m.mu.Unlock()

	if done != nil {
		<-done
	}
}

// attach installs t and starts the reader loop if nobody drives Listen.
func (m *Modem) attach(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transport = t
	select {
	case <-m.halt:
		m.halt = make(chan struct{})
	default:
	}
	close(m.wake)
	m.wake = make(chan struct{})

	if m.reader != readerNone {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.reader = readerOwned
	m.stopLoop = cancel
	m.loopDone = done

	go func() {
		defer close(done)
		err := m.Listen(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case m.config.Replay && errors.Is(err, io.EOF):
		default:
			m.logger.Error("reader loop stopped", "error", err)
		}
		m.mu.Lock()
		if m.loopDone == done {
			m.reader = readerNone
			m.stopLoop = nil
			m.loopDone = nil
		}
		m.mu.Unlock()
	}()
}

func (m *Modem) configure(ctx context.Context) error {
	steps := []at.Command{
		pick(m.config.Echo, at.CmdEchoOn, at.CmdEchoOff),
		pick(m.config.FlowControl, at.CmdFlowControlOn, at.CmdFlowControlOff),
		pick(m.config.RingAlerts, at.CmdRingAlertsOn, at.CmdRingAlertsOff),
		at.CmdPing,
	}

	for _, cmd := range steps {
		stepCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
		_, err := m.acquire(stepCtx, m.newCommand(cmd, false), true)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", cmd.Wire(), err)
		}
	}
	return nil
}

func pick(on bool, yes, no at.Command) at.Command {
	if on {
		return yes
	}
	return no
}

// Close stops the reader loop it started, closes the transport and fails any
// outstanding command with ErrClosed. Close is idempotent.
func (m *Modem) Close() error {
	m.mu.Lock()
	if m.transport == nil && m.state == Disconnected {
		closeOnce(m.halt)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.emit(Signal.Disconnecting)
	err := m.teardown(ErrClosed, true)
	m.logger.Info("modem closed")
	m.emit(Signal.Disconnected)
	return err
}

// teardown detaches the transport, fails outstanding commands with cause,
// stops an owned reader loop and closes the transport.
func (m *Modem) teardown(cause error, halt bool) error {
	var fx effects

	m.mu.Lock()
	t := m.transport
	m.transport = nil
	m.state = Disconnected
	if halt {
		closeOnce(m.halt)
	}
	m.abortLocked(cause, &fx)

	var stop context.CancelFunc
	var done chan struct{}
	if m.reader == readerOwned {
		stop, done = m.stopLoop, m.loopDone
		m.reader = readerNone
		m.stopLoop = nil
		m.loopDone = nil
	}
	m.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	fx.run()

	if t == nil {
		return nil
	}
	return t.Close()
}

// Listen is the reader loop. It feeds transport bytes to the frame parser
// and dispatches every event in arrival order. Listen waits for Connect to
// attach a transport and returns nil once Close is called.
//
// A read error that is not caused by Close is fatal to the connection: the
// state becomes Disconnected, outstanding commands fail with ErrNotConnected,
// Disconnected is signalled and the error is returned.
//
// Only one Listen may run at a time; a second call returns ErrLoopRunning.
func (m *Modem) Listen(ctx context.Context) error {
	m.mu.Lock()
	if m.loopRunning {
		m.mu.Unlock()
		return ErrLoopRunning
	}
	m.loopRunning = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.loopRunning = false
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		t, wake, halt := m.transport, m.wake, m.halt
		m.mu.Unlock()

		if t == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-halt:
				return nil
			case <-wake:
				continue
			}
		}

		err := m.readLoop(ctx, t, halt)
		if errors.Is(err, errDetached) {
			continue
		}
		return err
	}
}

func (m *Modem) readLoop(ctx context.Context, t Transport, halt <-chan struct{}) error {
	chunks := make(chan []byte)
	readErrs := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	// The read goroutine exits once the transport is closed.
	go func() {
		buf := make([]byte, readChunkSize)
		for {
			n, err := t.Read(buf)
			if n > 0 {
				select {
				case chunks <- bytes.Clone(buf[:n]):
				case <-stop:
					return
				}
			}
			if err != nil {
				readErrs <- err
				return
			}
		}
	}()

	reap := time.NewTicker(m.reapInterval())
	defer reap.Stop()

	parser := at.NewParser()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-halt:
			return nil

		case chunk := <-chunks:
			parser.Write(chunk)
			for ev := range parser.Events() {
				m.handle(ev)
			}

		case err := <-readErrs:
			select {
			case <-halt:
				return nil
			default:
			}
			if !m.lost(t, err) {
				return errDetached
			}
			return fmt.Errorf("read: %w", err)

		case <-reap.C:
			m.reap()
		}
	}
}

func (m *Modem) reapInterval() time.Duration {
	d := m.config.StaleGrace / 4
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// lost handles a fatal read error on t. It reports false if t is no longer
// the attached transport.
func (m *Modem) lost(t Transport, err error) bool {
	var fx effects

	m.mu.Lock()
	if m.transport != t {
		m.mu.Unlock()
		return false
	}
	m.transport = nil
	m.state = Disconnected
	m.abortLocked(ErrNotConnected, &fx)
	m.mu.Unlock()

	fx.run()
	_ = t.Close()
	if m.config.Replay && errors.Is(err, io.EOF) {
		m.logger.Info("end of serial log")
		m.emit(func(s Signal) { s.Notification(slog.LevelInfo, "End of serial log", "") })
	} else {
		m.logger.Error("transport read failed, connection closed", "error", err)
		m.emit(func(s Signal) {
			s.Notification(slog.LevelError, "Error when reading from the serial port! The connection will be closed!", err.Error())
		})
	}
	m.emit(Signal.Disconnected)
	return true
}

func (m *Modem) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
