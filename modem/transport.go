package modem

//go:generate go tool mockgen -source=transport.go -destination=mock_transport.go -package=modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	tarm "github.com/tarm/serial"
	"go.bug.st/serial"
)

// DefaultBaudRate is the factory setting of the 9602 serial interface.
const DefaultBaudRate = 19200

// Transport represents an established, bidirectional byte stream to an
// Iridium modem.
//
// A Transport is assumed to be already connected and ready for use. Read
// must block until data arrives and must return an error once the Transport
// is closed. Typical implementations include serial ports, the software
// emulator or in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to an Iridium modem.
//
// Dialer abstracts how the modem connection is created (for example, via a
// serial port, the emulator, or a test double). Connect calls it every time
// a connection is established.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It may
	// perform blocking operations and should respect cancellation and deadlines
	// provided by the context. Dial returns an error if the transport cannot be
	// established.
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// SerialDialer opens the modem over a serial port using go.bug.st/serial.
type SerialDialer struct {
	PortName string
	// Mode overrides the line settings. When nil, BaudRate 8N1 is used.
	Mode *serial.Mode
	// BaudRate defaults to DefaultBaudRate.
	BaudRate int
}

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if err := checkDial(ctx, d.PortName); err != nil {
		return nil, err
	}

	port, err := serial.Open(d.PortName, d.mode())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.PortName, err)
	}
	return port, nil
}

func (d SerialDialer) mode() *serial.Mode {
	if d.Mode != nil {
		return d.Mode
	}
	return &serial.Mode{
		BaudRate: baudRate(d.BaudRate),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// TarmDialer opens the modem over a serial port using github.com/tarm/serial.
//
// tarm ports report a read timeout as io.EOF; the returned Transport hides
// those until the port is closed so that the reader loop keeps waiting.
type TarmDialer struct {
	PortName string
	BaudRate int
	// ReadTimeout bounds each read so that Close is not held up by a blocked
	// read. Defaults to 500ms.
	ReadTimeout time.Duration
}

func (d TarmDialer) Dial(ctx context.Context) (Transport, error) {
	if err := checkDial(ctx, d.PortName); err != nil {
		return nil, err
	}

	port, err := tarm.OpenPort(d.config())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.PortName, err)
	}
	return &tarmPort{port: port}, nil
}

func (d TarmDialer) config() *tarm.Config {
	timeout := d.ReadTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &tarm.Config{
		Name:        d.PortName,
		Baud:        baudRate(d.BaudRate),
		ReadTimeout: timeout,
	}
}

type tarmPort struct {
	port   *tarm.Port
	closed atomic.Bool
}

func (p *tarmPort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if errors.Is(err, io.EOF) && !p.closed.Load() {
		return n, nil
	}
	return n, err
}

func (p *tarmPort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *tarmPort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.port.Close()
}

// ReplayDialer opens a recorded serial log as a Transport. Reads return the
// recorded bytes and then io.EOF; writes are discarded. Pair it with
// Config.Replay and Modem.ConnectSilent.
type ReplayDialer struct {
	Path string
}

func (d ReplayDialer) Dial(ctx context.Context) (Transport, error) {
	if d.Path == "" {
		return nil, errors.New("modem: replay file is required")
	}
	if ctx == nil {
		return nil, errors.New("modem: context is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Path, err)
	}
	return replayLog{f}, nil
}

type replayLog struct {
	*os.File
}

func (replayLog) Write(b []byte) (int, error) {
	return len(b), nil
}

func checkDial(ctx context.Context, portName string) error {
	if portName == "" {
		return errors.New("modem: serial port name is required")
	}
	if ctx == nil {
		return errors.New("modem: context is nil")
	}
	return ctx.Err()
}

func baudRate(n int) int {
	if n <= 0 {
		return DefaultBaudRate
	}
	return n
}
