package modem

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.bug.st/serial"
	"go.uber.org/mock/gomock"
)

// portDialers are the dialers that open a serial device by name.
func portDialers(port string) map[string]Dialer {
	return map[string]Dialer{
		"bugst": SerialDialer{PortName: port},
		"tarm":  TarmDialer{PortName: port},
	}
}

func TestPortDialers(t *testing.T) {
	for name, dialer := range portDialers("") {
		t.Run(name+" requires a port name", func(t *testing.T) {
			transport, err := dialer.Dial(context.Background())
			if transport != nil {
				t.Error("expected no transport without a port name")
			}
			if err == nil || err.Error() != "modem: serial port name is required" {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	for name, dialer := range portDialers("/dev/ttyIridium0") {
		t.Run(name+" rejects a nil context", func(t *testing.T) {
			transport, err := dialer.Dial(nil)
			if transport != nil {
				t.Error("expected no transport for a nil context")
			}
			if err == nil || err.Error() != "modem: context is nil" {
				t.Errorf("unexpected error: %v", err)
			}
		})

		t.Run(name+" honours a canceled context before opening", func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			transport, err := dialer.Dial(ctx)
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got: %v", err)
			}
			if transport != nil {
				t.Error("expected no transport for a canceled context")
			}
		})
	}

	missing := filepath.Join(t.TempDir(), "missing")
	for name, dialer := range portDialers(missing) {
		t.Run(name+" wraps the open error with the port name", func(t *testing.T) {
			transport, err := dialer.Dial(context.Background())
			if err == nil {
				t.Fatal("expected an error for a missing device")
			}
			if transport != nil {
				t.Error("expected no transport for a missing device")
			}
			if !strings.HasPrefix(err.Error(), "open "+missing+": ") {
				t.Errorf("expected the port name in the error, got: %v", err)
			}
		})
	}
}

func TestSerialDialerMode(t *testing.T) {
	t.Run("Defaults to 19200 8N1", func(t *testing.T) {
		mode := SerialDialer{PortName: "/dev/ttyIridium0"}.mode()

		if mode.BaudRate != 19200 {
			t.Errorf("expected baud rate 19200, got %d", mode.BaudRate)
		}
		if mode.DataBits != 8 || mode.Parity != serial.NoParity || mode.StopBits != serial.OneStopBit {
			t.Errorf("expected 8N1, got %+v", mode)
		}
	})

	t.Run("BaudRate overrides the default", func(t *testing.T) {
		mode := SerialDialer{PortName: "/dev/ttyIridium0", BaudRate: 115200}.mode()
		if mode.BaudRate != 115200 {
			t.Errorf("expected baud rate 115200, got %d", mode.BaudRate)
		}
	})

	t.Run("Mode is used as given", func(t *testing.T) {
		custom := &serial.Mode{BaudRate: 9600, DataBits: 7, Parity: serial.EvenParity}
		if got := (SerialDialer{PortName: "/dev/ttyIridium0", Mode: custom, BaudRate: 115200}).mode(); got != custom {
			t.Errorf("expected the custom mode, got %+v", got)
		}
	})
}

func TestTarmDialerConfig(t *testing.T) {
	config := TarmDialer{PortName: "/dev/ttyIridium0"}.config()
	if config.Name != "/dev/ttyIridium0" {
		t.Errorf("unexpected port name %q", config.Name)
	}
	if config.Baud != DefaultBaudRate {
		t.Errorf("expected baud rate %d, got %d", DefaultBaudRate, config.Baud)
	}
	if config.ReadTimeout != 500*time.Millisecond {
		t.Errorf("expected 500ms read timeout, got %v", config.ReadTimeout)
	}

	config = TarmDialer{PortName: "/dev/ttyIridium0", BaudRate: 38400, ReadTimeout: time.Second}.config()
	if config.Baud != 38400 || config.ReadTimeout != time.Second {
		t.Errorf("expected overrides to apply, got %+v", config)
	}
}

func TestReplayDialer(t *testing.T) {
	t.Run("Requires a path", func(t *testing.T) {
		_, err := ReplayDialer{}.Dial(context.Background())
		if err == nil || err.Error() != "modem: replay file is required" {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := ReplayDialer{Path: filepath.Join(t.TempDir(), "none.log")}.Dial(context.Background())
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected os.ErrNotExist, got: %v", err)
		}
	})

	t.Run("Reads the log and discards writes", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "serial.log")
		if err := os.WriteFile(path, []byte("AT\r\r\nOK\r\n"), 0o600); err != nil {
			t.Fatal(err)
		}

		transport, err := ReplayDialer{Path: path}.Dial(context.Background())
		if err != nil {
			t.Fatalf("unexpected dial error: %v", err)
		}
		defer transport.Close()

		if n, err := transport.Write([]byte("AT+CSQ\r")); n != 7 || err != nil {
			t.Errorf("expected write to be discarded, got %d, %v", n, err)
		}

		data, err := io.ReadAll(transport)
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		if string(data) != "AT\r\r\nOK\r\n" {
			t.Errorf("unexpected log content %q", data)
		}

		after, _ := os.ReadFile(path)
		if string(after) != "AT\r\r\nOK\r\n" {
			t.Errorf("log file was modified: %q", after)
		}
	})
}

func TestDialerFunc(t *testing.T) {
	ctrl := gomock.NewController(t)

	mockTransport := NewMockTransport(ctrl)
	dialErr := errors.New("dial failed")

	var dialer Dialer = DialerFunc(func(ctx context.Context) (Transport, error) {
		if ctx.Err() != nil {
			return nil, dialErr
		}
		return mockTransport, nil
	})

	transport, err := dialer.Dial(context.Background())
	if err != nil || transport != mockTransport {
		t.Errorf("expected the mock transport, got %v, %v", transport, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := dialer.Dial(ctx); err != dialErr {
		t.Errorf("expected the dial error, got: %v", err)
	}
}

func TestBaudRate(t *testing.T) {
	for in, want := range map[int]int{0: 19200, -1: 19200, 2400: 2400, 115200: 115200} {
		if got := baudRate(in); got != want {
			t.Errorf("baudRate(%d) = %d, want %d", in, got, want)
		}
	}
}
