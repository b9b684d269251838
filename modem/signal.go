package modem

import (
	"context"
	"log/slog"

	"i4.energy/across/sbdgw/at"
)

// Signal receives connection changes, command results and unsolicited
// events from the Modem.
//
// Methods are called from the goroutine that drives Listen, or from the
// caller of Connect and Close for the connection events. Implementations must
// return quickly and must not call blocking Modem methods or Close. A panic
// in a method is recovered and logged.
type Signal interface {
	Connecting()
	Connected()
	Disconnecting()
	Disconnected()

	SystemTimeUpdated(t at.SystemTime)
	SerialNumberUpdated(sn string)
	SignalQualityUpdated(quality int)
	CheckRingUpdated(tri, sri int)

	// MessageReceived delivers an MT payload whose checksum matched.
	MessageReceived(content []byte)
	// MessageReceiveFailed reports a payload whose declared checksum does not
	// match its content.
	MessageReceiveFailed(length int, content []byte, declared, computed uint16)
	MessageTransferred(momsn int)
	MessageTransferFailed(momsn int)

	Notification(level slog.Level, msg, detail string)
	CommandFinished(cmd at.Command, ok bool, result any)
}

// NopSignal ignores every event except notifications, which are logged
// through the default slog logger. Embed it to implement a subset of Signal.
type NopSignal struct{}

func (NopSignal) Connecting() {}
func (NopSignal) Connected() {}
func (NopSignal) Disconnecting() {}
func (NopSignal) Disconnected() {}
func (NopSignal) SystemTimeUpdated(at.SystemTime) {}
func (NopSignal) SerialNumberUpdated(string) {}
func (NopSignal) SignalQualityUpdated(int) {}
func (NopSignal) CheckRingUpdated(int, int) {}
func (NopSignal) MessageReceived([]byte) {}
func (NopSignal) MessageReceiveFailed(int, []byte, uint16, uint16) {}
func (NopSignal) MessageTransferred(int) {}
func (NopSignal) MessageTransferFailed(int) {}
func (NopSignal) CommandFinished(at.Command, bool, any) {}

func (NopSignal) Notification(level slog.Level, msg, detail string) {
	logNotification(level, msg, detail)
}

// Funcs is a Signal built from optional callbacks. Nil fields are no-ops,
// except Notification which falls back to logging.
type Funcs struct {
	OnConnecting            func()
	OnConnected             func()
	OnDisconnecting         func()
	OnDisconnected          func()
	OnSystemTimeUpdated     func(at.SystemTime)
	OnSerialNumberUpdated   func(string)
	OnSignalQualityUpdated  func(int)
	OnCheckRingUpdated      func(tri, sri int)
	OnMessageReceived       func([]byte)
	OnMessageReceiveFailed  func(length int, content []byte, declared, computed uint16)
	OnMessageTransferred    func(int)
	OnMessageTransferFailed func(int)
	OnNotification          func(level slog.Level, msg, detail string)
	OnCommandFinished       func(cmd at.Command, ok bool, result any)
}

func (f Funcs) Connecting() {
	if f.OnConnecting != nil {
		f.OnConnecting()
	}
}

func (f Funcs) Connected() {
	if f.OnConnected != nil {
		f.OnConnected()
	}
}

func (f Funcs) Disconnecting() {
	if f.OnDisconnecting != nil {
		f.OnDisconnecting()
	}
}

func (f Funcs) Disconnected() {
	if f.OnDisconnected != nil {
		f.OnDisconnected()
	}
}

func (f Funcs) SystemTimeUpdated(t at.SystemTime) {
	if f.OnSystemTimeUpdated != nil {
		f.OnSystemTimeUpdated(t)
	}
}

func (f Funcs) SerialNumberUpdated(sn string) {
	if f.OnSerialNumberUpdated != nil {
		f.OnSerialNumberUpdated(sn)
	}
}

func (f Funcs) SignalQualityUpdated(q int) {
	if f.OnSignalQualityUpdated != nil {
		f.OnSignalQualityUpdated(q)
	}
}

func (f Funcs) CheckRingUpdated(tri, sri int) {
	if f.OnCheckRingUpdated != nil {
		f.OnCheckRingUpdated(tri, sri)
	}
}

func (f Funcs) MessageReceived(content []byte) {
	if f.OnMessageReceived != nil {
		f.OnMessageReceived(content)
	}
}

func (f Funcs) MessageReceiveFailed(length int, content []byte, declared, computed uint16) {
	if f.OnMessageReceiveFailed != nil {
		f.OnMessageReceiveFailed(length, content, declared, computed)
	}
}

func (f Funcs) MessageTransferred(momsn int) {
	if f.OnMessageTransferred != nil {
		f.OnMessageTransferred(momsn)
	}
}

func (f Funcs) MessageTransferFailed(momsn int) {
	if f.OnMessageTransferFailed != nil {
		f.OnMessageTransferFailed(momsn)
	}
}

func (f Funcs) Notification(level slog.Level, msg, detail string) {
	if f.OnNotification != nil {
		f.OnNotification(level, msg, detail)
		return
	}
	logNotification(level, msg, detail)
}

func (f Funcs) CommandFinished(cmd at.Command, ok bool, result any) {
	if f.OnCommandFinished != nil {
		f.OnCommandFinished(cmd, ok, result)
	}
}

func logNotification(level slog.Level, msg, detail string) {
	slog.Default().Log(context.Background(), level, msg, "detail", detail)
}

// emit calls f with the configured Signal, recovering from panics.
func (m *Modem) emit(f func(Signal)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("signal handler panicked", "panic", r)
		}
	}()
	f(m.signal)
}

// emitter defers emit until the returned func is called.
func (m *Modem) emitter(f func(Signal)) func() {
	return func() { m.emit(f) }
}

// effects collects work to run after the modem lock is released.
type effects []func()

func (fx *effects) add(f func()) {
	*fx = append(*fx, f)
}

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}
