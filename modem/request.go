package modem

import (
	"context"
	"fmt"
	"time"

	"i4.energy/across/sbdgw/at"
)

// Request issues cmd without waiting for its result, which is reported to
// the Signal. It fails with ErrCommandPending while another command is
// outstanding.
func (m *Modem) Request(cmd at.Command) error {
	if err := checkCommand(cmd); err != nil {
		return err
	}
	return m.submit(context.Background(), m.newCommand(cmd, true), false)
}

// Queue issues cmd once every earlier command has completed. Its result is
// reported to the Signal.
func (m *Modem) Queue(cmd at.Command) error {
	if err := checkCommand(cmd); err != nil {
		return err
	}
	return m.queueCommand(m.newCommand(cmd, true))
}

func (m *Modem) RequestSystemTime() error { return m.Request(at.CmdSystemTime) }
func (m *Modem) RequestSerialNumber() error { return m.Request(at.CmdSerialNumber) }
func (m *Modem) RequestSignalQuality() error { return m.Request(at.CmdSignalQuality) }
func (m *Modem) RequestSession() error { return m.Request(at.CmdSession) }
func (m *Modem) QueueSystemTime() error { return m.Queue(at.CmdSystemTime) }
func (m *Modem) QueueSerialNumber() error { return m.Queue(at.CmdSerialNumber) }
func (m *Modem) QueueSignalQuality() error { return m.Queue(at.CmdSignalQuality) }
func (m *Modem) QueueSession() error { return m.Queue(at.CmdSession) }

// CheckRing queues a ring indicator query. When the modem reports an SBD
// ring and AutoRead is set, a session follows and the fetched message is
// delivered through MessageReceived.
func (m *Modem) CheckRing() error {
	return m.Queue(at.CmdCheckRing)
}

// AcquireResponse issues cmd and blocks until its typed result is known.
//
// With waitForPrevious the call first waits for the outstanding command;
// otherwise it fails with ErrCommandPending if one exists. It never writes a
// second command over an outstanding one: the modem would answer both on
// the same stream and the replies could not be told apart. Without a context
// deadline the command's nominal timeout applies. On timeout the command
// stays pending so that a late answer is still attributed to it.
//
// The result is an int for signal quality and status commands, a string for
// the serial number, at.SystemTime, at.Ring, at.SessionResult,
// at.BinaryMessage, or nil for commands without a payload. Results are also
// reported to the Signal, but no continuation commands are queued.
func (m *Modem) AcquireResponse(ctx context.Context, cmd at.Command, waitForPrevious bool) (any, error) {
	if err := checkCommand(cmd); err != nil {
		return nil, err
	}
	return m.acquire(ctx, m.newCommand(cmd, false), waitForPrevious)
}

// AcquireSignalQuality returns the signal strength, 0 to 5.
func (m *Modem) AcquireSignalQuality(ctx context.Context) (int, error) {
	return acquireAs[int](ctx, m, at.CmdSignalQuality)
}

// AcquireSerialNumber returns the IMEI.
func (m *Modem) AcquireSerialNumber(ctx context.Context) (string, error) {
	return acquireAs[string](ctx, m, at.CmdSerialNumber)
}

// AcquireSystemTime returns the raw Iridium system time.
func (m *Modem) AcquireSystemTime(ctx context.Context) (at.SystemTime, error) {
	return acquireAs[at.SystemTime](ctx, m, at.CmdSystemTime)
}

// AcquireTime returns the Iridium system time converted with the configured
// epoch.
func (m *Modem) AcquireTime(ctx context.Context) (time.Time, error) {
	st, err := m.AcquireSystemTime(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return st.Time(m.config.Epoch), nil
}

// AcquireRing returns the ring indicators.
func (m *Modem) AcquireRing(ctx context.Context) (at.Ring, error) {
	return acquireAs[at.Ring](ctx, m, at.CmdCheckRing)
}

// AcquireSession runs an SBD session and returns its outcome. A failed MO
// transfer is not an error; inspect the result.
func (m *Modem) AcquireSession(ctx context.Context) (at.SessionResult, error) {
	return acquireAs[at.SessionResult](ctx, m, at.CmdSession)
}

func acquireAs[T any](ctx context.Context, m *Modem, cmd at.Command) (T, error) {
	var zero T
	v, err := m.acquire(ctx, m.newCommand(cmd, false), true)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s returned %T", ErrNoResult, cmd, v)
	}
	return t, nil
}

// WaitForCommand runs fn, which should issue exactly one command, and blocks
// until that command and any continuation it queued have completed. With
// waitForPrevious, outstanding commands are awaited before fn runs.
//
// The post-wait runs on every return path. Its error is reported only when
// fn succeeded.
func (m *Modem) WaitForCommand(ctx context.Context, waitForPrevious bool, fn func() error) (err error) {
	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.config.PreviousTimeout)
		defer cancel()
	}

	if waitForPrevious {
		if err := m.waitIdle(waitCtx); err != nil {
			return fmt.Errorf("%w: waiting for previous command: %w", ErrTimeout, err)
		}
	}

	m.mu.Lock()
	mark := m.seq
	m.mu.Unlock()

	defer func() {
		if werr := m.waitAfter(waitCtx, mark); werr != nil && err == nil {
			err = fmt.Errorf("%w: waiting for command: %w", ErrTimeout, werr)
		}
	}()

	return fn()
}

func checkCommand(cmd at.Command) error {
	if !cmd.Valid() {
		return fmt.Errorf("unknown command %d", int(cmd))
	}
	if cmd == at.CmdWriteBinary {
		return fmt.Errorf("%s needs a payload, use SendMessage", cmd)
	}
	return nil
}
