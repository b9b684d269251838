package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"i4.energy/across/sbdgw/at"
	"i4.energy/across/sbdgw/sbd"
)

// pendingCommand is a command in the pending slot or the queue. Its result
// fields are written under Modem.mu and published by closing done.
type pendingCommand struct {
	seq    uint64
	cmd    at.Command
	wire   string
	issued time.Time
	// auto commands run the continuations of their result (clearing the MO
	// buffer, reading a fetched message, starting another session).
	auto bool

	payload     []byte // write binary content
	payloadSent bool

	matched  bool
	parseErr error

	completed bool
	result    any
	err       error
	done      chan struct{}
}

func (m *Modem) newCommand(cmd at.Command, auto bool) *pendingCommand {
	return &pendingCommand{
		cmd:  cmd,
		wire: cmd.Wire(),
		auto: auto,
		done: make(chan struct{}),
	}
}

func (p *pendingCommand) deadline(grace time.Duration) time.Time {
	return p.issued.Add(p.cmd.Timeout() + grace)
}

// installLocked puts p in the pending slot. The caller must send it.
func (m *Modem) installLocked(p *pendingCommand) {
	m.seq++
	p.seq = m.seq
	p.issued = time.Now()
	m.pending = p
}

// claimLocked installs p if the slot is free. A pending command past its
// deadline is abandoned first.
func (m *Modem) claimLocked(p *pendingCommand, fx *effects) error {
	if m.transport == nil {
		return ErrNotConnected
	}
	if next := m.reapLocked(fx); next != nil {
		fx.add(func() { _ = m.send(next) })
	}
	if m.pending != nil {
		return ErrCommandPending
	}
	m.installLocked(p)
	return nil
}

// enqueueLocked appends p to the queue, or installs it right away when
// nothing is pending. It returns the command to send, if any.
func (m *Modem) enqueueLocked(p *pendingCommand) (*pendingCommand, error) {
	if m.transport == nil {
		return nil, ErrNotConnected
	}
	if m.pending == nil && len(m.queue) == 0 {
		m.installLocked(p)
		return p, nil
	}
	if len(m.queue) >= m.config.QueueSize {
		return nil, ErrQueueFull
	}
	m.queue = append(m.queue, p)
	return nil, nil
}

// advanceLocked installs the next queued command if the slot is free.
func (m *Modem) advanceLocked() *pendingCommand {
	if m.pending != nil || len(m.queue) == 0 {
		return nil
	}
	next := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	m.installLocked(next)
	return next
}

// submit installs p, waiting for the previous command first when wait is
// set. It returns once the command bytes are written.
func (m *Modem) submit(ctx context.Context, p *pendingCommand, wait bool) error {
	for {
		var fx effects
		m.mu.Lock()
		err := m.claimLocked(p, &fx)
		busy := m.pending
		m.mu.Unlock()
		fx.run()

		if err == nil {
			return m.send(p)
		}
		if !errors.Is(err, ErrCommandPending) || !wait {
			return err
		}
		if err := m.waitFor(ctx, busy); err != nil {
			return fmt.Errorf("%w: waiting for previous command: %w", ErrTimeout, err)
		}
	}
}

// queueCommand appends p to the command queue and sends it if the slot was free.
func (m *Modem) queueCommand(p *pendingCommand) error {
	m.mu.Lock()
	next, err := m.enqueueLocked(p)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if next != nil {
		return m.send(next)
	}
	return nil
}

// acquire issues p and blocks until its result is known. Without a context
// deadline the previous command is awaited for at most PreviousTimeout and
// p itself for its nominal timeout.
func (m *Modem) acquire(ctx context.Context, p *pendingCommand, waitForPrevious bool) (any, error) {
	submitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, m.config.PreviousTimeout)
		defer cancel()
	}
	if err := m.submit(submitCtx, p, waitForPrevious); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cmd.Timeout())
		defer cancel()
	}

	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrTimeout, p.cmd, ctx.Err())
	}
}

// waitFor blocks until p completes. It wakes up when p passes its deadline
// so that an abandoned command does not hold the caller.
func (m *Modem) waitFor(ctx context.Context, p *pendingCommand) error {
	m.mu.Lock()
	deadline := p.deadline(m.config.StaleGrace)
	m.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		m.reap()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitIdle blocks until neither a pending nor a queued command remains.
func (m *Modem) waitIdle(ctx context.Context) error {
	return m.waitAfter(ctx, 0)
}

// waitAfter blocks until every command numbered above mark has completed.
// Queued commands are numbered when they are installed, so they are always
// included.
func (m *Modem) waitAfter(ctx context.Context, mark uint64) error {
	for {
		m.mu.Lock()
		var next *pendingCommand
		switch {
		case m.pending != nil && m.pending.seq > mark:
			next = m.pending
		case len(m.queue) > 0:
			next = m.queue[len(m.queue)-1]
		}
		queued := next != nil && next.seq == 0
		m.mu.Unlock()

		if next == nil {
			return nil
		}
		if queued {
			select {
			case <-next.done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := m.waitFor(ctx, next); err != nil {
			return err
		}
	}
}

// send writes the command text of p. A failed write completes p.
func (m *Modem) send(p *pendingCommand) error {
	m.logger.Debug("issue command", "command", p.cmd.String(), "wire", p.wire)
	if err := m.write([]byte(p.wire + at.CR)); err != nil {
		err = fmt.Errorf("write %q: %w", p.wire, err)
		m.fail(p, err)
		return err
	}
	return nil
}

func (m *Modem) write(b []byte) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, err := t.Write(b)
	return err
}

// fail completes p with err if it is still pending.
func (m *Modem) fail(p *pendingCommand, err error) {
	var fx effects
	var next *pendingCommand

	m.mu.Lock()
	if m.pending == p {
		m.finishLocked(p, err, &fx)
		next = m.advanceLocked()
	}
	m.mu.Unlock()

	fx.run()
	if next != nil {
		_ = m.send(next)
	}
}

// reap abandons the pending command if it passed its deadline.
func (m *Modem) reap() {
	var fx effects
	m.mu.Lock()
	next := m.reapLocked(&fx)
	m.mu.Unlock()

	fx.run()
	if next != nil {
		_ = m.send(next)
	}
}

func (m *Modem) reapLocked(fx *effects) *pendingCommand {
	p := m.pending
	if p == nil || time.Now().Before(p.deadline(m.config.StaleGrace)) {
		return nil
	}
	m.logger.Warn("abandoning unanswered command", "command", p.cmd.String(), "issued", p.issued)
	fx.add(m.emitter(func(s Signal) {
		s.Notification(slog.LevelWarn, "Command timed out", p.cmd.String())
	}))
	m.finishLocked(p, fmt.Errorf("%w: %s", ErrStaleCommand, p.cmd), fx)
	return m.advanceLocked()
}

// abortLocked fails the pending command and every queued one with cause.
func (m *Modem) abortLocked(cause error, fx *effects) {
	if p := m.pending; p != nil {
		m.finishLocked(p, fmt.Errorf("%w: %s", cause, p.cmd), fx)
	}
	queued := m.queue
	m.queue = nil
	for _, p := range queued {
		m.completeLocked(p, fmt.Errorf("%w: %s", cause, p.cmd), fx)
	}
}

// handle routes one parsed event to the pending command or to the Signal.
func (m *Modem) handle(ev at.Event) {
	var fx effects

	m.mu.Lock()
	if p := m.pending; p == nil || !m.consumeLocked(p, ev, &fx) {
		if !m.replayLocked(ev) {
			m.unsolicitedLocked(ev, &fx)
		}
	}
	next := m.advanceLocked()
	m.mu.Unlock()

	fx.run()
	if next != nil {
		_ = m.send(next)
	}
}

// replayLocked installs the command a recorded log shows being written, so
// the recorded answer is matched against it. It is not sent.
func (m *Modem) replayLocked(ev at.Event) bool {
	r, ok := ev.(at.TextReply)
	if !m.config.Replay || !ok || m.pending != nil {
		return false
	}
	cmd, ok := at.Lookup(r.Text)
	if !ok {
		return false
	}
	p := m.newCommand(cmd, false)
	p.wire = strings.ToUpper(strings.TrimSpace(r.Text))
	m.installLocked(p)
	return true
}

// consumeLocked reports whether ev belongs to p.
func (m *Modem) consumeLocked(p *pendingCommand, ev at.Event, fx *effects) bool {
	if r, ok := ev.(at.TextReply); ok {
		if at.IsEcho(r.Text, p.wire) {
			return true
		}
		switch at.Classify(r.Text) {
		case at.TypeFinal:
			var err error
			if r.Text == at.ERROR {
				err = fmt.Errorf("%w: %s", ErrCommandFailed, p.wire)
			}
			m.finishLocked(p, err, fx)
			return true

		case at.TypeReady:
			if p.cmd != at.CmdWriteBinary || p.payloadSent {
				return false
			}
			p.payloadSent = true
			if m.config.Replay {
				// The payload written by the host is part of the log.
				return true
			}
			frame, err := sbd.EncodeMO(p.payload)
			fx.add(func() {
				if err == nil {
					err = m.write(frame)
				}
				if err != nil {
					m.fail(p, fmt.Errorf("%w: %w", ErrWriteBinary, err))
				}
			})
			return true
		}
	}

	result, ok, err := p.cmd.Match(ev)
	if !ok {
		return false
	}
	if err != nil {
		p.parseErr = err
	} else {
		p.result = result
		p.matched = true
	}
	return true
}

// finishLocked completes the pending command p after its final result code.
// A nil err means the modem answered OK.
func (m *Modem) finishLocked(p *pendingCommand, err error, fx *effects) {
	// Free the slot first so that continuations see p as done.
	if m.pending == p {
		m.pending = nil
	}
	if err == nil {
		err = m.checkResult(p)
		if p.parseErr != nil {
			fx.add(m.emitter(func(s Signal) {
				s.Notification(slog.LevelError, "Could not parse the "+p.cmd.String()+" response", p.parseErr.Error())
			}))
		}
	}
	if err == nil {
		m.resultLocked(p, fx)
	}

	m.completeLocked(p, err, fx)
	if err != nil {
		m.logger.Debug("command failed", "command", p.cmd.String(), "error", err)
	} else {
		m.logger.Debug("command complete", "command", p.cmd.String())
	}
}

func (m *Modem) checkResult(p *pendingCommand) error {
	switch {
	case p.parseErr != nil:
		return p.parseErr
	case !p.matched && p.cmd.Shape() != at.ShapeNone:
		return fmt.Errorf("%w: %s", ErrNoResult, p.cmd)
	case p.cmd.Shape() != at.ShapeStatus:
		return nil
	}

	status := p.result.(int)
	switch {
	case status == 0:
		return nil
	case p.cmd == at.CmdWriteBinary:
		return fmt.Errorf("%w: %s", ErrWriteBinary, at.WriteStatusText(status))
	default:
		return fmt.Errorf("%w: %s returned status %d", ErrCommandFailed, p.cmd, status)
	}
}

// completeLocked records the outcome of p and frees the slot. Waiters are
// released after the signals queued so far have run.
func (m *Modem) completeLocked(p *pendingCommand, err error, fx *effects) {
	if p.completed {
		return
	}
	p.completed = true
	if err != nil {
		p.result = nil
	}
	p.err = err
	if m.pending == p {
		m.pending = nil
	}

	cmd, ok, result := p.cmd, err == nil, p.result
	fx.add(m.emitter(func(s Signal) { s.CommandFinished(cmd, ok, result) }))
	fx.add(func() { close(p.done) })
}

// resultLocked reports a successful result to the Signal and queues the
// continuations of auto commands.
func (m *Modem) resultLocked(p *pendingCommand, fx *effects) {
	switch v := p.result.(type) {
	case at.SystemTime:
		fx.add(m.emitter(func(s Signal) { s.SystemTimeUpdated(v) }))

	case string:
		m.serial = v
		fx.add(m.emitter(func(s Signal) { s.SerialNumberUpdated(v) }))

	case at.Ring:
		fx.add(m.emitter(func(s Signal) { s.CheckRingUpdated(v.TRI, v.SRI) }))
		if p.auto && v.SRI > 0 && m.config.AutoRead && !m.config.Telephone {
			m.followLocked(at.CmdSession, fx)
		}

	case at.SessionResult:
		m.sessionLocked(p, v, fx)

	case at.BinaryMessage:
		m.deliverLocked(v, fx)

	case int:
		if p.cmd == at.CmdSignalQuality {
			fx.add(m.emitter(func(s Signal) { s.SignalQualityUpdated(v) }))
		}
	}
}

func (m *Modem) sessionLocked(p *pendingCommand, r at.SessionResult, fx *effects) {
	if r.MOSuccess() {
		if p.auto {
			m.followLocked(at.CmdClearMO, fx)
		}
		fx.add(m.emitter(func(s Signal) { s.MessageTransferred(r.MOMSN) }))
	} else {
		fx.add(m.emitter(func(s Signal) {
			s.Notification(slog.LevelError, "Message Transfer Failed!", at.MOStatusText(r.MOStatus))
			s.MessageTransferFailed(r.MOMSN)
		}))
	}

	switch {
	case r.MTReceived():
		if p.auto {
			m.followLocked(at.CmdReadBinary, fx)
		}
	case r.MTStatus > 1:
		fx.add(m.emitter(func(s Signal) {
			s.Notification(slog.LevelError, "Message Receive Failed!", at.MTStatusText(r.MTStatus))
		}))
	}

	if p.auto && r.MTQueued > 0 && m.config.AutoRead {
		m.followLocked(at.CmdSession, fx)
	}
}

// deliverLocked reports a binary message to the Signal.
func (m *Modem) deliverLocked(msg at.BinaryMessage, fx *effects) {
	switch {
	case !msg.Valid:
		m.logger.Warn("message checksum mismatch",
			"length", msg.Length, "declared", msg.Checksum, "computed", msg.Computed)
		fx.add(m.emitter(func(s Signal) {
			s.MessageReceiveFailed(msg.Length, msg.Content, msg.Checksum, msg.Computed)
		}))
	case msg.Length == 0:
		fx.add(m.emitter(func(s Signal) {
			s.Notification(slog.LevelInfo, "No message in the MT buffer", "")
		}))
	default:
		fx.add(m.emitter(func(s Signal) { s.MessageReceived(msg.Content) }))
	}
}

// followLocked queues an auto command. Sessions are not queued twice.
func (m *Modem) followLocked(cmd at.Command, fx *effects) {
	if m.config.Replay {
		return
	}
	if cmd == at.CmdSession && m.sessionScheduledLocked() {
		return
	}
	p := m.newCommand(cmd, true)
	if len(m.queue) >= m.config.QueueSize {
		fx.add(m.emitter(func(s Signal) {
			s.Notification(slog.LevelWarn, "Command queue full", cmd.String())
		}))
		return
	}
	m.queue = append(m.queue, p)
}

func (m *Modem) sessionScheduledLocked() bool {
	if m.pending != nil && m.pending.cmd == at.CmdSession {
		return true
	}
	return slices.ContainsFunc(m.queue, func(p *pendingCommand) bool {
		return p.cmd == at.CmdSession
	})
}

// unsolicitedLocked reports an event no pending command claimed.
func (m *Modem) unsolicitedLocked(ev at.Event, fx *effects) {
	switch ev := ev.(type) {
	case at.BinaryMessage:
		m.deliverLocked(ev, fx)

	case at.RingNotification:
		fx.add(m.emitter(func(s Signal) { s.CheckRingUpdated(ev.TRI, ev.SRI) }))
		if ev.Unsolicited && m.transport != nil && m.config.AutoRead && !m.config.Telephone {
			m.followLocked(at.CmdSession, fx)
		}

	case at.TextReply:
		fx.add(m.emitter(func(s Signal) {
			s.Notification(slog.LevelInfo, "Unsolicited response", ev.Text)
		}))

	case at.ProtocolViolation:
		m.logger.Warn("protocol violation", "reason", ev.Reason, "data", fmt.Sprintf("%q", ev.Data))
		fx.add(m.emitter(func(s Signal) {
			s.Notification(slog.LevelWarn, "Protocol violation: "+ev.Reason, fmt.Sprintf("%q", ev.Data))
		}))
	}
}
