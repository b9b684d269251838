package modem

import (
	"context"
	"fmt"

	"i4.energy/across/sbdgw/at"
	"i4.energy/across/sbdgw/sbd"
)

// SendMessage writes msg to the MO buffer and blocks until the modem
// accepted it. The message is transmitted by the next session.
func (m *Modem) SendMessage(ctx context.Context, msg []byte) error {
	p, err := m.writeCommand(msg, false)
	if err != nil {
		return err
	}
	_, err = m.acquire(ctx, p, true)
	return err
}

// QueueSendMessage queues a write of msg to the MO buffer. The outcome is
// reported through CommandFinished.
func (m *Modem) QueueSendMessage(msg []byte) error {
	p, err := m.writeCommand(msg, true)
	if err != nil {
		return err
	}
	return m.queueCommand(p)
}

func (m *Modem) writeCommand(msg []byte, auto bool) (*pendingCommand, error) {
	if len(msg) > sbd.MaxMOLength {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLong, len(msg), sbd.MaxMOLength)
	}
	if len(msg) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrWriteBinary)
	}
	p := m.newCommand(at.CmdWriteBinary, auto)
	p.wire = at.CmdWriteBinary.Wire(len(msg))
	p.payload = append([]byte(nil), msg...)
	return p, nil
}

// AcquireMessage runs a session and, if the gateway delivered a message,
// reads it from the MT buffer. It returns ErrNoMessage when the mailbox was
// empty.
//
// A message whose checksum does not match is returned together with an
// error; it is also reported through MessageReceiveFailed.
func (m *Modem) AcquireMessage(ctx context.Context) ([]byte, error) {
	session, err := m.AcquireSession(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case session.MTStatus > 1:
		return nil, fmt.Errorf("%w: %s", ErrCommandFailed, at.MTStatusText(session.MTStatus))
	case !session.MTReceived():
		return nil, ErrNoMessage
	}

	msg, err := acquireAs[at.BinaryMessage](ctx, m, at.CmdReadBinary)
	if err != nil {
		return nil, err
	}
	if !msg.Valid {
		return msg.Content, fmt.Errorf("message checksum %04x does not match computed %04x", msg.Checksum, msg.Computed)
	}
	return msg.Content, nil
}
