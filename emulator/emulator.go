// Package emulator implements a software Iridium 9602 that answers the SBD
// AT dialect over an in-memory byte stream. It stands in for the serial port
// in tests and when the gateway runs without hardware.
package emulator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"i4.energy/across/sbdgw/at"
	"i4.energy/across/sbdgw/sbd"
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("emulator: closed")

// Default identity of a new emulator.
const (
	DefaultIMEI          = "300234010753370"
	DefaultSignalQuality = 4
)

// Modem is an emulated 9602. It implements io.ReadWriteCloser: bytes written
// are commands from the host, bytes read are the modem's answers. Read
// blocks until an answer is available.
type Modem struct {
	mu   sync.Mutex
	cond *sync.Cond

	out     bytes.Buffer
	held    bytes.Buffer
	in      []byte
	closed  bool
	readErr error

	hold   bool
	silent bool

	echo        bool
	flowControl bool
	ringAlerts  bool
	quality     int
	imei        string
	systemTime  at.SystemTime
	moStatus    int

	// payloadLen is set while AT+SBDWB waits for its payload.
	payloadLen int

	mo           []byte
	mt           []byte
	gateway      [][]byte
	sent         [][]byte
	momsn, mtmsn int
	commands     []string
}

// Option configures a Modem.
type Option func(*Modem)

func WithIMEI(imei string) Option {
	return func(m *Modem) { m.imei = imei }
}

func WithSignalQuality(q int) Option {
	return func(m *Modem) { m.quality = q }
}

func WithSystemTime(t at.SystemTime) Option {
	return func(m *Modem) { m.systemTime = t }
}

// WithEcho sets the initial echo mode. The host normally changes it with
// ATE0/ATE1 when connecting.
func WithEcho(on bool) Option {
	return func(m *Modem) { m.echo = on }
}

// New returns an emulator with echo enabled.
func New(opts ...Option) *Modem {
	m := &Modem{
		echo:       true,
		quality:    DefaultSignalQuality,
		imei:       DefaultIMEI,
		systemTime: 0x0A1B2C3D,
	}
	m.cond = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Modem) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.out.Len() == 0 && !m.closed && m.readErr == nil {
		m.cond.Wait()
	}
	switch {
	case m.readErr != nil:
		return 0, m.readErr
	case m.out.Len() == 0:
		return 0, ErrClosed
	}
	return m.out.Read(p)
}

func (m *Modem) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	m.in = append(m.in, p...)
	m.process()
	m.cond.Broadcast()
	return len(p), nil
}

func (m *Modem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}

// Deliver queues an MT message at the gateway. With ring alerts enabled the
// modem announces it with SBDRING.
func (m *Modem) Deliver(msg []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateway = append(m.gateway, bytes.Clone(msg))
	if m.ringAlerts && !m.silent {
		m.out.WriteString("\r\n" + at.UrcRing + "\r\n")
		m.cond.Broadcast()
	}
}

// Inject makes raw readable as if the modem had sent it.
func (m *Modem) Inject(raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out.Write(raw)
	m.cond.Broadcast()
}

// Fail makes every subsequent Read return err.
func (m *Modem) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
	m.cond.Broadcast()
}

// Hold keeps answers back until Release.
func (m *Modem) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = true
}

// Release makes held answers readable.
func (m *Modem) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = false
	m.out.Write(m.held.Bytes())
	m.held.Reset()
	m.cond.Broadcast()
}

// SetSilent makes the modem ignore commands entirely.
func (m *Modem) SetSilent(silent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent = silent
}

func (m *Modem) SetSignalQuality(q int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quality = q
}

// SetMOStatus sets the MO status reported by the next sessions. Codes above
// 4 leave the MO buffer untransmitted.
func (m *Modem) SetMOStatus(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moStatus = code
}

// Sent returns the MO messages transmitted to the gateway.
func (m *Modem) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sent...)
}

// Commands returns every command line received, in order.
func (m *Modem) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Echo reports whether command echo is on.
func (m *Modem) Echo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.echo
}

// Pending returns the number of MT messages waiting at the gateway.
func (m *Modem) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.gateway)
}

func (m *Modem) process() {
	for {
		if m.payloadLen > 0 {
			if !m.payload() {
				return
			}
			continue
		}

		i := bytes.IndexByte(m.in, '\r')
		if i < 0 {
			return
		}
		line := strings.TrimSpace(string(m.in[:i]))
		m.in = m.in[i+1:]
		if line != "" {
			m.command(line)
		}
	}
}

func (m *Modem) payload() bool {
	need := m.payloadLen + sbd.ChecksumSize
	if len(m.in) < need {
		return false
	}

	content := bytes.Clone(m.in[:m.payloadLen])
	declared := binary.BigEndian.Uint16(m.in[m.payloadLen:need])
	m.in = m.in[need:]
	m.payloadLen = 0

	status := 0
	if sbd.Verify(content, declared) {
		m.mo = content
	} else {
		status = 2
	}
	m.status(status)
	return true
}

func (m *Modem) command(line string) {
	m.commands = append(m.commands, line)
	if m.silent {
		return
	}
	if m.echo {
		m.reply(line + at.CR)
	}

	cmd, ok := at.Lookup(line)
	if !ok {
		m.reply("\r\n" + at.ERROR + "\r\n")
		return
	}

	switch cmd {
	case at.CmdPing:
	case at.CmdEchoOn, at.CmdEchoOff:
		m.echo = cmd == at.CmdEchoOn
	case at.CmdFlowControlOn, at.CmdFlowControlOff:
		m.flowControl = cmd == at.CmdFlowControlOn
	case at.CmdRingAlertsOn, at.CmdRingAlertsOff:
		m.ringAlerts = cmd == at.CmdRingAlertsOn

	case at.CmdSystemTime:
		if m.quality == 0 {
			m.data(at.PrefixSystemTime + " no network service")
		} else {
			m.data(fmt.Sprintf("%s %08x", at.PrefixSystemTime, uint32(m.systemTime)))
		}
	case at.CmdSerialNumber:
		m.data(m.imei)
	case at.CmdSignalQuality:
		m.data(fmt.Sprintf("%s%d", at.PrefixSignalQuality, m.quality))
	case at.CmdCheckRing:
		sri := 0
		if len(m.gateway) > 0 {
			sri = 1
		}
		m.data(fmt.Sprintf("%s %03d,%03d", at.PrefixCheckRing, 0, sri))
	case at.CmdSession:
		m.session()
		return

	case at.CmdReadBinary:
		m.reply(string(sbd.EncodeMT(m.mt)))
	case at.CmdWriteBinary:
		n, err := strconv.Atoi(strings.TrimSpace(line[len(cmd.Wire()):]))
		if err != nil || n < 1 || n > sbd.MaxMOLength {
			m.status(3)
			return
		}
		m.payloadLen = n
		m.reply("\r\n" + at.READY + "\r\n")
		return

	case at.CmdClearMO:
		m.mo = nil
		m.status(0)
		return
	case at.CmdClearMT:
		m.mt = nil
		m.status(0)
		return
	case at.CmdClearBoth:
		m.mo, m.mt = nil, nil
		m.status(0)
		return
	}
	m.reply("\r\n" + at.OK + "\r\n")
}

func (m *Modem) session() {
	moStatus := 0
	if m.mo != nil {
		moStatus = m.moStatus
		if m.quality == 0 {
			moStatus = 32
		}
		if moStatus <= 4 {
			m.sent = append(m.sent, m.mo)
			m.momsn++
		}
	}

	mtStatus, mtLength := 0, 0
	if len(m.gateway) > 0 && m.quality > 0 {
		m.mt = m.gateway[0]
		m.gateway = m.gateway[1:]
		m.mtmsn++
		mtStatus, mtLength = 1, len(m.mt)
	}

	m.data(fmt.Sprintf("%s %d, %d, %d, %d, %d, %d",
		at.PrefixSession, moStatus, m.momsn, mtStatus, m.mtmsn, mtLength, len(m.gateway)))
	m.reply("\r\n" + at.OK + "\r\n")
}

func (m *Modem) data(line string) {
	m.reply("\r\n" + line + "\r\n")
}

func (m *Modem) status(code int) {
	m.reply(fmt.Sprintf("\r\n%d\r\n\r\n%s\r\n", code, at.OK))
}

func (m *Modem) reply(s string) {
	if m.hold {
		m.held.WriteString(s)
		return
	}
	m.out.WriteString(s)
}

var _ io.ReadWriteCloser = (*Modem)(nil)
