package at

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrParse is returned when a response carries the expected prefix but its
// payload cannot be decoded.
var ErrParse = errors.New("at: malformed response")

// Command identifies an outbound AT operation.
type Command int

const (
	CmdPing Command = iota
	CmdEchoOn
	CmdEchoOff
	CmdFlowControlOn
	CmdFlowControlOff
	CmdRingAlertsOn
	CmdRingAlertsOff
	CmdSystemTime
	CmdSerialNumber
	CmdSignalQuality
	CmdCheckRing
	CmdSession
	CmdReadBinary
	CmdWriteBinary
	CmdClearMO
	CmdClearMT
	CmdClearBoth

	numCommands
)

// Shape is the kind of payload a command answers with before its final
// result code.
type Shape int

const (
	ShapeNone    Shape = iota // OK only
	ShapeInt                  // signal quality, 0-5
	ShapeString               // serial number
	ShapeTime                 // SystemTime
	ShapeRing                 // Ring
	ShapeSession              // SessionResult
	ShapeBinary               // BinaryMessage
	ShapeStatus               // single status digit
)

type commandInfo struct {
	name    string
	wire    string
	shape   Shape
	timeout time.Duration
	match   func(Event) (any, bool, error)
}

var registry = [numCommands]commandInfo{
	CmdPing:           {name: "ping", wire: "AT", timeout: 5 * time.Second},
	CmdEchoOn:         {name: "echo on", wire: "ATE1", timeout: 5 * time.Second},
	CmdEchoOff:        {name: "echo off", wire: "ATE0", timeout: 5 * time.Second},
	CmdFlowControlOn:  {name: "flow control on", wire: "AT&K3", timeout: 5 * time.Second},
	CmdFlowControlOff: {name: "flow control off", wire: "AT&K0", timeout: 5 * time.Second},
	CmdRingAlertsOn:   {name: "ring alerts on", wire: "AT+SBDMTA=1", timeout: 5 * time.Second},
	CmdRingAlertsOff:  {name: "ring alerts off", wire: "AT+SBDMTA=0", timeout: 5 * time.Second},
	CmdSystemTime: {
		name: "system time", wire: "AT-MSSTM", shape: ShapeTime,
		timeout: 5 * time.Second, match: matchSystemTime,
	},
	CmdSerialNumber: {
		name: "serial number", wire: "AT+CGSN", shape: ShapeString,
		timeout: 5 * time.Second, match: matchSerialNumber,
	},
	CmdSignalQuality: {
		name: "signal quality", wire: "AT+CSQ", shape: ShapeInt,
		timeout: 60 * time.Second, match: matchSignalQuality,
	},
	CmdCheckRing: {
		name: "check ring", wire: "AT+CRIS", shape: ShapeRing,
		timeout: 5 * time.Second, match: matchCheckRing,
	},
	CmdSession: {
		name: "session", wire: "AT+SBDIX", shape: ShapeSession,
		timeout: 120 * time.Second, match: matchSession,
	},
	CmdReadBinary: {
		name: "read binary", wire: "AT+SBDRB", shape: ShapeBinary,
		timeout: 10 * time.Second, match: matchBinary,
	},
	CmdWriteBinary: {
		name: "write binary", wire: "AT+SBDWB=", shape: ShapeStatus,
		timeout: 70 * time.Second, match: matchStatus,
	},
	CmdClearMO: {
		name: "clear MO buffer", wire: "AT+SBDD0", shape: ShapeStatus,
		timeout: 5 * time.Second, match: matchStatus,
	},
	CmdClearMT: {
		name: "clear MT buffer", wire: "AT+SBDD1", shape: ShapeStatus,
		timeout: 5 * time.Second, match: matchStatus,
	},
	CmdClearBoth: {
		name: "clear buffers", wire: "AT+SBDD2", shape: ShapeStatus,
		timeout: 5 * time.Second, match: matchStatus,
	},
}

// Commands returns every registered command.
func Commands() []Command {
	cmds := make([]Command, 0, numCommands)
	for c := range numCommands {
		cmds = append(cmds, c)
	}
	return cmds
}

// Lookup finds the command whose wire text starts line. Write binary matches
// with its length argument.
func Lookup(line string) (Command, bool) {
	line = strings.ToUpper(strings.TrimSpace(line))
	for c := range numCommands {
		wire := registry[c].wire
		if line == wire || (c == CmdWriteBinary && strings.HasPrefix(line, wire)) {
			return c, true
		}
	}
	return 0, false
}

// Valid reports whether c is a registered command.
func (c Command) Valid() bool {
	return c >= 0 && c < numCommands
}

func (c Command) String() string {
	if !c.Valid() {
		return "Command(" + strconv.Itoa(int(c)) + ")"
	}
	return registry[c].name
}

// Wire returns the command text without its terminator. Write binary takes
// the payload length as an argument.
func (c Command) Wire(args ...any) string {
	if !c.Valid() {
		return ""
	}
	if len(args) == 0 {
		return registry[c].wire
	}
	return registry[c].wire + fmt.Sprint(args...)
}

// Shape returns the payload kind the command answers with.
func (c Command) Shape() Shape {
	if !c.Valid() {
		return ShapeNone
	}
	return registry[c].shape
}

// Timeout returns the nominal time the modem takes to answer.
func (c Command) Timeout() time.Duration {
	if !c.Valid() {
		return 0
	}
	return registry[c].timeout
}

// Match reports whether ev is the payload c is waiting for and extracts the
// typed result. A matching event whose payload cannot be decoded returns
// ok together with an error wrapping ErrParse.
func (c Command) Match(ev Event) (result any, ok bool, err error) {
	if !c.Valid() || registry[c].match == nil {
		return nil, false, nil
	}
	return registry[c].match(ev)
}

func matchSignalQuality(ev Event) (any, bool, error) {
	r, isText := ev.(TextReply)
	if !isText || !strings.HasPrefix(r.Text, PrefixSignalQuality) {
		return nil, false, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(r.Text, PrefixSignalQuality)))
	if err != nil || v < 0 || v > 5 {
		return nil, true, fmt.Errorf("%w: signal quality %q", ErrParse, r.Text)
	}
	return v, true, nil
}

func matchSerialNumber(ev Event) (any, bool, error) {
	r, isText := ev.(TextReply)
	if !isText || !isDigits(r.Text) {
		return nil, false, nil
	}
	return r.Text, true, nil
}

func matchSystemTime(ev Event) (any, bool, error) {
	r, isText := ev.(TextReply)
	if !isText || !strings.HasPrefix(r.Text, PrefixSystemTime) {
		return nil, false, nil
	}
	v := strings.TrimSpace(strings.TrimPrefix(r.Text, PrefixSystemTime))
	if len(v) < 8 {
		return nil, true, fmt.Errorf("%w: system time %q", ErrParse, v)
	}
	ticks, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return nil, true, fmt.Errorf("%w: system time %q", ErrParse, v)
	}
	return SystemTime(ticks), true, nil
}

func matchCheckRing(ev Event) (any, bool, error) {
	r, isRing := ev.(RingNotification)
	if !isRing || r.Unsolicited {
		return nil, false, nil
	}
	return Ring{TRI: r.TRI, SRI: r.SRI}, true, nil
}

func matchSession(ev Event) (any, bool, error) {
	r, isText := ev.(TextReply)
	if !isText || !strings.HasPrefix(r.Text, PrefixSession) {
		return nil, false, nil
	}
	fields := strings.Split(strings.TrimPrefix(r.Text, PrefixSession), ",")
	if len(fields) != 6 {
		return nil, true, fmt.Errorf("%w: session %q", ErrParse, r.Text)
	}
	var v [6]int
	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, true, fmt.Errorf("%w: session %q", ErrParse, r.Text)
		}
		v[i] = n
	}
	return SessionResult{
		MOStatus: v[0],
		MOMSN:    v[1],
		MTStatus: v[2],
		MTMSN:    v[3],
		MTLength: v[4],
		MTQueued: v[5],
	}, true, nil
}

func matchBinary(ev Event) (any, bool, error) {
	m, isBinary := ev.(BinaryMessage)
	if !isBinary {
		return nil, false, nil
	}
	return m, true, nil
}

func matchStatus(ev Event) (any, bool, error) {
	r, isText := ev.(TextReply)
	if !isText || !isDigits(r.Text) || len(r.Text) > 2 {
		return nil, false, nil
	}
	n, _ := strconv.Atoi(r.Text)
	return n, true, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
