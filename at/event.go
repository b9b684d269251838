package at

import "fmt"

// Event is a discrete item extracted from the modem byte stream. It is one of
// TextReply, RingNotification, BinaryMessage or ProtocolViolation.
type Event interface {
	event()
}

// TextReply is a complete, trimmed text line.
type TextReply struct {
	Text string
}

// RingNotification carries ring indicators. Unsolicited is set for the
// SBDRING result code, which implies an SBD ring with no telephony ring.
type RingNotification struct {
	TRI         int
	SRI         int
	Unsolicited bool
}

// BinaryMessage is a length-prefixed, checksummed frame as returned by
// AT+SBDRB. Frames are delivered whether or not the checksum matches.
type BinaryMessage struct {
	Length   int
	Content  []byte
	Checksum uint16
	Computed uint16
	Valid    bool
}

// ProtocolViolation is input that fits no grammar: overlong lines, frames
// declaring an impossible length or malformed indicator lists.
type ProtocolViolation struct {
	Data   []byte
	Reason string
}

func (TextReply) event()         {}
func (RingNotification) event()  {}
func (BinaryMessage) event()     {}
func (ProtocolViolation) event() {}

func (r TextReply) String() string { return r.Text }

func (r RingNotification) String() string {
	if r.Unsolicited {
		return UrcRing
	}
	return fmt.Sprintf("%s %d,%d", PrefixCheckRing, r.TRI, r.SRI)
}

func (m BinaryMessage) String() string {
	return fmt.Sprintf("binary(%d bytes, checksum %04x/%04x)", m.Length, m.Checksum, m.Computed)
}

func (v ProtocolViolation) String() string {
	return fmt.Sprintf("%s: %q", v.Reason, v.Data)
}
