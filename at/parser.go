package at

import (
	"bytes"
	"encoding/binary"
	"iter"
	"strconv"
	"strings"

	"i4.energy/across/sbdgw/sbd"
)

// DefaultMaxLineLength bounds a text line. Longer input is reported as a
// ProtocolViolation in chunks of this size.
const DefaultMaxLineLength = 512

// frameLeadMax is the largest first byte of a valid length prefix. Text lines
// never start with a byte this low, so it unambiguously marks a binary frame.
const frameLeadMax = byte(sbd.MaxMOLength >> 8)

// Parser turns the modem byte stream into Events.
//
// Text is split on CR or LF and empty lines are dropped. At a line boundary a
// leading 0x00 or 0x01 byte starts a binary frame:
//
//	[2-byte big-endian length L][L content bytes][2-byte checksum]
//
// Content bytes are never interpreted as text. Incomplete input stays buffered
// until the next Write, so a byte sequence yields the same events however it
// is split. A Parser is not safe for concurrent use.
type Parser struct {
	buf        []byte
	maxLine    int
	maxMessage int
}

// NewParser returns a Parser accepting frames up to sbd.MaxMOLength bytes.
func NewParser() *Parser {
	return &Parser{
		maxLine:    DefaultMaxLineLength,
		maxMessage: sbd.MaxMOLength,
	}
}

// Write appends stream data. It never fails.
func (p *Parser) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	return len(b), nil
}

// Buffered returns the number of bytes waiting for more input.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Reset drops buffered input.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
}

// Next returns the next complete event, or false when more input is needed.
func (p *Parser) Next() (Event, bool) {
	for {
		p.skipTerminators()
		if len(p.buf) == 0 {
			return nil, false
		}

		if p.buf[0] <= frameLeadMax {
			if len(p.buf) < sbd.LengthSize {
				return nil, false
			}
			length := int(binary.BigEndian.Uint16(p.buf))
			if length <= p.maxMessage {
				return p.nextFrame(length)
			}
		}

		line, overlong, ok := p.nextLine()
		if !ok {
			return nil, false
		}
		if overlong {
			return ProtocolViolation{Data: line, Reason: "line too long"}, true
		}
		if ev := lineEvent(line); ev != nil {
			return ev, true
		}
	}
}

// Events yields complete events until the buffered input is exhausted. The
// sequence can be ranged over again after the next Write.
func (p *Parser) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, ok := p.Next()
			if !ok || !yield(ev) {
				return
			}
		}
	}
}

func (p *Parser) nextFrame(length int) (Event, bool) {
	total := sbd.LengthSize + length + sbd.ChecksumSize
	if len(p.buf) < total {
		return nil, false
	}

	content := bytes.Clone(p.buf[sbd.LengthSize : sbd.LengthSize+length])
	if content == nil {
		content = []byte{}
	}
	declared := binary.BigEndian.Uint16(p.buf[sbd.LengthSize+length:])
	computed := sbd.Checksum(content)
	p.consume(total)

	return BinaryMessage{
		Length:   length,
		Content:  content,
		Checksum: declared,
		Computed: computed,
		Valid:    declared == computed,
	}, true
}

func (p *Parser) nextLine() (line []byte, overlong bool, ok bool) {
	i := bytes.IndexAny(p.buf, CRLF)
	switch {
	case i >= 0 && i <= p.maxLine:
		line = bytes.Clone(p.buf[:i])
		p.consume(i + 1)
		return line, false, true
	case i > p.maxLine, i < 0 && len(p.buf) > p.maxLine:
		line = bytes.Clone(p.buf[:p.maxLine])
		p.consume(p.maxLine)
		return line, true, true
	}
	return nil, false, false
}

func (p *Parser) skipTerminators() {
	i := 0
	for i < len(p.buf) && (p.buf[i] == '\r' || p.buf[i] == '\n') {
		i++
	}
	if i > 0 {
		p.consume(i)
	}
}

func (p *Parser) consume(n int) {
	p.buf = append(p.buf[:0], p.buf[n:]...)
}

func lineEvent(raw []byte) Event {
	if raw[0] <= frameLeadMax {
		return ProtocolViolation{Data: raw, Reason: "invalid frame length"}
	}

	text := strings.TrimSpace(string(raw))
	switch {
	case text == "":
		return nil
	case text == UrcRing:
		return RingNotification{SRI: 1, Unsolicited: true}
	case strings.HasPrefix(text, PrefixCheckRing):
		tri, sri, err := parseIndicators(strings.TrimPrefix(text, PrefixCheckRing))
		if err != nil {
			return ProtocolViolation{Data: raw, Reason: "malformed ring indicators"}
		}
		return RingNotification{TRI: tri, SRI: sri}
	}
	return TextReply{Text: text}
}

func parseIndicators(s string) (tri, sri int, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, ErrParse
	}
	if tri, err = strconv.Atoi(strings.TrimSpace(parts[0])); err != nil {
		return 0, 0, err
	}
	if sri, err = strconv.Atoi(strings.TrimSpace(parts[1])); err != nil {
		return 0, 0, err
	}
	return tri, sri, nil
}
