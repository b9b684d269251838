package at_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/sbdgw/at"
	"i4.energy/across/sbdgw/sbd"
)

func collect(p *at.Parser) []at.Event {
	var events []at.Event
	for ev := range p.Events() {
		events = append(events, ev)
	}
	return events
}

func parse(input string) []at.Event {
	p := at.NewParser()
	p.Write([]byte(input))
	return collect(p)
}

func hello() at.BinaryMessage {
	return at.BinaryMessage{
		Length:   5,
		Content:  []byte("Hello"),
		Checksum: 0x01F4,
		Computed: 0x01F4,
		Valid:    true,
	}
}

func TestParserText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []at.Event
	}{
		{
			name:     "Simple AT command response",
			input:    "AT+CSQ\r\r\n+CSQ:5\r\n\r\nOK\r\n",
			expected: []at.Event{at.TextReply{Text: "AT+CSQ"}, at.TextReply{Text: "+CSQ:5"}, at.TextReply{Text: "OK"}},
		},
		{
			name:     "Command with error",
			input:    "AT+SBDIX\r\nERROR\r\n",
			expected: []at.Event{at.TextReply{Text: "AT+SBDIX"}, at.TextReply{Text: "ERROR"}},
		},
		{
			name:  "Session result",
			input: "\r\n+SBDIX: 0, 12, 1, 4, 5, 0\r\n\r\nOK\r\n",
			expected: []at.Event{
				at.TextReply{Text: "+SBDIX: 0, 12, 1, 4, 5, 0"},
				at.TextReply{Text: "OK"},
			},
		},
		{
			name:     "Empty lines handling",
			input:    "\r\n\r\nAT\r\nOK\r\n\r\n",
			expected: []at.Event{at.TextReply{Text: "AT"}, at.TextReply{Text: "OK"}},
		},
		{
			name:  "Ring alert mixed with a response",
			input: "AT+CSQ\r\nSBDRING\r\n+CSQ:3\r\nOK\r\n",
			expected: []at.Event{
				at.TextReply{Text: "AT+CSQ"},
				at.RingNotification{SRI: 1, Unsolicited: true},
				at.TextReply{Text: "+CSQ:3"},
				at.TextReply{Text: "OK"},
			},
		},
		{
			name:  "Ring indicators",
			input: "+CRIS: 000,001\r\nOK\r\n",
			expected: []at.Event{
				at.RingNotification{TRI: 0, SRI: 1},
				at.TextReply{Text: "OK"},
			},
		},
		{
			name:     "Incomplete line stays buffered",
			input:    "AT+CSQ\r\n+CSQ:",
			expected: []at.Event{at.TextReply{Text: "AT+CSQ"}},
		},
		{
			name:     "Write binary prompt",
			input:    "AT+SBDWB=5\r\nREADY\r\n",
			expected: []at.Event{at.TextReply{Text: "AT+SBDWB=5"}, at.TextReply{Text: "READY"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parse(tt.input))
		})
	}
}

func TestParserBinary(t *testing.T) {
	t.Run("read binary with echo", func(t *testing.T) {
		input := "AT+SBDRB\r" + string(sbd.EncodeMT([]byte("Hello"))) + "\r\nOK\r\n"

		assert.Equal(t, []at.Event{
			at.TextReply{Text: "AT+SBDRB"},
			hello(),
			at.TextReply{Text: "OK"},
		}, parse(input))
	})

	t.Run("checksum mismatch is still delivered", func(t *testing.T) {
		frame := sbd.EncodeMT([]byte("Hello"))
		frame[len(frame)-1] ^= 0x01

		events := parse(string(frame) + "\r\nOK\r\n")
		require.Len(t, events, 2)

		msg, ok := events[0].(at.BinaryMessage)
		require.True(t, ok)
		assert.False(t, msg.Valid)
		assert.Equal(t, []byte("Hello"), msg.Content)
		assert.Equal(t, uint16(0x01F5), msg.Checksum)
		assert.Equal(t, uint16(0x01F4), msg.Computed)
		assert.Equal(t, at.TextReply{Text: "OK"}, events[1])
	})

	t.Run("empty frame", func(t *testing.T) {
		assert.Equal(t, []at.Event{
			at.BinaryMessage{Content: []byte{}, Valid: true},
			at.TextReply{Text: "OK"},
		}, parse("\x00\x00\x00\x00\r\nOK\r\n"))
	})

	t.Run("content containing terminators", func(t *testing.T) {
		content := []byte("a\r\nOK\r\nb")
		events := parse(string(sbd.EncodeMT(content)) + "\r\nOK\r\n")

		require.Len(t, events, 2)
		msg := events[0].(at.BinaryMessage)
		assert.Equal(t, content, msg.Content)
		assert.True(t, msg.Valid)
	})

	t.Run("maximum length", func(t *testing.T) {
		content := []byte(strings.Repeat("x", sbd.MaxMOLength))
		events := parse(string(sbd.EncodeMT(content)))

		require.Len(t, events, 1)
		msg := events[0].(at.BinaryMessage)
		assert.Equal(t, sbd.MaxMOLength, msg.Length)
		assert.True(t, msg.Valid)
	})
}

func TestParserPartialFrame(t *testing.T) {
	frame := sbd.EncodeMT([]byte("Hello"))
	p := at.NewParser()

	p.Write(frame[:1])
	_, ok := p.Next()
	assert.False(t, ok)

	p.Write(frame[1:6])
	_, ok = p.Next()
	assert.False(t, ok)
	assert.Equal(t, 6, p.Buffered())

	p.Write(frame[6:])
	ev, ok := p.Next()
	require.True(t, ok)
	assert.Equal(t, hello(), ev)
	assert.Zero(t, p.Buffered())
}

func TestParserFragmentationIndependent(t *testing.T) {
	stream := []byte("AT+SBDRB\r" + string(sbd.EncodeMT([]byte("Hello"))) + "\r\nOK\r\n" +
		"SBDRING\r\n+CRIS: 000,001\r\nOK\r\n" +
		"AT+SBDIX\r\n+SBDIX: 0, 1, 1, 2, 5, 0\r\nOK\r\n")

	want := parse(string(stream))
	require.Len(t, want, 9)

	for i := 0; i <= len(stream); i++ {
		for j := i; j <= len(stream); j++ {
			p := at.NewParser()
			var got []at.Event
			for _, chunk := range [][]byte{stream[:i], stream[i:j], stream[j:]} {
				p.Write(chunk)
				got = append(got, collect(p)...)
			}
			if !assert.Equal(t, want, got, "split at %d/%d", i, j) {
				return
			}
		}
	}
}

func TestParserViolations(t *testing.T) {
	t.Run("line too long", func(t *testing.T) {
		long := strings.Repeat("A", at.DefaultMaxLineLength+88)
		events := parse(long + "\r\nOK\r\n")

		require.Len(t, events, 3)
		v, ok := events[0].(at.ProtocolViolation)
		require.True(t, ok)
		assert.Equal(t, "line too long", v.Reason)
		assert.Len(t, v.Data, at.DefaultMaxLineLength)
		assert.Equal(t, at.TextReply{Text: strings.Repeat("A", 88)}, events[1])
		assert.Equal(t, at.TextReply{Text: "OK"}, events[2])
	})

	t.Run("unterminated line too long", func(t *testing.T) {
		p := at.NewParser()
		p.Write([]byte(strings.Repeat("A", at.DefaultMaxLineLength+1)))

		events := collect(p)
		require.Len(t, events, 1)
		assert.IsType(t, at.ProtocolViolation{}, events[0])
		assert.Equal(t, 1, p.Buffered())
	})

	t.Run("frame length out of range", func(t *testing.T) {
		events := parse("\x01\xFFabc\r\nOK\r\n")

		require.Len(t, events, 2)
		v, ok := events[0].(at.ProtocolViolation)
		require.True(t, ok)
		assert.Equal(t, "invalid frame length", v.Reason)
		assert.Equal(t, at.TextReply{Text: "OK"}, events[1])
	})

	t.Run("malformed ring indicators", func(t *testing.T) {
		events := parse("+CRIS: x,1\r\n")

		require.Len(t, events, 1)
		v, ok := events[0].(at.ProtocolViolation)
		require.True(t, ok)
		assert.Equal(t, "malformed ring indicators", v.Reason)
	})
}

func TestParserReset(t *testing.T) {
	p := at.NewParser()
	p.Write([]byte("\x00\x05He"))
	p.Reset()
	p.Write([]byte("OK\r\n"))

	assert.Equal(t, []at.Event{at.TextReply{Text: "OK"}}, collect(p))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected at.ResponseType
	}{
		{name: "OK response", input: "OK", expected: at.TypeFinal},
		{name: "ERROR response", input: "ERROR", expected: at.TypeFinal},
		{name: "Write binary prompt", input: "READY", expected: at.TypeReady},
		{name: "Ring alert", input: "SBDRING", expected: at.TypeURC},
		{name: "Signal quality response", input: "+CSQ:5", expected: at.TypeData},
		{name: "Serial number", input: "300234010753370", expected: at.TypeData},
		{name: "Status digit", input: "0", expected: at.TypeData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, at.Classify(tt.input))
		})
	}
}

func TestIsEcho(t *testing.T) {
	assert.True(t, at.IsEcho("AT+CSQ", "AT+CSQ"))
	assert.True(t, at.IsEcho("at+csq ", "AT+CSQ"))
	assert.False(t, at.IsEcho("+CSQ:5", "AT+CSQ"))
	assert.False(t, at.IsEcho("", ""))
}
