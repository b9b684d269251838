// Package at describes the AT command dialect spoken by Iridium 9602/9603
// SBD modems: the response grammar, the stream parser that turns raw serial
// bytes into protocol events and the registry of commands the driver issues.
package at

import "strings"

const (
	// Terminal Control
	CR   = "\r"
	CRLF = "\r\n"

	// Response Codes
	OK    = "OK"
	ERROR = "ERROR"
	READY = "READY"

	// Unsolicited Result Codes
	UrcRing = "SBDRING"

	// Response prefixes
	PrefixSignalQuality = "+CSQ:"
	PrefixSystemTime    = "-MSSTM:"
	PrefixCheckRing     = "+CRIS:"
	PrefixSession       = "+SBDIX:"
)

type ResponseType int

const (
	TypeFinal ResponseType = iota // OK, ERROR
	TypeReady                     // SBDWB is waiting for the binary payload
	TypeURC                       // Asynchronous notifications
	TypeData                      // Intermediate command output (+CSQ:5, IMEI, ...)
)

// Classify identifies the nature of a text line sent by the modem.
func Classify(line string) ResponseType {
	switch line {
	case OK, ERROR:
		return TypeFinal
	case READY:
		return TypeReady
	case UrcRing:
		return TypeURC
	}
	return TypeData
}

// IsEcho reports whether line is the modem echoing wire back.
func IsEcho(line, wire string) bool {
	return wire != "" && strings.EqualFold(strings.TrimSpace(line), strings.TrimSpace(wire))
}
