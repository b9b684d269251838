// Package sbd implements the Short Burst Data codec used by Iridium 9602 and
// 9603 modems: the additive checksum and the binary layouts exchanged with
// AT+SBDWB (mobile originated) and AT+SBDRB (mobile terminated).
package sbd

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxMOLength is the largest payload accepted by AT+SBDWB.
	MaxMOLength = 340
	// MaxMTLength is the largest payload the gateway delivers through AT+SBDRB.
	MaxMTLength = 270

	// LengthSize is the size of the big-endian length prefix of an MT frame.
	LengthSize = 2
	// ChecksumSize is the size of the trailing checksum.
	ChecksumSize = 2
)

// ErrTooLong is returned when a payload exceeds MaxMOLength.
var ErrTooLong = errors.New("sbd: payload too long")

// Checksum returns the least significant 16 bits of the sum of all content
// bytes. The modem computes the same value for both directions.
func Checksum(content []byte) uint16 {
	var sum uint16
	for _, b := range content {
		sum += uint16(b)
	}
	return sum
}

// Verify reports whether declared is the checksum of content.
func Verify(content []byte, declared uint16) bool {
	return Checksum(content) == declared
}

// EncodeMO returns the bytes written after the modem answers READY to
// AT+SBDWB: the content followed by its big-endian checksum.
func EncodeMO(content []byte) ([]byte, error) {
	if len(content) > MaxMOLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, len(content))
	}
	out := make([]byte, 0, len(content)+ChecksumSize)
	out = append(out, content...)
	return binary.BigEndian.AppendUint16(out, Checksum(content)), nil
}

// EncodeMT returns content framed the way AT+SBDRB delivers it:
// length prefix, content, checksum.
func EncodeMT(content []byte) []byte {
	out := make([]byte, 0, LengthSize+len(content)+ChecksumSize)
	out = binary.BigEndian.AppendUint16(out, uint16(len(content)))
	out = append(out, content...)
	return binary.BigEndian.AppendUint16(out, Checksum(content))
}
