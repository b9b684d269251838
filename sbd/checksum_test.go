package sbd_test

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/sbdgw/sbd"
)

func TestChecksum(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		want    uint16
	}{
		{name: "empty", content: nil, want: 0},
		{name: "hello", content: []byte("Hello"), want: 0x01F4},
		{name: "single byte", content: []byte{0xFF}, want: 0x00FF},
		{name: "wraps at 16 bits", content: bytes.Repeat([]byte{0xFF}, 258), want: uint16((258 * 0xFF) & 0xFFFF)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sbd.Checksum(tt.content))
			assert.True(t, sbd.Verify(tt.content, tt.want))
		})
	}
}

func TestVerifyRejectsSingleBitMutation(t *testing.T) {
	rng := rand.New(rand.NewSource(9602))

	for i := 0; i < 64; i++ {
		content := make([]byte, rng.Intn(sbd.MaxMOLength+1))
		rng.Read(content)
		sum := sbd.Checksum(content)

		require.True(t, sbd.Verify(content, sum))
		for bit := 0; bit < 16; bit++ {
			assert.False(t, sbd.Verify(content, sum^(1<<bit)), "bit %d flipped", bit)
		}
	}
}

func TestEncodeMO(t *testing.T) {
	t.Run("Appends checksum", func(t *testing.T) {
		out, err := sbd.EncodeMO([]byte("Hello"))
		require.NoError(t, err)
		assert.Equal(t, []byte{'H', 'e', 'l', 'l', 'o', 0x01, 0xF4}, out)
	})

	t.Run("ErrTooLong above the MO limit", func(t *testing.T) {
		_, err := sbd.EncodeMO(make([]byte, sbd.MaxMOLength+1))
		require.ErrorIs(t, err, sbd.ErrTooLong)
	})
}

func TestEncodeMT(t *testing.T) {
	out := sbd.EncodeMT([]byte("Hello"))

	require.Len(t, out, sbd.LengthSize+5+sbd.ChecksumSize)
	assert.Equal(t, uint16(5), binary.BigEndian.Uint16(out[:2]))
	assert.Equal(t, []byte("Hello"), out[2:7])
	assert.Equal(t, uint16(0x01F4), binary.BigEndian.Uint16(out[7:]))
}
