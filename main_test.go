package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/sbdgw/emulator"
	"i4.energy/across/sbdgw/modem"
	"i4.energy/across/sbdgw/sbd"
)

func TestReconnect(t *testing.T) {
	var mu sync.Mutex
	var dialed []*emulator.Modem
	refusals := 2

	hub := NewHub(discardLogger())
	config, err := modem.NewConfigBuilder().
		WithDialer(modem.DialerFunc(func(ctx context.Context) (modem.Transport, error) {
			mu.Lock()
			defer mu.Unlock()
			if len(dialed) > 0 && refusals > 0 {
				refusals--
				return nil, errors.New("port busy")
			}
			emu := emulator.New()
			dialed = append(dialed, emu)
			return emu, nil
		})).
		WithLogger(discardLogger()).
		WithSignal(hub).
		Build()
	require.NoError(t, err)
	m, err := modem.New(config)
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconnect(ctx, discardLogger(), hub, m, 5*time.Millisecond, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.pool) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	dialed[0].Fail(errors.New("cable unplugged"))
	mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dialed) == 2 && m.State() == modem.Connected
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Zero(t, refusals)
	mu.Unlock()

	q, err := m.AcquireSignalQuality(context.Background())
	require.NoError(t, err)
	assert.Equal(t, emulator.DefaultSignalQuality, q)
}

func TestReplay(t *testing.T) {
	t.Run("Logs the events of a recorded session", func(t *testing.T) {
		var capture bytes.Buffer
		capture.WriteString("AT+SBDIX\r\r\n+SBDIX: 0, 3, 1, 9, 5, 0\r\n\r\nOK\r\n")
		capture.WriteString("AT+SBDRB\r\r\n")
		capture.Write(sbd.EncodeMT([]byte("Hello")))
		capture.WriteString("\r\nOK\r\n")

		path := filepath.Join(t.TempDir(), "capture.log")
		require.NoError(t, os.WriteFile(path, capture.Bytes(), 0o600))

		var out bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&out, nil))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, replay(ctx, logger, path))

		assert.Contains(t, out.String(), `"type":"message_transferred"`)
		assert.Contains(t, out.String(), `"type":"message_received"`)
		assert.Contains(t, out.String(), `"payload":"SGVsbG8="`)
		assert.Contains(t, out.String(), `"type":"disconnected"`)
	})

	t.Run("Missing log", func(t *testing.T) {
		err := replay(context.Background(), discardLogger(), filepath.Join(t.TempDir(), "none.log"))
		assert.ErrorIs(t, err, modem.ErrPort)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
