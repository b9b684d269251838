package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/sbdgw/at"
	"i4.energy/across/sbdgw/sbd"
)

// fakeMessenger returns the scripted session results in order and repeats
// the last one.
type fakeMessenger struct {
	mu       sync.Mutex
	sendErr  error
	sessions []at.SessionResult
	written  [][]byte
	calls    int
}

func (f *fakeMessenger) SendMessage(ctx context.Context, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.written = append(f.written, msg)
	return nil
}

func (f *fakeMessenger) AcquireSession(ctx context.Context) (at.SessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.calls, len(f.sessions)-1)
	f.calls++
	return f.sessions[i], nil
}

func runOutbox(t *testing.T, m messenger, maxRetries int) *Outbox {
	t.Helper()
	o := NewOutbox(discardLogger(), m, maxRetries, 4)
	o.Backoff = func(int) time.Duration { return time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return o
}

func waitJob(t *testing.T, o *Outbox, id, state string) JobStatus {
	t.Helper()
	var st JobStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = o.Job(id)
		return err == nil && st.State == state
	}, time.Second, time.Millisecond)
	return st
}

func TestOutbox(t *testing.T) {
	t.Run("Delivers on first attempt", func(t *testing.T) {
		m := &fakeMessenger{sessions: []at.SessionResult{{MOStatus: 0, MOMSN: 12}}}
		o := runOutbox(t, m, 3)

		id, err := o.Enqueue("", []byte("Hello"))
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		st := waitJob(t, o, id, JobSent)
		assert.Equal(t, 1, st.Attempts)
		assert.Equal(t, 12, st.MOMSN)
		assert.Equal(t, [][]byte{[]byte("Hello")}, m.written)
	})

	t.Run("Retries failed sessions", func(t *testing.T) {
		m := &fakeMessenger{sessions: []at.SessionResult{
			{MOStatus: 32},
			{MOStatus: 18},
			{MOStatus: 1, MOMSN: 3},
		}}
		o := runOutbox(t, m, 3)

		id, err := o.Enqueue("job-1", []byte("Hello"))
		require.NoError(t, err)
		assert.Equal(t, "job-1", id)

		st := waitJob(t, o, id, JobSent)
		assert.Equal(t, 3, st.Attempts)
		assert.Empty(t, st.Error)
	})

	t.Run("Gives up after max retries", func(t *testing.T) {
		m := &fakeMessenger{sendErr: errors.New("not connected")}
		o := runOutbox(t, m, 2)

		id, err := o.Enqueue("", []byte("Hello"))
		require.NoError(t, err)

		st := waitJob(t, o, id, JobFailed)
		assert.Equal(t, 3, st.Attempts)
		assert.Equal(t, "not connected", st.Error)
	})

	t.Run("Rejects invalid payloads", func(t *testing.T) {
		o := NewOutbox(discardLogger(), &fakeMessenger{}, 0, 1)

		_, err := o.Enqueue("", nil)
		assert.Error(t, err)

		_, err = o.Enqueue("", bytes.Repeat([]byte{1}, sbd.MaxMOLength+1))
		assert.ErrorIs(t, err, sbd.ErrTooLong)

		_, err = o.Enqueue("a", []byte("x"))
		require.NoError(t, err)
		_, err = o.Enqueue("a", []byte("x"))
		assert.ErrorContains(t, err, "already exists")

		_, err = o.Enqueue("b", []byte("x"))
		assert.ErrorIs(t, err, ErrOutboxFull)
		_, err = o.Job("b")
		assert.ErrorIs(t, err, ErrUnknownJob)
	})
}
