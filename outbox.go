package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"i4.energy/across/sbdgw/at"
	"i4.energy/across/sbdgw/sbd"
)

// ErrOutboxFull is returned by Enqueue when the job queue is at capacity.
var ErrOutboxFull = errors.New("outbox full")

// ErrUnknownJob is returned by Job for an id the outbox never saw.
var ErrUnknownJob = errors.New("unknown job")

// Job states.
const (
	JobQueued  = "queued"
	JobSending = "sending"
	JobSent    = "sent"
	JobFailed  = "failed"
)

// messenger is the part of the modem driver the outbox needs.
type messenger interface {
	SendMessage(ctx context.Context, msg []byte) error
	AcquireSession(ctx context.Context) (at.SessionResult, error)
}

// JobStatus reports the progress of an MO message.
type JobStatus struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	MOMSN    int    `json:"momsn,omitempty"`
	Error    string `json:"error,omitempty"`
}

type job struct {
	id       string
	payload  []byte
	attempts int
}

// Outbox delivers MO messages one at a time: each job writes the MO buffer
// and runs a session, and is retried with jittered backoff until the
// session reports a successful transfer or MaxRetries is exhausted.
type Outbox struct {
	Logger     *slog.Logger
	Modem      messenger
	MaxRetries int
	// Backoff returns the delay before the given retry. Defaults to
	// 800ms-1.4s jitter scaled by the attempt.
	Backoff func(attempt int) time.Duration

	q chan job

	mu     sync.Mutex
	status map[string]*JobStatus
}

func NewOutbox(logger *slog.Logger, m messenger, maxRetries, size int) *Outbox {
	if size <= 0 {
		size = 1024
	}
	return &Outbox{
		Logger:     logger,
		Modem:      m,
		MaxRetries: maxRetries,
		q:          make(chan job, size),
		status:     make(map[string]*JobStatus),
	}
}

// Enqueue validates payload and queues it for delivery. An empty id is
// replaced by a generated one.
func (o *Outbox) Enqueue(id string, payload []byte) (string, error) {
	switch {
	case len(payload) == 0:
		return "", errors.New("empty message")
	case len(payload) > sbd.MaxMOLength:
		return "", fmt.Errorf("%w: %d bytes, limit %d", sbd.ErrTooLong, len(payload), sbd.MaxMOLength)
	}
	if id == "" {
		h := sha1.Sum(fmt.Appendf(nil, "%x|%d", payload, time.Now().UnixNano()))
		id = hex.EncodeToString(h[:8])
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.status[id]; dup {
		return "", fmt.Errorf("job %q already exists", id)
	}

	o.status[id] = &JobStatus{ID: id, State: JobQueued}
	select {
	case o.q <- job{id: id, payload: append([]byte(nil), payload...)}:
	default:
		delete(o.status, id)
		return "", ErrOutboxFull
	}
	return id, nil
}

// Job returns the status of the job with the given id.
func (o *Outbox) Job(id string) (JobStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.status[id]
	if !ok {
		return JobStatus{}, ErrUnknownJob
	}
	return *st, nil
}

// Run processes jobs until ctx is canceled.
func (o *Outbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-o.q:
			o.process(ctx, j)
		}
	}
}

func (o *Outbox) process(ctx context.Context, j job) {
	for {
		j.attempts++
		o.update(j.id, func(st *JobStatus) {
			st.State = JobSending
			st.Attempts = j.attempts
		})

		momsn, err := o.deliver(ctx, j.payload)
		if err == nil {
			o.Logger.Info("send ok", "id", j.id, "momsn", momsn, "attempts", j.attempts)
			o.update(j.id, func(st *JobStatus) {
				st.State = JobSent
				st.MOMSN = momsn
				st.Error = ""
			})
			return
		}

		if j.attempts > o.MaxRetries || ctx.Err() != nil {
			o.Logger.Error("send permanent fail", "id", j.id, "attempts", j.attempts, "error", err)
			o.update(j.id, func(st *JobStatus) {
				st.State = JobFailed
				st.Error = err.Error()
			})
			return
		}

		back := o.backoff(j.attempts)
		o.Logger.Warn("send fail, retrying", "id", j.id, "error", err, "backoff", back)
		o.update(j.id, func(st *JobStatus) { st.Error = err.Error() })

		select {
		case <-ctx.Done():
			o.update(j.id, func(st *JobStatus) { st.State = JobFailed })
			return
		case <-time.After(back):
		}
	}
}

// deliver writes payload to the MO buffer and runs a session.
func (o *Outbox) deliver(ctx context.Context, payload []byte) (int, error) {
	if err := o.Modem.SendMessage(ctx, payload); err != nil {
		return 0, err
	}
	result, err := o.Modem.AcquireSession(ctx)
	if err != nil {
		return 0, err
	}
	if !result.MOSuccess() {
		return result.MOMSN, fmt.Errorf("session failed: %s", at.MOStatusText(result.MOStatus))
	}
	return result.MOMSN, nil
}

func (o *Outbox) backoff(attempt int) time.Duration {
	if o.Backoff != nil {
		return o.Backoff(attempt)
	}
	return time.Duration(attempt) * time.Duration(800+rand.IntN(600)) * time.Millisecond
}

func (o *Outbox) update(id string, f func(*JobStatus)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.status[id]; ok {
		f(st)
	}
}
