package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"i4.energy/across/sbdgw/at"
	"i4.energy/across/sbdgw/modem"
)

// Event types published by the Hub.
const (
	EventConnecting            = "connecting"
	EventConnected             = "connected"
	EventDisconnecting         = "disconnecting"
	EventDisconnected          = "disconnected"
	EventSystemTime            = "system_time"
	EventSerialNumber          = "serial_number"
	EventSignalQuality         = "signal_quality"
	EventCheckRing             = "check_ring"
	EventMessageReceived       = "message_received"
	EventMessageReceiveFailed  = "message_receive_failed"
	EventMessageTransferred    = "message_transferred"
	EventMessageTransferFailed = "message_transfer_failed"
	EventNotification          = "notification"
	EventCommandFinished       = "command_finished"
)

// Event is the JSON form of a modem signal.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`

	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`

	Command string `json:"command,omitempty"`
	OK      *bool  `json:"ok,omitempty"`

	SignalQuality *int   `json:"signal_quality,omitempty"`
	SerialNumber  string `json:"serial_number,omitempty"`
	SystemTime    string `json:"system_time,omitempty"`
	TRI           *int   `json:"tri,omitempty"`
	SRI           *int   `json:"sri,omitempty"`
	MOMSN         *int   `json:"momsn,omitempty"`

	Payload  []byte `json:"payload,omitempty"`
	Length   int    `json:"length,omitempty"`
	Declared uint16 `json:"declared,omitempty"`
	Computed uint16 `json:"computed,omitempty"`
}

// Status is the last known modem state reported through the Hub.
type Status struct {
	State         string    `json:"state"`
	SerialNumber  string    `json:"serial_number,omitempty"`
	SignalQuality *int      `json:"signal_quality,omitempty"`
	SystemTime    string    `json:"system_time,omitempty"`
	Received      int       `json:"received"`
	Transferred   int       `json:"transferred"`
	LastEvent     time.Time `json:"last_event,omitzero"`
}

// Hub implements modem.Signal. It fans every event out to the subscribers
// and sinks and keeps a Status snapshot.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	pool   map[chan Event]struct{}
	sinks  []func(Event)
	status Status
}

var _ modem.Signal = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		now:    time.Now,
		pool:   make(map[chan Event]struct{}),
		status: Status{State: modem.Disconnected.String()},
	}
}

// Subscribe creates a new subscription channel.
// Returns the channel to receive events and a cancel function to unsubscribe.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 100
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.pool[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.pool[ch]; ok {
			delete(h.pool, ch)
			close(ch)
		}
	}
}

// AddSink registers f to receive every event. Sinks run on the goroutine
// that emitted the signal and must not block.
func (h *Hub) AddSink(f func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, f)
}

// Status returns a copy of the current snapshot.
func (h *Hub) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// publish sends ev to all subscribers non-blocking. A subscriber whose
// channel is full misses the event.
func (h *Hub) publish(ev Event, update func(*Status)) {
	ev.Time = h.now()

	h.mu.Lock()
	if update != nil {
		update(&h.status)
	}
	h.status.LastEvent = ev.Time
	for ch := range h.pool {
		select {
		case ch <- ev:
		default:
		}
	}
	sinks := h.sinks
	h.mu.Unlock()

	for _, sink := range sinks {
		sink(ev)
	}
}

func (h *Hub) state(typ string, s modem.State) {
	h.publish(Event{Type: typ}, func(st *Status) { st.State = s.String() })
}

func (h *Hub) Connecting() { h.state(EventConnecting, modem.Connecting) }
func (h *Hub) Connected() { h.state(EventConnected, modem.Connected) }
func (h *Hub) Disconnecting() { h.publish(Event{Type: EventDisconnecting}, nil) }
func (h *Hub) Disconnected() { h.state(EventDisconnected, modem.Disconnected) }

func (h *Hub) SystemTimeUpdated(t at.SystemTime) {
	h.publish(Event{Type: EventSystemTime, SystemTime: t.String()}, func(st *Status) {
		st.SystemTime = t.String()
	})
}

func (h *Hub) SerialNumberUpdated(sn string) {
	h.publish(Event{Type: EventSerialNumber, SerialNumber: sn}, func(st *Status) {
		st.SerialNumber = sn
	})
}

func (h *Hub) SignalQualityUpdated(quality int) {
	h.publish(Event{Type: EventSignalQuality, SignalQuality: &quality}, func(st *Status) {
		st.SignalQuality = &quality
	})
}

func (h *Hub) CheckRingUpdated(tri, sri int) {
	h.publish(Event{Type: EventCheckRing, TRI: &tri, SRI: &sri}, nil)
}

func (h *Hub) MessageReceived(content []byte) {
	h.logger.Info("message received", "length", len(content))
	h.publish(Event{Type: EventMessageReceived, Payload: content, Length: len(content)}, func(st *Status) {
		st.Received++
	})
}

func (h *Hub) MessageReceiveFailed(length int, content []byte, declared, computed uint16) {
	h.logger.Warn("message checksum mismatch", "length", length, "declared", declared, "computed", computed)
	h.publish(Event{
		Type:     EventMessageReceiveFailed,
		Payload:  content,
		Length:   length,
		Declared: declared,
		Computed: computed,
	}, nil)
}

func (h *Hub) MessageTransferred(momsn int) {
	h.publish(Event{Type: EventMessageTransferred, MOMSN: &momsn}, func(st *Status) {
		st.Transferred++
	})
}

func (h *Hub) MessageTransferFailed(momsn int) {
	h.publish(Event{Type: EventMessageTransferFailed, MOMSN: &momsn}, nil)
}

func (h *Hub) Notification(level slog.Level, msg, detail string) {
	h.logger.Log(context.Background(), level, msg, "detail", detail)
	h.publish(Event{Type: EventNotification, Level: level.String(), Message: msg, Detail: detail}, nil)
}

func (h *Hub) CommandFinished(cmd at.Command, ok bool, result any) {
	h.publish(Event{Type: EventCommandFinished, Command: cmd.String(), OK: &ok}, nil)
}
