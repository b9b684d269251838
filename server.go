package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"i4.energy/across/sbdgw/at"
	"i4.energy/across/sbdgw/modem"
	"i4.energy/across/sbdgw/sbd"
)

// Driver is the part of the modem driver the HTTP API uses.
type Driver interface {
	State() modem.State
	SerialNumber() string
	Pending() (at.Command, bool)
	Epoch() time.Time
	AcquireSignalQuality(ctx context.Context) (int, error)
	AcquireSerialNumber(ctx context.Context) (string, error)
	AcquireSystemTime(ctx context.Context) (at.SystemTime, error)
	AcquireMessage(ctx context.Context) ([]byte, error)
}

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger *slog.Logger
	Modem  Driver
	Hub    *Hub
	Outbox *Outbox

	handler  http.Handler
	upgrader websocket.Upgrader
}

func NewServer(logger *slog.Logger, m Driver, hub *Hub, outbox *Outbox) *Server {
	s := &Server{
		Logger: logger,
		Modem:  m,
		Hub:    hub,
		Outbox: outbox,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/signal", s.handleSignal).Methods(http.MethodGet)
	r.HandleFunc("/serial", s.handleSerial).Methods(http.MethodGet)
	r.HandleFunc("/time", s.handleTime).Methods(http.MethodGet)
	r.HandleFunc("/messages", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}", s.handleJob).Methods(http.MethodGet)
	r.HandleFunc("/mailbox", s.handleMailbox).Methods(http.MethodPost)
	r.HandleFunc("/events", s.handleEvents)

	s.handler = cors.AllowAll().Handler(r)
	return s
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to write response", "error", err)
	}
}

// sendModemError maps a driver error to an HTTP status.
func (s *Server) sendModemError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, modem.ErrNotConnected), errors.Is(err, modem.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, modem.ErrCommandPending), errors.Is(err, modem.ErrQueueFull):
		status = http.StatusConflict
	case errors.Is(err, modem.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, modem.ErrCommandFailed), errors.Is(err, at.ErrParse):
		status = http.StatusBadGateway
	}
	s.sendError(w, err.Error(), status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		Status
		Pending string `json:"pending,omitempty"`
	}

	resp := StatusResponse{Status: s.Hub.Status()}
	resp.State = s.Modem.State().String()
	if sn := s.Modem.SerialNumber(); sn != "" {
		resp.SerialNumber = sn
	}
	if cmd, ok := s.Modem.Pending(); ok {
		resp.Pending = cmd.String()
	}
	s.sendJSON(w, resp, http.StatusOK)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	q, err := s.Modem.AcquireSignalQuality(r.Context())
	if err != nil {
		s.Logger.Error("Failed to read signal quality", "error", err)
		s.sendModemError(w, err)
		return
	}
	s.sendJSON(w, map[string]int{"signal_quality": q}, http.StatusOK)
}

func (s *Server) handleSerial(w http.ResponseWriter, r *http.Request) {
	sn, err := s.Modem.AcquireSerialNumber(r.Context())
	if err != nil {
		s.Logger.Error("Failed to read serial number", "error", err)
		s.sendModemError(w, err)
		return
	}
	s.sendJSON(w, map[string]string{"serial_number": sn}, http.StatusOK)
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	st, err := s.Modem.AcquireSystemTime(r.Context())
	if err != nil {
		s.Logger.Error("Failed to read system time", "error", err)
		s.sendModemError(w, err)
		return
	}

	type TimeResponse struct {
		SystemTime string    `json:"system_time"`
		Time       time.Time `json:"time"`
	}
	s.sendJSON(w, TimeResponse{SystemTime: st.String(), Time: st.Time(s.Modem.Epoch())}, http.StatusOK)
}

// handleSend queues an MO message in the outbox
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req moRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload := req.payload()
	if len(payload) == 0 {
		s.sendError(w, "either 'message' or 'data' is required", http.StatusBadRequest)
		return
	}

	id, err := s.Outbox.Enqueue(req.ID, payload)
	switch {
	case errors.Is(err, sbd.ErrTooLong):
		s.sendError(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	case errors.Is(err, ErrOutboxFull):
		s.sendError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.Logger.Info("Message queued", "id", id, "length", len(payload))
	s.sendJSON(w, map[string]string{"status": JobQueued, "id": id}, http.StatusAccepted)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.Outbox.Job(mux.Vars(r)["id"])
	if err != nil {
		s.sendError(w, err.Error(), http.StatusNotFound)
		return
	}
	s.sendJSON(w, st, http.StatusOK)
}

// handleMailbox runs a mailbox check and returns the MT message, if any
func (s *Server) handleMailbox(w http.ResponseWriter, r *http.Request) {
	msg, err := s.Modem.AcquireMessage(r.Context())
	switch {
	case errors.Is(err, modem.ErrNoMessage):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil && msg == nil:
		s.Logger.Error("Mailbox check failed", "error", err)
		s.sendModemError(w, err)
		return
	}

	type MailboxResponse struct {
		Data  []byte `json:"data"`
		Valid bool   `json:"valid"`
		Error string `json:"error,omitempty"`
	}
	resp := MailboxResponse{Data: msg, Valid: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	s.sendJSON(w, resp, http.StatusOK)
}

// handleEvents upgrades the connection to a WebSocket and streams hub
// events as JSON until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.Hub.Subscribe(100)
	defer cancel()

	// Reads detect the client closing the connection.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
