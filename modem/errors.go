package modem

import "errors"

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrPort is returned by Connect when the Dialer cannot open the
	// transport.
	ErrPort = errors.New("port unavailable")

	// ErrConnection is returned by Connect when the transport opened but the
	// modem did not answer the configuration and liveness check.
	ErrConnection = errors.New("modem not responding")

	// ErrTimeout is returned by blocking calls whose deadline expired before
	// the modem answered. The pending command is left in place so that a late
	// response is still attributed to it.
	ErrTimeout = errors.New("timed out waiting for response")

	// ErrCommandPending is returned when a command is issued while another
	// one is still outstanding and the caller asked not to wait.
	ErrCommandPending = errors.New("command already pending")

	// ErrQueueFull is returned when the command queue is at capacity.
	ErrQueueFull = errors.New("command queue full")

	// ErrNotConnected is returned when an operation needs an open transport.
	// It also fails any outstanding command when the transport is lost.
	ErrNotConnected = errors.New("modem not connected")

	// ErrClosed fails commands that were outstanding when Close was called.
	ErrClosed = errors.New("modem closed")

	// ErrCommandFailed is returned when the modem answers ERROR or a non-zero
	// status code.
	ErrCommandFailed = errors.New("command failed")

	// ErrNoResult is returned when the modem answered OK without the payload
	// the command expects.
	ErrNoResult = errors.New("response carried no result")

	// ErrStaleCommand fails a pending command that was never answered and
	// has been reclaimed so that new commands can be issued.
	ErrStaleCommand = errors.New("command abandoned without response")

	// ErrLoopRunning is returned when Listen is called while another reader
	// loop is already consuming the transport.
	ErrLoopRunning = errors.New("reader loop already running")

	// ErrMessageTooLong is returned when an MO payload exceeds the 340 byte
	// limit of the SBD buffer.
	ErrMessageTooLong = errors.New("message too long")

	// ErrWriteBinary is returned when the modem rejects an SBD payload.
	// The wrapped text describes the status it reported.
	ErrWriteBinary = errors.New("write binary rejected")

	// ErrNoMessage is returned by AcquireMessage when the mailbox is empty.
	ErrNoMessage = errors.New("no message waiting")
)
