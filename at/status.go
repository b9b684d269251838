package at

import (
	"fmt"
	"time"
)

// Iridium system time counts 90 ms ticks from an epoch that is reset roughly
// every 12 years.
var (
	EpochEraOne = time.Date(2007, time.March, 8, 3, 50, 35, 0, time.UTC)
	EpochEraTwo = time.Date(2014, time.May, 11, 14, 23, 55, 0, time.UTC)
)

// SystemTimeTick is the resolution of SystemTime.
const SystemTimeTick = 90 * time.Millisecond

// SystemTime is the value reported by AT-MSSTM.
type SystemTime uint32

// Time converts t to wall-clock time relative to epoch.
func (t SystemTime) Time(epoch time.Time) time.Time {
	return epoch.Add(time.Duration(t) * SystemTimeTick)
}

func (t SystemTime) String() string {
	return fmt.Sprintf("%08x", uint32(t))
}

// Ring holds the indicators reported by AT+CRIS.
type Ring struct {
	TRI int // telephony ring indication
	SRI int // SBD ring indication
}

// SessionResult is the outcome of an AT+SBDIX session.
type SessionResult struct {
	MOStatus int `json:"mo_status"`
	MOMSN    int `json:"momsn"`
	MTStatus int `json:"mt_status"`
	MTMSN    int `json:"mtmsn"`
	MTLength int `json:"mt_length"`
	MTQueued int `json:"mt_queued"`
}

// MOSuccess reports whether the mobile originated part succeeded.
func (r SessionResult) MOSuccess() bool {
	return r.MOStatus >= 0 && r.MOStatus <= 4
}

// MTReceived reports whether a message was moved into the MT buffer.
func (r SessionResult) MTReceived() bool {
	return r.MTStatus == 1 && r.MTLength > 0
}

var moStatus = map[int]string{
	0:  "MO message, if any, transferred successfully.",
	1:  "MO message, if any, transferred successfully, but the MT message in the queue was too big to be transferred.",
	2:  "MO message, if any, transferred successfully, but the requested Location Update was not accepted.",
	3:  "Reserved, but indicate MO session success if used.",
	4:  "Reserved, but indicate MO session success if used.",
	10: "Gateway reported that the call did not complete in the allowed time.",
	11: "MO message queue at the Gateway is full.",
	12: "MO message has too many segments.",
	13: "Gateway reported that the session did not complete.",
	14: "Invalid segment size.",
	15: "Access is denied.",
	16: "Modem has been locked and may not make SBD calls (see +CULK command).",
	17: "Gateway not responding (local session timeout).",
	18: "Connection lost (RF drop).",
	32: "No network service, unable to initiate call.",
	33: "Antenna fault, unable to initiate call.",
	34: "Radio is disabled, unable to initiate call (see *Rn command).",
	35: "Modem is busy, unable to initiate call (typically performing auto-registration).",
}

var mtStatus = map[int]string{
	0: "No MT SBD message to receive from the Gateway.",
	1: "MT SBD message successfully received from the Gateway.",
	2: "An error occurred while attempting to perform a mailbox check or receive a message from the Gateway.",
}

var writeStatus = map[int]string{
	0: "SBD message successfully written to the modem.",
	1: "SBD message write timeout.",
	2: "SBD message checksum does not match the checksum calculated by the modem.",
	3: "SBD message size is not correct.",
}

// MOStatusText describes an SBDIX MO status code.
func MOStatusText(code int) string {
	if s, ok := moStatus[code]; ok {
		return s
	}
	if code >= 5 && code <= 8 {
		return "Reserved, but indicate MO session failure if used."
	}
	return "Unknown failure."
}

// MTStatusText describes an SBDIX MT status code.
func MTStatusText(code int) string {
	if s, ok := mtStatus[code]; ok {
		return s
	}
	return "Unknown error."
}

// WriteStatusText describes the status digit returned after an SBDWB payload.
func WriteStatusText(code int) string {
	if s, ok := writeStatus[code]; ok {
		return s
	}
	return "Unknown write status."
}
