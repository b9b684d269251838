package modem_test

import (
	"fmt"
	"io"
	"sync"

	gomock "go.uber.org/mock/gomock"

	"i4.energy/across/sbdgw/modem"
)

// MockSequenceBuilder scripts a MockTransport. Every expected Write queues
// the modem's reply, which the next Read returns. Reads block until a reply
// is queued and return io.EOF after Hangup.
type MockSequenceBuilder struct {
	transport *modem.MockTransport
	replies   chan string
	hangup    sync.Once
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	b := &MockSequenceBuilder{
		transport: transport,
		replies:   make(chan string, 16),
		calls:     []any{},
	}
	transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		resp, ok := <-b.replies
		if !ok {
			return 0, io.EOF
		}
		return copy(p, resp), nil
	}).AnyTimes()
	return b
}

func (b *MockSequenceBuilder) expect(cmd, reply string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd+"\r")).DoAndReturn(func(p []byte) (int, error) {
			if reply != "" {
				b.replies <- reply
			}
			return len(p), nil
		}),
	)
	return b
}

// echoOK answers cmd with its echo and OK.
func (b *MockSequenceBuilder) echoOK(cmd string) *MockSequenceBuilder {
	return b.expect(cmd, cmd+"\r\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOn() *MockSequenceBuilder {
	return b.echoOK("ATE1")
}

func (b *MockSequenceBuilder) FlowControlOff() *MockSequenceBuilder {
	return b.echoOK("AT&K0")
}

func (b *MockSequenceBuilder) RingAlertsOn() *MockSequenceBuilder {
	return b.echoOK("AT+SBDMTA=1")
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.echoOK("AT")
}

// Connect scripts the default connect sequence.
func (b *MockSequenceBuilder) Connect() *MockSequenceBuilder {
	return b.EchoOn().FlowControlOff().RingAlertsOn().AT()
}

func (b *MockSequenceBuilder) SignalQuality(q int) *MockSequenceBuilder {
	return b.expect("AT+CSQ", fmt.Sprintf("AT+CSQ\r\r\n+CSQ:%d\r\n\r\nOK\r\n", q))
}

// Unanswered expects cmd and never replies.
func (b *MockSequenceBuilder) Unanswered(cmd string) *MockSequenceBuilder {
	return b.expect(cmd, "")
}

// Close expects the transport to be closed, which hangs up pending reads.
func (b *MockSequenceBuilder) Close(err error) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Close().DoAndReturn(func() error {
			b.Hangup()
			return err
		}),
	)
	return b
}

// Hangup makes blocked and future reads return io.EOF.
func (b *MockSequenceBuilder) Hangup() {
	b.hangup.Do(func() { close(b.replies) })
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}
