package bridge

import (
	"time"

	"github.com/guseggert/driverlink/driver"
	"github.com/guseggert/driverlink/driver/protocol"
	"github.com/guseggert/driverlink/driver/supervisor"
)

// Driver is the part of *driver.Driver the bridge exposes.
type Driver interface {
	GoOnline() bool
	ExecuteCommand(name string, msg protocol.Message, timeout time.Duration) (protocol.Message, bool)
	SendCommand(name string, msg protocol.Message) uint32
	RequestClose()
	State() driver.State
	Port() int
	ProtocolVersion() int
	BackendVersion() string
	LastError() *supervisor.Error
	Subscribe(buffer int) (<-chan driver.Event, func())
}

type StatusResponse struct {
	State           driver.State
	Port            int
	ProtocolVersion int
	BackendVersion  string
	LastError       *supervisor.Error `json:",omitempty"`
}

type OnlineResponse struct {
	Online    bool
	LastError *supervisor.Error `json:",omitempty"`
}

// Payload is a protocol.Message on the wire. Values are base64 in JSON, so any bytes survive.
type Payload map[string][][]byte

func NewPayload(msg protocol.Message) Payload {
	if msg == nil {
		return nil
	}
	p := make(Payload, len(msg))
	for k, vs := range msg {
		l := make([][]byte, 0, len(vs))
		for _, v := range vs {
			l = append(l, []byte(v))
		}
		p[k] = l
	}
	return p
}

func (p Payload) Message() protocol.Message {
	if p == nil {
		return nil
	}
	msg := make(protocol.Message, len(p))
	for k, vs := range p {
		l := make([]string, 0, len(vs))
		for _, v := range vs {
			l = append(l, string(v))
		}
		msg[k] = l
	}
	return msg
}

type ExecuteRequest struct {
	Name    string
	Message Payload
	// TimeoutMS of 0 uses the server's default.
	TimeoutMS int64
}

type ExecuteResponse struct {
	OK      bool
	Message Payload
}

type SendRequest struct {
	Name    string
	Message Payload
}

// WireEvent is a driver.Event as streamed from /events.
type WireEvent struct {
	driver.Event
	Message Payload `json:",omitempty"`
}

func newWireEvent(e driver.Event) WireEvent {
	return WireEvent{Event: e, Message: NewPayload(e.Message)}
}

func (w WireEvent) event() driver.Event {
	e := w.Event
	e.Message = w.Message.Message()
	return e
}

type SendResponse struct {
	SeqNum uint32
}

var _ Driver = (*driver.Driver)(nil)
