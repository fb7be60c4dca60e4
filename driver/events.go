package driver

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/driverlink/driver/framing"
	"github.com/guseggert/driverlink/driver/protocol"
	"github.com/guseggert/driverlink/driver/supervisor"
)

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventHelloReceived
	EventMessageReceived
	// EventOutput carries the output of one tagged eval block.
	EventOutput
	// EventLogLine carries one untagged output line.
	EventLogLine
	EventError
	EventDisconnected
	EventProcessFinished
)

var eventKindNames = map[EventKind]string{
	EventStateChanged:    "state_changed",
	EventHelloReceived:   "hello_received",
	EventMessageReceived: "message_received",
	EventOutput:          "output",
	EventLogLine:         "log_line",
	EventError:           "error",
	EventDisconnected:    "disconnected",
	EventProcessFinished: "process_finished",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(b []byte) error {
	for kind, name := range eventKindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", string(b))
}

// Event is a notification from the driver. Which fields are set depends on Kind.
type Event struct {
	Kind EventKind
	Time time.Time

	// set for EventStateChanged
	State State

	// set for EventOutput and EventLogLine
	Stream string `json:",omitempty"`
	Data   []byte `json:",omitempty"`

	// set for EventOutput, EventHelloReceived and EventMessageReceived
	SeqNum  uint32           `json:",omitempty"`
	Name    string           `json:",omitempty"`
	Message protocol.Message `json:",omitempty"`

	// set for EventError and EventDisconnected
	Err *supervisor.Error `json:",omitempty"`

	// set for EventProcessFinished
	ExitCode   int    `json:",omitempty"`
	ExitStatus string `json:",omitempty"`
}

func outputEvent(out framing.Output) Event {
	if out.Tagged {
		return Event{Kind: EventOutput, Stream: out.Stream.String(), SeqNum: out.SeqNum, Data: out.Data}
	}
	return Event{Kind: EventLogLine, Stream: out.Stream.String(), Data: out.Line}
}

// hub fans events out to subscribers. Publish never blocks: a subscriber with a full buffer misses the event.
type hub struct {
	m           sync.Mutex
	subscribers map[uuid.UUID]chan Event
	onDrop      func(Event)
}

func newHub(onDrop func(Event)) *hub {
	return &hub{subscribers: map[uuid.UUID]chan Event{}, onDrop: onDrop}
}

func (h *hub) Subscribe(buffer int) (<-chan Event, func()) {
	h.m.Lock()
	defer h.m.Unlock()
	id := uuid.New()
	ch := make(chan Event, buffer)
	h.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.m.Lock()
			defer h.m.Unlock()
			if _, ok := h.subscribers[id]; ok {
				delete(h.subscribers, id)
				close(ch)
			}
		})
	}
}

func (h *hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.m.Lock()
	defer h.m.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- e:
		default:
			if h.onDrop != nil {
				h.onDrop(e)
			}
		}
	}
}

// Close closes every subscriber channel.
func (h *hub) Close() {
	h.m.Lock()
	defer h.m.Unlock()
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}
