package driver

import "fmt"

// State is the lifecycle state of the worker process and its connection.
type State int

const (
	// Closed means no worker is running and no connection is open.
	Closed State = iota
	// Running means the worker started and the connection is open, but no hello has arrived yet.
	Running
	// Connected means the worker has greeted us and accepts requests.
	Connected
	// Closing means the worker and connection are being torn down.
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Running:
		return "running"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = Closed
	case "running":
		*s = Running
	case "connected":
		*s = Connected
	case "closing":
		*s = Closing
	default:
		return fmt.Errorf("unknown state %q", string(b))
	}
	return nil
}
