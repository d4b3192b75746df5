package client

import "fmt"

// State is the connection state of a Client.
type State int

const (
	Unconnected State = iota
	HostLookup
	Connecting
	Sending
	Reading
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "Unconnected"
	case HostLookup:
		return "HostLookup"
	case Connecting:
		return "Connecting"
	case Sending:
		return "Sending"
	case Reading:
		return "Reading"
	case Connected:
		return "Connected"
	case Closing:
		return "Closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ConnectionMode selects plain or TLS connections to the origin.
type ConnectionMode int

const (
	ModeHTTP ConnectionMode = iota
	ModeHTTPS
)

func (m ConnectionMode) String() string {
	if m == ModeHTTPS {
		return "https"
	}
	return "http"
}
