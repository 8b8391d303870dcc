package wsclient

import (
	"github.com/mealmatch/realtime/internal/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind identifies what a listener is notified about.
type EventKind int

const (
	// Lifecycle events raised by the manager itself.
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventMaxReconnectAttemptsReached
	EventError

	// Server frames.
	EventSessionReady // server "connected" acknowledgement
	EventNewMatch
	EventMatchUpdate
	EventPartnerOnline
	EventPartnerOffline
	EventPartnerActivity
	EventPong
	EventServerError // server "error" frame; the connection stays up
	EventMessage     // any other frame type
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMaxReconnectAttemptsReached:
		return "maxReconnectAttemptsReached"
	case EventError:
		return "error"
	case EventSessionReady:
		return "sessionReady"
	case EventNewMatch:
		return "newMatch"
	case EventMatchUpdate:
		return "matchUpdate"
	case EventPartnerOnline:
		return "partnerOnline"
	case EventPartnerOffline:
		return "partnerOffline"
	case EventPartnerActivity:
		return "partnerActivity"
	case EventPong:
		return "pong"
	case EventServerError:
		return "serverError"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners. Envelope is set for server frames; Code
// and Reason for EventDisconnected; Err for EventError, which reports local
// failures such as a refused dial.
type Event struct {
	Kind     EventKind
	Envelope protocol.Envelope
	Code     int
	Reason   string
	Err      error
}

// Listener receives events. Listeners run on the manager's goroutines and
// must not block.
type Listener func(Event)

var kindByType = map[string]EventKind{
	protocol.TypeConnected:       EventSessionReady,
	protocol.TypeNewMatch:        EventNewMatch,
	protocol.TypeMatchUpdate:     EventMatchUpdate,
	protocol.TypePartnerOnline:   EventPartnerOnline,
	protocol.TypePartnerOffline:  EventPartnerOffline,
	protocol.TypePartnerActivity: EventPartnerActivity,
	protocol.TypePong:            EventPong,
	protocol.TypeError:           EventServerError,
}

// kindFor maps an inbound frame type to its event kind.
func kindFor(msgType string) EventKind {
	if k, ok := kindByType[msgType]; ok {
		return k
	}
	return EventMessage
}
