package isotp

// EventType classifies the notifications a channel context emits.
type EventType uint8

const (
	// EventDataReceived carries a completely reassembled payload.
	EventDataReceived EventType = iota
	// EventFirstFrameReceived announces the start of a multi-frame
	// reception; Data holds the first chunk.
	EventFirstFrameReceived
	// EventWait reports that the transfer is stalled, either waiting for
	// more consecutive frames or told to hold by a Wait flow control.
	EventWait
	// EventErrorOccurred mirrors a handler error to the sinks; Err holds
	// the cause.
	EventErrorOccurred
)

func (t EventType) String() string {
	switch t {
	case EventDataReceived:
		return "DataReceived"
	case EventFirstFrameReceived:
		return "FirstFrameReceived"
	case EventWait:
		return "Wait"
	case EventErrorOccurred:
		return "ErrorOccurred"
	}
	return "Unknown"
}

// Event is one notification dispatched to a channel's listeners.
type Event struct {
	Type EventType
	Data []byte
	Err  error
}

// EventListener receives channel events. Dispatch is synchronous and in
// registration order; a listener must not call back into the registry
// for the same channel from inside OnIsoTpEvent.
type EventListener interface {
	OnIsoTpEvent(channel string, event Event)
}

// EventListenerFunc adapts a plain function to the EventListener
// interface.
type EventListenerFunc func(channel string, event Event)

func (f EventListenerFunc) OnIsoTpEvent(channel string, event Event) {
	f(channel, event)
}
