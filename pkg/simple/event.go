package simple

// Event identifies a session notification delivered to the callback.
type Event int

const (
	EventInvalid Event = iota
	EventNone
	// EventError carries an error as its argument.
	EventError
	// EventThreadStart is emitted by the thread creating the worker.
	EventThreadStart
	// EventThreadPostStart is emitted by the worker once it runs. It may
	// be observed before EventThreadStart since the two are emitted from
	// different goroutines.
	EventThreadPostStart
	// EventThreadStop is emitted when a stop request is accepted.
	EventThreadStop
	// EventThreadPreStop is emitted by the worker just before it exits.
	EventThreadPreStop
	// EventVUMeterResult carries a vumeter.Result.
	EventVUMeterResult
	// EventStreamState carries a StreamStateChange.
	EventStreamState
	// EventReconnect carries the remaining back-off as a time.Duration.
	EventReconnect
	// EventSegmentConnect and EventSegmentDisconnect carry the *Segment.
	EventSegmentConnect
	EventSegmentDisconnect
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventError:
		return "error"
	case EventThreadStart:
		return "thread-start"
	case EventThreadPostStart:
		return "thread-post-start"
	case EventThreadStop:
		return "thread-stop"
	case EventThreadPreStop:
		return "thread-pre-stop"
	case EventVUMeterResult:
		return "vumeter-result"
	case EventStreamState:
		return "streamstate"
	case EventReconnect:
		return "reconnect"
	case EventSegmentConnect:
		return "segment-connect"
	case EventSegmentDisconnect:
		return "segment-disconnect"
	}
	return "invalid"
}

// StreamState describes the connection phase of the session.
type StreamState int

const (
	StreamStateConnecting StreamState = iota
	StreamStateConnected
	StreamStateDisconnecting
	StreamStateDisconnected
	StreamStateConnectionError
)

// String returns the stream state name.
func (s StreamState) String() string {
	switch s {
	case StreamStateConnecting:
		return "connecting"
	case StreamStateConnected:
		return "connected"
	case StreamStateDisconnecting:
		return "disconnecting"
	case StreamStateDisconnected:
		return "disconnected"
	case StreamStateConnectionError:
		return "connection-error"
	}
	return "unknown"
}

// StreamStateChange is the payload of EventStreamState. Err is set for
// StreamStateConnectionError.
type StreamStateChange struct {
	State StreamState
	Err   error
}

// Callback receives session events. It runs on the emitting goroutine
// with the session lock released; payloads are read-only to the
// callback. It must not call back into Stop.
type Callback func(s *Session, event Event, arg any)
