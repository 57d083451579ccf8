package push

import "context"

type EventType string

const (
	EventMessage          EventType = "message"
	EventConnectionChange EventType = "connectionChange"
)

// Event is delivered by a Client. Data is set for messages, Connected for
// connection changes.
type Event struct {
	Type      EventType
	Data      []byte
	Connected bool
	Err       error
}

type Handler func(Event)

// Client is the push transport consumed by the pipeline.
type Client interface {
	// On registers the handler for an event type, replacing any previous one.
	On(event EventType, handler Handler)
	Off(event EventType)
	// Connect dials the transport. Delivery continues in the background until
	// Close or until ctx is done.
	Connect(ctx context.Context) error
	Close() error
}
