package outbox

import "context"

// Message is what the Dispatcher hands to a Publisher for one record.
type Message struct {
	Queue     string
	Body      []byte
	MessageID string
	Durable   bool
	Headers   map[string]any
}

// Publisher delivers a message to its queue and returns once the broker has
// accepted it. Implementations return *Error of KindTransport on failure.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}
