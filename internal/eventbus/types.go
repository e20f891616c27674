package eventbus

import "errors"

var (
	ErrClosed    = errors.New("eventbus: closed")
	ErrQueueFull = errors.New("eventbus: partition queue full")
)

// Event is one unit of work. Events sharing a Key land on the same
// partition and are handled in publish order.
type Event struct {
	Topic   string
	Key     string
	Payload interface{}
}

// Handler processes events of one topic.
type Handler func(event *Event) error

// partition is a single consumer goroutine with its own queue.
type partition struct {
	id    int
	node  string
	queue chan *Event
}
