package broker

import "github.com/miragespace/ctfinstancer/spec"

// Publisher defines a producer sending instance lifecycle events via message broker
type Publisher interface {
	Close()
	PublishEvent(e *spec.Event) error
}
