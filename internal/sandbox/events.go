package sandbox

import (
	"time"

	"github.com/jkaninda/boxd/internal/process"
)

// EventType identifies a lifecycle notification.
type EventType string

const (
	EventStarted      EventType = "started"
	EventCodeExecuted EventType = "codeExecuted"
	EventStopped      EventType = "stopped"
	EventError        EventType = "error"
)

// Event is delivered to an Observer. Only the fields relevant to Type are set.
type Event struct {
	Type        EventType
	Sandbox     string // Container name.
	ContainerID string
	Time        time.Time

	// codeExecuted
	Language string
	Code     string
	File     string
	Result   *process.Result

	// error
	Op  string
	Err error
}

// Observer receives lifecycle events synchronously on the calling goroutine.
// Implementations must not block or call back into the Sandbox.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }
