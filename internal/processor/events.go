package processor

import (
	"time"

	"github.com/marcus/taskmesh/internal/task"
)

// EventType classifies processor lifecycle events.
type EventType int

const (
	EventTaskStart    EventType = iota // task claimed for execution
	EventAttemptStart                  // handler invocation begins
	EventAttemptEnd                    // handler invocation finished
	EventTaskRetry                     // transient failure, rescheduled
	EventTaskEnd                       // task reached a terminal status
)

// Event carries data about a processor lifecycle event.
type Event struct {
	Type        EventType
	Time        time.Time
	TaskID      string
	TaskType    string
	Attempt     int           // current attempt (1-based)
	MaxAttempts int           // retry budget configured
	Status      task.Status   // for EventTaskEnd: final status
	NotBefore   time.Time     // for EventTaskRetry: next execution time
	Duration    time.Duration // for EventAttemptEnd/EventTaskEnd: elapsed time
	Error       string        // error message if applicable
}

// EventHandler is a callback that receives processor events.
type EventHandler func(Event)
