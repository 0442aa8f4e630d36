package task

import (
	"fmt"
	"time"
)

type EventKind int

const (
	EventBegin EventKind = iota
	EventProgress
	EventComplete
	EventInfo
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventBegin:
		return "begin"
	case EventProgress:
		return "progress"
	case EventComplete:
		return "complete"
	case EventInfo:
		return "info"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// An Event is a status marker appended by a task while it runs.
type Event struct {
	Kind    EventKind
	Source  Descriptor // descriptor of the task which recorded it
	Title   string
	Message string
	Time    time.Time
	Attrs   map[string]interface{}
}

func (e Event) String() string {
	return fmt.Sprintf("%s [%s] %s %s", e.Time.Format(time.RFC3339), e.Kind, e.Title, e.Message)
}
