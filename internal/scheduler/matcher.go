package scheduler

import (
	"github.com/taskherd/taskherd/internal/events"
)

// MatchEvent returns true if the event matches the given trigger.
// Events emitted by the scheduler itself are always rejected to prevent loops.
func MatchEvent(e events.Event, trigger *EventTrigger) bool {
	if trigger == nil {
		return false
	}

	if e.Source == events.SourceScheduler {
		return false
	}

	if string(e.Type) != trigger.Event {
		return false
	}

	// All filter key/value pairs must match in the payload
	for key, expected := range trigger.Filter {
		val, ok := e.Payload[key]
		if !ok {
			return false
		}
		strVal, ok := val.(string)
		if !ok || strVal != expected {
			return false
		}
	}

	return true
}
